package postcall

import (
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/pailflow/pailflow/pkg/types"
)

var twoPairs = []types.QAPair{
	{Question: "Q1", Answer: "A1"},
	{Question: "Q2", Answer: "A2"},
}

func TestParseInsightsHappyPath(t *testing.T) {
	t.Parallel()

	content := `{
		"overall_score": 7.5,
		"competency_scores": {"communication": 8, "depth": 6},
		"strengths": ["clear"],
		"weaknesses": ["terse"],
		"question_assessments": [
			{"question": "Q1", "answer": "A1", "score": 8, "notes": "good"},
			{"question": "Q2", "answer": "A2", "score": 7, "notes": "ok"}
		],
		"person_name": "Ada",
		"timeline": ["intro", "deep dive"]
	}`

	in, err := parseInsights(content, twoPairs)
	if err != nil {
		t.Fatalf("parseInsights() error = %v", err)
	}
	if in.OverallScore != 7.5 {
		t.Errorf("overall = %v", in.OverallScore)
	}
	if in.CompetencyScores["communication"] != 8 {
		t.Errorf("competency = %v", in.CompetencyScores)
	}
	if len(in.QuestionAssessments) != 2 || in.QuestionAssessments[0].Score != 8 {
		t.Errorf("assessments = %+v", in.QuestionAssessments)
	}
	// Custom schema extensions survive.
	if in.Extra["person_name"] != "Ada" {
		t.Errorf("extra = %+v", in.Extra)
	}
	if _, ok := in.Extra["timeline"]; !ok {
		t.Error("timeline extension dropped")
	}
}

func TestParseInsightsClampsScores(t *testing.T) {
	t.Parallel()

	content := `{
		"overall_score": 42,
		"competency_scores": {"x": -3, "y": 11},
		"question_assessments": [
			{"question": "Q1", "answer": "A1", "score": 100, "notes": ""},
			{"question": "Q2", "answer": "A2", "score": -1, "notes": ""}
		]
	}`

	in, err := parseInsights(content, twoPairs)
	if err != nil {
		t.Fatalf("parseInsights() error = %v", err)
	}
	if in.OverallScore != 10 {
		t.Errorf("overall = %v, want clamped to 10", in.OverallScore)
	}
	if in.CompetencyScores["x"] != 0 || in.CompetencyScores["y"] != 10 {
		t.Errorf("competencies = %v", in.CompetencyScores)
	}
	if in.QuestionAssessments[0].Score != 10 || in.QuestionAssessments[1].Score != 0 {
		t.Errorf("assessments = %+v", in.QuestionAssessments)
	}
	if in.Strengths == nil || in.Weaknesses == nil {
		t.Error("absent strengths/weaknesses should default to empty lists")
	}
}

func TestParseInsightsFiltersNonDictItems(t *testing.T) {
	t.Parallel()

	content := `{
		"overall_score": 5,
		"question_assessments": [
			"garbage",
			{"question": "Q1", "answer": "A1", "score": 5, "notes": ""},
			42,
			{"question": "Q2", "answer": "A2", "score": 5, "notes": ""}
		]
	}`

	in, err := parseInsights(content, twoPairs)
	if err != nil {
		t.Fatalf("parseInsights() error = %v", err)
	}
	if len(in.QuestionAssessments) != 2 {
		t.Errorf("assessments = %+v, want garbage filtered", in.QuestionAssessments)
	}
}

func TestParseInsightsRebuildsOnLengthMismatch(t *testing.T) {
	t.Parallel()

	content := `{
		"overall_score": 5,
		"question_assessments": [{"question": "Q1", "answer": "A1", "score": 9, "notes": "x"}]
	}`

	in, err := parseInsights(content, twoPairs)
	if err != nil {
		t.Fatalf("parseInsights() error = %v", err)
	}
	if len(in.QuestionAssessments) != len(twoPairs) {
		t.Fatalf("assessments = %d, want rebuilt to %d", len(in.QuestionAssessments), len(twoPairs))
	}
	for i, a := range in.QuestionAssessments {
		if a.Question != twoPairs[i].Question || a.Score != 0 || a.Notes != "" {
			t.Errorf("rebuilt[%d] = %+v", i, a)
		}
	}
}

func TestParseInsightsCodeFence(t *testing.T) {
	t.Parallel()

	content := "```json\n{\"overall_score\": 6}\n```"
	in, err := parseInsights(content, nil)
	if err != nil {
		t.Fatalf("parseInsights() error = %v", err)
	}
	if in.OverallScore != 6 {
		t.Errorf("overall = %v", in.OverallScore)
	}
}

func TestParseInsightsInvalidJSON(t *testing.T) {
	t.Parallel()

	if _, err := parseInsights("not json", twoPairs); err == nil {
		t.Fatal("parseInsights() error = nil for garbage input")
	}
}

func TestPlaceholderInsights(t *testing.T) {
	t.Parallel()

	in := placeholderInsights(twoPairs)
	if in.OverallScore != 0 {
		t.Errorf("overall = %v, want 0", in.OverallScore)
	}
	if len(in.QuestionAssessments) != 2 {
		t.Fatalf("assessments = %d, want 2", len(in.QuestionAssessments))
	}
	for _, a := range in.QuestionAssessments {
		if a.Notes != pendingAssessmentNote {
			t.Errorf("notes = %q, want %q", a.Notes, pendingAssessmentNote)
		}
	}
	if in.Extra["note"] != analysisPendingNote {
		t.Errorf("note = %v, want %q", in.Extra["note"], analysisPendingNote)
	}

	empty := placeholderInsights(nil)
	if empty.Extra["note"] != noPairsNote {
		t.Errorf("note = %v, want %q", empty.Extra["note"], noPairsNote)
	}
	if len(empty.QuestionAssessments) != 0 {
		t.Errorf("assessments = %+v, want none", empty.QuestionAssessments)
	}
}

// Every insight object, however hostile the model output, keeps its scores in
// [0, 10] and its assessment count equal to the pair count.
func TestInsightScoreBounds(t *testing.T) {
	t.Parallel()

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("scores clamp and assessment count matches", prop.ForAll(
		func(overall float64, qScore float64) bool {
			content := `{"overall_score": ` + floatLit(overall) +
				`, "question_assessments": [{"question":"Q1","answer":"A1","score":` + floatLit(qScore) + `,"notes":""},` +
				`{"question":"Q2","answer":"A2","score":0,"notes":""}]}`
			in, err := parseInsights(content, twoPairs)
			if err != nil {
				return false
			}
			if in.OverallScore < 0 || in.OverallScore > 10 {
				return false
			}
			if len(in.QuestionAssessments) != len(twoPairs) {
				return false
			}
			for _, a := range in.QuestionAssessments {
				if a.Score < 0 || a.Score > 10 {
					return false
				}
			}
			return true
		},
		gen.Float64Range(-1e6, 1e6),
		gen.Float64Range(-1e6, 1e6),
	))

	properties.TestingRun(t)
}

func floatLit(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
