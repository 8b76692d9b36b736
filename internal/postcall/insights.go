package postcall

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pailflow/pailflow/pkg/provider/llm"
	"github.com/pailflow/pailflow/pkg/types"
)

const (
	// insightTemperature keeps the analysis model near-deterministic.
	insightTemperature = 0.3

	// pendingAssessmentNote marks assessments produced without model analysis.
	pendingAssessmentNote = "Assessment pending — AI analysis unavailable"

	// analysisPendingNote and noPairsNote distinguish the two placeholder
	// causes in the insights themselves.
	analysisPendingNote = "Analysis pending"
	noPairsNote         = "No structured Q&A pairs found"
)

const defaultAnalysisPrompt = `You are an expert interview analyst. Analyze the following interview transcript and its question/answer pairs.

Transcript:
{transcript}

Question/answer pairs:
{qa_text}

Respond with a single JSON object with exactly this structure:
{
  "overall_score": <number 0-10>,
  "competency_scores": {"<competency>": <number 0-10>, ...},
  "strengths": ["<strength>", ...],
  "weaknesses": ["<weakness>", ...],
  "question_assessments": [{"question": "<q>", "answer": "<a>", "score": <number 0-10>, "notes": "<notes>"}, ...]
}

Provide one question_assessment entry per question/answer pair, in order. Respond with JSON only, no surrounding text.`

// extractInsights runs the analysis LLM call and validates its output into a
// well-formed Insights value. It never fails: any model or parse problem
// degrades to placeholder insights so the pipeline always completes.
func (p *Pipeline) extractInsights(ctx context.Context, transcript string, pairs []types.QAPair, analysisPrompt string) (*types.Insights, llm.Usage) {
	prompt := analysisPrompt
	if prompt == "" {
		prompt = defaultAnalysisPrompt
	}
	prompt = strings.ReplaceAll(prompt, "{transcript}", transcript)
	prompt = strings.ReplaceAll(prompt, "{qa_text}", QAText(pairs))

	resp, err := p.llm.Complete(ctx, llm.CompletionRequest{
		Messages:    []types.Message{{Role: "user", Content: prompt}},
		Temperature: insightTemperature,
		JSONMode:    true,
	})
	if err != nil || resp == nil {
		p.log.Warn("insight extraction call failed", "error", err)
		return placeholderInsights(pairs), llm.Usage{}
	}

	insights, perr := parseInsights(resp.Content, pairs)
	if perr != nil {
		p.log.Warn("insight response unusable, using placeholders", "error", perr)
		return placeholderInsights(pairs), resp.Usage
	}
	return insights, resp.Usage
}

// parseInsights decodes and sanitizes the model's JSON response. Scores are
// clamped to [0, 10], malformed list items dropped, the assessment list
// rebuilt when its length disagrees with the parsed pairs, and any fields
// outside the fixed schema preserved.
func parseInsights(content string, pairs []types.QAPair) (*types.Insights, error) {
	raw := map[string]any{}
	if err := json.Unmarshal([]byte(stripCodeFence(content)), &raw); err != nil {
		return nil, fmt.Errorf("postcall: decode insight json: %w", err)
	}

	in := &types.Insights{
		OverallScore:     clampScore(asFloat(raw["overall_score"])),
		CompetencyScores: map[string]float64{},
		Strengths:        asStringList(raw["strengths"]),
		Weaknesses:       asStringList(raw["weaknesses"]),
	}

	if m, ok := raw["competency_scores"].(map[string]any); ok {
		for k, v := range m {
			in.CompetencyScores[k] = clampScore(asFloat(v))
		}
	}

	if list, ok := raw["question_assessments"].([]any); ok {
		for _, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			in.QuestionAssessments = append(in.QuestionAssessments, types.QuestionAssessment{
				Question: asString(m["question"]),
				Answer:   asString(m["answer"]),
				Score:    clampScore(asFloat(m["score"])),
				Notes:    asString(m["notes"]),
			})
		}
	}
	if len(in.QuestionAssessments) != len(pairs) {
		in.QuestionAssessments = rebuildAssessments(pairs, "")
	}

	for k, v := range raw {
		switch k {
		case "overall_score", "competency_scores", "strengths", "weaknesses", "question_assessments", "qa_pairs":
		default:
			if in.Extra == nil {
				in.Extra = map[string]any{}
			}
			in.Extra[k] = v
		}
	}
	return in, nil
}

// placeholderInsights is the degradation path when no usable analysis exists.
func placeholderInsights(pairs []types.QAPair) *types.Insights {
	note := analysisPendingNote
	if len(pairs) == 0 {
		note = noPairsNote
	}
	return &types.Insights{
		CompetencyScores:    map[string]float64{},
		Strengths:           []string{},
		Weaknesses:          []string{},
		QuestionAssessments: rebuildAssessments(pairs, pendingAssessmentNote),
		Extra:               map[string]any{"note": note},
	}
}

func rebuildAssessments(pairs []types.QAPair, notes string) []types.QuestionAssessment {
	out := make([]types.QuestionAssessment, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, types.QuestionAssessment{
			Question: p.Question,
			Answer:   p.Answer,
			Score:    0,
			Notes:    notes,
		})
	}
	return out
}

// stripCodeFence tolerates models that wrap their JSON in a markdown fence
// despite JSON mode.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 10 {
		return 10
	}
	return v
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asStringList(v any) []string {
	out := []string{}
	list, ok := v.([]any)
	if !ok {
		return out
	}
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
