package postcall

import (
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/pailflow/pailflow/pkg/types"
)

func TestParseTranscriptAlternation(t *testing.T) {
	t.Parallel()

	transcript := strings.Join([]string{
		"[2026-03-01T10:00:00Z] B: Tell me about yourself.",
		"[2026-03-01T10:00:10Z] Ada: I build compilers.",
		"[2026-03-01T10:00:20Z] B: What draws you to that?",
		"[2026-03-01T10:00:30Z] Ada: The puzzle of it.",
	}, "\n")

	pairs := ParseTranscript(transcript, "B")
	if len(pairs) != 2 {
		t.Fatalf("pairs = %d, want 2: %+v", len(pairs), pairs)
	}
	if pairs[0].Question != "Tell me about yourself." || pairs[0].Answer != "I build compilers." {
		t.Errorf("pair[0] = %+v", pairs[0])
	}
	if pairs[1].Question != "What draws you to that?" || pairs[1].Answer != "The puzzle of it." {
		t.Errorf("pair[1] = %+v", pairs[1])
	}
}

func TestParseTranscriptMergesConsecutiveTurns(t *testing.T) {
	t.Parallel()

	transcript := strings.Join([]string{
		"[t] B: First part of the question.",
		"[t] B: Second part.",
		"[t] Ada: Part one of the answer.",
		"[t] Ada: Part two.",
	}, "\n")

	pairs := ParseTranscript(transcript, "B")
	if len(pairs) != 1 {
		t.Fatalf("pairs = %d, want 1", len(pairs))
	}
	if pairs[0].Question != "First part of the question. Second part." {
		t.Errorf("question = %q", pairs[0].Question)
	}
	if pairs[0].Answer != "Part one of the answer. Part two." {
		t.Errorf("answer = %q", pairs[0].Answer)
	}
}

func TestParseTranscriptFallback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		transcript string
	}{
		{"only user speech", "[t] Ada: Hello?\n[t] Ada: Anyone there?"},
		{"only bot speech", "[t] B: Hello!\n[t] B: I will wait."},
		{"unstructured text", "free-form notes without any speaker markers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pairs := ParseTranscript(tt.transcript, "B")
			if len(pairs) != 1 {
				t.Fatalf("pairs = %d, want single fallback entry", len(pairs))
			}
			if pairs[0].Question != FallbackQuestion {
				t.Errorf("question = %q, want %q", pairs[0].Question, FallbackQuestion)
			}
			if pairs[0].Answer == "" {
				t.Error("fallback answer is empty")
			}
		})
	}
}

func TestParseTranscriptEmpty(t *testing.T) {
	t.Parallel()

	if pairs := ParseTranscript("", "B"); pairs != nil {
		t.Errorf("pairs for empty transcript = %+v, want nil", pairs)
	}
	if pairs := ParseTranscript("   \n  \n", "B"); pairs != nil {
		t.Errorf("pairs for blank transcript = %+v, want nil", pairs)
	}
}

func TestParseTranscriptAssistantLabel(t *testing.T) {
	t.Parallel()

	transcript := "[t] assistant: How are you?\n[t] Ada: Fine, thanks."
	pairs := ParseTranscript(transcript, "")
	if len(pairs) != 1 || pairs[0].Question != "How are you?" {
		t.Errorf("pairs = %+v", pairs)
	}
}

// Every parsed transcript yields either non-empty pairs with non-empty
// questions and answers, or exactly one fallback entry.
func TestParseTranscriptShape(t *testing.T) {
	t.Parallel()

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	lineGen := gen.OneGenOf(
		gen.AlphaString().Map(func(s string) string { return "[t] B: " + s }),
		gen.AlphaString().Map(func(s string) string { return "[t] Ada: " + s }),
		gen.AlphaString(),
	)

	properties.Property("pairs are well-formed or a single fallback", prop.ForAll(
		func(lines []string) bool {
			pairs := ParseTranscript(strings.Join(lines, "\n"), "B")
			if pairs == nil {
				return strings.TrimSpace(strings.Join(lines, "\n")) == ""
			}
			if len(pairs) == 1 && pairs[0].Question == FallbackQuestion {
				return pairs[0].Answer != ""
			}
			for _, p := range pairs {
				if p.Question == "" || p.Answer == "" {
					return false
				}
			}
			return true
		},
		gen.SliceOf(lineGen),
	))

	properties.TestingRun(t)
}

func TestQAText(t *testing.T) {
	t.Parallel()

	pairs := []types.QAPair{
		{Question: "Q1", Answer: "A1"},
		{Question: "Q2", Answer: "A2"},
	}
	got := QAText(pairs)
	want := "Q: Q1\nA: A1\n\nQ: Q2\nA: A2"
	if got != want {
		t.Errorf("QAText() = %q, want %q", got, want)
	}
}

func BenchmarkParseTranscript(b *testing.B) {
	var sb strings.Builder
	for i := 0; i < 200; i++ {
		fmt.Fprintf(&sb, "[t] B: Question number %d?\n[t] Ada: Answer number %d.\n", i, i)
	}
	transcript := sb.String()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ParseTranscript(transcript, "B")
	}
}
