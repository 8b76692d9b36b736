package postcall

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pailflow/pailflow/pkg/provider/llm"
	"github.com/pailflow/pailflow/pkg/types"
)

// buildSummary produces the candidate summary. With a user-supplied format
// prompt it asks the model; otherwise it renders the deterministic template.
// Model failures fall back to the template so the summary is never empty when
// a transcript exists.
func (p *Pipeline) buildSummary(ctx context.Context, info sessionInfo, insights *types.Insights, pairs []types.QAPair) (string, llm.Usage) {
	template := renderSummary(info, insights, pairs)
	if info.summaryPrompt == "" {
		return template, llm.Usage{}
	}

	prompt := strings.ReplaceAll(info.summaryPrompt, "{transcript}", info.transcript)
	prompt = strings.ReplaceAll(prompt, "{qa_text}", QAText(pairs))
	prompt = strings.ReplaceAll(prompt, "{summary}", template)

	resp, err := p.llm.Complete(ctx, llm.CompletionRequest{
		Messages:    []types.Message{{Role: "user", Content: prompt}},
		Temperature: insightTemperature,
	})
	if err != nil || resp == nil || strings.TrimSpace(resp.Content) == "" {
		p.log.Warn("summary prompt call failed, using template", "error", err)
		return template, llm.Usage{}
	}
	return strings.TrimSpace(resp.Content), resp.Usage
}

// renderSummary is the deterministic summary template.
func renderSummary(info sessionInfo, insights *types.Insights, pairs []types.QAPair) string {
	var b strings.Builder

	title := info.interviewType
	if title == "" {
		title = "Interview"
	}
	fmt.Fprintf(&b, "%s Summary", title)
	if info.participantName != "" {
		fmt.Fprintf(&b, " — %s", info.participantName)
	}
	b.WriteString("\n\n")

	if insights != nil {
		fmt.Fprintf(&b, "Overall score: %.1f/10\n", insights.OverallScore)
		if len(insights.CompetencyScores) > 0 {
			b.WriteString("\nCompetencies:\n")
			keys := make([]string, 0, len(insights.CompetencyScores))
			for k := range insights.CompetencyScores {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(&b, "- %s: %.1f/10\n", k, insights.CompetencyScores[k])
			}
		}
		if len(insights.Strengths) > 0 {
			b.WriteString("\nStrengths:\n")
			for _, s := range insights.Strengths {
				fmt.Fprintf(&b, "- %s\n", s)
			}
		}
		if len(insights.Weaknesses) > 0 {
			b.WriteString("\nAreas for improvement:\n")
			for _, w := range insights.Weaknesses {
				fmt.Fprintf(&b, "- %s\n", w)
			}
		}
	}

	if len(pairs) > 0 {
		b.WriteString("\nQuestions and answers:\n")
		for i, p := range pairs {
			fmt.Fprintf(&b, "%d. Q: %s\n   A: %s\n", i+1, p.Question, p.Answer)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}
