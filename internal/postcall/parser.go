package postcall

import (
	"regexp"
	"strings"

	"github.com/pailflow/pailflow/pkg/types"
)

// FallbackQuestion is the single-entry question used when a transcript has no
// discernible question/answer structure.
const FallbackQuestion = "Full Interview Transcript"

// transcriptLine matches the worker's line format: "[timestamp] Speaker: text".
var transcriptLine = regexp.MustCompile(`^\[[^\]]*\]\s*([^:]+):\s*(.*)$`)

// turn is one contiguous run of lines by the same speaker.
type turn struct {
	speaker string
	content string
	bot     bool
}

// ParseTranscript tokenizes a speaker-attributed transcript into ordered
// question/answer pairs. A question is a bot turn; its answer is the
// immediately following non-bot turn. A transcript with no such alternation
// collapses into one fallback pair carrying the whole text.
func ParseTranscript(transcript, botName string) []types.QAPair {
	turns := splitTurns(transcript, botName)

	var pairs []types.QAPair
	var question string
	for _, t := range turns {
		if t.bot {
			// Consecutive bot turns merge into one question.
			if question != "" {
				question += " " + t.content
			} else {
				question = t.content
			}
			continue
		}
		if question != "" {
			pairs = append(pairs, types.QAPair{Question: question, Answer: t.content})
			question = ""
		}
	}

	if len(pairs) == 0 {
		trimmed := strings.TrimSpace(transcript)
		if trimmed == "" {
			return nil
		}
		return []types.QAPair{{Question: FallbackQuestion, Answer: trimmed}}
	}
	return pairs
}

// splitTurns parses transcript lines and merges consecutive lines from the
// same speaker into turns.
func splitTurns(transcript, botName string) []turn {
	var turns []turn
	for _, raw := range strings.Split(transcript, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		m := transcriptLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		speaker := strings.TrimSpace(m[1])
		content := strings.TrimSpace(m[2])
		if content == "" {
			continue
		}

		if n := len(turns); n > 0 && turns[n-1].speaker == speaker {
			turns[n-1].content += " " + content
			continue
		}
		turns = append(turns, turn{
			speaker: speaker,
			content: content,
			bot:     isBotSpeaker(speaker, botName),
		})
	}
	return turns
}

func isBotSpeaker(speaker, botName string) bool {
	if botName != "" && strings.EqualFold(speaker, botName) {
		return true
	}
	lower := strings.ToLower(speaker)
	return lower == "assistant" || lower == "bot"
}

// QAText renders pairs as a plain-text block for prompt substitution.
func QAText(pairs []types.QAPair) string {
	var b strings.Builder
	for _, p := range pairs {
		b.WriteString("Q: ")
		b.WriteString(p.Question)
		b.WriteString("\nA: ")
		b.WriteString(p.Answer)
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
