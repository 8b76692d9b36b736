// Package pricing holds the read-only cost tables and the pure functions that
// turn provider usage into USD amounts. Nothing in here touches storage or
// network; callers feed results into the usage tracker.
package pricing

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Per-minute Deepgram streaming rates. The diarization surcharge applies
// because every session runs with diarize=true.
const (
	sttNova2PerMinute       = 0.0058
	sttDiarizationPerMinute = 0.0020
)

// DefaultBotRatePerMinute is the customer-facing per-minute charge applied
// when BOT_CALL_RATE_PER_MINUTE is not configured.
const DefaultBotRatePerMinute = 0.15

// ErrUnknownModel is returned when no rate is on file for a model.
var ErrUnknownModel = errors.New("pricing: unknown model")

// ErrNegativeDuration is returned for durations below zero.
var ErrNegativeDuration = errors.New("pricing: negative duration")

// modelRate is USD per one million tokens.
type modelRate struct {
	in  float64
	out float64
}

// llmRates keys are model-name prefixes; a dated release like
// "gpt-4o-2024-08-06" resolves through the "gpt-4o" entry. Longest prefix wins
// so "gpt-4o-mini" is matched before "gpt-4o".
var llmRates = map[string]modelRate{
	"gpt-4o":               {in: 2.50, out: 10.00},
	"gpt-4o-mini":          {in: 0.15, out: 0.60},
	"gpt-4.1":              {in: 2.00, out: 8.00},
	"gpt-4.1-mini":         {in: 0.40, out: 1.60},
	"gpt-4.1-nano":         {in: 0.10, out: 0.40},
	"gpt-4-turbo":          {in: 10.00, out: 30.00},
	"gpt-3.5-turbo":        {in: 0.50, out: 1.50},
	"o1":                   {in: 15.00, out: 60.00},
	"o1-mini":              {in: 1.10, out: 4.40},
	"o3":                   {in: 2.00, out: 8.00},
	"o3-mini":              {in: 1.10, out: 4.40},
	"o4-mini":              {in: 1.10, out: 4.40},
	"claude-3-opus":        {in: 15.00, out: 75.00},
	"claude-3-haiku":       {in: 0.25, out: 1.25},
	"claude-3-5-sonnet":    {in: 3.00, out: 15.00},
	"claude-3-5-haiku":     {in: 0.80, out: 4.00},
	"claude-3-7-sonnet":    {in: 3.00, out: 15.00},
	"claude-sonnet-4":      {in: 3.00, out: 15.00},
	"claude-opus-4":        {in: 15.00, out: 75.00},
	"gemini-1.5-flash":     {in: 0.075, out: 0.30},
	"gemini-1.5-pro":       {in: 1.25, out: 5.00},
	"gemini-2.0-flash":     {in: 0.10, out: 0.40},
	"gemini-2.5-flash":     {in: 0.30, out: 2.50},
	"gemini-2.5-pro":       {in: 1.25, out: 10.00},
}

// CalculateLLMCost converts one completion's token counts into USD for the
// given model, rounded to 6 decimals. Unknown models are an error so silent
// undercharging cannot happen.
func CalculateLLMCost(model string, promptTokens, completionTokens int) (float64, error) {
	rate, ok := lookupRate(model)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
	if promptTokens < 0 || completionTokens < 0 {
		return 0, fmt.Errorf("pricing: negative token count for %q", model)
	}
	cost := float64(promptTokens)/1_000_000*rate.in + float64(completionTokens)/1_000_000*rate.out
	return round6(cost), nil
}

// CalculateSTTCost converts streamed audio duration into USD at the Nova-2
// rate plus the diarization surcharge, rounded to 6 decimals.
func CalculateSTTCost(durationSeconds float64) (float64, error) {
	if durationSeconds < 0 {
		return 0, ErrNegativeDuration
	}
	perMinute := sttNova2PerMinute + sttDiarizationPerMinute
	return round6(durationSeconds / 60 * perMinute), nil
}

// CalculateBotCallCost converts call duration into the customer-facing charge
// at ratePerMinute (use DefaultBotRatePerMinute unless configured otherwise).
func CalculateBotCallCost(durationSeconds, ratePerMinute float64) (float64, error) {
	if durationSeconds < 0 {
		return 0, ErrNegativeDuration
	}
	return round6(durationSeconds / 60 * ratePerMinute), nil
}

// Models lists every model with a rate on file, sorted.
func Models() []string {
	names := make([]string, 0, len(llmRates))
	for name := range llmRates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupRate(model string) (modelRate, bool) {
	name := strings.ToLower(strings.TrimSpace(model))
	// Vendor-qualified ids like "openai/gpt-4o" carry the table key after the slash.
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if rate, ok := llmRates[name]; ok {
		return rate, true
	}
	best := ""
	for key := range llmRates {
		if strings.HasPrefix(name, key) && len(key) > len(best) {
			best = key
		}
	}
	if best == "" {
		return modelRate{}, false
	}
	return llmRates[best], true
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
