package pipeline

import (
	"context"
	"log/slog"

	"github.com/pailflow/pailflow/internal/observe"
	"github.com/pailflow/pailflow/internal/pricing"
)

// CostSink receives usage costs attributed to a workflow thread. Implemented
// by usage.Tracker; pipelines run without one when no thread is attached.
type CostSink interface {
	AddCost(ctx context.Context, threadID string, costUSD float64, traceID string) bool
}

// metricsTap watches usage frames passing between the LLM and TTS stages,
// converts token counts to dollars and records both in metrics and in the
// thread's running cost. All frames pass through untouched.
type metricsTap struct {
	log      *slog.Logger
	metrics  *observe.Metrics
	costs    CostSink
	threadID string
}

func (n *metricsTap) Name() string { return "metrics_tap" }

func (n *metricsTap) Run(ctx context.Context, in <-chan Frame, out chan<- Frame) error {
	for {
		select {
		case f, ok := <-in:
			if !ok {
				return nil
			}
			if u, isUsage := f.(MetricsLLMUsage); isUsage {
				n.record(ctx, u)
			}
			if !send(ctx, out, f) {
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (n *metricsTap) record(ctx context.Context, u MetricsLLMUsage) {
	if n.metrics != nil {
		n.metrics.RecordLLMTokens(ctx, u.Model, u.PromptTokens, u.CompletionTokens)
	}
	cost, err := pricing.CalculateLLMCost(u.Model, u.PromptTokens, u.CompletionTokens)
	if err != nil {
		n.log.Warn("llm pricing unavailable", "model", u.Model, "error", err)
		return
	}
	if cost <= 0 {
		return
	}
	n.log.Debug("llm usage costed",
		"category", "llm",
		"model", u.Model,
		"prompt_tokens", u.PromptTokens,
		"completion_tokens", u.CompletionTokens,
		"cost_usd", cost)
	if n.metrics != nil {
		n.metrics.RecordUsageCost(ctx, "llm", cost)
	}
	if n.costs != nil && n.threadID != "" {
		n.costs.AddCost(ctx, n.threadID, cost, observe.CorrelationID(ctx))
	}
}
