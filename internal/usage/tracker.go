// Package usage accumulates per-run provider cost onto workflow threads and
// turns finished runs into customer-facing ledger transactions.
package usage

import (
	"context"
	"log/slog"

	"github.com/pailflow/pailflow/internal/store"
	"github.com/pailflow/pailflow/pkg/types"
)

// Store is the persistence surface the tracker and accounting need.
type Store interface {
	GetWorkflowThread(ctx context.Context, id string) (*store.WorkflowThread, error)
	UpdateUsageStats(ctx context.Context, id string, apply func(*types.UsageStats)) (types.UsageStats, error)
	GetUserByUnkeyID(ctx context.Context, unkeyID string) (*store.User, error)
	CreateUsageTransaction(ctx context.Context, txn *store.UsageTransaction) (bool, error)
}

// Tracker accumulates USD cost onto a workflow thread's usage_stats blob.
// Writes go through the store's row-locked read-modify-write, so concurrent
// metric bursts from the pipeline and post-call accounting cannot lose
// increments, and the running total never decreases.
type Tracker struct {
	store Store
	log   *slog.Logger
}

// NewTracker returns a Tracker writing through s.
func NewTracker(s Store, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{store: s, log: log.With("component", "usage")}
}

// AddCost adds costUSD to the thread's running total, setting the tracing id
// when one is supplied. Returns false when the thread does not exist or the
// write failed; callers treat cost tracking as best-effort and never abort a
// session over it.
func (t *Tracker) AddCost(ctx context.Context, threadID string, costUSD float64, traceID string) bool {
	if threadID == "" {
		return false
	}
	if costUSD < 0 {
		t.log.Warn("ignoring negative cost delta",
			"workflow_thread_id", threadID, "cost_usd", costUSD)
		return false
	}

	stats, err := t.store.UpdateUsageStats(ctx, threadID, func(st *types.UsageStats) {
		st.TotalCostUSD += costUSD
		if traceID != "" {
			st.PosthogTraceID = traceID
		}
	})
	if err != nil {
		t.log.Warn("usage update failed",
			"workflow_thread_id", threadID, "cost_usd", costUSD, "error", err)
		return false
	}

	t.log.Debug("usage cost added",
		"workflow_thread_id", threadID,
		"cost_usd", costUSD,
		"total_cost_usd", stats.TotalCostUSD)
	return true
}
