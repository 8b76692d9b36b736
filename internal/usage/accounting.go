package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pailflow/pailflow/internal/pricing"
	"github.com/pailflow/pailflow/internal/store"
)

// DefaultMinimumCredits is the admission floor: one bot minute at the default
// rate.
const DefaultMinimumCredits = 0.15

// Accounting performs the credit admission check and creates the one
// usage_burn transaction each completed call is charged.
type Accounting struct {
	store         Store
	minCredits    float64
	ratePerMinute float64
	log           *slog.Logger
}

// AccountingOption customizes an Accounting.
type AccountingOption func(*Accounting)

// WithMinimumCredits overrides the admission floor.
func WithMinimumCredits(min float64) AccountingOption {
	return func(a *Accounting) { a.minCredits = min }
}

// WithRatePerMinute overrides the customer-facing per-minute charge
// (BOT_CALL_RATE_PER_MINUTE).
func WithRatePerMinute(rate float64) AccountingOption {
	return func(a *Accounting) {
		if rate > 0 {
			a.ratePerMinute = rate
		}
	}
}

// NewAccounting returns an Accounting over s.
func NewAccounting(s Store, log *slog.Logger, opts ...AccountingOption) *Accounting {
	if log == nil {
		log = slog.Default()
	}
	a := &Accounting{
		store:         s,
		minCredits:    DefaultMinimumCredits,
		ratePerMinute: pricing.DefaultBotRatePerMinute,
		log:           log.With("component", "accounting"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RatePerMinute reports the configured customer-facing rate.
func (a *Accounting) RatePerMinute() float64 { return a.ratePerMinute }

// CheckCredits verifies the account behind an API key id has enough balance to
// start a call. A missing account reports no credits rather than an error so
// the HTTP boundary can answer uniformly.
func (a *Accounting) CheckCredits(ctx context.Context, unkeyKeyID string) (hasCredits bool, balance float64, err error) {
	user, err := a.store.GetUserByUnkeyID(ctx, unkeyKeyID)
	if errors.Is(err, store.ErrNotFound) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("usage: resolve user: %w", err)
	}
	return user.CreditBalance >= a.minCredits, user.CreditBalance, nil
}

// CreateTransaction charges the thread's user for the finished call. It is
// called from two places — the bot worker's shutdown sequence first, the
// post-call pipeline as a fallback — and the underlying insert is keyed by
// thread id, so exactly one ledger row can exist per thread. Returns whether
// this call created the row.
func (a *Accounting) CreateTransaction(ctx context.Context, threadID string) (bool, error) {
	thread, err := a.store.GetWorkflowThread(ctx, threadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.log.Warn("transaction skipped, thread missing", "workflow_thread_id", threadID)
			return false, nil
		}
		return false, fmt.Errorf("usage: load thread: %w", err)
	}
	if thread.BotDurationS <= 0 {
		a.log.Debug("transaction skipped, zero duration", "workflow_thread_id", threadID)
		return false, nil
	}
	if thread.UnkeyKeyID == "" {
		a.log.Warn("transaction skipped, no key id on thread", "workflow_thread_id", threadID)
		return false, nil
	}

	user, err := a.store.GetUserByUnkeyID(ctx, thread.UnkeyKeyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.log.Warn("transaction skipped, unknown user",
				"workflow_thread_id", threadID, "unkey_key_id", thread.UnkeyKeyID)
			return false, nil
		}
		return false, fmt.Errorf("usage: resolve user: %w", err)
	}

	charge, err := pricing.CalculateBotCallCost(thread.BotDurationS, a.ratePerMinute)
	if err != nil {
		return false, fmt.Errorf("usage: price call: %w", err)
	}

	created, err := a.store.CreateUsageTransaction(ctx, &store.UsageTransaction{
		UserID:           user.ID,
		Amount:           -charge,
		DurationS:        thread.BotDurationS,
		LPLCost:          thread.UsageStats.TotalCostUSD,
		WorkflowThreadID: thread.ID,
		BotID:            thread.BotID,
		RoomName:         thread.RoomName,
	})
	if err != nil {
		return false, fmt.Errorf("usage: create transaction: %w", err)
	}
	if !created {
		a.log.Debug("transaction already exists", "workflow_thread_id", threadID)
		return false, nil
	}

	if remaining := user.CreditBalance - charge; remaining < 0 {
		a.log.Warn("user balance went negative",
			"user_id", user.ID, "balance", remaining, "workflow_thread_id", threadID)
	}
	a.log.Info("usage transaction created",
		"workflow_thread_id", threadID,
		"user_id", user.ID,
		"amount_usd", -charge,
		"duration_s", thread.BotDurationS,
		"lpl_cost_usd", thread.UsageStats.TotalCostUSD)
	return true, nil
}
