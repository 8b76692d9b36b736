package orchestrator

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultReaperSchedule runs the long-session reaper every two minutes.
const DefaultReaperSchedule = "*/2 * * * *"

// Reaper periodically stops in-process sessions that outlived the maximum
// session age.
type Reaper struct {
	cron *cron.Cron
}

// StartReaper schedules CleanupLongRunning on the orchestrator and starts the
// scheduler. schedule is a standard five-field cron expression; empty means
// DefaultReaperSchedule.
func StartReaper(o *Orchestrator, schedule string, maxAge time.Duration, log *slog.Logger) (*Reaper, error) {
	if schedule == "" {
		schedule = DefaultReaperSchedule
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxSessionAge
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "reaper")

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if n := o.CleanupLongRunning(maxAge); n > 0 {
			log.Info("reaped long-running bot sessions", "count", n, "max_age", maxAge)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: schedule reaper: %w", err)
	}
	c.Start()
	log.Info("session reaper started", "schedule", schedule, "max_age", maxAge)
	return &Reaper{cron: c}, nil
}

// Stop halts the scheduler and waits for an in-flight run to finish.
func (r *Reaper) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}
