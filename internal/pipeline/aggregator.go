package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

const (
	defaultAggregationTimeout = time.Second
	defaultVADTimeout         = time.Second
)

// userAggregator merges consecutive final transcriptions into one LLM turn.
// A turn is flushed once no final has arrived for the aggregation timeout AND
// no speech activity (partial or final) has been seen for the VAD timeout, so
// a participant who pauses mid-thought is not cut off between sentences.
// Partials pass through unchanged; they double as the speech-activity signal
// because the room transport delivers mixed audio without VAD events.
type userAggregator struct {
	log        *slog.Logger
	aggTimeout time.Duration
	vadTimeout time.Duration

	buffer       []UserTranscription
	lastFinal    time.Time
	lastActivity time.Time
}

func newUserAggregator(log *slog.Logger, aggTimeout, vadTimeout time.Duration) *userAggregator {
	if aggTimeout <= 0 {
		aggTimeout = defaultAggregationTimeout
	}
	if vadTimeout <= 0 {
		vadTimeout = defaultVADTimeout
	}
	return &userAggregator{log: log, aggTimeout: aggTimeout, vadTimeout: vadTimeout}
}

func (n *userAggregator) Name() string { return "user_aggregator" }

func (n *userAggregator) Run(ctx context.Context, in <-chan Frame, out chan<- Frame) error {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case f, ok := <-in:
			if !ok {
				// Input closed mid-turn: emit the partial turn so the LLM
				// history stays consistent, but do not trigger a reply.
				if merged, pending := n.flush(); pending {
					send(ctx, out, merged)
				}
				return nil
			}
			t, isTranscription := f.(UserTranscription)
			if !isTranscription {
				if !send(ctx, out, f) {
					return ctx.Err()
				}
				continue
			}
			now := time.Now()
			n.lastActivity = now
			if !t.IsFinal {
				n.rearm(timer, now)
				if !send(ctx, out, f) {
					return ctx.Err()
				}
				continue
			}
			n.buffer = append(n.buffer, t)
			n.lastFinal = now
			n.rearm(timer, now)
		case <-timer.C:
			now := time.Now()
			if len(n.buffer) == 0 {
				continue
			}
			if now.Before(n.deadline()) {
				timer.Reset(n.deadline().Sub(now))
				continue
			}
			merged, _ := n.flush()
			n.log.Debug("user turn aggregated", "chars", len(merged.Text))
			if !send(ctx, out, merged) {
				return ctx.Err()
			}
			if !send(ctx, out, LLMRun{}) {
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// deadline is the earliest instant the pending turn may flush: both the
// final-silence and the speech-silence windows must have elapsed.
func (n *userAggregator) deadline() time.Time {
	agg := n.lastFinal.Add(n.aggTimeout)
	vad := n.lastActivity.Add(n.vadTimeout)
	if vad.After(agg) {
		return vad
	}
	return agg
}

func (n *userAggregator) rearm(timer *time.Timer, now time.Time) {
	if len(n.buffer) == 0 {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(n.deadline().Sub(now))
}

// flush merges the buffered finals into a single turn attributed to the most
// recent speaker. Reports false when nothing was buffered.
func (n *userAggregator) flush() (UserTranscription, bool) {
	if len(n.buffer) == 0 {
		return UserTranscription{}, false
	}
	parts := make([]string, 0, len(n.buffer))
	for _, t := range n.buffer {
		parts = append(parts, strings.TrimSpace(t.Text))
	}
	last := n.buffer[len(n.buffer)-1]
	merged := UserTranscription{
		Text:       strings.Join(parts, " "),
		IsFinal:    true,
		SpeakerID:  last.SpeakerID,
		SessionID:  last.SessionID,
		UserID:     last.UserID,
		Confidence: last.Confidence,
		Timestamp:  last.Timestamp,
	}
	n.buffer = n.buffer[:0]
	return merged, true
}
