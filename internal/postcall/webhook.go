package postcall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pailflow/pailflow/pkg/types"
)

const (
	webhookMaxAttempts = 3
	webhookBaseBackoff = time.Second
)

// webhookPayload is the JSON body POSTed to the caller's callback URL.
type webhookPayload struct {
	WorkflowThreadID string           `json:"workflow_thread_id"`
	RoomName         string           `json:"room_name"`
	QAPairs          []types.QAPair   `json:"qa_pairs"`
	Insights         *types.Insights  `json:"insights,omitempty"`
	CandidateSummary string           `json:"candidate_summary"`
	UsageStats       types.UsageStats `json:"usage_stats"`
}

// sendWebhook POSTs the results to url, retrying up to webhookMaxAttempts
// times with exponential backoff on 5xx responses and transport errors. 4xx
// responses are the receiver's problem and are not retried.
func (p *Pipeline) sendWebhook(ctx context.Context, url string, payload webhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("postcall: marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= webhookMaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := webhookBaseBackoff << (attempt - 2)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("postcall: build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.hc.Do(req)
		if err != nil {
			lastErr = err
			p.log.Warn("webhook delivery attempt failed", "attempt", attempt, "error", err)
			continue
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("postcall: webhook returned %d", resp.StatusCode)
			p.log.Warn("webhook receiver errored", "attempt", attempt, "status", resp.StatusCode)
		default:
			return fmt.Errorf("postcall: webhook rejected with %d", resp.StatusCode)
		}
	}
	return fmt.Errorf("postcall: webhook failed after %d attempts: %w", webhookMaxAttempts, lastErr)
}
