package placement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	modalSpawnTimeout = 30 * time.Second
	modalProbeTimeout = 5 * time.Second
)

// ModalConfig configures the serverless-function backend.
type ModalConfig struct {
	// AppName and FunctionName identify the deployed bot-executor function.
	AppName      string
	FunctionName string

	// InvokeURL is the HTTP endpoint that spawns an invocation and, with a
	// call id appended, probes its state.
	InvokeURL string

	// Token authenticates invoke requests, when the deployment requires one.
	Token string
}

// Modal places bot sessions as serverless function invocations. An
// invocation runs one bot worker to completion and tears itself down; Spawn
// only fires it and records the call id.
type Modal struct {
	cfg ModalConfig
	hc  *http.Client
	log *slog.Logger
}

// NewModal returns a Modal backend. The backend reports ErrUnavailable from
// Spawn until app, function and invoke URL are all configured.
func NewModal(cfg ModalConfig, log *slog.Logger) *Modal {
	if log == nil {
		log = slog.Default()
	}
	return &Modal{
		cfg: cfg,
		hc:  &http.Client{Timeout: modalSpawnTimeout},
		log: log.With("component", "placement.modal"),
	}
}

func (b *Modal) Name() Kind { return KindFunction }

func (b *Modal) configured() bool {
	return b.cfg.AppName != "" && b.cfg.FunctionName != "" && b.cfg.InvokeURL != ""
}

type modalInvokeRequest struct {
	App      string         `json:"app"`
	Function string         `json:"function"`
	Args     modalInvokeArg `json:"args"`
}

type modalInvokeArg struct {
	RoomURL          string         `json:"room_url"`
	Token            string         `json:"token"`
	BotConfig        map[string]any `json:"bot_config"`
	WorkflowThreadID string         `json:"workflow_thread_id,omitempty"`
	BotID            string         `json:"bot_id,omitempty"`
}

type modalInvokeResponse struct {
	CallID string `json:"call_id"`
}

// Spawn fires one invocation of the bot-executor function and returns its
// call id as the handle.
func (b *Modal) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	if !b.configured() {
		return Handle{}, ErrUnavailable
	}

	body, err := json.Marshal(modalInvokeRequest{
		App:      b.cfg.AppName,
		Function: b.cfg.FunctionName,
		Args: modalInvokeArg{
			RoomURL:          spec.RoomURL,
			Token:            spec.Token,
			BotConfig:        spec.BotConfig,
			WorkflowThreadID: spec.WorkflowThreadID,
			BotID:            spec.BotID,
		},
	})
	if err != nil {
		return Handle{}, fmt.Errorf("placement: marshal invoke: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.InvokeURL, bytes.NewReader(body))
	if err != nil {
		return Handle{}, fmt.Errorf("placement: build invoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.Token)
	}

	resp, err := b.hc.Do(req)
	if err != nil {
		return Handle{}, fmt.Errorf("placement: invoke function: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Handle{}, fmt.Errorf("placement: function %s/%s not found", b.cfg.AppName, b.cfg.FunctionName)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Handle{}, fmt.Errorf("placement: invoke returned %d: %s", resp.StatusCode, msg)
	}

	var out modalInvokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Handle{}, fmt.Errorf("placement: decode invoke response: %w", err)
	}
	if out.CallID == "" {
		return Handle{}, errors.New("placement: invoke response missing call_id")
	}

	b.log.Info("function bot session started", "call_id", out.CallID, "room", spec.RoomName)
	return Handle{Backend: KindFunction, ID: out.CallID}, nil
}

// IsRunning probes the invocation with a zero result timeout. The service
// answers 202 while the call has produced no result yet, which is exactly the
// still-running signal; 200 means the call finished, 404 that it expired.
func (b *Modal) IsRunning(ctx context.Context, h Handle) (bool, error) {
	if !b.configured() {
		return false, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, modalProbeTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/%s?timeout=0", b.cfg.InvokeURL, h.ID)
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("placement: build probe request: %w", err)
	}
	if b.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.Token)
	}

	resp, err := b.hc.Do(req)
	if err != nil {
		return false, fmt.Errorf("placement: probe invocation: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 512))

	switch resp.StatusCode {
	case http.StatusAccepted:
		return true, nil
	case http.StatusOK, http.StatusNotFound, http.StatusGone:
		return false, nil
	default:
		return false, fmt.Errorf("placement: probe returned %d", resp.StatusCode)
	}
}

var _ Backend = (*Modal)(nil)
