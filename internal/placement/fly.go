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
	defaultFlyAPIHost = "https://api.machines.dev"
	flyRequestTimeout = 30 * time.Second

	// flyStartWaitSeconds bounds the wait for the machine to reach started.
	flyStartWaitSeconds = 60
)

// FlyConfig configures the VM-per-task backend.
type FlyConfig struct {
	// APIHost defaults to the public machines API.
	APIHost string

	// AppName is the app that machines are created under.
	AppName string

	// APIKey authenticates machine API calls.
	APIKey string

	// Image is the container image holding the botworker binary.
	Image string
}

// Fly places each bot session on a single-use VM with an auto-destroy
// policy: the machine runs the botworker command line and destroys itself
// when the worker exits.
type Fly struct {
	cfg FlyConfig
	hc  *http.Client
	log *slog.Logger
}

// NewFly returns a Fly backend. The backend reports ErrUnavailable from
// Spawn until api key and app name are configured.
func NewFly(cfg FlyConfig, log *slog.Logger) *Fly {
	if cfg.APIHost == "" {
		cfg.APIHost = defaultFlyAPIHost
	}
	if log == nil {
		log = slog.Default()
	}
	return &Fly{
		cfg: cfg,
		hc:  &http.Client{Timeout: flyRequestTimeout},
		log: log.With("component", "placement.fly"),
	}
}

func (b *Fly) Name() Kind { return KindVM }

func (b *Fly) configured() bool {
	return b.cfg.APIKey != "" && b.cfg.AppName != ""
}

type flyMachineRequest struct {
	Config flyMachineConfig `json:"config"`
}

type flyMachineConfig struct {
	Image       string         `json:"image"`
	AutoDestroy bool           `json:"auto_destroy"`
	Init        flyMachineInit `json:"init"`
	Restart     flyRestart     `json:"restart"`
}

type flyMachineInit struct {
	Cmd []string `json:"cmd"`
}

type flyRestart struct {
	Policy string `json:"policy"`
}

type flyMachine struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// BotCommand builds the botworker command line for one session spec. The
// flag shape is part of the VM placement contract; remote images must accept
// exactly these arguments.
func BotCommand(spec Spec) ([]string, error) {
	cfgJSON, err := json.Marshal(spec.BotConfig)
	if err != nil {
		return nil, fmt.Errorf("placement: marshal bot config: %w", err)
	}
	cmd := []string{"/app/botworker", "-u", spec.RoomURL, "-t", spec.Token, "--bot-config", string(cfgJSON)}
	if spec.WorkflowThreadID != "" {
		cmd = append(cmd, "--workflow-thread-id", spec.WorkflowThreadID)
	}
	return cmd, nil
}

// Spawn creates one auto-destroying machine running the botworker command
// line and waits for it to reach the started state before returning its id.
func (b *Fly) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	if !b.configured() {
		return Handle{}, ErrUnavailable
	}

	cmd, err := BotCommand(spec)
	if err != nil {
		return Handle{}, err
	}
	body, err := json.Marshal(flyMachineRequest{
		Config: flyMachineConfig{
			Image:       b.cfg.Image,
			AutoDestroy: true,
			Init:        flyMachineInit{Cmd: cmd},
			Restart:     flyRestart{Policy: "no"},
		},
	})
	if err != nil {
		return Handle{}, fmt.Errorf("placement: marshal machine request: %w", err)
	}

	var created flyMachine
	if err := b.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("/v1/apps/%s/machines", b.cfg.AppName), body, &created); err != nil {
		return Handle{}, fmt.Errorf("placement: create machine: %w", err)
	}
	if created.ID == "" {
		return Handle{}, fmt.Errorf("placement: machine response missing id")
	}

	// The machine is only useful once its init process is running; surface
	// boot failures here rather than as a silently dead session.
	waitPath := fmt.Sprintf("/v1/apps/%s/machines/%s/wait?state=started&timeout=%d",
		b.cfg.AppName, created.ID, flyStartWaitSeconds)
	if err := b.doJSON(ctx, http.MethodGet, waitPath, nil, nil); err != nil {
		return Handle{}, fmt.Errorf("placement: machine %s did not start: %w", created.ID, err)
	}

	b.log.Info("vm bot session started", "machine_id", created.ID, "room", spec.RoomName)
	return Handle{Backend: KindVM, ID: created.ID}, nil
}

// IsRunning queries the machine state. Destroyed or unknown machines report
// false with no error because auto-destroy removes them on completion.
func (b *Fly) IsRunning(ctx context.Context, h Handle) (bool, error) {
	if !b.configured() {
		return false, nil
	}

	var m flyMachine
	err := b.doJSON(ctx, http.MethodGet,
		fmt.Sprintf("/v1/apps/%s/machines/%s", b.cfg.AppName, h.ID), nil, &m)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	switch m.State {
	case "created", "starting", "started", "replacing":
		return true, nil
	default:
		return false, nil
	}
}

// notFoundError marks a 404 from the machines API.
type notFoundError struct{ path string }

func (e *notFoundError) Error() string { return "placement: " + e.path + ": not found" }

func isNotFound(err error) bool {
	var nf *notFoundError
	return errors.As(err, &nf)
}

func (b *Fly) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.cfg.APIHost+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
		return &notFoundError{path: path}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}
	if out == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

var _ Backend = (*Fly)(nil)
