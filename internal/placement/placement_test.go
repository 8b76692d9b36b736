package placement

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// stubRunner blocks in Run until its context is cancelled or release is
// closed.
type stubRunner struct {
	mu         sync.Mutex
	leaveCalls int
	release    chan struct{}
}

func newStubRunner() *stubRunner {
	return &stubRunner{release: make(chan struct{})}
}

func (r *stubRunner) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.release:
		return nil
	}
}

func (r *stubRunner) Leave(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveCalls++
	return nil
}

func (r *stubRunner) leaveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveCalls
}

func TestInProcessLifecycle(t *testing.T) {
	t.Parallel()

	runner := newStubRunner()
	b := NewInProcess(func(Spec) (Runner, error) { return runner, nil }, nil)

	h, err := b.Spawn(context.Background(), Spec{RoomName: "roomA"})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if h.Backend != KindInProcess || h.ID == "" {
		t.Fatalf("Spawn() handle = %+v", h)
	}

	if running, _ := b.IsRunning(context.Background(), h); !running {
		t.Error("IsRunning() = false for live task")
	}

	if err := b.Leave(context.Background(), h); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	if runner.leaveCount() != 1 {
		t.Errorf("leave calls = %d, want 1", runner.leaveCount())
	}

	b.Stop(h)
	if !b.Await(h, time.Second) {
		t.Fatal("Await() timed out after Stop")
	}
	if running, _ := b.IsRunning(context.Background(), h); running {
		t.Error("IsRunning() = true after Stop")
	}

	b.Remove(h)
	if running, _ := b.IsRunning(context.Background(), h); running {
		t.Error("IsRunning() = true after Remove")
	}
}

func TestInProcessNaturalCompletion(t *testing.T) {
	t.Parallel()

	runner := newStubRunner()
	b := NewInProcess(func(Spec) (Runner, error) { return runner, nil }, nil)

	h, err := b.Spawn(context.Background(), Spec{})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	close(runner.release)
	if !b.Await(h, time.Second) {
		t.Fatal("Await() timed out for naturally finished task")
	}
	if running, _ := b.IsRunning(context.Background(), h); running {
		t.Error("IsRunning() = true after natural completion")
	}
}

func TestInProcessNoFactory(t *testing.T) {
	t.Parallel()

	b := NewInProcess(nil, nil)
	if _, err := b.Spawn(context.Background(), Spec{}); err != ErrUnavailable {
		t.Errorf("Spawn() error = %v, want ErrUnavailable", err)
	}
}

func TestModalSpawnAndProbe(t *testing.T) {
	t.Parallel()

	var probes int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			var req modalInvokeRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode invoke body: %v", err)
			}
			if req.App != "pailflow" || req.Function != "bot_executor" {
				t.Errorf("invoke request = %+v", req)
			}
			if req.Args.RoomURL != "https://r.example/roomA" {
				t.Errorf("room url = %q", req.Args.RoomURL)
			}
			json.NewEncoder(w).Encode(modalInvokeResponse{CallID: "call-1"})
		case strings.HasSuffix(r.URL.Path, "/call-1"):
			probes++
			if r.URL.Query().Get("timeout") != "0" {
				t.Errorf("probe timeout = %q, want 0", r.URL.Query().Get("timeout"))
			}
			if probes == 1 {
				w.WriteHeader(http.StatusAccepted)
			} else {
				w.WriteHeader(http.StatusOK)
			}
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	b := NewModal(ModalConfig{
		AppName:      "pailflow",
		FunctionName: "bot_executor",
		InvokeURL:    srv.URL,
	}, nil)

	h, err := b.Spawn(context.Background(), Spec{
		RoomURL:   "https://r.example/roomA",
		BotConfig: map[string]any{"name": "B"},
	})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if h.ID != "call-1" || h.Backend != KindFunction {
		t.Fatalf("handle = %+v", h)
	}

	if running, err := b.IsRunning(context.Background(), h); err != nil || !running {
		t.Errorf("first probe: running=%v err=%v, want still running", running, err)
	}
	if running, err := b.IsRunning(context.Background(), h); err != nil || running {
		t.Errorf("second probe: running=%v err=%v, want finished", running, err)
	}
}

func TestModalUnconfigured(t *testing.T) {
	t.Parallel()

	b := NewModal(ModalConfig{}, nil)
	if _, err := b.Spawn(context.Background(), Spec{}); err != ErrUnavailable {
		t.Errorf("Spawn() error = %v, want ErrUnavailable", err)
	}
}

func TestModalSpawnFunctionNotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	b := NewModal(ModalConfig{AppName: "a", FunctionName: "f", InvokeURL: srv.URL}, nil)
	if _, err := b.Spawn(context.Background(), Spec{}); err == nil {
		t.Fatal("Spawn() against 404: want error, got nil")
	}
}

func TestFlySpawnAndStatus(t *testing.T) {
	t.Parallel()

	state := "started"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/apps/bots/machines":
			var req flyMachineRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode machine body: %v", err)
			}
			if !req.Config.AutoDestroy {
				t.Error("machine request missing auto_destroy")
			}
			if len(req.Config.Init.Cmd) < 5 || req.Config.Init.Cmd[1] != "-u" {
				t.Errorf("machine cmd = %v", req.Config.Init.Cmd)
			}
			json.NewEncoder(w).Encode(flyMachine{ID: "m-1", State: "created"})
		case strings.Contains(r.URL.Path, "/machines/m-1/wait"):
			w.WriteHeader(http.StatusOK)
		case strings.HasSuffix(r.URL.Path, "/machines/m-1"):
			json.NewEncoder(w).Encode(flyMachine{ID: "m-1", State: state})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	b := NewFly(FlyConfig{APIHost: srv.URL, AppName: "bots", APIKey: "k", Image: "img"}, nil)

	h, err := b.Spawn(context.Background(), Spec{
		RoomURL:          "https://r.example/roomA",
		Token:            "t",
		BotConfig:        map[string]any{"name": "B"},
		WorkflowThreadID: "wf-1",
	})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if h.ID != "m-1" || h.Backend != KindVM {
		t.Fatalf("handle = %+v", h)
	}

	if running, err := b.IsRunning(context.Background(), h); err != nil || !running {
		t.Errorf("started machine: running=%v err=%v", running, err)
	}

	state = "destroyed"
	if running, err := b.IsRunning(context.Background(), h); err != nil || running {
		t.Errorf("destroyed machine: running=%v err=%v", running, err)
	}

	if running, err := b.IsRunning(context.Background(), Handle{Backend: KindVM, ID: "gone"}); err != nil || running {
		t.Errorf("missing machine: running=%v err=%v, want false,nil", running, err)
	}
}

func TestBotCommand(t *testing.T) {
	t.Parallel()

	cmd, err := BotCommand(Spec{
		RoomURL:          "https://r.example/roomA",
		Token:            "tok",
		BotConfig:        map[string]any{"name": "B"},
		WorkflowThreadID: "wf-9",
	})
	if err != nil {
		t.Fatalf("BotCommand() error = %v", err)
	}
	want := []string{"/app/botworker", "-u", "https://r.example/roomA", "-t", "tok", "--bot-config", `{"name":"B"}`, "--workflow-thread-id", "wf-9"}
	if len(cmd) != len(want) {
		t.Fatalf("cmd = %v, want %v", cmd, want)
	}
	for i := range want {
		if cmd[i] != want[i] {
			t.Errorf("cmd[%d] = %q, want %q", i, cmd[i], want[i])
		}
	}

	cmd, err = BotCommand(Spec{RoomURL: "u", Token: "", BotConfig: nil})
	if err != nil {
		t.Fatalf("BotCommand() error = %v", err)
	}
	for _, arg := range cmd {
		if arg == "--workflow-thread-id" {
			t.Error("workflow-thread-id flag present without id")
		}
	}
}
