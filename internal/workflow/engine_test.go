package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/pailflow/pailflow/internal/orchestrator"
	"github.com/pailflow/pailflow/internal/store"
)

type engineStore struct {
	mu      sync.Mutex
	created []*store.WorkflowThread
	updates map[string][]store.ThreadUpdate
}

func newEngineStore() *engineStore {
	return &engineStore{updates: make(map[string][]store.ThreadUpdate)}
}

func (s *engineStore) CreateWorkflowThread(_ context.Context, t *store.WorkflowThread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, t)
	return nil
}

func (s *engineStore) UpdateWorkflowThread(_ context.Context, id string, upd store.ThreadUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates[id] = append(s.updates[id], upd)
	return nil
}

func (s *engineStore) pausedValue(id string) (value, set bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, upd := range s.updates[id] {
		if upd.WorkflowPaused != nil {
			value, set = *upd.WorkflowPaused, true
		}
	}
	return value, set
}

type fakeStarter struct {
	mu   sync.Mutex
	reqs []orchestrator.StartRequest
	err  error
}

func (f *fakeStarter) StartBot(_ context.Context, req orchestrator.StartRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.err
}

type fakeProcessor struct {
	mu    sync.Mutex
	calls [][2]string
	err   error
}

func (f *fakeProcessor) Process(_ context.Context, roomName, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, [2]string{roomName, threadID})
	return f.err
}

func newTestEngine(t *testing.T, st *engineStore, starter *fakeStarter, proc *fakeProcessor) *Engine {
	t.Helper()
	e, err := New(Config{
		Store:       st,
		Checkpoints: NewMemCheckpointer(nil),
		Bots:        starter,
		PostCall:    proc,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e
}

func TestExecutePausesAtInterrupt(t *testing.T) {
	t.Parallel()

	st := newEngineStore()
	starter := &fakeStarter{}
	proc := &fakeProcessor{}
	e := newTestEngine(t, st, starter, proc)

	threadID, err := e.Execute(context.Background(), State{
		RoomURL:   "https://r.example/roomA",
		RoomName:  "roomA",
		Token:     "tok",
		BotConfig: map[string]any{"name": "B"},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if threadID == "" {
		t.Fatal("Execute() returned empty thread id")
	}

	starter.mu.Lock()
	if len(starter.reqs) != 1 || starter.reqs[0].WorkflowThreadID != threadID {
		t.Errorf("start requests = %+v", starter.reqs)
	}
	starter.mu.Unlock()

	// Interrupt means the second node has not run.
	proc.mu.Lock()
	if len(proc.calls) != 0 {
		t.Errorf("process_transcript ran before resume: %v", proc.calls)
	}
	proc.mu.Unlock()

	if v, set := st.pausedValue(threadID); !set || !v {
		t.Errorf("workflow_paused = (%v,%v), want true", v, set)
	}

	// A checkpoint exists and its state round-trips.
	raw, err := e.checkpoints.Get(context.Background(), threadID)
	if err != nil {
		t.Fatalf("checkpoint Get() error = %v", err)
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		t.Fatalf("checkpoint state undecodable: %v", err)
	}
	if state.RoomName != "roomA" || state.WorkflowThreadID != threadID {
		t.Errorf("checkpointed state = %+v", state)
	}
}

func TestExecuteStartFailureReturnsError(t *testing.T) {
	t.Parallel()

	st := newEngineStore()
	starter := &fakeStarter{err: errors.New("all placements failed")}
	e := newTestEngine(t, st, starter, &fakeProcessor{})

	threadID, err := e.Execute(context.Background(), State{RoomURL: "https://r.example/roomA", RoomName: "roomA"})
	if err == nil {
		t.Fatal("Execute() error = nil, want placement failure")
	}
	if threadID == "" {
		t.Error("Execute() should still return the thread id on failure")
	}

	// The failure is checkpointed with the error recorded.
	raw, cerr := e.checkpoints.Get(context.Background(), threadID)
	if cerr != nil {
		t.Fatalf("checkpoint Get() error = %v", cerr)
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if state.Error == "" {
		t.Error("checkpointed state carries no error")
	}
}

func TestResumeRunsPostCallAndClearsPause(t *testing.T) {
	t.Parallel()

	st := newEngineStore()
	starter := &fakeStarter{}
	proc := &fakeProcessor{}
	e := newTestEngine(t, st, starter, proc)

	threadID, err := e.Execute(context.Background(), State{RoomURL: "https://r.example/roomA", RoomName: "roomA"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if err := e.Resume(context.Background(), threadID); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	proc.mu.Lock()
	if len(proc.calls) != 1 || proc.calls[0] != [2]string{"roomA", threadID} {
		t.Errorf("process calls = %v", proc.calls)
	}
	proc.mu.Unlock()

	if v, set := st.pausedValue(threadID); !set || v {
		t.Errorf("workflow_paused = (%v,%v), want cleared", v, set)
	}
}

func TestResumeMissingCheckpoint(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, newEngineStore(), &fakeStarter{}, &fakeProcessor{})

	err := e.Resume(context.Background(), "wf-unknown")
	if !errors.Is(err, ErrCheckpointMissing) {
		t.Errorf("Resume() error = %v, want ErrCheckpointMissing", err)
	}
}

func TestResumeFailureKeepsPause(t *testing.T) {
	t.Parallel()

	st := newEngineStore()
	proc := &fakeProcessor{err: errors.New("llm down")}
	e := newTestEngine(t, st, &fakeStarter{}, proc)

	threadID, err := e.Execute(context.Background(), State{RoomURL: "https://r.example/roomA", RoomName: "roomA"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if err := e.Resume(context.Background(), threadID); err == nil {
		t.Fatal("Resume() error = nil, want post-call failure")
	}

	// Pause survives failed resumes so a later retry can pick the thread up.
	if v, set := st.pausedValue(threadID); !set || !v {
		t.Errorf("workflow_paused = (%v,%v), want still true", v, set)
	}
}

func TestPGCheckpointerMapsNotFound(t *testing.T) {
	t.Parallel()

	c := NewPGCheckpointer(stubCheckpointStore{err: store.ErrNotFound})
	if _, err := c.Get(context.Background(), "wf-1"); !errors.Is(err, ErrCheckpointMissing) {
		t.Errorf("Get() error = %v, want ErrCheckpointMissing", err)
	}
}

type stubCheckpointStore struct {
	state []byte
	err   error
}

func (s stubCheckpointStore) PutCheckpoint(context.Context, string, []byte) (string, error) {
	return "cp-1", s.err
}

func (s stubCheckpointStore) GetCheckpoint(context.Context, string) (string, []byte, error) {
	return "cp-1", s.state, s.err
}
