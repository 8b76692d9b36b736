package placement

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Runner is one in-process bot session. Run blocks until the session ends;
// Leave performs the graceful room exit used during orchestrator shutdown.
type Runner interface {
	Run(ctx context.Context) error
	Leave(ctx context.Context) error
}

// RunnerFactory builds the Runner for one session spec. The bot package
// supplies this so placement stays free of provider wiring.
type RunnerFactory func(spec Spec) (Runner, error)

// task is one live in-process session.
type task struct {
	runner    Runner
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
}

// InProcess runs bot sessions on goroutines in the current process. It is the
// placement of last resort and the only backend that can always spawn.
type InProcess struct {
	log     *slog.Logger
	factory RunnerFactory

	mu    sync.Mutex
	tasks map[string]*task
}

// NewInProcess returns an InProcess backend spawning sessions via factory.
func NewInProcess(factory RunnerFactory, log *slog.Logger) *InProcess {
	if log == nil {
		log = slog.Default()
	}
	return &InProcess{
		log:     log.With("component", "placement.inprocess"),
		factory: factory,
		tasks:   make(map[string]*task),
	}
}

func (b *InProcess) Name() Kind { return KindInProcess }

// Spawn builds the runner and starts it on its own goroutine. The session
// keeps running until the runner returns or Stop cancels it.
func (b *InProcess) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	if b.factory == nil {
		return Handle{}, ErrUnavailable
	}
	runner, err := b.factory(spec)
	if err != nil {
		return Handle{}, fmt.Errorf("placement: build runner: %w", err)
	}

	// The session outlives the spawn call; it is bound to its own context,
	// not the caller's.
	runCtx, cancel := context.WithCancel(context.Background())
	t := &task{
		runner:    runner,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	id := uuid.NewString()

	b.mu.Lock()
	b.tasks[id] = t
	b.mu.Unlock()

	go func() {
		defer close(t.done)
		defer cancel()
		if err := runner.Run(runCtx); err != nil && runCtx.Err() == nil {
			b.log.Error("bot session ended with error", "task_id", id, "error", err)
		}
	}()

	b.log.Info("in-process bot session started", "task_id", id, "room", spec.RoomName)
	return Handle{Backend: KindInProcess, ID: id}, nil
}

// IsRunning reports whether the task behind h has neither finished nor been
// removed.
func (b *InProcess) IsRunning(_ context.Context, h Handle) (bool, error) {
	b.mu.Lock()
	t, ok := b.tasks[h.ID]
	b.mu.Unlock()
	if !ok {
		return false, nil
	}
	select {
	case <-t.done:
		return false, nil
	default:
		return true, nil
	}
}

// Stop cancels the task behind h. It does not wait; use Await.
func (b *InProcess) Stop(h Handle) {
	b.mu.Lock()
	t, ok := b.tasks[h.ID]
	b.mu.Unlock()
	if ok {
		t.cancel()
	}
}

// Await blocks until the task behind h finishes or timeout elapses.
// It reports whether the task finished in time; unknown handles report true.
func (b *InProcess) Await(h Handle, timeout time.Duration) bool {
	b.mu.Lock()
	t, ok := b.tasks[h.ID]
	b.mu.Unlock()
	if !ok {
		return true
	}
	select {
	case <-t.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Leave initiates a graceful room exit on the task's runner. Called by the
// orchestrator before cancellation during shutdown, so the transport can
// drain before its task dies.
func (b *InProcess) Leave(ctx context.Context, h Handle) error {
	b.mu.Lock()
	t, ok := b.tasks[h.ID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return t.runner.Leave(ctx)
}

// StartedAt reports when the task behind h was spawned.
func (b *InProcess) StartedAt(h Handle) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[h.ID]
	if !ok {
		return time.Time{}, false
	}
	return t.startedAt, true
}

// Remove forgets the task behind h. The orchestrator calls this once a
// session has been stopped and awaited.
func (b *InProcess) Remove(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tasks, h.ID)
}

var _ Backend = (*InProcess)(nil)
