package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pailflow/pailflow/internal/pipeline"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// passNode forwards every frame unchanged.
type passNode struct {
	name string
}

func (n *passNode) Name() string { return n.name }

func (n *passNode) Run(ctx context.Context, in <-chan pipeline.Frame, out chan<- pipeline.Frame) error {
	for {
		select {
		case f, ok := <-in:
			if !ok {
				return nil
			}
			select {
			case out <- f:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// captureNode records every frame it receives and forwards nothing.
type captureNode struct {
	mu     sync.Mutex
	frames []pipeline.Frame
}

func (n *captureNode) Name() string { return "capture" }

func (n *captureNode) Run(ctx context.Context, in <-chan pipeline.Frame, out chan<- pipeline.Frame) error {
	for {
		select {
		case f, ok := <-in:
			if !ok {
				return nil
			}
			n.mu.Lock()
			n.frames = append(n.frames, f)
			n.mu.Unlock()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (n *captureNode) captured() []pipeline.Frame {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]pipeline.Frame, len(n.frames))
	copy(out, n.frames)
	return out
}

// failNode returns errBoom as soon as it receives any frame.
type failNode struct{}

var errBoom = errors.New("boom")

func (n *failNode) Name() string { return "fail" }

func (n *failNode) Run(ctx context.Context, in <-chan pipeline.Frame, out chan<- pipeline.Frame) error {
	select {
	case _, ok := <-in:
		if !ok {
			return nil
		}
		return errBoom
	case <-ctx.Done():
		return ctx.Err()
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ─── TestPipeline_ForwardsInOrder ────────────────────────────────────────────

// TestPipeline_ForwardsInOrder verifies that frames pushed at the head arrive
// at the tail in FIFO order through a multi-node chain.
func TestPipeline_ForwardsInOrder(t *testing.T) {
	t.Parallel()

	capture := &captureNode{}
	p := pipeline.New(testLogger(), []pipeline.Node{
		&passNode{name: "a"},
		&passNode{name: "b"},
		capture,
	})

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	ctx := context.Background()
	for _, text := range []string{"one", "two", "three"} {
		if err := p.Push(ctx, pipeline.SystemMessage{Content: text}); err != nil {
			t.Fatalf("Push(%q): %v", text, err)
		}
	}
	p.Close()

	if err := <-done; err != nil {
		t.Fatalf("Run: unexpected error: %v", err)
	}

	got := capture.captured()
	if len(got) != 3 {
		t.Fatalf("captured frames: want 3, got %d", len(got))
	}
	for i, want := range []string{"one", "two", "three"} {
		msg, ok := got[i].(pipeline.SystemMessage)
		if !ok {
			t.Fatalf("frame %d: want SystemMessage, got %T", i, got[i])
		}
		if msg.Content != want {
			t.Errorf("frame %d content: want %q, got %q", i, want, msg.Content)
		}
	}
}

// ─── TestPipeline_CloseIsIdempotent ──────────────────────────────────────────

// TestPipeline_CloseIsIdempotent verifies that Close can be called repeatedly
// and that Push fails cleanly afterwards.
func TestPipeline_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	p := pipeline.New(testLogger(), []pipeline.Node{&passNode{name: "a"}})

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	p.Close()
	p.Close()
	p.Close()

	if err := p.Push(context.Background(), pipeline.LLMRun{}); err == nil {
		t.Error("Push after Close: want error, got nil")
	}
	if err := <-done; err != nil {
		t.Errorf("Run after Close: unexpected error: %v", err)
	}
}

// ─── TestPipeline_NodeErrorStopsChain ────────────────────────────────────────

// TestPipeline_NodeErrorStopsChain verifies that a failing node terminates the
// whole run and that its error is surfaced with the node name attached.
func TestPipeline_NodeErrorStopsChain(t *testing.T) {
	t.Parallel()

	p := pipeline.New(testLogger(), []pipeline.Node{
		&passNode{name: "a"},
		&failNode{},
		&passNode{name: "b"},
	})

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	if err := p.Push(context.Background(), pipeline.LLMRun{}); err != nil {
		t.Fatalf("Push: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, errBoom) {
			t.Fatalf("Run error: want errBoom, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not terminate after node failure")
	}
}

// ─── TestPipeline_ContextCancelStops ─────────────────────────────────────────

// TestPipeline_ContextCancelStops verifies that cancelling the run context
// brings the whole chain down promptly.
func TestPipeline_ContextCancelStops(t *testing.T) {
	t.Parallel()

	p := pipeline.New(testLogger(), []pipeline.Node{
		&passNode{name: "a"},
		&passNode{name: "b"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run error: want context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not terminate after context cancel")
	}
}

// ─── TestPipeline_PushBlocksUntilConsumed ────────────────────────────────────

// TestPipeline_PushBlocksUntilConsumed verifies the back-pressure contract: a
// full head edge blocks Push instead of dropping frames, and the push context
// bounds the wait.
func TestPipeline_PushBlocksUntilConsumed(t *testing.T) {
	t.Parallel()

	// No Run call: nothing consumes the head edge, so pushes beyond the
	// buffer must block until the context expires.
	p := pipeline.New(testLogger(), []pipeline.Node{&passNode{name: "a"}}, pipeline.WithEdgeBuffer(1))

	if err := p.Push(context.Background(), pipeline.LLMRun{}); err != nil {
		t.Fatalf("first Push: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Push(ctx, pipeline.LLMRun{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second Push: want deadline error, got %v", err)
	}
}
