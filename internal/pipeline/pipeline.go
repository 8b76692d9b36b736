// Package pipeline implements the frame-processing chain that turns room
// audio into bot behavior: speech-to-text, turn aggregation, LLM completion,
// speech synthesis, animation and transcript capture. Nodes are connected by
// bounded channels and run concurrently; a slow node applies back-pressure
// upstream instead of dropping frames.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

const defaultEdgeBuffer = 64

// Node is one processing stage. Run consumes frames from in until it is
// closed or ctx is cancelled, emitting results on out. Implementations must
// never close out; the pipeline closes each edge once the upstream node
// returns, which cascades shutdown through the chain.
type Node interface {
	Name() string
	Run(ctx context.Context, in <-chan Frame, out chan<- Frame) error
}

// Pipeline wires a fixed sequence of nodes together and runs them.
type Pipeline struct {
	log     *slog.Logger
	nodes   []Node
	bufSize int

	in     chan Frame
	mu     sync.Mutex
	closed bool
}

// Option adjusts pipeline construction.
type Option func(*Pipeline)

// WithEdgeBuffer sets the capacity of the channels between nodes.
func WithEdgeBuffer(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.bufSize = n
		}
	}
}

// New builds a pipeline from nodes, connected head to tail in order.
func New(log *slog.Logger, nodes []Node, opts ...Option) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{
		log:     log,
		nodes:   nodes,
		bufSize: defaultEdgeBuffer,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.in = make(chan Frame, p.bufSize)
	return p
}

// Push injects a frame at the head of the chain. It blocks when the head edge
// is full and fails once the pipeline has been closed or ctx is done.
func (p *Pipeline) Push(ctx context.Context, f Frame) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("pipeline: push %T: pipeline closed", f)
	}
	p.mu.Unlock()
	select {
	case p.in <- f:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline: push %T: %w", f, ctx.Err())
	}
}

// Close stops accepting new input and lets the chain drain. Safe to call more
// than once. Run returns once every node has finished.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.in)
}

// Run executes the chain until the input closes, ctx is cancelled or a node
// fails. A node error cancels the remaining nodes and is returned wrapped
// with the node name; frames already in flight ahead of the failure are
// drained, not processed.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	in := (<-chan Frame)(p.in)
	for _, n := range p.nodes {
		node := n
		nodeIn := in
		nodeOut := make(chan Frame, p.bufSize)
		g.Go(func() error {
			defer close(nodeOut)
			if err := node.Run(ctx, nodeIn, nodeOut); err != nil {
				if ctx.Err() == nil {
					p.log.Error("pipeline node failed", "node", node.Name(), "error", err)
				}
				return fmt.Errorf("pipeline: node %s: %w", node.Name(), err)
			}
			return nil
		})
		in = nodeOut
	}

	// Drain whatever the tail node leaves unconsumed.
	tail := in
	g.Go(func() error {
		for range tail {
		}
		return nil
	})

	return g.Wait()
}

// send delivers f to out, honouring cancellation. It reports false when ctx
// ended before the frame could be queued.
func send(ctx context.Context, out chan<- Frame, f Frame) bool {
	select {
	case out <- f:
		return true
	case <-ctx.Done():
		return false
	}
}
