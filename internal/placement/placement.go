// Package placement provides the interchangeable backends that place one bot
// session into an execution environment: a goroutine in the current process,
// a serverless function invocation, or a single-use VM.
//
// Backends are deliberately dumb: they spawn and report liveness. Session
// bookkeeping, per-room serialization and fallback between backends live in
// the orchestrator.
package placement

import (
	"context"
	"errors"
)

// Kind identifies a placement backend.
type Kind string

const (
	KindInProcess Kind = "inprocess"
	KindFunction  Kind = "function"
	KindVM        Kind = "vm"
)

// ErrUnavailable is returned by Spawn when the backend is not configured for
// this process. The orchestrator falls through to the next backend.
var ErrUnavailable = errors.New("placement: backend unavailable")

// Spec carries everything a backend needs to start one bot session.
type Spec struct {
	RoomURL  string
	RoomName string
	Token    string

	// BotConfig is the raw configuration map, forwarded opaquely so unknown
	// keys survive remote placement.
	BotConfig map[string]any

	// BotID identifies the session record. Always set by the orchestrator.
	BotID string

	// WorkflowThreadID links the session to its workflow run, when one exists.
	WorkflowThreadID string
}

// Handle is an opaque reference to one placed session. ID is
// backend-specific: a task id for in-process sessions, an invocation id for
// functions, a machine id for VMs.
type Handle struct {
	Backend Kind
	ID      string
}

// Backend places bot sessions into one execution environment.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Name reports the backend kind for logs and handles.
	Name() Kind

	// Spawn starts one bot session and returns its handle. It returns
	// ErrUnavailable when the backend is not configured; any other error means
	// the spawn was attempted and failed.
	Spawn(ctx context.Context, spec Spec) (Handle, error)

	// IsRunning reports whether the session behind h is still active. Expired
	// or unknown handles report false with a nil error.
	IsRunning(ctx context.Context, h Handle) (bool, error)
}
