package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/pailflow/pailflow/internal/store"
)

// ErrCheckpointMissing is returned by Resume when no checkpoint exists for a
// thread. Possible causes: the in-memory checkpointer lost state across a
// restart, the database is misconfigured, or the checkpoint expired or was
// deleted. Callers degrade to running post-call processing directly.
var ErrCheckpointMissing = errors.New("workflow: checkpoint missing")

// Checkpointer persists serialized workflow state at node boundaries.
type Checkpointer interface {
	// Put stores state for threadID and returns the new checkpoint id.
	Put(ctx context.Context, threadID string, state []byte) (string, error)

	// Get returns the newest checkpoint for threadID, or ErrCheckpointMissing.
	Get(ctx context.Context, threadID string) ([]byte, error)
}

// CheckpointStore is the slice of the persistence layer PGCheckpointer needs.
type CheckpointStore interface {
	PutCheckpoint(ctx context.Context, threadID string, state []byte) (string, error)
	GetCheckpoint(ctx context.Context, threadID string) (checkpointID string, state []byte, err error)
}

// PGCheckpointer stores checkpoints in the checkpoints table. This is the
// production checkpointer; it is what makes workflow pauses survive process
// restarts.
type PGCheckpointer struct {
	store CheckpointStore
}

// NewPGCheckpointer returns a database-backed checkpointer.
func NewPGCheckpointer(s CheckpointStore) *PGCheckpointer {
	return &PGCheckpointer{store: s}
}

func (c *PGCheckpointer) Put(ctx context.Context, threadID string, state []byte) (string, error) {
	return c.store.PutCheckpoint(ctx, threadID, state)
}

func (c *PGCheckpointer) Get(ctx context.Context, threadID string) ([]byte, error) {
	_, state, err := c.store.GetCheckpoint(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: no row for thread %s", ErrCheckpointMissing, threadID)
	}
	if err != nil {
		return nil, err
	}
	if len(state) == 0 {
		return nil, fmt.Errorf("%w: empty state for thread %s", ErrCheckpointMissing, threadID)
	}
	return state, nil
}

// MemCheckpointer keeps checkpoints in process memory. Paused workflows are
// lost on restart, so it exists only for development; construction logs a
// high-severity warning to make an accidental production deployment obvious.
type MemCheckpointer struct {
	mu     sync.Mutex
	states map[string][]byte
}

// NewMemCheckpointer returns an in-memory checkpointer.
func NewMemCheckpointer(log *slog.Logger) *MemCheckpointer {
	if log == nil {
		log = slog.Default()
	}
	log.Error("using in-memory workflow checkpointer: paused workflows will NOT survive a restart; configure the database checkpointer for production")
	return &MemCheckpointer{states: make(map[string][]byte)}
}

func (c *MemCheckpointer) Put(_ context.Context, threadID string, state []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(state))
	copy(cp, state)
	c.states[threadID] = cp
	return uuid.NewString(), nil
}

func (c *MemCheckpointer) Get(_ context.Context, threadID string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.states[threadID]
	if !ok || len(state) == 0 {
		return nil, fmt.Errorf("%w: no in-memory state for thread %s (lost on restart?)", ErrCheckpointMissing, threadID)
	}
	out := make([]byte, len(state))
	copy(out, state)
	return out, nil
}

var (
	_ Checkpointer = (*PGCheckpointer)(nil)
	_ Checkpointer = (*MemCheckpointer)(nil)
)
