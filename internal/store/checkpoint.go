package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// PutCheckpoint persists one serialized workflow state for a thread and
// returns the new checkpoint id. Older checkpoints for the thread are kept;
// readers always take the newest.
func (s *Store) PutCheckpoint(ctx context.Context, threadID string, state []byte) (string, error) {
	if threadID == "" {
		return "", errors.New("store: thread id required")
	}
	checkpointID := uuid.NewString()
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO checkpoints (checkpoint_id, workflow_thread_id, state) VALUES ($1, $2, $3)`,
		checkpointID, threadID, state); err != nil {
		return "", fmt.Errorf("store: insert checkpoint: %w", err)
	}
	return checkpointID, nil
}

// GetCheckpoint returns the newest checkpoint for a thread.
func (s *Store) GetCheckpoint(ctx context.Context, threadID string) (checkpointID string, state []byte, err error) {
	row := s.pool.QueryRow(ctx,
		`SELECT checkpoint_id, state FROM checkpoints
		 WHERE workflow_thread_id = $1 ORDER BY created_at DESC LIMIT 1`, threadID)
	if err := row.Scan(&checkpointID, &state); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil, ErrNotFound
		}
		return "", nil, fmt.Errorf("store: read checkpoint: %w", err)
	}
	return checkpointID, state, nil
}
