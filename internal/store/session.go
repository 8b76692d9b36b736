package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pailflow/pailflow/pkg/types"
)

// BotSession is the legacy per-bot record, kept alongside WorkflowThread so
// the status endpoint and older clients can query by bot id.
type BotSession struct {
	BotID          string
	RoomName       string
	Status         types.SessionStatus
	StartedAt      time.Time
	CompletedAt    *time.Time
	BotConfig      map[string]any
	TranscriptText string
	QAPairs        []types.QAPair
	Insights       *types.Insights
	Error          string
}

const sessionColumns = `bot_id, room_name, status, started_at, completed_at, bot_config,
	transcript_text, qa_pairs, insights, error`

// CreateBotSession records a bot start.
func (s *Store) CreateBotSession(ctx context.Context, sess *BotSession) error {
	if sess.BotID == "" {
		return errors.New("store: bot id required")
	}
	if sess.Status == "" {
		sess.Status = types.SessionRunning
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}
	transcript, err := s.encrypt(sess.TranscriptText)
	if err != nil {
		return fmt.Errorf("store: encrypt transcript: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO bot_sessions (bot_id, room_name, status, started_at, bot_config, transcript_text, qa_pairs, insights, error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (bot_id) DO NOTHING`,
		sess.BotID, sess.RoomName, sess.Status, sess.StartedAt,
		jsonbMap(sess.BotConfig), transcript, jsonbPairs(sess.QAPairs), sess.Insights, sess.Error,
	)
	if err != nil {
		return fmt.Errorf("store: insert bot session: %w", err)
	}
	return nil
}

// GetBotSession loads one session by bot id.
func (s *Store) GetBotSession(ctx context.Context, botID string) (*BotSession, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM bot_sessions WHERE bot_id = $1`, botID)
	return s.scanSession(row)
}

// LatestBotSessionByRoom returns the newest session for a room name.
func (s *Store) LatestBotSessionByRoom(ctx context.Context, roomName string) (*BotSession, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM bot_sessions
		 WHERE room_name = $1 ORDER BY started_at DESC LIMIT 1`, roomName)
	return s.scanSession(row)
}

// SessionUpdate is a partial update of a bot session row.
type SessionUpdate struct {
	Status         *types.SessionStatus
	CompletedAt    *time.Time
	TranscriptText *string
	QAPairs        *[]types.QAPair
	Insights       *types.Insights
	Error          *string
}

// UpdateBotSession applies a partial update to one session row.
func (s *Store) UpdateBotSession(ctx context.Context, botID string, upd SessionUpdate) error {
	set := make([]string, 0, 4)
	args := []any{botID}

	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if upd.Status != nil {
		add("status", *upd.Status)
	}
	if upd.CompletedAt != nil {
		add("completed_at", *upd.CompletedAt)
	}
	if upd.TranscriptText != nil {
		enc, err := s.encrypt(*upd.TranscriptText)
		if err != nil {
			return fmt.Errorf("store: encrypt transcript: %w", err)
		}
		add("transcript_text", enc)
	}
	if upd.QAPairs != nil {
		add("qa_pairs", jsonbPairs(*upd.QAPairs))
	}
	if upd.Insights != nil {
		add("insights", upd.Insights)
	}
	if upd.Error != nil {
		add("error", *upd.Error)
	}

	if len(set) == 0 {
		return nil
	}

	query := "UPDATE bot_sessions SET "
	for i, clause := range set {
		if i > 0 {
			query += ", "
		}
		query += clause
	}
	query += " WHERE bot_id = $1"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: update bot session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) scanSession(row pgx.Row) (*BotSession, error) {
	var sess BotSession
	err := row.Scan(
		&sess.BotID, &sess.RoomName, &sess.Status, &sess.StartedAt, &sess.CompletedAt,
		&sess.BotConfig, &sess.TranscriptText, &sess.QAPairs, &sess.Insights, &sess.Error,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan bot session: %w", err)
	}
	sess.TranscriptText = s.decrypt(sess.TranscriptText)
	return &sess, nil
}
