package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pailflow/pailflow/pkg/types"
)

// WorkflowThread is the canonical per-run record. One row exists per requested
// call; the bot worker, the workflow engine, and the post-call pipeline all
// mutate it over the run's lifetime. Sensitive fields (transcript, summary,
// email, webhook URL) are stored encrypted and are plaintext on this struct.
type WorkflowThread struct {
	ID                          string
	RoomName                    string
	RoomURL                     string
	BotID                       string
	BotConfig                   map[string]any
	BotEnabled                  bool
	MeetingStatus               types.MeetingStatus
	MeetingStartTime            *time.Time
	MeetingEndTime              *time.Time
	BotJoinTime                 *time.Time
	BotLeaveTime                *time.Time
	BotDurationS                float64
	TranscriptID                string
	TranscriptText              string
	TranscriptProcessed         bool
	EmailSent                   bool
	WebhookSent                 bool
	CandidateSummary            string
	Insights                    *types.Insights
	QAPairs                     []types.QAPair
	WebhookCallbackURL          string
	EmailResultsTo              string
	WorkflowPaused              bool
	WaitingForMeetingEnded      bool
	WaitingForTranscriptWebhook bool
	CheckpointID                string
	UsageStats                  types.UsageStats
	UnkeyKeyID                  string
	Metadata                    map[string]any
	CreatedAt                   time.Time
	UpdatedAt                   time.Time
}

const threadColumns = `workflow_thread_id, room_name, room_url, bot_id, bot_config, bot_enabled,
	meeting_status, meeting_start_time, meeting_end_time, bot_join_time, bot_leave_time,
	bot_duration_s, transcript_id, transcript_text, transcript_processed, email_sent,
	webhook_sent, candidate_summary, insights, qa_pairs, webhook_callback_url,
	email_results_to, workflow_paused, waiting_for_meeting_ended,
	waiting_for_transcript_webhook, checkpoint_id, usage_stats, unkey_key_id, metadata,
	created_at, updated_at`

// CreateWorkflowThread inserts a new thread row. The insert is idempotent on
// the thread id so racing creators (API handler vs. join_bot node) cannot
// duplicate a run.
func (s *Store) CreateWorkflowThread(ctx context.Context, t *WorkflowThread) error {
	if t.ID == "" {
		return errors.New("store: workflow thread id required")
	}
	if t.MeetingStatus == "" {
		t.MeetingStatus = types.MeetingInProgress
	}
	transcript, err := s.encrypt(t.TranscriptText)
	if err != nil {
		return fmt.Errorf("store: encrypt transcript: %w", err)
	}
	summary, err := s.encrypt(t.CandidateSummary)
	if err != nil {
		return fmt.Errorf("store: encrypt summary: %w", err)
	}
	webhookURL, err := s.encrypt(t.WebhookCallbackURL)
	if err != nil {
		return fmt.Errorf("store: encrypt webhook url: %w", err)
	}
	emailTo, err := s.encrypt(t.EmailResultsTo)
	if err != nil {
		return fmt.Errorf("store: encrypt email: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_threads (
			workflow_thread_id, room_name, room_url, bot_id, bot_config, bot_enabled,
			meeting_status, meeting_start_time, bot_duration_s, transcript_id,
			transcript_text, candidate_summary, insights, qa_pairs,
			webhook_callback_url, email_results_to, workflow_paused, checkpoint_id,
			usage_stats, unkey_key_id, metadata
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		ON CONFLICT (workflow_thread_id) DO NOTHING`,
		t.ID, t.RoomName, t.RoomURL, t.BotID, jsonbMap(t.BotConfig), t.BotEnabled,
		t.MeetingStatus, t.MeetingStartTime, t.BotDurationS, t.TranscriptID,
		transcript, summary, t.Insights, jsonbPairs(t.QAPairs),
		webhookURL, emailTo, t.WorkflowPaused, t.CheckpointID,
		t.UsageStats, t.UnkeyKeyID, jsonbMap(t.Metadata),
	)
	if err != nil {
		return fmt.Errorf("store: insert workflow thread: %w", err)
	}
	return nil
}

// GetWorkflowThread loads one thread row by id.
func (s *Store) GetWorkflowThread(ctx context.Context, id string) (*WorkflowThread, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+threadColumns+` FROM workflow_threads WHERE workflow_thread_id = $1`, id)
	return s.scanThread(row)
}

// FindPausedThreadByRoom returns the most recently updated paused thread for a
// room. Bot workers started without a thread id use this to reattach to their
// run before resuming the workflow.
func (s *Store) FindPausedThreadByRoom(ctx context.Context, roomName string) (*WorkflowThread, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+threadColumns+` FROM workflow_threads
		 WHERE room_name = $1 AND workflow_paused
		 ORDER BY updated_at DESC LIMIT 1`, roomName)
	return s.scanThread(row)
}

// ThreadUpdate is a partial update of a workflow thread row. Nil fields are
// left untouched; set fields overwrite.
type ThreadUpdate struct {
	RoomName                    *string
	RoomURL                     *string
	BotID                       *string
	BotConfig                   map[string]any
	BotEnabled                  *bool
	MeetingStatus               *types.MeetingStatus
	MeetingStartTime            *time.Time
	MeetingEndTime              *time.Time
	BotJoinTime                 *time.Time
	BotLeaveTime                *time.Time
	BotDurationS                *float64
	TranscriptID                *string
	TranscriptText              *string
	TranscriptProcessed         *bool
	EmailSent                   *bool
	WebhookSent                 *bool
	CandidateSummary            *string
	Insights                    *types.Insights
	QAPairs                     *[]types.QAPair
	WebhookCallbackURL          *string
	EmailResultsTo              *string
	WorkflowPaused              *bool
	WaitingForMeetingEnded      *bool
	WaitingForTranscriptWebhook *bool
	CheckpointID                *string
	UnkeyKeyID                  *string
	Metadata                    map[string]any
}

// UpdateWorkflowThread applies a partial update to one thread row.
// usage_stats is excluded on purpose; it only moves through UpdateUsageStats
// so the monotonic-total guarantee has a single write path.
func (s *Store) UpdateWorkflowThread(ctx context.Context, id string, upd ThreadUpdate) error {
	set := make([]string, 0, 8)
	args := []any{id}

	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if upd.RoomName != nil {
		add("room_name", *upd.RoomName)
	}
	if upd.RoomURL != nil {
		add("room_url", *upd.RoomURL)
	}
	if upd.BotID != nil {
		add("bot_id", *upd.BotID)
	}
	if upd.BotConfig != nil {
		add("bot_config", jsonbMap(upd.BotConfig))
	}
	if upd.BotEnabled != nil {
		add("bot_enabled", *upd.BotEnabled)
	}
	if upd.MeetingStatus != nil {
		add("meeting_status", *upd.MeetingStatus)
	}
	if upd.MeetingStartTime != nil {
		add("meeting_start_time", *upd.MeetingStartTime)
	}
	if upd.MeetingEndTime != nil {
		add("meeting_end_time", *upd.MeetingEndTime)
	}
	if upd.BotJoinTime != nil {
		add("bot_join_time", *upd.BotJoinTime)
	}
	if upd.BotLeaveTime != nil {
		add("bot_leave_time", *upd.BotLeaveTime)
	}
	if upd.BotDurationS != nil {
		add("bot_duration_s", *upd.BotDurationS)
	}
	if upd.TranscriptID != nil {
		add("transcript_id", *upd.TranscriptID)
	}
	if upd.TranscriptText != nil {
		enc, err := s.encrypt(*upd.TranscriptText)
		if err != nil {
			return fmt.Errorf("store: encrypt transcript: %w", err)
		}
		add("transcript_text", enc)
	}
	if upd.TranscriptProcessed != nil {
		add("transcript_processed", *upd.TranscriptProcessed)
	}
	if upd.EmailSent != nil {
		add("email_sent", *upd.EmailSent)
	}
	if upd.WebhookSent != nil {
		add("webhook_sent", *upd.WebhookSent)
	}
	if upd.CandidateSummary != nil {
		enc, err := s.encrypt(*upd.CandidateSummary)
		if err != nil {
			return fmt.Errorf("store: encrypt summary: %w", err)
		}
		add("candidate_summary", enc)
	}
	if upd.Insights != nil {
		add("insights", upd.Insights)
	}
	if upd.QAPairs != nil {
		add("qa_pairs", jsonbPairs(*upd.QAPairs))
	}
	if upd.WebhookCallbackURL != nil {
		enc, err := s.encrypt(*upd.WebhookCallbackURL)
		if err != nil {
			return fmt.Errorf("store: encrypt webhook url: %w", err)
		}
		add("webhook_callback_url", enc)
	}
	if upd.EmailResultsTo != nil {
		enc, err := s.encrypt(*upd.EmailResultsTo)
		if err != nil {
			return fmt.Errorf("store: encrypt email: %w", err)
		}
		add("email_results_to", enc)
	}
	if upd.WorkflowPaused != nil {
		add("workflow_paused", *upd.WorkflowPaused)
	}
	if upd.WaitingForMeetingEnded != nil {
		add("waiting_for_meeting_ended", *upd.WaitingForMeetingEnded)
	}
	if upd.WaitingForTranscriptWebhook != nil {
		add("waiting_for_transcript_webhook", *upd.WaitingForTranscriptWebhook)
	}
	if upd.CheckpointID != nil {
		add("checkpoint_id", *upd.CheckpointID)
	}
	if upd.UnkeyKeyID != nil {
		add("unkey_key_id", *upd.UnkeyKeyID)
	}
	if upd.Metadata != nil {
		add("metadata", jsonbMap(upd.Metadata))
	}

	if len(set) == 0 {
		return nil
	}
	set = append(set, "updated_at = now()")

	query := "UPDATE workflow_threads SET "
	for i, clause := range set {
		if i > 0 {
			query += ", "
		}
		query += clause
	}
	query += " WHERE workflow_thread_id = $1"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: update workflow thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateUsageStats applies a read-modify-write to a thread's usage_stats under
// a row lock, so concurrent metric bursts and post-call accounting cannot lose
// increments. Returns the stats after the update.
func (s *Store) UpdateUsageStats(ctx context.Context, id string, apply func(*types.UsageStats)) (types.UsageStats, error) {
	var stats types.UsageStats

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return stats, fmt.Errorf("store: begin usage update: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT usage_stats FROM workflow_threads WHERE workflow_thread_id = $1 FOR UPDATE`, id)
	if err := row.Scan(&stats); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return stats, ErrNotFound
		}
		return stats, fmt.Errorf("store: read usage_stats: %w", err)
	}

	apply(&stats)

	if _, err := tx.Exec(ctx,
		`UPDATE workflow_threads SET usage_stats = $2, updated_at = now() WHERE workflow_thread_id = $1`,
		id, stats); err != nil {
		return stats, fmt.Errorf("store: write usage_stats: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return stats, fmt.Errorf("store: commit usage update: %w", err)
	}
	return stats, nil
}

func (s *Store) scanThread(row pgx.Row) (*WorkflowThread, error) {
	var t WorkflowThread
	err := row.Scan(
		&t.ID, &t.RoomName, &t.RoomURL, &t.BotID, &t.BotConfig, &t.BotEnabled,
		&t.MeetingStatus, &t.MeetingStartTime, &t.MeetingEndTime, &t.BotJoinTime, &t.BotLeaveTime,
		&t.BotDurationS, &t.TranscriptID, &t.TranscriptText, &t.TranscriptProcessed, &t.EmailSent,
		&t.WebhookSent, &t.CandidateSummary, &t.Insights, &t.QAPairs, &t.WebhookCallbackURL,
		&t.EmailResultsTo, &t.WorkflowPaused, &t.WaitingForMeetingEnded,
		&t.WaitingForTranscriptWebhook, &t.CheckpointID, &t.UsageStats, &t.UnkeyKeyID, &t.Metadata,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan workflow thread: %w", err)
	}
	t.TranscriptText = s.decrypt(t.TranscriptText)
	t.CandidateSummary = s.decrypt(t.CandidateSummary)
	t.WebhookCallbackURL = s.decrypt(t.WebhookCallbackURL)
	t.EmailResultsTo = s.decrypt(t.EmailResultsTo)
	return &t, nil
}

// jsonbMap normalizes nil maps to empty objects so JSONB NOT NULL columns
// never see SQL NULL.
func jsonbMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// jsonbPairs normalizes nil slices to empty arrays.
func jsonbPairs(p []types.QAPair) []types.QAPair {
	if p == nil {
		return []types.QAPair{}
	}
	return p
}
