// Package workflow implements the durable two-node call workflow:
//
//	[start] → join_bot → ⟪interrupt⟫ → process_transcript → [end]
//
// join_bot places the bot and pauses; the serialized state is checkpointed so
// the pause survives process restarts. When the call ends the bot worker
// resumes the graph, which runs post-call processing and clears the pause.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/pailflow/pailflow/internal/orchestrator"
	"github.com/pailflow/pailflow/internal/store"
)

// State is the serialized graph state carried across the interrupt.
type State struct {
	RoomURL          string         `json:"room_url"`
	Token            string         `json:"token"`
	RoomName         string         `json:"room_name"`
	BotConfig        map[string]any `json:"bot_config"`
	BotID            string         `json:"bot_id,omitempty"`
	WorkflowThreadID string         `json:"workflow_thread_id"`
	TranscriptText   string         `json:"transcript_text,omitempty"`
	Error            string         `json:"error,omitempty"`
}

// ThreadStore is the persistence surface the engine needs.
type ThreadStore interface {
	CreateWorkflowThread(ctx context.Context, t *store.WorkflowThread) error
	UpdateWorkflowThread(ctx context.Context, id string, upd store.ThreadUpdate) error
}

// BotStarter places bot sessions. Implemented by orchestrator.Orchestrator.
type BotStarter interface {
	StartBot(ctx context.Context, req orchestrator.StartRequest) error
}

// TranscriptProcessor runs post-call processing for a finished call.
// Implemented by postcall.Pipeline.
type TranscriptProcessor interface {
	Process(ctx context.Context, roomName, threadID string) error
}

// Engine executes and resumes the call workflow.
type Engine struct {
	log         *slog.Logger
	store       ThreadStore
	checkpoints Checkpointer
	bots        BotStarter
	postcall    TranscriptProcessor
}

// Config assembles an Engine. All fields are required.
type Config struct {
	Log         *slog.Logger
	Store       ThreadStore
	Checkpoints Checkpointer
	Bots        BotStarter
	PostCall    TranscriptProcessor
}

// New builds an Engine from cfg.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Checkpoints == nil || cfg.Bots == nil || cfg.PostCall == nil {
		return nil, errors.New("workflow: store, checkpoints, bots and postcall are required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		log:         log.With("component", "workflow"),
		store:       cfg.Store,
		checkpoints: cfg.Checkpoints,
		bots:        cfg.Bots,
		postcall:    cfg.PostCall,
	}, nil
}

// Execute runs the graph from the start: the join_bot node places the bot,
// then the static interrupt checkpoints the state and pauses. It returns the
// workflow thread id clients poll with.
func (e *Engine) Execute(ctx context.Context, state State) (string, error) {
	if state.WorkflowThreadID == "" {
		state.WorkflowThreadID = uuid.NewString()
	}
	threadID := state.WorkflowThreadID
	log := e.log.With("workflow_thread_id", threadID, "room", state.RoomName)

	if err := e.store.CreateWorkflowThread(ctx, &store.WorkflowThread{
		ID:             threadID,
		RoomName:       state.RoomName,
		RoomURL:        state.RoomURL,
		BotID:          state.BotID,
		BotConfig:      state.BotConfig,
		WorkflowPaused: true,
	}); err != nil {
		return "", fmt.Errorf("workflow: create thread: %w", err)
	}
	paused := true
	if err := e.store.UpdateWorkflowThread(ctx, threadID, store.ThreadUpdate{WorkflowPaused: &paused}); err != nil {
		return "", fmt.Errorf("workflow: mark paused: %w", err)
	}

	if err := e.bots.StartBot(ctx, orchestrator.StartRequest{
		RoomURL:          state.RoomURL,
		Token:            state.Token,
		RoomName:         state.RoomName,
		BotConfig:        state.BotConfig,
		BotID:            state.BotID,
		WorkflowThreadID: threadID,
	}); err != nil {
		state.Error = err.Error()
		e.checkpoint(ctx, threadID, state)
		return threadID, fmt.Errorf("workflow: join_bot: %w", err)
	}

	// Static interrupt: persist the pause point and stop. Resume picks the
	// graph up at process_transcript.
	checkpointID := e.checkpoint(ctx, threadID, state)
	log.Info("workflow paused at interrupt", "checkpoint_id", checkpointID)
	return threadID, nil
}

// Resume continues a paused workflow from its newest checkpoint and runs the
// process_transcript node. workflow_paused is cleared only when post-call
// processing succeeds. A missing checkpoint surfaces as ErrCheckpointMissing;
// callers then run post-call processing directly so the transcript is never
// left unprocessed.
func (e *Engine) Resume(ctx context.Context, threadID string) error {
	log := e.log.With("workflow_thread_id", threadID)

	raw, err := e.checkpoints.Get(ctx, threadID)
	if err != nil {
		return err
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("%w: undecodable state for thread %s: %v", ErrCheckpointMissing, threadID, err)
	}

	log.Info("resuming workflow", "room", state.RoomName)
	if err := e.postcall.Process(ctx, state.RoomName, threadID); err != nil {
		return fmt.Errorf("workflow: process_transcript: %w", err)
	}

	paused := false
	if err := e.store.UpdateWorkflowThread(ctx, threadID, store.ThreadUpdate{WorkflowPaused: &paused}); err != nil {
		log.Warn("clearing workflow_paused failed", "error", err)
	}
	log.Info("workflow completed")
	return nil
}

// checkpoint serializes the state, stores it and records the checkpoint id on
// the thread row. Checkpoint failures are logged, not fatal: the resume path
// tolerates a missing checkpoint by design.
func (e *Engine) checkpoint(ctx context.Context, threadID string, state State) string {
	raw, err := json.Marshal(state)
	if err != nil {
		e.log.Error("state marshal failed", "workflow_thread_id", threadID, "error", err)
		return ""
	}
	checkpointID, err := e.checkpoints.Put(ctx, threadID, raw)
	if err != nil {
		e.log.Error("checkpoint write failed", "workflow_thread_id", threadID, "error", err)
		return ""
	}
	if err := e.store.UpdateWorkflowThread(ctx, threadID, store.ThreadUpdate{CheckpointID: &checkpointID}); err != nil {
		e.log.Warn("checkpoint id persist failed", "workflow_thread_id", threadID, "error", err)
	}
	return checkpointID
}
