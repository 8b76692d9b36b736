// Package bot runs one media-pipeline session for one room: it wires the
// conversation pipeline to a room transport, reacts to participant lifecycle
// events, owns the session transcript, and executes the strictly ordered
// shutdown sequence that settles timing, cost and accounting when the call
// ends.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/pailflow/pailflow/internal/pipeline"
	"github.com/pailflow/pailflow/internal/pricing"
	"github.com/pailflow/pailflow/internal/store"
	"github.com/pailflow/pailflow/pkg/provider/llm"
	"github.com/pailflow/pailflow/pkg/provider/stt"
	"github.com/pailflow/pailflow/pkg/provider/tts"
	"github.com/pailflow/pailflow/pkg/rooms"
	"github.com/pailflow/pailflow/pkg/types"
)

const (
	// defaultCleanupTimeout bounds the graceful transport leave at shutdown.
	defaultCleanupTimeout = 2 * time.Second

	// defaultDrainSleep is the unconditional pause after transport cleanup
	// that lets native audio-renderer threads finish before anything else is
	// torn down.
	defaultDrainSleep = 1500 * time.Millisecond

	// introPrompt is injected when the first participant arrives so the bot
	// opens the conversation instead of waiting silently.
	introPrompt = "A participant has just joined the call. Greet them and briefly introduce yourself."
)

// WorkerStore is the persistence surface a bot worker needs.
type WorkerStore interface {
	HandlerStore
	UpdateBotSession(ctx context.Context, botID string, upd store.SessionUpdate) error
}

// TransactionCreator creates the customer-facing ledger row for a finished
// call. Implemented by usage.Accounting.
type TransactionCreator interface {
	CreateTransaction(ctx context.Context, threadID string) (bool, error)
}

// Config assembles one bot worker.
type Config struct {
	Log *slog.Logger

	Store     WorkerStore
	Transport rooms.Transport

	STT   stt.Provider
	LLM   llm.Provider
	TTS   tts.Provider
	Voice tts.VoiceProfile

	RoomName string
	RoomURL  string
	BotID    string

	// ThreadID is the workflow thread this session belongs to. May be empty;
	// the transcript handler then reattaches via the paused-thread lookup.
	ThreadID string

	Bot       types.BotConfig
	Animation pipeline.AnimationConfig

	// Usage accumulates provider cost onto the thread. Optional.
	Usage pipeline.CostSink

	// Accounting creates the usage transaction at shutdown. Optional.
	Accounting TransactionCreator

	// Resume continues the paused workflow once the call ends. When nil or
	// failing, PostCall runs directly instead.
	Resume func(ctx context.Context, threadID string) error

	// PostCall processes the finished call's transcript when no workflow can
	// be resumed.
	PostCall func(ctx context.Context, roomName, threadID string) error

	// OnDone is invoked after the shutdown sequence, letting the orchestrator
	// drop the session from its registries.
	OnDone func()
}

func (c *Config) validate() error {
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Transport == nil {
		return errors.New("transport is required")
	}
	if c.STT == nil || c.LLM == nil || c.TTS == nil {
		return errors.New("stt, llm and tts providers are required")
	}
	if c.RoomName == "" {
		return errors.New("room name is required")
	}
	return nil
}

// Worker runs one bot session to completion.
type Worker struct {
	cfg     Config
	log     *slog.Logger
	handler *TranscriptHandler
	tracker *pipeline.SpeakerTracker

	cleanupTimeout time.Duration
	drainSleep     time.Duration

	joinTime time.Time

	// leftRoom is set by the participant-left handler when the bot is the
	// last one standing; it gates post-call processing.
	leftRoom bool
}

// New builds a Worker from cfg.
func New(cfg Config) (*Worker, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("bot: %w", err)
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "bot", "room", cfg.RoomName)

	handler := NewTranscriptHandler(cfg.Store, cfg.RoomName, cfg.Bot.Name, cfg.ThreadID, log)
	return &Worker{
		cfg:            cfg,
		log:            log,
		handler:        handler,
		tracker:        pipeline.NewSpeakerTracker(handler),
		cleanupTimeout: defaultCleanupTimeout,
		drainSleep:     defaultDrainSleep,
	}, nil
}

// Handler exposes the worker's transcript handler, mainly for tests.
func (w *Worker) Handler() *TranscriptHandler { return w.handler }

// Leave performs a graceful room exit. The orchestrator calls this during
// process shutdown before cancelling the worker, so the transport drains
// while its goroutines are still alive.
func (w *Worker) Leave(ctx context.Context) error {
	return w.cfg.Transport.Leave(ctx)
}

// Run executes the session until the room empties, the pipeline fails, or
// ctx is cancelled. Every exit path runs the full shutdown sequence; Run
// never lets a session failure escape as a panic.
func (w *Worker) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("bot session panicked", "panic", r)
			err = fmt.Errorf("bot: session panic: %v", r)
		}
	}()

	w.joinTime = time.Now().UTC()
	if w.cfg.ThreadID != "" {
		now := w.joinTime
		status := types.MeetingInProgress
		if uerr := w.cfg.Store.UpdateWorkflowThread(ctx, w.cfg.ThreadID, store.ThreadUpdate{
			BotJoinTime:      &now,
			MeetingStartTime: &now,
			MeetingStatus:    &status,
		}); uerr != nil {
			w.log.Warn("join time persist failed", "error", uerr)
		}
	}

	sttCfg := stt.StreamConfig{Keywords: w.cfg.Bot.Keywords}
	p, err := pipeline.NewConversation(pipeline.Config{
		Log:          w.log,
		Transport:    w.cfg.Transport,
		STT:          w.cfg.STT,
		STTConfig:    sttCfg,
		LLM:          w.cfg.LLM,
		SystemPrompt: w.cfg.Bot.SystemPrompt,
		TTS:          w.cfg.TTS,
		Voice:        w.cfg.Voice,
		Speakers:     w.tracker,
		Transcripts:  w.handler,
		Costs:        w.cfg.Usage,
		ThreadID:     w.cfg.ThreadID,
		Animation:    w.cfg.Animation,
	})
	if err != nil {
		w.shutdown()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	eventsDone := make(chan struct{})
	go func() {
		defer close(eventsDone)
		w.pumpEvents(runCtx, p)
	}()

	runErr := p.Run(runCtx)
	cancel()
	<-eventsDone

	w.shutdown()

	if w.leftRoom {
		w.finalize()
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		w.log.Error("pipeline ended with error", "error", runErr)
		w.recordSessionError(runErr)
		return fmt.Errorf("bot: pipeline: %w", runErr)
	}
	return nil
}

// pumpEvents consumes transport lifecycle events until the transport closes
// or ctx ends.
func (w *Worker) pumpEvents(ctx context.Context, p *pipeline.Pipeline) {
	events := w.cfg.Transport.Events()
	firstSeen := false
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case rooms.EventParticipantJoined:
				w.handler.UpdateRoster(w.cfg.Transport.Participants(), w.cfg.Transport.LocalSessionID())
				w.log.Info("participant joined",
					"name", ev.Participant.Name, "session_id", ev.Participant.SessionID)
				if !firstSeen && w.handler.ParticipantCount() > 0 {
					firstSeen = true
					w.introduce(ctx, p)
				}
			case rooms.EventActiveSpeakerChanged:
				// Rebind the most recent diarization id to whoever the room
				// says is actually talking.
				w.tracker.BindLastSpeaker(ev.Participant.SessionID)
			case rooms.EventCountsUpdated:
				w.log.Debug("participant counts updated",
					"present", ev.Counts.Present, "hidden", ev.Counts.Hidden)
			case rooms.EventParticipantLeft:
				w.handler.UpdateRoster(w.cfg.Transport.Participants(), w.cfg.Transport.LocalSessionID())
				if w.onParticipantLeft(ev) {
					p.Close()
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// introduce prods the bot to open the conversation.
func (w *Worker) introduce(ctx context.Context, p *pipeline.Pipeline) {
	if err := p.Push(ctx, pipeline.SystemMessage{Content: introPrompt}); err != nil {
		return
	}
	_ = p.Push(ctx, pipeline.LLMRun{})
}

// onParticipantLeft applies the only-present-participant gate and reports
// whether the session should shut down.
func (w *Worker) onParticipantLeft(ev rooms.Event) bool {
	present := w.cfg.Transport.PresentCount()
	w.log.Info("participant left",
		"name", ev.Participant.Name, "reason", ev.Reason, "present", present)
	if present > 1 {
		// Others remain; the bot stays in the call.
		return false
	}
	w.leftRoom = true
	return true
}

// shutdown settles the session: timing, STT cost, the primary usage
// transaction, transport cleanup and the legacy session record. It runs on
// every exit path and uses a fresh context because the session context is
// usually already cancelled here.
func (w *Worker) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	leaveTime := time.Now().UTC()
	var durationS float64
	if !w.joinTime.IsZero() {
		durationS = math.Round(leaveTime.Sub(w.joinTime).Seconds())
	}

	threadID := w.handler.ThreadID()
	if threadID != "" {
		status := types.MeetingCompleted
		upd := store.ThreadUpdate{
			BotLeaveTime:   &leaveTime,
			MeetingEndTime: &leaveTime,
			MeetingStatus:  &status,
		}
		if durationS > 0 {
			upd.BotDurationS = &durationS
		}
		if err := w.cfg.Store.UpdateWorkflowThread(ctx, threadID, upd); err != nil {
			w.log.Warn("leave time persist failed", "error", err)
		}
	}

	if threadID != "" && durationS > 0 && w.cfg.Usage != nil {
		if cost, err := pricing.CalculateSTTCost(durationS); err == nil && cost > 0 {
			w.log.Debug("stt usage costed", "category", "stt", "duration_s", durationS, "cost_usd", cost)
			w.cfg.Usage.AddCost(ctx, threadID, cost, "")
		}
	}

	// Primary transaction-creation point; the post-call pipeline holds the
	// idempotent fallback.
	if threadID != "" && durationS > 0 && w.cfg.Accounting != nil {
		if _, err := w.cfg.Accounting.CreateTransaction(ctx, threadID); err != nil {
			w.log.Warn("usage transaction failed", "error", err)
		}
	}

	w.cleanupTransport()

	if w.cfg.BotID != "" {
		status := types.SessionCompleted
		text := w.handler.Text()
		if err := w.cfg.Store.UpdateBotSession(ctx, w.cfg.BotID, store.SessionUpdate{
			Status:         &status,
			CompletedAt:    &leaveTime,
			TranscriptText: &text,
		}); err != nil {
			w.log.Warn("session record update failed", "error", err)
		}
	}

	if w.cfg.OnDone != nil {
		w.cfg.OnDone()
	}
}

// cleanupTransport leaves the room with a bounded wait, closes the
// connection, and pauses so native audio threads can drain. Errors from the
// transport's native layer during teardown are logged and swallowed.
func (w *Worker) cleanupTransport() {
	defer func() {
		if r := recover(); r != nil {
			w.log.Warn("transport cleanup panicked", "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), w.cleanupTimeout)
	defer cancel()

	if err := w.cfg.Transport.Leave(ctx); err != nil {
		if isNativeShutdownErr(err) {
			w.log.Warn("native shutdown noise during leave", "error", err)
		} else {
			w.log.Warn("room leave failed", "error", err)
		}
	}
	if err := w.cfg.Transport.Close(); err != nil {
		if isNativeShutdownErr(err) {
			w.log.Warn("native shutdown noise during close", "error", err)
		} else {
			w.log.Warn("transport close failed", "error", err)
		}
	}

	time.Sleep(w.drainSleep)
}

// finalize hands the finished call to post-call processing: resume the paused
// workflow when possible, fall back to running the pipeline directly. A call
// may never end with its transcript unprocessed.
func (w *Worker) finalize() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	threadID := w.handler.ThreadID()
	if threadID != "" && w.cfg.Resume != nil {
		err := w.cfg.Resume(ctx, threadID)
		if err == nil {
			return
		}
		w.log.Warn("workflow resume failed, running post-call directly",
			"workflow_thread_id", threadID, "error", err)
	}
	if w.cfg.PostCall != nil {
		if err := w.cfg.PostCall(ctx, w.cfg.RoomName, threadID); err != nil {
			w.log.Error("post-call processing failed",
				"workflow_thread_id", threadID, "error", err)
		}
	}
}

func (w *Worker) recordSessionError(runErr error) {
	if w.cfg.BotID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	status := types.SessionFailed
	msg := runErr.Error()
	if err := w.cfg.Store.UpdateBotSession(ctx, w.cfg.BotID, store.SessionUpdate{
		Status: &status,
		Error:  &msg,
	}); err != nil {
		w.log.Warn("session error record failed", "error", err)
	}
}

// isNativeShutdownErr matches teardown noise from the transport's native
// audio layer that is known to be harmless once the session is over.
func isNativeShutdownErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "panic") ||
		strings.Contains(msg, "rust") ||
		strings.Contains(msg, "event loop is closed")
}
