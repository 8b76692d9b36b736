// Package orchestrator places and supervises bot sessions. It enforces one
// active session per room, walks the placement fallback chain, keeps the
// in-process registry the HTTP surface reads status from, and drives the
// ordered fleet shutdown on process exit.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pailflow/pailflow/internal/placement"
	"github.com/pailflow/pailflow/internal/store"
	"github.com/pailflow/pailflow/pkg/rooms"
	"github.com/pailflow/pailflow/pkg/types"
)

const (
	// warnAfter marks sessions in ListActiveBots that have been running
	// suspiciously long.
	warnAfter = time.Hour

	// DefaultMaxSessionAge is the reaper threshold for in-process sessions.
	DefaultMaxSessionAge = 2 * time.Hour

	// stopAwait bounds how long StopBot waits for a cancelled task.
	stopAwait = 5 * time.Second

	// shutdownLeaveTimeout bounds each graceful room-leave during Cleanup.
	shutdownLeaveTimeout = 2 * time.Second

	// shutdownDrainSleep lets native audio threads drain between the graceful
	// leaves and task cancellation. Cancelling first is known to panic the
	// transport's native layer.
	shutdownDrainSleep = 1500 * time.Millisecond

	// shutdownAwait bounds the wait for cancelled tasks during Cleanup.
	shutdownAwait = 5 * time.Second
)

// Store is the persistence surface the orchestrator needs.
type Store interface {
	UpdateWorkflowThread(ctx context.Context, id string, upd store.ThreadUpdate) error
	CreateBotSession(ctx context.Context, sess *store.BotSession) error
}

// StartRequest carries everything needed to place one bot session.
type StartRequest struct {
	RoomURL string
	Token   string

	// RoomName overrides the name derived from RoomURL's trailing segment.
	RoomName string

	// BotConfig is the raw configuration map forwarded to the session.
	BotConfig map[string]any

	// BackendHint pins placement to one backend instead of the fallback
	// chain. Empty means use the chain.
	BackendHint placement.Kind

	// BotID names the session record; generated when empty.
	BotID string

	// WorkflowThreadID links the session to its workflow run, when one
	// exists.
	WorkflowThreadID string
}

// Status describes one registered session.
type Status struct {
	ProcessID      string         `json:"process_id"`
	Backend        placement.Kind `json:"backend"`
	IsRunning      bool           `json:"is_running"`
	RuntimeSeconds float64        `json:"runtime_seconds"`
	Warning        string         `json:"warning,omitempty"`
}

// session is one registry entry.
type session struct {
	handle    placement.Handle
	roomName  string
	botID     string
	threadID  string
	startedAt time.Time
}

// Orchestrator supervises the bot fleet for one process.
type Orchestrator struct {
	log   *slog.Logger
	store Store

	inproc   *placement.InProcess
	function placement.Backend
	vm       placement.Backend

	// startMu serializes starts and guards registry writes. Reads copy
	// snapshots under the same lock but never hold it across backend calls.
	startMu sync.Mutex
	active  map[string]*session
}

// Config assembles an Orchestrator. InProcess is required; Function and VM
// are optional remote backends.
type Config struct {
	Log       *slog.Logger
	Store     Store
	InProcess *placement.InProcess
	Function  placement.Backend
	VM        placement.Backend
}

// New builds an Orchestrator from cfg.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.InProcess == nil {
		return nil, errors.New("orchestrator: in-process backend is required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		log:      log.With("component", "orchestrator"),
		store:    cfg.Store,
		inproc:   cfg.InProcess,
		function: cfg.Function,
		vm:       cfg.VM,
		active:   make(map[string]*session),
	}, nil
}

// StartBot places one bot session for the request's room. At most one session
// is active per room name; a second start for the same room is a no-op, not
// an error. On success a handle is registered; on error nothing is.
func (o *Orchestrator) StartBot(ctx context.Context, req StartRequest) error {
	roomName := req.RoomName
	if roomName == "" {
		roomName = rooms.RoomNameFromURL(req.RoomURL)
	}
	if roomName == "" {
		return errors.New("orchestrator: room name could not be determined")
	}
	botID := req.BotID
	if botID == "" {
		botID = uuid.NewString()
	}

	o.startMu.Lock()
	defer o.startMu.Unlock()

	if existing, ok := o.active[roomName]; ok {
		if o.handleRunning(ctx, existing.handle) {
			o.log.Info("bot already active for room, skipping start", "room", roomName)
			return nil
		}
		o.evictLocked(roomName, existing)
	}

	spec := placement.Spec{
		RoomURL:          req.RoomURL,
		RoomName:         roomName,
		Token:            req.Token,
		BotConfig:        req.BotConfig,
		BotID:            botID,
		WorkflowThreadID: req.WorkflowThreadID,
	}

	handle, err := o.place(ctx, req.BackendHint, spec)
	if err != nil {
		return err
	}

	o.active[roomName] = &session{
		handle:    handle,
		roomName:  roomName,
		botID:     botID,
		threadID:  req.WorkflowThreadID,
		startedAt: time.Now(),
	}

	o.recordStart(ctx, req, roomName, botID, handle)
	o.log.Info("bot session placed",
		"room", roomName, "backend", handle.Backend, "handle", handle.ID, "bot_id", botID)
	return nil
}

// place walks the backend chain: the hint when given, otherwise
// function → vm → in-process, falling through on spawn failure and keeping
// the last error for the final report.
func (o *Orchestrator) place(ctx context.Context, hint placement.Kind, spec placement.Spec) (placement.Handle, error) {
	var chain []placement.Backend
	if b := o.backendFor(hint); b != nil {
		chain = append(chain, b)
	}
	for _, b := range []placement.Backend{o.function, o.vm, o.inproc} {
		if b != nil && (len(chain) == 0 || b != chain[0]) {
			chain = append(chain, b)
		}
	}

	var lastErr error
	for _, b := range chain {
		handle, err := b.Spawn(ctx, spec)
		if err == nil {
			return handle, nil
		}
		if !errors.Is(err, placement.ErrUnavailable) {
			o.log.Warn("placement failed, falling through",
				"backend", b.Name(), "room", spec.RoomName, "error", err)
			lastErr = err
		}
	}
	if lastErr != nil {
		return placement.Handle{}, fmt.Errorf("orchestrator: all placements failed: %w", lastErr)
	}
	return placement.Handle{}, placement.ErrUnavailable
}

func (o *Orchestrator) backendFor(kind placement.Kind) placement.Backend {
	switch kind {
	case placement.KindFunction:
		return o.function
	case placement.KindVM:
		return o.vm
	case placement.KindInProcess:
		return o.inproc
	default:
		return nil
	}
}

// recordStart persists the session record and flags the workflow thread.
// Persistence failures never unwind a successful placement.
func (o *Orchestrator) recordStart(ctx context.Context, req StartRequest, roomName, botID string, handle placement.Handle) {
	if o.store == nil {
		return
	}

	if err := o.store.CreateBotSession(ctx, &store.BotSession{
		BotID:     botID,
		RoomName:  roomName,
		Status:    types.SessionRunning,
		StartedAt: time.Now().UTC(),
		BotConfig: req.BotConfig,
	}); err != nil {
		o.log.Warn("bot session record failed", "bot_id", botID, "error", err)
	}

	if req.WorkflowThreadID == "" {
		return
	}
	enabled := true
	upd := store.ThreadUpdate{
		RoomName:   &roomName,
		RoomURL:    &req.RoomURL,
		BotID:      &botID,
		BotEnabled: &enabled,
	}
	if handle.Backend == placement.KindInProcess {
		upd.BotConfig = req.BotConfig
	}
	if err := o.store.UpdateWorkflowThread(ctx, req.WorkflowThreadID, upd); err != nil {
		o.log.Warn("thread bot flags persist failed",
			"workflow_thread_id", req.WorkflowThreadID, "error", err)
	}
}

// StopBot stops the session registered for roomName and reports whether one
// existed. Remote units auto-destroy on completion, so stopping them only
// drops the registration.
func (o *Orchestrator) StopBot(roomName string) bool {
	o.startMu.Lock()
	s, ok := o.active[roomName]
	if ok {
		delete(o.active, roomName)
	}
	o.startMu.Unlock()
	if !ok {
		return false
	}

	if s.handle.Backend == placement.KindInProcess {
		o.inproc.Stop(s.handle)
		if !o.inproc.Await(s.handle, stopAwait) {
			o.log.Warn("bot task did not stop in time", "room", roomName)
		}
		o.inproc.Remove(s.handle)
	}
	o.log.Info("bot session stopped", "room", roomName, "backend", s.handle.Backend)
	return true
}

// IsBotRunning reports whether the room's registered session is still live
// according to its backend. Dead handles are evicted as a side effect.
func (o *Orchestrator) IsBotRunning(ctx context.Context, roomName string) bool {
	o.startMu.Lock()
	s, ok := o.active[roomName]
	o.startMu.Unlock()
	if !ok {
		return false
	}

	if o.handleRunning(ctx, s.handle) {
		return true
	}

	o.startMu.Lock()
	if cur, ok := o.active[roomName]; ok && cur == s {
		o.evictLocked(roomName, s)
	}
	o.startMu.Unlock()
	return false
}

// handleRunning queries the handle's backend; probe errors count as still
// running so a flaky control plane never evicts a live session.
func (o *Orchestrator) handleRunning(ctx context.Context, h placement.Handle) bool {
	b := o.backendFor(h.Backend)
	if b == nil {
		return false
	}
	running, err := b.IsRunning(ctx, h)
	if err != nil {
		o.log.Warn("bot status probe failed", "backend", h.Backend, "handle", h.ID, "error", err)
		return true
	}
	return running
}

func (o *Orchestrator) evictLocked(roomName string, s *session) {
	delete(o.active, roomName)
	if s.handle.Backend == placement.KindInProcess {
		o.inproc.Remove(s.handle)
	}
}

// GetBotStatus returns the status of the room's session, or nil when none is
// registered.
func (o *Orchestrator) GetBotStatus(ctx context.Context, roomName string) *Status {
	o.startMu.Lock()
	s, ok := o.active[roomName]
	o.startMu.Unlock()
	if !ok {
		return nil
	}
	st := o.statusOf(ctx, s)
	return &st
}

// ListActiveBots snapshots every registered session, annotating the ones
// running longer than the warning threshold.
func (o *Orchestrator) ListActiveBots(ctx context.Context) map[string]Status {
	o.startMu.Lock()
	snapshot := make([]*session, 0, len(o.active))
	for _, s := range o.active {
		snapshot = append(snapshot, s)
	}
	o.startMu.Unlock()

	out := make(map[string]Status, len(snapshot))
	for _, s := range snapshot {
		st := o.statusOf(ctx, s)
		if age := time.Since(s.startedAt); age > warnAfter {
			st.Warning = fmt.Sprintf("session running for %s, expected under %s", age.Round(time.Second), warnAfter)
		}
		out[s.roomName] = st
	}
	return out
}

func (o *Orchestrator) statusOf(ctx context.Context, s *session) Status {
	return Status{
		ProcessID:      s.handle.ID,
		Backend:        s.handle.Backend,
		IsRunning:      o.handleRunning(ctx, s.handle),
		RuntimeSeconds: time.Since(s.startedAt).Seconds(),
	}
}

// CleanupLongRunning stops in-process sessions older than maxAge and returns
// how many were stopped. Remote units are left alone; their platforms bound
// them.
func (o *Orchestrator) CleanupLongRunning(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = DefaultMaxSessionAge
	}

	o.startMu.Lock()
	var stale []string
	for room, s := range o.active {
		if s.handle.Backend == placement.KindInProcess && time.Since(s.startedAt) > maxAge {
			stale = append(stale, room)
		}
	}
	o.startMu.Unlock()

	stopped := 0
	for _, room := range stale {
		o.log.Warn("reaping long-running bot session", "room", room, "max_age", maxAge)
		if o.StopBot(room) {
			stopped++
		}
	}
	return stopped
}

// Cleanup shuts the whole fleet down in the order the native transport layer
// requires: graceful leaves first, a drain pause, then cancellation, a
// bounded await, and finally registry teardown.
func (o *Orchestrator) Cleanup(ctx context.Context) {
	o.startMu.Lock()
	snapshot := make([]*session, 0, len(o.active))
	for _, s := range o.active {
		snapshot = append(snapshot, s)
	}
	o.startMu.Unlock()

	var local []*session
	for _, s := range snapshot {
		if s.handle.Backend == placement.KindInProcess {
			local = append(local, s)
		}
	}
	o.log.Info("orchestrator shutdown", "sessions", len(snapshot), "in_process", len(local))

	for _, s := range local {
		leaveCtx, cancel := context.WithTimeout(ctx, shutdownLeaveTimeout)
		if err := o.inproc.Leave(leaveCtx, s.handle); err != nil {
			o.log.Warn("graceful leave failed during shutdown", "room", s.roomName, "error", err)
		}
		cancel()
	}

	if len(local) > 0 {
		time.Sleep(shutdownDrainSleep)
	}

	for _, s := range local {
		o.inproc.Stop(s.handle)
	}

	var g errgroup.Group
	for _, s := range local {
		g.Go(func() error {
			if !o.inproc.Await(s.handle, shutdownAwait) {
				o.log.Warn("bot task did not finish during shutdown", "room", s.roomName)
			}
			return nil
		})
	}
	g.Wait()

	o.startMu.Lock()
	for _, s := range snapshot {
		if s.handle.Backend == placement.KindInProcess {
			o.inproc.Remove(s.handle)
		}
	}
	o.active = make(map[string]*session)
	o.startMu.Unlock()
}

// OnSessionDone returns a callback that drops the room's registration once
// its worker finishes. Wired into the bot worker's OnDone hook.
func (o *Orchestrator) OnSessionDone(roomName string) func() {
	return func() {
		o.startMu.Lock()
		if s, ok := o.active[roomName]; ok {
			o.evictLocked(roomName, s)
		}
		o.startMu.Unlock()
	}
}
