package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/pailflow/pailflow/internal/pipeline"
	"github.com/pailflow/pailflow/internal/store"
	"github.com/pailflow/pailflow/pkg/types"
)

// selfMatchThreshold is the JaroWinkler similarity above which a participant
// name is considered the bot's own roster entry. Room providers sometimes
// decorate display names ("B (bot)"), so an exact match is not enough.
const selfMatchThreshold = 0.92

// HandlerStore is the persistence surface the transcript handler needs.
type HandlerStore interface {
	UpdateWorkflowThread(ctx context.Context, id string, upd store.ThreadUpdate) error
	FindPausedThreadByRoom(ctx context.Context, roomName string) (*store.WorkflowThread, error)
}

// TranscriptHandler owns the in-memory transcript for one bot session. It
// receives finalized lines from the pipeline's transcript nodes, attributes
// them to participants, and flushes the accumulated text to the workflow
// thread row as the call progresses.
//
// It also owns the participant roster the speaker tracker maps diarization
// ids against, so it implements pipeline.JoinOrder.
type TranscriptHandler struct {
	log      *slog.Logger
	store    HandlerStore
	roomName string
	botName  string

	mu           sync.Mutex
	participants map[string]types.Participant // session id → participant
	joinOrder    []string
	lines        []types.TranscriptLine
	text         strings.Builder
	threadID     string
}

// NewTranscriptHandler builds a handler for one session. threadID may be
// empty; the handler then reattaches to the most recent paused thread for the
// room on its first successful persist.
func NewTranscriptHandler(s HandlerStore, roomName, botName, threadID string, log *slog.Logger) *TranscriptHandler {
	if log == nil {
		log = slog.Default()
	}
	return &TranscriptHandler{
		log:          log.With("component", "transcript", "room", roomName),
		store:        s,
		roomName:     roomName,
		botName:      botName,
		threadID:     threadID,
		participants: make(map[string]types.Participant),
	}
}

// ParticipantJoinOrder returns participant session ids in join order.
func (h *TranscriptHandler) ParticipantJoinOrder() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.joinOrder))
	copy(out, h.joinOrder)
	return out
}

// ThreadID returns the cached workflow thread id, or "".
func (h *TranscriptHandler) ThreadID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.threadID
}

// SetThreadID caches the workflow thread id for subsequent persists.
func (h *TranscriptHandler) SetThreadID(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.threadID = id
}

// Text returns the transcript accumulated so far.
func (h *TranscriptHandler) Text() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.text.String()
}

// Lines returns a copy of the attributed transcript lines.
func (h *TranscriptHandler) Lines() []types.TranscriptLine {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]types.TranscriptLine, len(h.lines))
	copy(out, h.lines)
	return out
}

// UpdateRoster rebuilds the participant map from a transport snapshot. The
// bot's own entry is excluded, resolved by session id when the transport
// reports one and by fuzzy name match otherwise. Newly seen session ids are
// appended to the join order; departures never reorder it, so diarization
// bindings stay stable for the whole call.
func (h *TranscriptHandler) UpdateRoster(snapshot []types.Participant, localSessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.participants = make(map[string]types.Participant, len(snapshot))
	known := make(map[string]bool, len(h.joinOrder))
	for _, id := range h.joinOrder {
		known[id] = true
	}

	for _, p := range snapshot {
		if h.isSelfLocked(p, localSessionID) {
			continue
		}
		h.participants[p.SessionID] = p
		if !known[p.SessionID] {
			h.joinOrder = append(h.joinOrder, p.SessionID)
			known[p.SessionID] = true
		}
	}
}

func (h *TranscriptHandler) isSelfLocked(p types.Participant, localSessionID string) bool {
	if localSessionID != "" && p.SessionID == localSessionID {
		return true
	}
	if h.botName == "" || p.Name == "" {
		return false
	}
	return matchr.JaroWinkler(strings.ToLower(p.Name), strings.ToLower(h.botName), false) >= selfMatchThreshold
}

// ParticipantCount returns the number of known non-bot participants.
func (h *TranscriptHandler) ParticipantCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.participants)
}

// OnTranscriptUpdate appends finalized conversation lines and persists the
// grown transcript to the workflow thread row. Persistence failures are
// logged and retried implicitly on the next line; the in-memory transcript is
// authoritative until the session ends.
func (h *TranscriptHandler) OnTranscriptUpdate(ctx context.Context, msgs []pipeline.TranscriptMessage) {
	h.mu.Lock()
	for _, msg := range msgs {
		speaker := h.speakerNameLocked(msg)
		ts := msg.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		h.lines = append(h.lines, types.TranscriptLine{
			SpeakerName: speaker,
			Content:     msg.Content,
			Timestamp:   ts,
		})
		fmt.Fprintf(&h.text, "[%s] %s: %s\n", ts.UTC().Format(time.RFC3339), speaker, msg.Content)
	}
	text := h.text.String()
	h.mu.Unlock()

	h.persist(ctx, text)
}

// speakerNameLocked resolves the display name for one line. Assistant lines
// are always the bot. User lines resolve by stable user id first, then by
// session id; with exactly one known participant that participant wins, and
// anything else falls back to a positional or generic label.
func (h *TranscriptHandler) speakerNameLocked(msg pipeline.TranscriptMessage) string {
	if msg.Role == "assistant" {
		return h.botName
	}

	if msg.UserID != "" {
		for _, p := range h.participants {
			if p.UserID == msg.UserID {
				return h.displayNameLocked(p)
			}
		}
	}
	if msg.SessionID != "" {
		if p, ok := h.participants[msg.SessionID]; ok {
			return h.displayNameLocked(p)
		}
	}
	if len(h.participants) == 1 {
		for _, p := range h.participants {
			return h.displayNameLocked(p)
		}
	}
	return "User"
}

// displayNameLocked prefers the provider-reported name and synthesizes a
// positional "Participant N" label for unnamed entries.
func (h *TranscriptHandler) displayNameLocked(p types.Participant) string {
	if p.Name != "" {
		return p.Name
	}
	for i, id := range h.joinOrder {
		if id == p.SessionID {
			return fmt.Sprintf("Participant %d", i+1)
		}
	}
	return "User"
}

func (h *TranscriptHandler) persist(ctx context.Context, text string) {
	threadID := h.ThreadID()
	if threadID == "" {
		thread, err := h.store.FindPausedThreadByRoom(ctx, h.roomName)
		if err != nil {
			h.log.Debug("no workflow thread for transcript yet", "error", err)
			return
		}
		threadID = thread.ID
		h.SetThreadID(threadID)
	}

	err := h.store.UpdateWorkflowThread(ctx, threadID, store.ThreadUpdate{TranscriptText: &text})
	if err != nil {
		h.log.Warn("transcript persist failed", "workflow_thread_id", threadID, "error", err)
	}
}

var _ pipeline.TranscriptSink = (*TranscriptHandler)(nil)
var _ pipeline.JoinOrder = (*TranscriptHandler)(nil)
