package pipeline

import (
	"context"
	"log/slog"
	"sync"
)

// JoinOrder exposes participant sessions in the order they joined the room.
// The bot's transcript handler implements it from room events.
type JoinOrder interface {
	ParticipantJoinOrder() []string
}

// SpeakerTracker maps STT diarization ids to room participant sessions. The
// mapping is a heuristic: an unseen diarization id is bound to the earliest
// joined participant that has no binding yet, and the room's active-speaker
// events can rebind the most recent id to the actual speaker.
type SpeakerTracker struct {
	order JoinOrder

	mu            sync.Mutex
	bySpeaker     map[string]string
	lastSpeakerID string
}

// NewSpeakerTracker builds a tracker over the given join order source.
func NewSpeakerTracker(order JoinOrder) *SpeakerTracker {
	return &SpeakerTracker{
		order:     order,
		bySpeaker: make(map[string]string),
	}
}

// Resolve returns the participant session bound to speakerID, binding a new
// id to the earliest unbound participant first. It records speakerID as the
// most recent speaker either way.
func (st *SpeakerTracker) Resolve(speakerID string) string {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.lastSpeakerID = speakerID
	if sess, ok := st.bySpeaker[speakerID]; ok {
		return sess
	}
	sess := st.nextUnboundLocked()
	if sess != "" {
		st.bySpeaker[speakerID] = sess
	}
	return sess
}

// BindLastSpeaker rebinds the most recently seen diarization id to sessionID.
// Called from the room's active-speaker event; a no-op before any speech.
func (st *SpeakerTracker) BindLastSpeaker(sessionID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.lastSpeakerID == "" || sessionID == "" {
		return
	}
	st.bySpeaker[st.lastSpeakerID] = sessionID
}

// LastSpeakerID returns the most recent diarization id, or "".
func (st *SpeakerTracker) LastSpeakerID() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastSpeakerID
}

// Bindings returns a copy of the current speaker-to-session map.
func (st *SpeakerTracker) Bindings() map[string]string {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make(map[string]string, len(st.bySpeaker))
	for k, v := range st.bySpeaker {
		out[k] = v
	}
	return out
}

func (st *SpeakerTracker) nextUnboundLocked() string {
	if st.order == nil {
		return ""
	}
	bound := make(map[string]bool, len(st.bySpeaker))
	for _, sess := range st.bySpeaker {
		bound[sess] = true
	}
	for _, sess := range st.order.ParticipantJoinOrder() {
		if !bound[sess] {
			return sess
		}
	}
	return ""
}

// speakerTrackerNode stamps user transcriptions with the participant session
// resolved from their diarization id.
type speakerTrackerNode struct {
	log     *slog.Logger
	tracker *SpeakerTracker
}

func (n *speakerTrackerNode) Name() string { return "speaker_tracker" }

func (n *speakerTrackerNode) Run(ctx context.Context, in <-chan Frame, out chan<- Frame) error {
	for {
		select {
		case f, ok := <-in:
			if !ok {
				return nil
			}
			if t, isTranscription := f.(UserTranscription); isTranscription && t.SpeakerID != "" {
				t.SessionID = n.tracker.Resolve(t.SpeakerID)
				f = t
			}
			if !send(ctx, out, f) {
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
