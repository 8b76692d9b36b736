package bot

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pailflow/pailflow/internal/pipeline"
	"github.com/pailflow/pailflow/internal/store"
	"github.com/pailflow/pailflow/pkg/types"
)

// fakeStore implements WorkerStore in memory.
type fakeStore struct {
	mu             sync.Mutex
	threadUpdates  map[string][]store.ThreadUpdate
	sessionUpdates map[string][]store.SessionUpdate
	pausedThread   *store.WorkflowThread
	findErr        error
	updateErr      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		threadUpdates:  make(map[string][]store.ThreadUpdate),
		sessionUpdates: make(map[string][]store.SessionUpdate),
	}
}

func (s *fakeStore) UpdateWorkflowThread(_ context.Context, id string, upd store.ThreadUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	s.threadUpdates[id] = append(s.threadUpdates[id], upd)
	return nil
}

func (s *fakeStore) FindPausedThreadByRoom(_ context.Context, _ string) (*store.WorkflowThread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.pausedThread == nil {
		return nil, store.ErrNotFound
	}
	return s.pausedThread, nil
}

func (s *fakeStore) UpdateBotSession(_ context.Context, botID string, upd store.SessionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionUpdates[botID] = append(s.sessionUpdates[botID], upd)
	return nil
}

func (s *fakeStore) lastTranscript(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	updates := s.threadUpdates[id]
	for i := len(updates) - 1; i >= 0; i-- {
		if updates[i].TranscriptText != nil {
			return *updates[i].TranscriptText
		}
	}
	return ""
}

func TestRosterExcludesBot(t *testing.T) {
	t.Parallel()

	h := NewTranscriptHandler(newFakeStore(), "roomA", "Interview Bot", "wf-1", nil)
	h.UpdateRoster([]types.Participant{
		{SessionID: "bot-s", Name: "Interview Bot"},
		{SessionID: "s1", Name: "Ada", UserID: "u1"},
		{SessionID: "s2", Name: "Grace"},
	}, "bot-s")

	if got := h.ParticipantCount(); got != 2 {
		t.Errorf("ParticipantCount() = %d, want 2", got)
	}
	order := h.ParticipantJoinOrder()
	if len(order) != 2 || order[0] != "s1" || order[1] != "s2" {
		t.Errorf("join order = %v", order)
	}
}

func TestRosterExcludesBotByFuzzyName(t *testing.T) {
	t.Parallel()

	// Local session id unknown; the decorated display name must still match.
	h := NewTranscriptHandler(newFakeStore(), "roomA", "Maya", "", nil)
	h.UpdateRoster([]types.Participant{
		{SessionID: "bot-s", Name: "Maya"},
		{SessionID: "s1", Name: "Ada"},
	}, "")

	if got := h.ParticipantCount(); got != 1 {
		t.Errorf("ParticipantCount() = %d, want 1", got)
	}
}

func TestRosterJoinOrderStableAcrossDepartures(t *testing.T) {
	t.Parallel()

	h := NewTranscriptHandler(newFakeStore(), "roomA", "B", "", nil)
	h.UpdateRoster([]types.Participant{
		{SessionID: "s1", Name: "Ada"},
		{SessionID: "s2", Name: "Grace"},
	}, "")
	// s1 leaves, s3 joins: order keeps s1's historical slot.
	h.UpdateRoster([]types.Participant{
		{SessionID: "s2", Name: "Grace"},
		{SessionID: "s3", Name: "Alan"},
	}, "")

	order := h.ParticipantJoinOrder()
	want := []string{"s1", "s2", "s3"}
	if len(order) != len(want) {
		t.Fatalf("join order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestSpeakerNameResolution(t *testing.T) {
	t.Parallel()

	h := NewTranscriptHandler(newFakeStore(), "roomA", "B", "wf-1", nil)
	h.UpdateRoster([]types.Participant{
		{SessionID: "s1", Name: "Ada", UserID: "u1"},
		{SessionID: "s2", Name: "Grace"},
	}, "")

	tests := []struct {
		name string
		msg  pipeline.TranscriptMessage
		want string
	}{
		{
			name: "assistant is bot name",
			msg:  pipeline.TranscriptMessage{Role: "assistant", Content: "hi"},
			want: "B",
		},
		{
			name: "resolve by user id",
			msg:  pipeline.TranscriptMessage{Role: "user", UserID: "u1", Content: "x"},
			want: "Ada",
		},
		{
			name: "resolve by session id",
			msg:  pipeline.TranscriptMessage{Role: "user", SessionID: "s2", Content: "x"},
			want: "Grace",
		},
		{
			name: "unknown speaker falls back",
			msg:  pipeline.TranscriptMessage{Role: "user", SessionID: "s9", Content: "x"},
			want: "User",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.mu.Lock()
			got := h.speakerNameLocked(tt.msg)
			h.mu.Unlock()
			if got != tt.want {
				t.Errorf("speaker = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSpeakerNameSingleParticipantFallback(t *testing.T) {
	t.Parallel()

	h := NewTranscriptHandler(newFakeStore(), "roomA", "B", "wf-1", nil)
	h.UpdateRoster([]types.Participant{{SessionID: "s1"}}, "")

	h.mu.Lock()
	got := h.speakerNameLocked(pipeline.TranscriptMessage{Role: "user", Content: "x"})
	h.mu.Unlock()
	// Unnamed sole participant gets a positional label.
	if got != "Participant 1" {
		t.Errorf("speaker = %q, want Participant 1", got)
	}
}

func TestTranscriptAppendAndPersist(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	h := NewTranscriptHandler(st, "roomA", "B", "wf-1", nil)
	h.UpdateRoster([]types.Participant{{SessionID: "s1", Name: "Ada"}}, "")

	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	h.OnTranscriptUpdate(context.Background(), []pipeline.TranscriptMessage{
		{Role: "user", SessionID: "s1", Content: "Hello there", Timestamp: ts},
	})
	h.OnTranscriptUpdate(context.Background(), []pipeline.TranscriptMessage{
		{Role: "assistant", Content: "Hi Ada", Timestamp: ts.Add(2 * time.Second)},
	})

	text := h.Text()
	wantLines := []string{
		"[2026-03-01T10:00:00Z] Ada: Hello there",
		"[2026-03-01T10:00:02Z] B: Hi Ada",
	}
	for _, want := range wantLines {
		if !strings.Contains(text, want) {
			t.Errorf("transcript missing %q:\n%s", want, text)
		}
	}

	if got := st.lastTranscript("wf-1"); got != text {
		t.Errorf("persisted transcript = %q, want %q", got, text)
	}
	if len(h.Lines()) != 2 {
		t.Errorf("line count = %d, want 2", len(h.Lines()))
	}
}

func TestTranscriptReattachesToPausedThread(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.pausedThread = &store.WorkflowThread{ID: "wf-found", RoomName: "roomA", WorkflowPaused: true}
	h := NewTranscriptHandler(st, "roomA", "", "", nil) // no thread id yet

	h.OnTranscriptUpdate(context.Background(), []pipeline.TranscriptMessage{
		{Role: "user", Content: "x", Timestamp: time.Now()},
	})

	if got := h.ThreadID(); got != "wf-found" {
		t.Errorf("ThreadID() = %q, want wf-found", got)
	}
	if st.lastTranscript("wf-found") == "" {
		t.Error("transcript not persisted to reattached thread")
	}
}
