package pipeline_test

import (
	"testing"

	"github.com/pailflow/pailflow/internal/pipeline"
)

// TestSpeakerTracker_BindsInJoinOrder verifies that unseen diarization ids
// are bound to participants in the order they joined and that bindings are
// stable across calls.
func TestSpeakerTracker_BindsInJoinOrder(t *testing.T) {
	t.Parallel()

	tracker := pipeline.NewSpeakerTracker(orderStub{"s1", "s2", "s3"})

	if got := tracker.Resolve("7"); got != "s1" {
		t.Errorf("first id: want s1, got %q", got)
	}
	if got := tracker.Resolve("2"); got != "s2" {
		t.Errorf("second id: want s2, got %q", got)
	}
	// Known ids resolve to their existing binding.
	if got := tracker.Resolve("7"); got != "s1" {
		t.Errorf("repeat id: want s1, got %q", got)
	}
	if got := tracker.LastSpeakerID(); got != "7" {
		t.Errorf("last speaker id: want 7, got %q", got)
	}
}

// TestSpeakerTracker_BindLastSpeaker verifies that an active-speaker event
// rebinds the most recent diarization id to the reported session.
func TestSpeakerTracker_BindLastSpeaker(t *testing.T) {
	t.Parallel()

	tracker := pipeline.NewSpeakerTracker(orderStub{"s1", "s2"})

	if got := tracker.Resolve("0"); got != "s1" {
		t.Fatalf("initial binding: want s1, got %q", got)
	}

	// The room reports that s2 was actually speaking.
	tracker.BindLastSpeaker("s2")
	if got := tracker.Resolve("0"); got != "s2" {
		t.Errorf("after rebind: want s2, got %q", got)
	}
	if got := tracker.Bindings()["0"]; got != "s2" {
		t.Errorf("bindings snapshot: want s2, got %q", got)
	}
}

// TestSpeakerTracker_NoFreeParticipant verifies behavior when every session
// already has a binding or no participants are known.
func TestSpeakerTracker_NoFreeParticipant(t *testing.T) {
	t.Parallel()

	empty := pipeline.NewSpeakerTracker(orderStub{})
	if got := empty.Resolve("0"); got != "" {
		t.Errorf("empty room: want unattributed, got %q", got)
	}

	one := pipeline.NewSpeakerTracker(orderStub{"s1"})
	if got := one.Resolve("0"); got != "s1" {
		t.Fatalf("first id: want s1, got %q", got)
	}
	// A second diarization id has nobody left to bind to.
	if got := one.Resolve("1"); got != "" {
		t.Errorf("exhausted roster: want unattributed, got %q", got)
	}
}

// TestSpeakerTracker_BindLastSpeakerBeforeSpeech verifies that an
// active-speaker event before any recognized speech is a no-op.
func TestSpeakerTracker_BindLastSpeakerBeforeSpeech(t *testing.T) {
	t.Parallel()

	tracker := pipeline.NewSpeakerTracker(orderStub{"s1"})
	tracker.BindLastSpeaker("s1")
	if got := len(tracker.Bindings()); got != 0 {
		t.Errorf("bindings before speech: want 0, got %d", got)
	}
}
