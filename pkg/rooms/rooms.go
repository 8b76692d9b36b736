// Package rooms abstracts the externally hosted audio/video room service that
// bot workers join.
//
// Two seams are defined here. Client is the room provider's REST surface:
// creating rooms, minting meeting tokens, and fetching recorded transcripts.
// Transport is a live connection to one room: it carries audio in both
// directions, renders image frames for the bot's video track, and surfaces
// participant lifecycle events.
//
// The system never builds its own conference media stack; it consumes one
// through these interfaces. Implementations must be safe for concurrent use.
package rooms

import (
	"context"
	"strings"

	"github.com/pailflow/pailflow/pkg/types"
)

// EventKind identifies a participant lifecycle event emitted by a Transport.
type EventKind string

const (
	// EventParticipantJoined fires when a remote participant enters the room.
	EventParticipantJoined EventKind = "participant-joined"

	// EventParticipantLeft fires when a remote participant leaves the room.
	EventParticipantLeft EventKind = "participant-left"

	// EventActiveSpeakerChanged fires when the room provider detects a new
	// dominant speaker.
	EventActiveSpeakerChanged EventKind = "active-speaker-changed"

	// EventCountsUpdated fires when the room's presence counts change.
	EventCountsUpdated EventKind = "counts-updated"
)

// ParticipantCounts mirrors the room provider's presence counters. Present
// covers participants with media; Hidden covers observers without any.
type ParticipantCounts struct {
	Present int
	Hidden  int
}

// Event is a single participant lifecycle notification. Only the fields
// relevant to Kind are populated.
type Event struct {
	Kind EventKind

	// Participant is set for joined, left, and active-speaker events.
	Participant types.Participant

	// Reason is set for left events (e.g., "leftCall", "hidden").
	Reason string

	// Counts is set for counts-updated events.
	Counts ParticipantCounts
}

// Transport is a live connection to one room.
//
// A Transport is handed to exactly one bot worker. Audio flows out through
// SendAudio and in through Audio; participant churn arrives on Events. The
// snapshot accessors (Participants, LocalSessionID, PresentCount) reflect the
// most recent state the provider reported and are safe to call from event
// handlers.
//
// Callers must call Close when done. Leave is the graceful path and should be
// attempted with a bounded context before Close during shutdown.
type Transport interface {
	// SendAudio queues one PCM audio frame for playback into the room.
	// Returns an error once the transport is closed.
	SendAudio(frame types.AudioFrame) error

	// SendImage queues one encoded image (PNG or JPEG bytes) for the bot's
	// video track. Returns an error once the transport is closed.
	SendImage(img []byte) error

	// Audio returns the channel of mixed room audio delivered to the bot.
	// The channel is closed when the transport shuts down.
	Audio() <-chan types.AudioFrame

	// Events returns the channel of participant lifecycle events.
	// The channel is closed when the transport shuts down.
	Events() <-chan Event

	// Participants returns a snapshot of the remote participants currently in
	// the room, including the bot's own entry if the provider reports it.
	Participants() []types.Participant

	// LocalSessionID returns the session id the provider assigned to this
	// connection, or "" if the provider has not reported one.
	LocalSessionID() string

	// PresentCount returns the provider's current present-participant count,
	// including the bot itself.
	PresentCount() int

	// Leave performs a graceful room exit, flushing pending media. It respects
	// ctx for its bound; the transport remains usable only for Close afterwards.
	Leave(ctx context.Context) error

	// Close tears down the connection and releases all resources. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// RoomNameFromURL extracts the room name from a room URL. The trailing path
// segment is the name; query strings and fragments are ignored.
func RoomNameFromURL(roomURL string) string {
	trimmed := roomURL
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	return trimmed
}
