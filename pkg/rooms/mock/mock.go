// Package mock provides a scriptable test double for rooms.Transport.
//
// Tests feed inbound audio and events through EmitAudio and EmitEvent, script
// the roster with SetParticipants and SetPresentCount, and inspect what the
// bot sent back through the recorded fields.
//
// Example:
//
//	tr := mock.NewTransport()
//	tr.SetParticipants([]types.Participant{{SessionID: "s1", Name: "Ada"}}, "bot-session")
//	tr.EmitEvent(rooms.Event{Kind: rooms.EventParticipantJoined, Participant: p})
package mock

import (
	"context"
	"sync"

	"github.com/pailflow/pailflow/pkg/rooms"
	"github.com/pailflow/pailflow/pkg/types"
)

// Transport is a mock implementation of rooms.Transport.
type Transport struct {
	mu sync.Mutex

	// AudioCh is the channel returned by Audio(). Tests send inbound room audio
	// on it, or use EmitAudio.
	AudioCh chan types.AudioFrame

	// EventsCh is the channel returned by Events(). Tests send participant
	// events on it, or use EmitEvent.
	EventsCh chan rooms.Event

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendImageErr, if non-nil, is returned by every SendImage call.
	SendImageErr error

	// LeaveErr, if non-nil, is returned by Leave.
	LeaveErr error

	// --- Scripted roster state ---

	participants []types.Participant
	localSession string
	presentCount int

	// --- Call records ---

	// SentAudio records every frame passed to SendAudio in order.
	SentAudio []types.AudioFrame

	// SentImages records a copy of every image passed to SendImage in order.
	SentImages [][]byte

	// LeaveCallCount is the number of times Leave was called.
	LeaveCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	closeOnce sync.Once
}

// NewTransport returns a Transport with buffered feed channels, ready to use.
func NewTransport() *Transport {
	return &Transport{
		AudioCh:  make(chan types.AudioFrame, 64),
		EventsCh: make(chan rooms.Event, 64),
	}
}

// SendAudio records the frame and returns SendAudioErr.
func (t *Transport) SendAudio(frame types.AudioFrame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.SentAudio = append(t.SentAudio, frame)
	return t.SendAudioErr
}

// SendImage records a copy of the image and returns SendImageErr.
func (t *Transport) SendImage(img []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make([]byte, len(img))
	copy(cp, img)
	t.SentImages = append(t.SentImages, cp)
	return t.SendImageErr
}

// Audio returns AudioCh.
func (t *Transport) Audio() <-chan types.AudioFrame { return t.AudioCh }

// Events returns EventsCh.
func (t *Transport) Events() <-chan rooms.Event { return t.EventsCh }

// Participants returns the scripted roster snapshot.
func (t *Transport) Participants() []types.Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.Participant, len(t.participants))
	copy(out, t.participants)
	return out
}

// LocalSessionID returns the scripted local session id.
func (t *Transport) LocalSessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localSession
}

// PresentCount returns the scripted present count.
func (t *Transport) PresentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.presentCount
}

// Leave records the call and returns LeaveErr.
func (t *Transport) Leave(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.LeaveCallCount++
	return t.LeaveErr
}

// Close records the call and, on the first call, closes the feed channels so
// consumers draining Audio and Events observe end of stream.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.CloseCallCount++
	t.mu.Unlock()
	t.closeOnce.Do(func() {
		close(t.AudioCh)
		close(t.EventsCh)
	})
	return nil
}

// SetParticipants scripts the roster snapshot and the local session id, and
// sets the present count to the roster size. Thread-safe.
func (t *Transport) SetParticipants(ps []types.Participant, localSessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.participants = make([]types.Participant, len(ps))
	copy(t.participants, ps)
	t.localSession = localSessionID
	t.presentCount = len(ps)
}

// SetPresentCount overrides the present count independent of the roster.
// Thread-safe.
func (t *Transport) SetPresentCount(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.presentCount = n
}

// EmitAudio sends one frame on AudioCh.
func (t *Transport) EmitAudio(frame types.AudioFrame) {
	t.AudioCh <- frame
}

// EmitEvent sends one event on EventsCh.
func (t *Transport) EmitEvent(ev rooms.Event) {
	t.EventsCh <- ev
}

// SentAudioCount returns the number of SendAudio calls. Thread-safe.
func (t *Transport) SentAudioCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.SentAudio)
}

// SentImageCount returns the number of SendImage calls. Thread-safe.
func (t *Transport) SentImageCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.SentImages)
}

// ResetCalls clears all recorded calls. Thread-safe.
func (t *Transport) ResetCalls() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.SentAudio = nil
	t.SentImages = nil
	t.LeaveCallCount = 0
	t.CloseCallCount = 0
}

// Ensure Transport implements rooms.Transport at compile time.
var _ rooms.Transport = (*Transport)(nil)
