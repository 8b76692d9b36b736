package pipeline

import (
	"time"

	"github.com/pailflow/pailflow/pkg/types"
)

// Frame is the tagged union passed along pipeline edges. Each node consumes
// frames from its upstream edge and may emit zero or more frames downstream.
// Nodes forward frame kinds they do not act on, so new kinds can be threaded
// through the chain without touching every node.
type Frame interface {
	frame()
}

// AudioIn carries one frame of mixed room audio entering the pipeline.
type AudioIn struct {
	Audio types.AudioFrame
}

// AudioOut carries one frame of synthesized bot audio on its way to the room.
type AudioOut struct {
	Audio types.AudioFrame
}

// UserTranscription is a speech-to-text result for room participants. Partial
// results (IsFinal false) are used for interruption detection only; final
// results feed the transcript and the LLM turn aggregation.
type UserTranscription struct {
	Text    string
	IsFinal bool

	// SpeakerID is the raw diarization id assigned by the STT provider.
	SpeakerID string

	// SessionID is the room participant session the speaker tracker resolved
	// SpeakerID to. Empty until the tracker node has processed the frame.
	SessionID string

	// UserID is the stable user id for the speaker, when known.
	UserID string

	Confidence float64
	Timestamp  time.Time
}

// AssistantText is one sentence-sized fragment of the assistant's reply on its
// way to speech synthesis.
type AssistantText struct {
	Text string
}

// LLMResponseEnd marks the end of one assistant reply. Downstream nodes use it
// to flush per-turn state (the TTS node closes its synthesis stream).
type LLMResponseEnd struct{}

// AssistantTranscription is the complete spoken text of one assistant turn,
// emitted after synthesis finishes.
type AssistantTranscription struct {
	Text      string
	Timestamp time.Time
}

// BotStartedSpeaking brackets the start of the bot's audio output.
type BotStartedSpeaking struct{}

// BotStoppedSpeaking brackets the end of the bot's audio output.
type BotStoppedSpeaking struct{}

// LLMRun prods the LLM node to produce a reply from the current conversation
// state without waiting for further user input.
type LLMRun struct{}

// SystemMessage appends an out-of-band system message to the LLM conversation.
type SystemMessage struct {
	Content string
}

// MetricsLLMUsage reports token usage for one completed LLM call.
type MetricsLLMUsage struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// ImageOutput carries one encoded still image for the bot's video track.
type ImageOutput struct {
	Image []byte
}

// AnimatedSprite carries a sprite sequence for the bot's video track, already
// expanded for playback.
type AnimatedSprite struct {
	Frames [][]byte
}

func (AudioIn) frame()                {}
func (AudioOut) frame()               {}
func (UserTranscription) frame()      {}
func (AssistantText) frame()          {}
func (LLMResponseEnd) frame()         {}
func (AssistantTranscription) frame() {}
func (BotStartedSpeaking) frame()     {}
func (BotStoppedSpeaking) frame()     {}
func (LLMRun) frame()                 {}
func (SystemMessage) frame()          {}
func (MetricsLLMUsage) frame()        {}
func (ImageOutput) frame()            {}
func (AnimatedSprite) frame()         {}
