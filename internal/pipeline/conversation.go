package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pailflow/pailflow/internal/observe"
	"github.com/pailflow/pailflow/pkg/provider/llm"
	"github.com/pailflow/pailflow/pkg/provider/stt"
	"github.com/pailflow/pailflow/pkg/provider/tts"
	"github.com/pailflow/pailflow/pkg/rooms"
)

const conversationSampleRate = 16000

// Config assembles one conversation pipeline. Transport, the three providers,
// Speakers and Transcripts are required; the rest defaults sensibly.
type Config struct {
	Log *slog.Logger

	Transport rooms.Transport

	STT stt.Provider
	// STTConfig seeds the recognition session. Sample rate and channel count
	// default to the transport's 16 kHz mono; diarization is always enabled
	// because speaker attribution depends on it.
	STTConfig stt.StreamConfig

	LLM          llm.Provider
	SystemPrompt string
	Temperature  float64

	TTS   tts.Provider
	Voice tts.VoiceProfile

	// Speakers maps diarization ids to room participants. Shared with the
	// bot's event handlers so active-speaker events can correct the mapping.
	Speakers *SpeakerTracker

	// Transcripts receives finalized conversation lines.
	Transcripts TranscriptSink

	// Costs, when set together with ThreadID, accumulates LLM spend on the
	// workflow thread as the conversation runs.
	Costs    CostSink
	ThreadID string

	// Metrics defaults to the process-wide instrument set.
	Metrics *observe.Metrics

	Animation AnimationConfig

	// AggregationTimeout is the silence after a final transcription that
	// closes a user turn. VADTimeout is the silence after any speech
	// activity required as well. Both default to one second.
	AggregationTimeout time.Duration
	VADTimeout         time.Duration

	// InterruptMinWords is how many words a participant must get out before
	// an in-flight reply is cancelled. Defaults to one.
	InterruptMinWords int

	// BufferSize overrides the per-edge channel capacity.
	BufferSize int
}

func (c *Config) validate() error {
	if c.Transport == nil {
		return errors.New("transport is required")
	}
	if c.STT == nil {
		return errors.New("stt provider is required")
	}
	if c.LLM == nil {
		return errors.New("llm provider is required")
	}
	if c.TTS == nil {
		return errors.New("tts provider is required")
	}
	if c.Speakers == nil {
		return errors.New("speaker tracker is required")
	}
	if c.Transcripts == nil {
		return errors.New("transcript sink is required")
	}
	return nil
}

// NewConversation builds the standard conversation chain:
//
//	transport_in → stt → speaker_tracker → transcript_user → user_aggregator
//	  → llm → metrics_tap → tts → animation → transport_out → transcript_assistant
//
// Run it with Pipeline.Run; inject frames with Pipeline.Push.
func NewConversation(cfg Config) (*Pipeline, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	sttCfg := cfg.STTConfig
	if sttCfg.SampleRate == 0 {
		sttCfg.SampleRate = conversationSampleRate
	}
	if sttCfg.Channels == 0 {
		sttCfg.Channels = 1
	}
	sttCfg.Diarize = true

	nodes := []Node{
		&transportIn{log: log, transport: cfg.Transport},
		&sttNode{log: log, provider: cfg.STT, cfg: sttCfg},
		&speakerTrackerNode{log: log, tracker: cfg.Speakers},
		newUserTranscript(cfg.Transcripts),
		newUserAggregator(log, cfg.AggregationTimeout, cfg.VADTimeout),
		newLLMNode(log, cfg.LLM, cfg.SystemPrompt, cfg.Temperature, cfg.InterruptMinWords),
		&metricsTap{log: log, metrics: metrics, costs: cfg.Costs, threadID: cfg.ThreadID},
		&ttsNode{log: log, provider: cfg.TTS, voice: cfg.Voice, sampleRate: conversationSampleRate},
		&animationNode{log: log, cfg: cfg.Animation},
		&transportOut{log: log, transport: cfg.Transport},
		newAssistantTranscript(cfg.Transcripts),
	}

	var opts []Option
	if cfg.BufferSize > 0 {
		opts = append(opts, WithEdgeBuffer(cfg.BufferSize))
	}
	return New(log, nodes, opts...), nil
}
