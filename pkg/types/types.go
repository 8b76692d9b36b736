// Package types defines the shared types used across all pailflow packages.
//
// These types form the lingua franca between the media pipeline, the vendor
// providers, the persistence layer, and the orchestrator. They are intentionally
// minimal — each package defines its own domain types, but cross-cutting data
// structures live here to avoid circular imports.
package types

import (
	"encoding/json"
	"time"
)

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport — received from the room
// transport, streamed into STT, produced by TTS, and rendered back out.
type AudioFrame struct {
	// PCM audio data. Sample rate and channel count are determined by the pipeline config.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for STT input and TTS output).
	SampleRate int

	// Channels: 1 for mono (STT input), 2 for stereo room output.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the provider
	// does not report confidence.
	Confidence float64

	// Words contains per-word detail when available.
	// May be nil for providers that don't support word-level output.
	Words []WordDetail

	// SpeakerID is the provider-assigned diarization id when diarization is active.
	// It is opaque to the pipeline until the speaker tracker resolves it to a
	// room participant.
	SpeakerID string

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
	SpeakerID  string
}

// TranscriptLine is one finalized, speaker-attributed line of the in-memory
// session transcript. Lines are appended in order by the transcript handler
// and flushed to the workflow thread row as they arrive.
type TranscriptLine struct {
	// SpeakerName is the resolved human-readable speaker (participant name or bot name).
	SpeakerName string

	// Content is the spoken text.
	Content string

	// Timestamp is when the line was recorded.
	Timestamp time.Time
}

// Participant describes one room member as reported by the transport snapshot.
type Participant struct {
	// SessionID is the room provider's per-connection id.
	SessionID string

	// UserID is the stable cross-session user id, when the provider reports one.
	UserID string

	// Name is the display name.
	Name string
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name (for multi-speaker contexts).
	Name string
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsJSONMode indicates the model honors a JSON response format constraint.
	SupportsJSONMode bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}

// TokenUsage reports token counts for one LLM call.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// KeywordBoost represents a keyword to boost in STT recognition.
// Used to improve recognition of domain proper nouns (names, products, titles).
type KeywordBoost struct {
	// Keyword is the text to boost.
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}

// VideoMode selects how the bot presents itself visually in the room.
type VideoMode string

const (
	// VideoModeStatic renders a still image, swapped between quiet and talking variants.
	VideoModeStatic VideoMode = "static"

	// VideoModeAnimated renders a sprite sequence while the bot speaks.
	VideoModeAnimated VideoMode = "animated"
)

// BotConfig is the typed view of the bot configuration map that rides along
// with every session request. The map itself is passed through the system
// opaquely (rows, placement argv) so unknown keys survive; ParseBotConfig
// extracts the keys the runtime acts on.
type BotConfig struct {
	// Name is the bot's display name in the room. Defaults to "Bot".
	Name string

	// SystemPrompt is the dialogue system message ("bot_prompt" or
	// "system_message" in the map; bot_prompt wins when both are set).
	SystemPrompt string

	// VideoMode is "static" or "animated".
	VideoMode VideoMode

	// StaticImage is the image reference shown while the bot is quiet, and the
	// talking image for VideoModeStatic. References are http(s) URLs or file
	// paths, resolved when the session starts.
	StaticImage string

	// SpriteImages are the frame references played while the bot speaks in
	// VideoModeAnimated, in order.
	SpriteImages []string

	// FramesPerSprite is how many times each animation frame is repeated,
	// controlling playback speed for VideoModeAnimated.
	FramesPerSprite int

	// ProcessInsights enables the post-call insight extraction step.
	ProcessInsights bool

	// Keywords are STT recognition boosts.
	Keywords []KeywordBoost
}

// ParseBotConfig extracts the typed bot configuration from its wire map.
// Missing keys fall back to defaults; unknown keys are ignored here but
// preserved wherever the map itself is stored or forwarded.
func ParseBotConfig(m map[string]any) BotConfig {
	cfg := BotConfig{
		Name:            "Bot",
		VideoMode:       VideoModeStatic,
		FramesPerSprite: 2,
	}
	if m == nil {
		return cfg
	}
	if v, ok := m["name"].(string); ok && v != "" {
		cfg.Name = v
	}
	if v, ok := m["system_message"].(string); ok && v != "" {
		cfg.SystemPrompt = v
	}
	if v, ok := m["bot_prompt"].(string); ok && v != "" {
		cfg.SystemPrompt = v
	}
	if v, ok := m["video_mode"].(string); ok {
		switch VideoMode(v) {
		case VideoModeStatic, VideoModeAnimated:
			cfg.VideoMode = VideoMode(v)
		}
	}
	if v, ok := m["static_image"].(string); ok {
		cfg.StaticImage = v
	}
	if raw, ok := m["animation_sprites"].([]any); ok {
		for _, entry := range raw {
			if s, ok := entry.(string); ok && s != "" {
				cfg.SpriteImages = append(cfg.SpriteImages, s)
			}
		}
	}
	switch v := m["animation_frames_per_sprite"].(type) {
	case float64:
		if v >= 1 {
			cfg.FramesPerSprite = int(v)
		}
	case int:
		if v >= 1 {
			cfg.FramesPerSprite = v
		}
	}
	if v, ok := m["process_insights"].(bool); ok {
		cfg.ProcessInsights = v
	}
	if raw, ok := m["keywords"].([]any); ok {
		for _, entry := range raw {
			switch kw := entry.(type) {
			case string:
				cfg.Keywords = append(cfg.Keywords, KeywordBoost{Keyword: kw, Boost: 1})
			case map[string]any:
				b := KeywordBoost{Boost: 1}
				if s, ok := kw["keyword"].(string); ok {
					b.Keyword = s
				}
				if f, ok := kw["boost"].(float64); ok {
					b.Boost = f
				}
				if b.Keyword != "" {
					cfg.Keywords = append(cfg.Keywords, b)
				}
			}
		}
	}
	return cfg
}

// QAPair is one question/answer exchange extracted from a session transcript.
// Questions are attributed to the bot; answers to the participant that spoke next.
type QAPair struct {
	Question   string `json:"question"`
	Answer     string `json:"answer"`
	QuestionID string `json:"question_id,omitempty"`
}

// QuestionAssessment scores a single QAPair inside an Insights object.
type QuestionAssessment struct {
	Question string  `json:"question"`
	Answer   string  `json:"answer"`
	Score    float64 `json:"score"`
	Notes    string  `json:"notes"`
}

// Insights is the structured analysis produced for one completed session.
// Scores are always within [0, 10]. Fields beyond the fixed schema that an
// analysis model returns are preserved in Extra and round-trip through
// persistence unchanged.
type Insights struct {
	OverallScore        float64              `json:"overall_score"`
	CompetencyScores    map[string]float64   `json:"competency_scores"`
	Strengths           []string             `json:"strengths"`
	Weaknesses          []string             `json:"weaknesses"`
	QuestionAssessments []QuestionAssessment `json:"question_assessments"`

	// Extra holds user-defined keys outside the fixed schema.
	Extra map[string]any `json:"-"`
}

// fixed insight keys folded out of Extra during (un)marshalling.
var insightKeys = map[string]struct{}{
	"overall_score":        {},
	"competency_scores":    {},
	"strengths":            {},
	"weaknesses":           {},
	"question_assessments": {},
}

// MarshalJSON flattens Extra back into the top-level object.
func (in Insights) MarshalJSON() ([]byte, error) {
	type fixed Insights
	base, err := json.Marshal(fixed(in))
	if err != nil {
		return nil, err
	}
	if len(in.Extra) == 0 {
		return base, nil
	}
	merged := make(map[string]json.RawMessage, len(in.Extra)+len(insightKeys))
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range in.Extra {
		if _, fixed := insightKeys[k]; fixed {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		merged[k] = raw
	}
	return json.Marshal(merged)
}

// UnmarshalJSON splits unknown top-level keys into Extra.
func (in *Insights) UnmarshalJSON(data []byte) error {
	type fixed Insights
	var f fixed
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*in = Insights(f)
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for k := range insightKeys {
		delete(all, k)
	}
	if len(all) > 0 {
		in.Extra = all
	}
	return nil
}

// UsageStats is the per-workflow-thread cost accumulator. TotalCostUSD only
// ever grows over the lifetime of a thread.
type UsageStats struct {
	TotalCostUSD   float64 `json:"total_cost_usd"`
	PosthogTraceID string  `json:"posthog_trace_id,omitempty"`
}

// MeetingStatus is the lifecycle state of one workflow thread's call.
type MeetingStatus string

const (
	MeetingInProgress MeetingStatus = "in_progress"
	MeetingCompleted  MeetingStatus = "completed"
	MeetingFailed     MeetingStatus = "failed"
)

// SessionStatus is the lifecycle state of one bot session record.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)
