// Package app wires configuration into the vendor providers and the
// in-process bot runner factory shared by the server and the standalone
// bot worker.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/pailflow/pailflow/internal/bot"
	"github.com/pailflow/pailflow/internal/config"
	"github.com/pailflow/pailflow/internal/placement"
	"github.com/pailflow/pailflow/internal/resilience"
	"github.com/pailflow/pailflow/internal/store"
	"github.com/pailflow/pailflow/internal/usage"
	"github.com/pailflow/pailflow/pkg/provider/llm"
	"github.com/pailflow/pailflow/pkg/provider/llm/anyllm"
	"github.com/pailflow/pailflow/pkg/provider/llm/openai"
	"github.com/pailflow/pailflow/pkg/provider/stt"
	"github.com/pailflow/pailflow/pkg/provider/stt/deepgram"
	"github.com/pailflow/pailflow/pkg/provider/tts"
	"github.com/pailflow/pailflow/pkg/provider/tts/elevenlabs"
	"github.com/pailflow/pailflow/pkg/rooms"
	"github.com/pailflow/pailflow/pkg/types"
)

// dialTimeout bounds the room join performed by the runner factory.
const dialTimeout = 30 * time.Second

// Providers holds the vendor providers one process speaks to. Nil slots mean
// the provider is not configured; their absence surfaces when a component
// that needs them runs, not at startup.
type Providers struct {
	// DialogueLLM drives the live conversation; InsightLLM runs post-call
	// analysis. They share credentials and may be the same model.
	DialogueLLM llm.Provider
	InsightLLM  llm.Provider

	STT   stt.Provider
	TTS   tts.Provider
	Voice tts.VoiceProfile

	// Rooms is the provider REST client for transcript fetch and room
	// management.
	Rooms *rooms.Client
}

// BuildProviders instantiates the vendor providers from cfg. The LLM
// credentials are required; everything else is optional.
func BuildProviders(cfg *config.Config) (*Providers, error) {
	if cfg.Providers.LLM.APIKey == "" {
		return nil, fmt.Errorf("app: OPENAI_API_KEY is required")
	}

	ps := &Providers{}

	dialogue, err := openai.New(cfg.Providers.LLM.APIKey, cfg.Providers.LLM.Model)
	if err != nil {
		return nil, fmt.Errorf("app: dialogue llm: %w", err)
	}
	ps.DialogueLLM = dialogue

	insight, err := openai.New(cfg.Providers.LLM.APIKey, cfg.Providers.LLM.InsightModel)
	if err != nil {
		return nil, fmt.Errorf("app: insight llm: %w", err)
	}
	ps.InsightLLM = insight
	slog.Info("provider created", "kind", "llm", "name", "openai",
		"model", cfg.Providers.LLM.Model, "insight_model", cfg.Providers.LLM.InsightModel)

	if cfg.Providers.LLM.FallbackProvider != "" {
		ps.DialogueLLM, err = withLLMFallback(ps.DialogueLLM, cfg)
		if err != nil {
			return nil, err
		}
		ps.InsightLLM, err = withLLMFallback(ps.InsightLLM, cfg)
		if err != nil {
			return nil, err
		}
	}

	if cfg.Providers.STT.APIKey != "" {
		var opts []deepgram.Option
		if cfg.Providers.STT.Language != "" {
			opts = append(opts, deepgram.WithLanguage(cfg.Providers.STT.Language))
		}
		p, err := deepgram.New(cfg.Providers.STT.APIKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("app: stt: %w", err)
		}
		ps.STT = p
		slog.Info("provider created", "kind", "stt", "name", "deepgram")

		if cfg.Providers.STT.FallbackAPIKey != "" {
			secondary, err := deepgram.New(cfg.Providers.STT.FallbackAPIKey, opts...)
			if err != nil {
				return nil, fmt.Errorf("app: fallback stt: %w", err)
			}
			fb := resilience.NewSTTFallback(p, "deepgram", resilience.FallbackConfig{})
			fb.AddFallback("deepgram-secondary", secondary)
			ps.STT = fb
			slog.Info("provider created", "kind", "stt", "name", "deepgram", "role", "fallback")
		}
	}

	if cfg.Providers.TTS.APIKey != "" {
		p, err := elevenlabs.New(cfg.Providers.TTS.APIKey)
		if err != nil {
			return nil, fmt.Errorf("app: tts: %w", err)
		}
		ps.TTS = p
		ps.Voice = tts.VoiceProfile{ID: cfg.Providers.TTS.VoiceID, Provider: "elevenlabs"}
		slog.Info("provider created", "kind", "tts", "name", "elevenlabs")

		if cfg.Providers.TTS.FallbackAPIKey != "" {
			secondary, err := elevenlabs.New(cfg.Providers.TTS.FallbackAPIKey)
			if err != nil {
				return nil, fmt.Errorf("app: fallback tts: %w", err)
			}
			fb := resilience.NewTTSFallback(p, "elevenlabs", resilience.FallbackConfig{})
			fb.AddFallback("elevenlabs-secondary", secondary)
			ps.TTS = fb
			slog.Info("provider created", "kind", "tts", "name", "elevenlabs", "role", "fallback")
		}
	}

	if cfg.Providers.Rooms.APIKey != "" {
		var opts []rooms.ClientOption
		if cfg.Providers.Rooms.BaseURL != "" {
			opts = append(opts, rooms.WithBaseURL(cfg.Providers.Rooms.BaseURL))
		}
		c, err := rooms.NewClient(cfg.Providers.Rooms.APIKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("app: rooms client: %w", err)
		}
		ps.Rooms = c
	}

	return ps, nil
}

// withLLMFallback wraps primary in a circuit-breaking failover group whose
// second entry is the configured fallback vendor.
func withLLMFallback(primary llm.Provider, cfg *config.Config) (llm.Provider, error) {
	var opts []anyllmlib.Option
	if cfg.Providers.LLM.FallbackAPIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(cfg.Providers.LLM.FallbackAPIKey))
	}
	fallback, err := anyllm.New(cfg.Providers.LLM.FallbackProvider, cfg.Providers.LLM.FallbackModel, opts...)
	if err != nil {
		return nil, fmt.Errorf("app: fallback llm: %w", err)
	}
	fb := resilience.NewLLMFallback(primary, "openai", resilience.FallbackConfig{})
	fb.AddFallback(cfg.Providers.LLM.FallbackProvider, fallback)
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.FallbackProvider,
		"model", cfg.Providers.LLM.FallbackModel, "role", "fallback")
	return fb, nil
}

// CanRunLocalBots reports whether the provider set carries everything an
// in-process media pipeline needs.
func (p *Providers) CanRunLocalBots() bool {
	return p.STT != nil && p.TTS != nil
}

// RunnerDeps carries the session-independent dependencies the runner factory
// hands to every bot worker. Resume, PostCall and OnDone may be late-bound
// closures; they must not be invoked before the engine and orchestrator
// exist.
type RunnerDeps struct {
	Log        *slog.Logger
	Store      *store.Store
	Providers  *Providers
	Usage      *usage.Tracker
	Accounting *usage.Accounting

	Resume   func(ctx context.Context, threadID string) error
	PostCall func(ctx context.Context, roomName, threadID string) error

	// OnDone maps a room name to the orchestrator's eviction callback.
	// Optional; standalone workers leave it nil.
	OnDone func(roomName string) func()
}

// NewRunnerFactory returns the placement.RunnerFactory for in-process bot
// sessions: dial the room transport, then assemble a bot.Worker wired to the
// workflow resume path.
func NewRunnerFactory(d RunnerDeps) placement.RunnerFactory {
	return func(spec placement.Spec) (placement.Runner, error) {
		if !d.Providers.CanRunLocalBots() {
			return nil, fmt.Errorf("app: in-process bots need DEEPGRAM_API_KEY and ELEVENLABS_API_KEY")
		}

		botCfg := types.ParseBotConfig(spec.BotConfig)

		dialCtx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		transport, err := rooms.Dial(dialCtx, rooms.DialConfig{
			RoomURL: spec.RoomURL,
			Token:   spec.Token,
			BotName: botCfg.Name,
		})
		if err != nil {
			return nil, fmt.Errorf("app: dial room %s: %w", spec.RoomName, err)
		}

		var onDone func()
		if d.OnDone != nil {
			onDone = d.OnDone(spec.RoomName)
		}
		w, err := bot.New(bot.Config{
			Log:        d.Log,
			Store:      d.Store,
			Transport:  transport,
			STT:        d.Providers.STT,
			LLM:        d.Providers.DialogueLLM,
			TTS:        d.Providers.TTS,
			Voice:      d.Providers.Voice,
			RoomName:   spec.RoomName,
			RoomURL:    spec.RoomURL,
			BotID:      spec.BotID,
			ThreadID:   spec.WorkflowThreadID,
			Bot:        botCfg,
			Animation:  LoadAnimation(dialCtx, d.Log, botCfg),
			Usage:      d.Usage,
			Accounting: d.Accounting,
			Resume:     d.Resume,
			PostCall:   d.PostCall,
			OnDone:     onDone,
		})
		if err != nil {
			_ = transport.Close()
			return nil, err
		}
		return w, nil
	}
}
