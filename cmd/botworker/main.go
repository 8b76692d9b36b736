// Command botworker runs a single bot session to completion. Remote placement
// backends (serverless function invocations and single-use VMs) execute this
// binary with the room coordinates on the command line; everything else comes
// from the environment.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pailflow/pailflow/internal/app"
	"github.com/pailflow/pailflow/internal/bot"
	"github.com/pailflow/pailflow/internal/config"
	"github.com/pailflow/pailflow/internal/orchestrator"
	"github.com/pailflow/pailflow/internal/placement"
	"github.com/pailflow/pailflow/internal/postcall"
	"github.com/pailflow/pailflow/internal/secrets"
	"github.com/pailflow/pailflow/internal/store"
	"github.com/pailflow/pailflow/internal/usage"
	"github.com/pailflow/pailflow/internal/workflow"
	"github.com/pailflow/pailflow/pkg/rooms"
	"github.com/pailflow/pailflow/pkg/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	roomURL := flag.String("u", "", "room join URL")
	token := flag.String("t", "", "meeting token for the bot")
	botConfigJSON := flag.String("bot-config", "", "bot configuration as a JSON object")
	threadID := flag.String("workflow-thread-id", "", "workflow thread this session belongs to")
	flag.Parse()

	config.LoadDotEnv(".env")
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "botworker: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Server.LogLevel.Level()}))
	slog.SetDefault(logger)

	if *roomURL == "" {
		fmt.Fprintln(os.Stderr, "botworker: -u <room url> is required")
		return 2
	}

	var botConfig map[string]any
	if *botConfigJSON != "" {
		if err := json.Unmarshal([]byte(*botConfigJSON), &botConfig); err != nil {
			fmt.Fprintf(os.Stderr, "botworker: parse --bot-config: %v\n", err)
			return 2
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Database.DSN == "" || cfg.Security.EncryptionKey == "" {
		slog.Error("DATABASE_URL and ENCRYPTION_KEY are required")
		return 1
	}
	codec, err := secrets.New(cfg.Security.EncryptionKey)
	if err != nil {
		slog.Error("failed to initialise field encryption", "err", err)
		return 1
	}
	st, err := store.New(ctx, cfg.Database.DSN, codec)
	if err != nil {
		slog.Error("failed to connect to database", "err", err)
		return 1
	}
	defer st.Close()

	providers, err := app.BuildProviders(cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	if !providers.CanRunLocalBots() {
		slog.Error("DEEPGRAM_API_KEY and ELEVENLABS_API_KEY are required")
		return 1
	}

	tracker := usage.NewTracker(st, logger)
	accounting := usage.NewAccounting(st, logger,
		usage.WithRatePerMinute(cfg.Billing.RatePerMinute),
		usage.WithMinimumCredits(cfg.Billing.MinimumCredits),
	)

	pcCfg := postcall.Config{
		Log:        logger,
		Store:      st,
		LLM:        providers.InsightLLM,
		Usage:      tracker,
		Accounting: accounting,
	}
	if providers.Rooms != nil {
		pcCfg.Transcripts = providers.Rooms
	}
	if cfg.Email.MailgunAPIKey != "" && cfg.Email.Domain != "" {
		mailer, err := postcall.NewMailgunMailer(cfg.Email.Domain, cfg.Email.MailgunAPIKey, cfg.Email.Sender)
		if err != nil {
			slog.Error("failed to build mailer", "err", err)
			return 1
		}
		pcCfg.Mailer = mailer
	}
	pc, err := postcall.New(pcCfg)
	if err != nil {
		slog.Error("failed to build post-call pipeline", "err", err)
		return 1
	}

	// The worker resumes the paused workflow through the engine; the engine's
	// join_bot node is never exercised here, so the placement side stays
	// unwired.
	orch, err := orchestrator.New(orchestrator.Config{
		Log:       logger,
		Store:     st,
		InProcess: placement.NewInProcess(nil, logger),
	})
	if err != nil {
		slog.Error("failed to build orchestrator", "err", err)
		return 1
	}
	eng, err := workflow.New(workflow.Config{
		Log:         logger,
		Store:       st,
		Checkpoints: workflow.NewPGCheckpointer(st),
		Bots:        orch,
		PostCall:    pc,
	})
	if err != nil {
		slog.Error("failed to build workflow engine", "err", err)
		return 1
	}

	botCfg := types.ParseBotConfig(botConfig)
	roomName := rooms.RoomNameFromURL(*roomURL)

	transport, err := rooms.Dial(ctx, rooms.DialConfig{
		RoomURL: *roomURL,
		Token:   *token,
		BotName: botCfg.Name,
	})
	if err != nil {
		slog.Error("failed to join room", "room", roomName, "err", err)
		return 1
	}

	w, err := bot.New(bot.Config{
		Log:        logger,
		Store:      st,
		Transport:  transport,
		STT:        providers.STT,
		LLM:        providers.DialogueLLM,
		TTS:        providers.TTS,
		Voice:      providers.Voice,
		RoomName:   roomName,
		RoomURL:    *roomURL,
		ThreadID:   *threadID,
		Bot:        botCfg,
		Animation:  app.LoadAnimation(ctx, logger, botCfg),
		Usage:      tracker,
		Accounting: accounting,
		Resume:     eng.Resume,
		PostCall:   pc.Process,
	})
	if err != nil {
		slog.Error("failed to build bot worker", "err", err)
		_ = transport.Close()
		return 1
	}

	slog.Info("bot session starting", "room", roomName, "workflow_thread_id", *threadID)
	if err := w.Run(ctx); err != nil {
		slog.Error("bot session failed", "room", roomName, "err", err)
		return 1
	}
	slog.Info("bot session completed", "room", roomName)
	return 0
}
