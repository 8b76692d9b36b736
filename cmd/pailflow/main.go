// Command pailflow is the conversation-bot server: HTTP API, bot
// orchestration, workflow engine and post-call processing in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pailflow/pailflow/internal/api"
	"github.com/pailflow/pailflow/internal/app"
	"github.com/pailflow/pailflow/internal/config"
	"github.com/pailflow/pailflow/internal/health"
	"github.com/pailflow/pailflow/internal/observe"
	"github.com/pailflow/pailflow/internal/orchestrator"
	"github.com/pailflow/pailflow/internal/placement"
	"github.com/pailflow/pailflow/internal/postcall"
	"github.com/pailflow/pailflow/internal/secrets"
	"github.com/pailflow/pailflow/internal/store"
	"github.com/pailflow/pailflow/internal/usage"
	"github.com/pailflow/pailflow/internal/workflow"
)

// version is stamped by the build; "dev" for local runs.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (optional; env vars alone suffice)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	config.LoadDotEnv(".env")
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pailflow: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Server.LogLevel.Level()}))
	slog.SetDefault(logger)

	slog.Info("pailflow starting",
		"version", version,
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownObserve, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "pailflow",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownObserve(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Persistence ───────────────────────────────────────────────────────────
	if cfg.Database.DSN == "" {
		slog.Error("DATABASE_URL is required")
		return 1
	}
	if cfg.Security.EncryptionKey == "" {
		slog.Error("ENCRYPTION_KEY is required")
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

	// ── Deployment wiring ─────────────────────────────────────────────────────
	deps, err := buildDeps(cfg, st, logger)
	if err != nil {
		slog.Error("failed to wire components", "err", err)
		return 1
	}

	reaper, err := orchestrator.StartReaper(deps.orch, orchestrator.DefaultReaperSchedule, orchestrator.DefaultMaxSessionAge, logger)
	if err != nil {
		slog.Error("failed to start session reaper", "err", err)
		return 1
	}

	// ── HTTP API ──────────────────────────────────────────────────────────────
	healthHandler := health.New(health.Checker{
		Name:  "database",
		Check: st.Ping,
	})
	srv, err := api.New(api.Config{
		Log:            logger,
		Workflows:      deps.engine,
		Bots:           deps.orch,
		Sessions:       st,
		Threads:        st,
		Admission:      deps.accounting,
		Health:         healthHandler,
		UnkeyVerifyURL: cfg.Security.UnkeyVerifyURL,
		UnkeyAPIID:     cfg.Security.UnkeyAPIID,
		MeetBaseURL:    cfg.Meet.BaseURL,
	})
	if err != nil {
		slog.Error("failed to build HTTP API", "err", err)
		return 1
	}

	httpSrv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server ready", "addr", httpSrv.Addr)
		serveErr <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	reaper.Stop()

	// Bots leave their rooms and drain before the store goes away.
	deps.orch.Cleanup(shutdownCtx)

	slog.Info("goodbye")
	return 0
}

// deps bundles the wired long-lived components.
type deps struct {
	orch       *orchestrator.Orchestrator
	engine     *workflow.Engine
	accounting *usage.Accounting
}

// buildDeps wires providers, placement backends, the orchestrator, the
// post-call pipeline and the workflow engine. The in-process runner factory
// closes over the engine and orchestrator, both of which are bound after the
// factory is created; the factory only runs once everything is assembled.
func buildDeps(cfg *config.Config, st *store.Store, logger *slog.Logger) (*deps, error) {
	tracker := usage.NewTracker(st, logger)
	accounting := usage.NewAccounting(st, logger,
		usage.WithRatePerMinute(cfg.Billing.RatePerMinute),
		usage.WithMinimumCredits(cfg.Billing.MinimumCredits),
	)

	providers, err := app.BuildProviders(cfg)
	if err != nil {
		return nil, err
	}

	var eng *workflow.Engine
	var orch *orchestrator.Orchestrator
	var pc *postcall.Pipeline

	factory := app.NewRunnerFactory(app.RunnerDeps{
		Log:        logger,
		Store:      st,
		Providers:  providers,
		Usage:      tracker,
		Accounting: accounting,
		Resume:     func(ctx context.Context, threadID string) error { return eng.Resume(ctx, threadID) },
		PostCall:   func(ctx context.Context, roomName, threadID string) error { return pc.Process(ctx, roomName, threadID) },
		OnDone:     func(roomName string) func() { return orch.OnSessionDone(roomName) },
	})
	inproc := placement.NewInProcess(factory, logger)

	var function, vm placement.Backend
	if cfg.Placement.Modal.Enabled {
		function = placement.NewModal(placement.ModalConfig{
			AppName:      cfg.Placement.Modal.AppName,
			FunctionName: cfg.Placement.Modal.FunctionName,
			InvokeURL:    cfg.Placement.Modal.InvokeURL,
			Token:        cfg.Placement.Modal.Token,
		}, logger)
		slog.Info("placement backend enabled", "backend", "function", "app", cfg.Placement.Modal.AppName)
	}
	if cfg.Placement.Fly.APIKey != "" && cfg.Placement.Fly.AppName != "" {
		vm = placement.NewFly(placement.FlyConfig{
			APIHost: cfg.Placement.Fly.APIHost,
			AppName: cfg.Placement.Fly.AppName,
			APIKey:  cfg.Placement.Fly.APIKey,
			Image:   cfg.Placement.Fly.Image,
		}, logger)
		slog.Info("placement backend enabled", "backend", "vm", "app", cfg.Placement.Fly.AppName)
	}

	orch, err = orchestrator.New(orchestrator.Config{
		Log:       logger,
		Store:     st,
		InProcess: inproc,
		Function:  function,
		VM:        vm,
	})
	if err != nil {
		return nil, err
	}

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
			return nil, fmt.Errorf("mailgun: %w", err)
		}
		pcCfg.Mailer = mailer
	}
	pc, err = postcall.New(pcCfg)
	if err != nil {
		return nil, err
	}

	eng, err = workflow.New(workflow.Config{
		Log:         logger,
		Store:       st,
		Checkpoints: workflow.NewPGCheckpointer(st),
		Bots:        orch,
		PostCall:    pc,
	})
	if err != nil {
		return nil, err
	}

	return &deps{orch: orch, engine: eng, accounting: accounting}, nil
}
