// Package api is the HTTP surface: bot placement, status polling, workflow
// invocation and the operational endpoints (health, readiness, metrics).
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/pailflow/pailflow/internal/health"
	"github.com/pailflow/pailflow/internal/orchestrator"
	"github.com/pailflow/pailflow/internal/store"
	"github.com/pailflow/pailflow/internal/workflow"
)

// WorkflowRunner starts call workflows. Implemented by workflow.Engine.
type WorkflowRunner interface {
	Execute(ctx context.Context, state workflow.State) (string, error)
}

// BotRunner exposes the live session registry. Implemented by
// orchestrator.Orchestrator.
type BotRunner interface {
	ListActiveBots(ctx context.Context) map[string]orchestrator.Status
}

// SessionReader loads persisted bot sessions for the status endpoint.
type SessionReader interface {
	GetBotSession(ctx context.Context, botID string) (*store.BotSession, error)
	LatestBotSessionByRoom(ctx context.Context, roomName string) (*store.BotSession, error)
}

// ThreadWriter persists per-request delivery settings onto the thread row.
type ThreadWriter interface {
	UpdateWorkflowThread(ctx context.Context, id string, upd store.ThreadUpdate) error
}

// Admission gates bot placement on the caller's credit balance.
// Implemented by usage.Accounting.
type Admission interface {
	CheckCredits(ctx context.Context, unkeyKeyID string) (hasCredits bool, balance float64, err error)
}

// Config assembles a Server. Workflows, Sessions and Threads are required;
// the rest degrade gracefully when absent.
type Config struct {
	Log       *slog.Logger
	Workflows WorkflowRunner
	Bots      BotRunner
	Sessions  SessionReader
	Threads   ThreadWriter
	Admission Admission
	Health    *health.Handler

	// UnkeyVerifyURL enables bearer-token verification; empty means tokens
	// are accepted unverified (local development).
	UnkeyVerifyURL string
	UnkeyAPIID     string

	// MeetBaseURL is the hosted meeting page prefix for /meet redirects.
	MeetBaseURL string
}

// Server is the assembled HTTP API.
type Server struct {
	log       *slog.Logger
	router    *gin.Engine
	workflows WorkflowRunner
	bots      BotRunner
	sessions  SessionReader
	threads   ThreadWriter
	admission Admission
	schema    *jsonschema.Schema

	unkeyVerifyURL string
	unkeyAPIID     string
	meetBaseURL    string
}

// New builds a Server and registers all routes.
func New(cfg Config) (*Server, error) {
	if cfg.Workflows == nil || cfg.Sessions == nil || cfg.Threads == nil {
		return nil, errors.New("api: workflows, sessions and threads are required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	schema, err := compileBotConfigSchema()
	if err != nil {
		return nil, err
	}

	s := &Server{
		log:            log.With("component", "api"),
		workflows:      cfg.Workflows,
		bots:           cfg.Bots,
		sessions:       cfg.Sessions,
		threads:        cfg.Threads,
		admission:      cfg.Admission,
		schema:         schema,
		unkeyVerifyURL: cfg.UnkeyVerifyURL,
		unkeyAPIID:     cfg.UnkeyAPIID,
		meetBaseURL:    cfg.MeetBaseURL,
	}
	s.router = s.buildRouter(cfg.Health)
	return s, nil
}

func (s *Server) buildRouter(hh *health.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "pailflow"})
	})
	if hh != nil {
		r.GET("/healthz", gin.WrapF(hh.Healthz))
		r.GET("/readyz", gin.WrapF(hh.Readyz))
	}
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/meet/:room_name", s.handleMeetPage)

	v1 := r.Group("/v1", s.bearerAuth())
	v1.POST("/bots/join", s.handleJoin)
	v1.GET("/bots/:bot_id/status", s.handleStatus)
	v1.POST("/workflows/:name/execute", s.handleExecuteWorkflow)
	if s.bots != nil {
		v1.GET("/bots", s.handleActiveBots)
	}

	return r
}

// requestLog logs one line per request through the service logger.
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.log.Info("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
		)
	}
}

// Handler returns the router as a plain http.Handler for the http.Server.
func (s *Server) Handler() http.Handler { return s.router }
