package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pailflow/pailflow/internal/store"
	"github.com/pailflow/pailflow/internal/workflow"
	"github.com/pailflow/pailflow/pkg/types"
)

// errorBody is the structured error response for every non-2xx outcome.
type errorBody struct {
	Error   string   `json:"error"`
	Detail  string   `json:"detail,omitempty"`
	Message string   `json:"message,omitempty"`
	Balance *float64 `json:"balance,omitempty"`
}

// joinRequest is the body of POST /v1/bots/join.
type joinRequest struct {
	Provider            string         `json:"provider"`
	RoomURL             string         `json:"room_url"`
	Token               string         `json:"token"`
	BotConfig           map[string]any `json:"bot_config"`
	ProcessInsights     *bool          `json:"process_insights"`
	Email               string         `json:"email"`
	AnalysisPrompt      string         `json:"analysis_prompt"`
	SummaryFormatPrompt string         `json:"summary_format_prompt"`
	WebhookCallbackURL  string         `json:"webhook_callback_url"`
}

type joinResponse struct {
	Success          bool   `json:"success"`
	BotID            string `json:"bot_id"`
	WorkflowThreadID string `json:"workflow_thread_id"`
}

// handleJoin admits, places and pauses one call workflow. The response is
// returned as soon as the bot is placed; clients poll the status endpoint.
func (s *Server) handleJoin(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid_request", Detail: err.Error()})
		return
	}
	if req.RoomURL == "" {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid_request", Detail: "room_url is required"})
		return
	}
	if req.BotConfig == nil {
		req.BotConfig = map[string]any{}
	}
	if err := s.validateBotConfig(req.BotConfig); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid_bot_config", Detail: err.Error()})
		return
	}

	keyID := unkeyKeyID(c)
	if s.admission != nil {
		ok, balance, err := s.admission.CheckCredits(c.Request.Context(), keyID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorBody{Error: "internal_error", Detail: err.Error()})
			return
		}
		if !ok {
			c.JSON(http.StatusPaymentRequired, errorBody{Error: "insufficient_credits", Balance: &balance})
			return
		}
	}

	// Request-level overrides fold into the config map; the post-call
	// pipeline reads them from there.
	cfg := make(map[string]any, len(req.BotConfig)+3)
	for k, v := range req.BotConfig {
		cfg[k] = v
	}
	if req.ProcessInsights != nil {
		cfg["process_insights"] = *req.ProcessInsights
	}
	if req.AnalysisPrompt != "" {
		cfg["analysis_prompt"] = req.AnalysisPrompt
	}
	if req.SummaryFormatPrompt != "" {
		cfg["summary_format_prompt"] = req.SummaryFormatPrompt
	}

	botID := uuid.NewString()
	threadID, err := s.workflows.Execute(c.Request.Context(), workflow.State{
		RoomURL:   req.RoomURL,
		Token:     req.Token,
		BotConfig: cfg,
		BotID:     botID,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody{
			Error:   "bot_start_failed",
			Detail:  err.Error(),
			Message: "the bot could not be placed in the room",
		})
		return
	}

	upd := store.ThreadUpdate{}
	dirty := false
	if req.Email != "" {
		upd.EmailResultsTo = &req.Email
		dirty = true
	}
	if req.WebhookCallbackURL != "" {
		upd.WebhookCallbackURL = &req.WebhookCallbackURL
		dirty = true
	}
	if keyID != "" {
		upd.UnkeyKeyID = &keyID
		dirty = true
	}
	if dirty {
		if err := s.threads.UpdateWorkflowThread(c.Request.Context(), threadID, upd); err != nil {
			s.log.Warn("persisting delivery settings failed", "workflow_thread_id", threadID, "error", err)
		}
	}

	c.JSON(http.StatusAccepted, joinResponse{
		Success:          true,
		BotID:            botID,
		WorkflowThreadID: threadID,
	})
}

type statusResponse struct {
	BotID          string          `json:"bot_id"`
	Status         string          `json:"status"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	TranscriptText string          `json:"transcript_text,omitempty"`
	QAPairs        []types.QAPair  `json:"qa_pairs,omitempty"`
	Insights       *types.Insights `json:"insights,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// handleStatus reports one bot session. The path parameter is a bot id;
// when no session matches, it is retried as a room name so callers holding
// only the room can still poll.
func (s *Server) handleStatus(c *gin.Context) {
	id := c.Param("bot_id")
	sess, err := s.sessions.GetBotSession(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		sess, err = s.sessions.LatestBotSessionByRoom(c.Request.Context(), id)
	}
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, errorBody{Error: "not_found", Detail: "no session for " + id})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody{Error: "internal_error", Detail: err.Error()})
		return
	}

	c.JSON(http.StatusOK, statusResponse{
		BotID:          sess.BotID,
		Status:         string(sess.Status),
		StartedAt:      sess.StartedAt,
		CompletedAt:    sess.CompletedAt,
		TranscriptText: sess.TranscriptText,
		QAPairs:        sess.QAPairs,
		Insights:       sess.Insights,
		Error:          sess.Error,
	})
}

// callWorkflowName is the only workflow the execute endpoint knows about.
const callWorkflowName = "call"

type executeRequest struct {
	Message string `json:"message"`
}

// handleExecuteWorkflow is the generic workflow entry point. The message is a
// JSON-encoded workflow state; the call workflow runs it through the same
// path as the join endpoint, minus admission.
func (s *Server) handleExecuteWorkflow(c *gin.Context) {
	name := c.Param("name")
	if name != callWorkflowName {
		c.JSON(http.StatusNotFound, errorBody{Error: "unknown_workflow", Detail: name})
		return
	}
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid_request", Detail: err.Error()})
		return
	}
	var state workflow.State
	if err := json.Unmarshal([]byte(req.Message), &state); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid_message", Detail: err.Error()})
		return
	}
	if state.RoomURL == "" {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid_message", Detail: "room_url is required"})
		return
	}

	threadID, err := s.workflows.Execute(c.Request.Context(), state)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody{
			Error:  "workflow_failed",
			Detail: err.Error(),
		})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"success":            true,
		"workflow_thread_id": threadID,
	})
}

// handleActiveBots lists every session registered with the orchestrator.
func (s *Server) handleActiveBots(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"bots": s.bots.ListActiveBots(c.Request.Context())})
}

// handleMeetPage redirects to the hosted meeting page for a room.
func (s *Server) handleMeetPage(c *gin.Context) {
	if s.meetBaseURL == "" {
		c.JSON(http.StatusNotFound, errorBody{Error: "not_found", Detail: "no meeting page configured"})
		return
	}
	c.Redirect(http.StatusFound, s.meetBaseURL+"/"+c.Param("room_name"))
}

// validateBotConfig checks the user-supplied config map against the compiled
// schema. The map must round-trip through JSON so the validator sees plain
// decoded values regardless of how the caller built it.
func (s *Server) validateBotConfig(cfg map[string]any) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return s.schema.Validate(doc)
}
