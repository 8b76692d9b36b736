// Package postcall turns a finished call's transcript into structured
// results and side effects: question/answer pairs, model-extracted insights,
// a candidate summary, a result email, a webhook callback, and the secondary
// usage transaction.
//
// Every step is idempotent, so the pipeline can be re-entered after a partial
// failure: parsing is pure, insight extraction overwrites, email and webhook
// are gated on their sent flags, and transaction creation is idempotent on
// the thread id.
package postcall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pailflow/pailflow/internal/pricing"
	"github.com/pailflow/pailflow/internal/store"
	"github.com/pailflow/pailflow/pkg/provider/llm"
	"github.com/pailflow/pailflow/pkg/types"
)

// Store is the persistence surface the pipeline needs.
type Store interface {
	GetWorkflowThread(ctx context.Context, id string) (*store.WorkflowThread, error)
	FindPausedThreadByRoom(ctx context.Context, roomName string) (*store.WorkflowThread, error)
	UpdateWorkflowThread(ctx context.Context, id string, upd store.ThreadUpdate) error
}

// CostSink accumulates provider cost onto the thread. Implemented by
// usage.Tracker.
type CostSink interface {
	AddCost(ctx context.Context, threadID string, costUSD float64, traceID string) bool
}

// TransactionCreator creates the customer ledger row. Implemented by
// usage.Accounting.
type TransactionCreator interface {
	CreateTransaction(ctx context.Context, threadID string) (bool, error)
}

// TranscriptFetcher resolves a transcript by provider id when the thread row
// carries no text. Implemented by rooms.Client.
type TranscriptFetcher interface {
	FetchTranscript(ctx context.Context, transcriptID string) (string, error)
}

// Config assembles a Pipeline. Store and LLM are required; the rest degrade
// gracefully when absent.
type Config struct {
	Log         *slog.Logger
	Store       Store
	LLM         llm.Provider
	Mailer      Mailer
	Usage       CostSink
	Accounting  TransactionCreator
	Transcripts TranscriptFetcher
	HTTPClient  *http.Client
}

// Pipeline runs post-call processing for finished sessions.
type Pipeline struct {
	log         *slog.Logger
	store       Store
	llm         llm.Provider
	mailer      Mailer
	usage       CostSink
	accounting  TransactionCreator
	transcripts TranscriptFetcher
	hc          *http.Client
}

// New builds a Pipeline from cfg.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Store == nil || cfg.LLM == nil {
		return nil, errors.New("postcall: store and llm are required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Pipeline{
		log:         log.With("component", "postcall"),
		store:       cfg.Store,
		llm:         cfg.LLM,
		mailer:      cfg.Mailer,
		usage:       cfg.Usage,
		accounting:  cfg.Accounting,
		transcripts: cfg.Transcripts,
		hc:          hc,
	}, nil
}

// sessionInfo is the per-run context threaded through the steps.
type sessionInfo struct {
	roomName        string
	threadID        string
	transcript      string
	interviewType   string
	participantName string
	analysisPrompt  string
	summaryPrompt   string
}

// Process runs steps 1 through 9 for one finished call. threadID may be
// empty; the thread is then resolved by room name.
func (p *Pipeline) Process(ctx context.Context, roomName, threadID string) error {
	thread, err := p.resolveThread(ctx, roomName, threadID)
	if err != nil {
		return err
	}
	log := p.log.With("workflow_thread_id", thread.ID, "room", thread.RoomName)

	// Step 1: fetch transcript; an empty one short-circuits the whole run.
	transcript := thread.TranscriptText
	if transcript == "" && thread.TranscriptID != "" && p.transcripts != nil {
		transcript, err = p.transcripts.FetchTranscript(ctx, thread.TranscriptID)
		if err != nil {
			log.Warn("provider transcript fetch failed", "transcript_id", thread.TranscriptID, "error", err)
		}
	}
	if transcript == "" {
		log.Info("no transcript, skipping post-call processing")
		return nil
	}

	bot := types.ParseBotConfig(thread.BotConfig)
	info := sessionInfo{
		roomName:        thread.RoomName,
		threadID:        thread.ID,
		transcript:      transcript,
		interviewType:   stringKey(thread.BotConfig, "interview_type"),
		participantName: stringKey(thread.BotConfig, "participant_name"),
		analysisPrompt:  stringKey(thread.BotConfig, "analysis_prompt"),
		summaryPrompt:   stringKey(thread.BotConfig, "summary_format_prompt"),
	}

	// Step 2: parse into question/answer pairs.
	pairs := ParseTranscript(transcript, bot.Name)
	log.Info("transcript parsed", "qa_pairs", len(pairs))

	// Steps 3 and 4: model analysis and its cost.
	var insights *types.Insights
	if bot.ProcessInsights {
		var used llm.Usage
		insights, used = p.extractInsights(ctx, transcript, pairs, info.analysisPrompt)
		p.recordLLMCost(ctx, thread.ID, used)
	} else {
		log.Debug("insight extraction disabled for this session")
	}

	// Step 5: candidate summary.
	summary, used := p.buildSummary(ctx, info, insights, pairs)
	p.recordLLMCost(ctx, thread.ID, used)

	// Step 6: result email, gated on the sent flag.
	emailSent := thread.EmailSent
	if !emailSent && thread.EmailResultsTo != "" && p.mailer != nil {
		if err := p.mailer.Send(ctx, thread.EmailResultsTo, emailSubject(info), summary); err != nil {
			log.Warn("result email failed", "error", err)
		} else {
			emailSent = true
		}
	}

	// Step 7: webhook, gated on the sent flag.
	webhookSent := thread.WebhookSent
	if !webhookSent && thread.WebhookCallbackURL != "" {
		stats := thread.UsageStats
		if fresh, err := p.store.GetWorkflowThread(ctx, thread.ID); err == nil {
			stats = fresh.UsageStats
		}
		err := p.sendWebhook(ctx, thread.WebhookCallbackURL, webhookPayload{
			WorkflowThreadID: thread.ID,
			RoomName:         thread.RoomName,
			QAPairs:          pairs,
			Insights:         insights,
			CandidateSummary: summary,
			UsageStats:       stats,
		})
		if err != nil {
			log.Warn("webhook delivery failed", "error", err)
		} else {
			webhookSent = true
		}
	}

	// Step 8: secondary transaction-creation point; a no-op when the bot
	// worker already created it.
	if p.accounting != nil {
		if created, err := p.accounting.CreateTransaction(ctx, thread.ID); err != nil {
			log.Warn("secondary usage transaction failed", "error", err)
		} else if created {
			log.Info("usage transaction created by post-call fallback")
		}
	}

	// Step 9: final persist.
	processed := true
	upd := store.ThreadUpdate{
		TranscriptProcessed: &processed,
		QAPairs:             &pairs,
		CandidateSummary:    &summary,
		EmailSent:           &emailSent,
		WebhookSent:         &webhookSent,
	}
	if insights != nil {
		upd.Insights = insights
	}
	if err := p.store.UpdateWorkflowThread(ctx, thread.ID, upd); err != nil {
		return fmt.Errorf("postcall: persist results: %w", err)
	}

	log.Info("post-call processing complete",
		"qa_pairs", len(pairs), "email_sent", emailSent, "webhook_sent", webhookSent)
	return nil
}

func (p *Pipeline) resolveThread(ctx context.Context, roomName, threadID string) (*store.WorkflowThread, error) {
	if threadID != "" {
		thread, err := p.store.GetWorkflowThread(ctx, threadID)
		if err != nil {
			return nil, fmt.Errorf("postcall: load thread %s: %w", threadID, err)
		}
		return thread, nil
	}
	thread, err := p.store.FindPausedThreadByRoom(ctx, roomName)
	if err != nil {
		return nil, fmt.Errorf("postcall: no thread for room %s: %w", roomName, err)
	}
	return thread, nil
}

// recordLLMCost converts token usage to dollars and accumulates it on the
// thread. Unknown models are logged and skipped; they never fail the run.
func (p *Pipeline) recordLLMCost(ctx context.Context, threadID string, used llm.Usage) {
	if p.usage == nil || (used.PromptTokens == 0 && used.CompletionTokens == 0) {
		return
	}
	cost, err := pricing.CalculateLLMCost(p.llm.Model(), used.PromptTokens, used.CompletionTokens)
	if err != nil {
		p.log.Warn("llm cost lookup failed", "model", p.llm.Model(), "error", err)
		return
	}
	if cost > 0 {
		p.usage.AddCost(ctx, threadID, cost, "")
	}
}

func stringKey(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
