package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/pailflow/pailflow/pkg/provider/llm"
	"github.com/pailflow/pailflow/pkg/types"
)

const defaultInterruptMinWords = 1

// llmNode owns the conversation history and produces assistant replies. Each
// LLMRun frame starts one streaming completion; reply text is cut into
// sentences and emitted eagerly so synthesis can begin before the model
// finishes. User speech of at least minWords words during generation cancels
// the in-flight completion, keeping the bot interruptible.
type llmNode struct {
	log          *slog.Logger
	provider     llm.Provider
	systemPrompt string
	temperature  float64
	minWords     int

	mu      sync.Mutex
	history []types.Message

	genCancel context.CancelFunc
	genDone   chan struct{}
	rerun     bool
}

func newLLMNode(log *slog.Logger, provider llm.Provider, systemPrompt string, temperature float64, minWords int) *llmNode {
	if minWords <= 0 {
		minWords = defaultInterruptMinWords
	}
	return &llmNode{
		log:          log,
		provider:     provider,
		systemPrompt: systemPrompt,
		temperature:  temperature,
		minWords:     minWords,
	}
}

func (n *llmNode) Name() string { return "llm" }

func (n *llmNode) Run(ctx context.Context, in <-chan Frame, out chan<- Frame) error {
	// The generation goroutine writes to out, so Run must not return while
	// one is still active.
	defer n.stopGeneration()

	for {
		select {
		case f, ok := <-in:
			if !ok {
				// Graceful close: let an in-flight reply finish. Downstream
				// nodes keep draining until this node returns.
				n.awaitGeneration()
				return nil
			}
			switch t := f.(type) {
			case SystemMessage:
				n.append(types.Message{Role: "system", Content: t.Content})
			case UserTranscription:
				if n.generating() && wordCount(t.Text) >= n.minWords {
					n.log.Debug("assistant interrupted by user speech")
					n.genCancel()
				}
				if t.IsFinal {
					n.append(types.Message{Role: "user", Content: t.Text})
				}
			case LLMRun:
				if n.generating() {
					n.rerun = true
				} else {
					n.startGeneration(ctx, out)
				}
				continue
			}
			if !send(ctx, out, f) {
				return ctx.Err()
			}
		case <-n.generationDone():
			n.finishGeneration()
			if n.rerun {
				n.rerun = false
				n.startGeneration(ctx, out)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// History returns a copy of the conversation so far.
func (n *llmNode) History() []types.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]types.Message, len(n.history))
	copy(out, n.history)
	return out
}

func (n *llmNode) append(msg types.Message) {
	if strings.TrimSpace(msg.Content) == "" {
		return
	}
	n.mu.Lock()
	n.history = append(n.history, msg)
	n.mu.Unlock()
}

func (n *llmNode) generating() bool { return n.genDone != nil }

// generationDone returns the active generation's completion channel, or nil
// (blocking forever in select) when idle.
func (n *llmNode) generationDone() <-chan struct{} {
	if n.genDone == nil {
		return nil
	}
	return n.genDone
}

func (n *llmNode) startGeneration(ctx context.Context, out chan<- Frame) {
	genCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	n.genCancel, n.genDone = cancel, done
	msgs := n.History()
	go func() {
		defer close(done)
		n.generate(ctx, genCtx, msgs, out)
	}()
}

func (n *llmNode) finishGeneration() {
	if n.genCancel != nil {
		n.genCancel()
	}
	n.genCancel, n.genDone = nil, nil
}

func (n *llmNode) awaitGeneration() {
	if n.genDone == nil {
		return
	}
	<-n.genDone
	n.finishGeneration()
}

func (n *llmNode) stopGeneration() {
	if n.genDone == nil {
		return
	}
	n.genCancel()
	<-n.genDone
	n.finishGeneration()
}

// generate runs one streaming completion. Sentence emission uses genCtx so an
// interruption stops it immediately; the closing LLMResponseEnd and the usage
// report use the node ctx so downstream turn state is released either way.
func (n *llmNode) generate(ctx, genCtx context.Context, msgs []types.Message, out chan<- Frame) {
	req := llm.CompletionRequest{
		Messages:     msgs,
		SystemPrompt: n.systemPrompt,
		Temperature:  n.temperature,
	}
	stream, err := n.provider.StreamCompletion(genCtx, req)
	if err != nil {
		n.log.Error("llm completion failed", "error", err)
		return
	}

	var full strings.Builder
	var usage *llm.Usage
	pending := ""
	emitted := false
stream:
	for chunk := range stream {
		if chunk.Usage != nil {
			u := *chunk.Usage
			usage = &u
		}
		if chunk.FinishReason == "error" {
			n.log.Warn("llm stream ended with provider error")
		}
		if chunk.Text == "" {
			continue
		}
		full.WriteString(chunk.Text)
		pending += chunk.Text
		for {
			idx := sentenceBoundary(pending)
			if idx < 0 {
				break
			}
			sentence := strings.TrimSpace(pending[:idx])
			pending = pending[idx:]
			if sentence == "" {
				continue
			}
			if !send(genCtx, out, AssistantText{Text: sentence}) {
				go drainChunks(stream)
				break stream
			}
			emitted = true
		}
	}
	if genCtx.Err() == nil {
		if rem := strings.TrimSpace(pending); rem != "" {
			if send(genCtx, out, AssistantText{Text: rem}) {
				emitted = true
			}
		}
	}
	if emitted {
		send(ctx, out, LLMResponseEnd{})
	}

	reply := strings.TrimSpace(full.String())
	if reply != "" {
		n.append(types.Message{Role: "assistant", Content: reply})
	}
	n.reportUsage(ctx, msgs, reply, usage, out)
}

// reportUsage emits token accounting for the finished call, estimating via
// CountTokens when the stream did not include usage.
func (n *llmNode) reportUsage(ctx context.Context, msgs []types.Message, reply string, usage *llm.Usage, out chan<- Frame) {
	prompt, completion := 0, 0
	if usage != nil {
		prompt, completion = usage.PromptTokens, usage.CompletionTokens
	} else {
		var err error
		prompt, err = n.provider.CountTokens(msgs)
		if err != nil {
			n.log.Warn("prompt token estimate failed", "error", err)
			prompt = 0
		}
		if reply != "" {
			completion, err = n.provider.CountTokens([]types.Message{{Role: "assistant", Content: reply}})
			if err != nil {
				n.log.Warn("completion token estimate failed", "error", err)
				completion = 0
			}
		}
	}
	if prompt == 0 && completion == 0 {
		return
	}
	send(ctx, out, MetricsLLMUsage{
		Model:            n.provider.Model(),
		PromptTokens:     prompt,
		CompletionTokens: completion,
	})
}

// sentenceBoundary returns the byte index just past the first '.', '!' or '?'
// that is followed by whitespace, or -1 when the text has no complete
// sentence yet.
func sentenceBoundary(s string) int {
	for i := 0; i+1 < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\t', '\n', '\r':
				return i + 1
			}
		}
	}
	return -1
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

// drainChunks empties an abandoned completion stream so the provider's sender
// goroutine can exit.
func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}
