package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pailflow/pailflow/pkg/provider/tts"
	"github.com/pailflow/pailflow/pkg/types"
)

const defaultTextBuffer = 16

// synthTurn is one open synthesis stream: the text feed into the provider and
// the state shared with the goroutine draining its audio.
type synthTurn struct {
	text chan string
	done chan struct{}

	mu    sync.Mutex
	reply strings.Builder
}

func (t *synthTurn) appendText(s string) {
	t.mu.Lock()
	t.reply.WriteString(s)
	t.mu.Unlock()
}

func (t *synthTurn) replyText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(t.reply.String())
}

// ttsNode synthesizes assistant sentences into audio. Sentences belonging to
// one reply share a single provider stream, opened on the first sentence and
// closed by LLMResponseEnd. The audio side runs in its own goroutine and
// brackets the output with speaking markers, so downstream nodes can drive
// the avatar and the transcript without knowing about synthesis.
type ttsNode struct {
	log        *slog.Logger
	provider   tts.Provider
	voice      tts.VoiceProfile
	sampleRate int
}

func (n *ttsNode) Name() string { return "tts" }

func (n *ttsNode) Run(ctx context.Context, in <-chan Frame, out chan<- Frame) error {
	var (
		cur *synthTurn
		wg  sync.WaitGroup
	)
	defer func() {
		if cur != nil {
			close(cur.text)
		}
		wg.Wait()
	}()

	for {
		select {
		case f, ok := <-in:
			if !ok {
				return nil
			}
			switch t := f.(type) {
			case AssistantText:
				if cur == nil {
					// One spoken reply at a time: wait out the previous
					// turn's audio before opening the next stream.
					wg.Wait()
					turn, err := n.openTurn(ctx, out, &wg)
					if err != nil {
						n.log.Error("tts stream failed", "error", err)
						continue
					}
					cur = turn
				}
				fragment := t.Text + " "
				select {
				case cur.text <- fragment:
					cur.appendText(fragment)
				case <-cur.done:
					// Synthesis collapsed under us; drop the fragment and
					// let the next sentence open a fresh stream.
					close(cur.text)
					cur = nil
				case <-ctx.Done():
					return ctx.Err()
				}
				continue
			case LLMResponseEnd:
				if cur != nil {
					close(cur.text)
					cur = nil
				}
				continue
			}
			if !send(ctx, out, f) {
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (n *ttsNode) openTurn(ctx context.Context, out chan<- Frame, wg *sync.WaitGroup) (*synthTurn, error) {
	turn := &synthTurn{
		text: make(chan string, defaultTextBuffer),
		done: make(chan struct{}),
	}
	audio, err := n.provider.SynthesizeStream(ctx, turn.text, n.voice)
	if err != nil {
		return nil, fmt.Errorf("synthesize stream: %w", err)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		n.speak(ctx, turn, audio, out)
	}()
	return turn, nil
}

// speak forwards synthesized audio downstream, bracketed by speaking markers.
// The start marker is deferred to the first audio chunk so a stream that
// produces no audio leaves no trace. The final transcription carries the full
// text of the reply as spoken.
func (n *ttsNode) speak(ctx context.Context, turn *synthTurn, audio <-chan []byte, out chan<- Frame) {
	defer close(turn.done)
	started := false
	var turnStart time.Time
	for chunk := range audio {
		if len(chunk) == 0 {
			continue
		}
		if !started {
			if !send(ctx, out, BotStartedSpeaking{}) {
				break
			}
			started = true
			turnStart = time.Now()
		}
		frame := AudioOut{Audio: types.AudioFrame{
			Data:       chunk,
			SampleRate: n.sampleRate,
			Channels:   1,
			Timestamp:  time.Since(turnStart),
		}}
		if !send(ctx, out, frame) {
			break
		}
	}
	// Release the provider's sender if we bailed early.
	for range audio {
	}
	if !started || ctx.Err() != nil {
		return
	}
	send(ctx, out, BotStoppedSpeaking{})
	send(ctx, out, AssistantTranscription{Text: turn.replyText(), Timestamp: time.Now()})
}
