package pipeline

import (
	"context"
	"time"
)

// TranscriptMessage is one finalized line of the conversation.
type TranscriptMessage struct {
	// Role is "user" or "assistant".
	Role    string
	Content string

	// SessionID is the speaking participant's room session for user lines,
	// when the speaker tracker could attribute the utterance.
	SessionID string

	// UserID is the speaker's stable user id, when known.
	UserID string

	Timestamp time.Time
}

// TranscriptSink receives finalized transcript lines as the conversation
// progresses. Implementations persist them and must tolerate being called
// from pipeline goroutines; a slow sink back-pressures the chain.
type TranscriptSink interface {
	OnTranscriptUpdate(ctx context.Context, msgs []TranscriptMessage)
}

// transcriptNode turns one frame kind into transcript lines and hands them to
// the sink. Two instances sit in the chain: one ahead of the aggregator
// recording each user utterance, one at the tail recording spoken replies.
type transcriptNode struct {
	name    string
	sink    TranscriptSink
	capture func(Frame) (TranscriptMessage, bool)
}

func newUserTranscript(sink TranscriptSink) *transcriptNode {
	return &transcriptNode{
		name: "transcript_user",
		sink: sink,
		capture: func(f Frame) (TranscriptMessage, bool) {
			t, ok := f.(UserTranscription)
			if !ok || !t.IsFinal {
				return TranscriptMessage{}, false
			}
			return TranscriptMessage{
				Role:      "user",
				Content:   t.Text,
				SessionID: t.SessionID,
				UserID:    t.UserID,
				Timestamp: t.Timestamp,
			}, true
		},
	}
}

func newAssistantTranscript(sink TranscriptSink) *transcriptNode {
	return &transcriptNode{
		name: "transcript_assistant",
		sink: sink,
		capture: func(f Frame) (TranscriptMessage, bool) {
			t, ok := f.(AssistantTranscription)
			if !ok {
				return TranscriptMessage{}, false
			}
			return TranscriptMessage{
				Role:      "assistant",
				Content:   t.Text,
				Timestamp: t.Timestamp,
			}, true
		},
	}
}

func (n *transcriptNode) Name() string { return n.name }

func (n *transcriptNode) Run(ctx context.Context, in <-chan Frame, out chan<- Frame) error {
	for {
		select {
		case f, ok := <-in:
			if !ok {
				return nil
			}
			if msg, ok := n.capture(f); ok && n.sink != nil {
				n.sink.OnTranscriptUpdate(ctx, []TranscriptMessage{msg})
			}
			if !send(ctx, out, f) {
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
