package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pailflow/pailflow/pkg/provider/stt"
)

// sttNode streams room audio into the STT provider and emits transcription
// frames. Partials and finals are both forwarded; partials feed interruption
// detection downstream, finals feed the transcript and the LLM.
type sttNode struct {
	log      *slog.Logger
	provider stt.Provider
	cfg      stt.StreamConfig
}

func (n *sttNode) Name() string { return "stt" }

func (n *sttNode) Run(ctx context.Context, in <-chan Frame, out chan<- Frame) error {
	session, err := n.provider.StartStream(ctx, n.cfg)
	if err != nil {
		return fmt.Errorf("start stt stream: %w", err)
	}
	defer session.Close()

	partials := session.Partials()
	finals := session.Finals()
	for {
		select {
		case f, ok := <-in:
			if !ok {
				return nil
			}
			audio, isAudio := f.(AudioIn)
			if !isAudio {
				if !send(ctx, out, f) {
					return ctx.Err()
				}
				continue
			}
			if err := session.SendAudio(audio.Audio.Data); err != nil {
				n.log.Warn("stt audio send failed", "error", err)
			}
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			if t.Text == "" {
				continue
			}
			f := UserTranscription{
				Text:       t.Text,
				IsFinal:    false,
				SpeakerID:  t.SpeakerID,
				Confidence: t.Confidence,
				Timestamp:  time.Now(),
			}
			if !send(ctx, out, f) {
				return ctx.Err()
			}
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			if t.Text == "" {
				continue
			}
			f := UserTranscription{
				Text:       t.Text,
				IsFinal:    true,
				SpeakerID:  t.SpeakerID,
				Confidence: t.Confidence,
				Timestamp:  time.Now(),
			}
			if !send(ctx, out, f) {
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
