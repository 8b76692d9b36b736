package pipeline

import (
	"context"
	"log/slog"

	"github.com/pailflow/pailflow/pkg/rooms"
)

// transportIn is the head of the chain. It merges two sources into one frame
// stream: room audio from the transport and frames injected through Push
// (system messages and run triggers from the bot's event handlers).
type transportIn struct {
	log       *slog.Logger
	transport rooms.Transport
}

func (n *transportIn) Name() string { return "transport_in" }

func (n *transportIn) Run(ctx context.Context, in <-chan Frame, out chan<- Frame) error {
	audio := n.transport.Audio()
	for {
		select {
		case f, ok := <-in:
			if !ok {
				return nil
			}
			if !send(ctx, out, f) {
				return ctx.Err()
			}
		case frame, ok := <-audio:
			if !ok {
				// The transport is gone; nothing more can flow.
				n.log.Debug("room audio stream ended")
				return nil
			}
			if !send(ctx, out, AudioIn{Audio: frame}) {
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// transportOut delivers bot media to the room: synthesized audio, still
// images and sprite sequences. Send failures are logged and skipped so a
// dropped video frame cannot stall the conversation. Everything is forwarded
// for the transcript stage behind it.
type transportOut struct {
	log       *slog.Logger
	transport rooms.Transport
}

func (n *transportOut) Name() string { return "transport_out" }

func (n *transportOut) Run(ctx context.Context, in <-chan Frame, out chan<- Frame) error {
	for {
		select {
		case f, ok := <-in:
			if !ok {
				return nil
			}
			switch t := f.(type) {
			case AudioOut:
				if err := n.transport.SendAudio(t.Audio); err != nil {
					n.log.Warn("audio send failed", "error", err)
				}
			case ImageOutput:
				if err := n.transport.SendImage(t.Image); err != nil {
					n.log.Warn("image send failed", "error", err)
				}
			case AnimatedSprite:
				for _, img := range t.Frames {
					if err := n.transport.SendImage(img); err != nil {
						n.log.Warn("sprite frame send failed", "error", err)
						break
					}
				}
			}
			if !send(ctx, out, f) {
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
