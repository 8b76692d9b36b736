package pipeline

import (
	"context"
	"log/slog"
)

// AnimationConfig holds the avatar imagery for one bot. Quiet is shown while
// the bot listens. While it speaks, Sprites plays as a ping-pong loop when
// set, otherwise Talking is shown as a still.
type AnimationConfig struct {
	Quiet           []byte
	Talking         []byte
	Sprites         [][]byte
	FramesPerSprite int
}

// animationNode drives the bot's video track off the speaking markers. The
// talking imagery is emitted exactly once per speaking turn; the quiet frame
// is restored when the turn ends and shown initially on startup.
type animationNode struct {
	log     *slog.Logger
	cfg     AnimationConfig
	talking bool
}

func (n *animationNode) Name() string { return "animation" }

func (n *animationNode) Run(ctx context.Context, in <-chan Frame, out chan<- Frame) error {
	if len(n.cfg.Quiet) > 0 {
		if !send(ctx, out, ImageOutput{Image: n.cfg.Quiet}) {
			return ctx.Err()
		}
	}
	for {
		select {
		case f, ok := <-in:
			if !ok {
				return nil
			}
			switch f.(type) {
			case BotStartedSpeaking:
				if !n.talking {
					n.talking = true
					if !n.emitTalking(ctx, out) {
						return ctx.Err()
					}
				}
			case BotStoppedSpeaking:
				if n.talking {
					n.talking = false
					if len(n.cfg.Quiet) > 0 {
						if !send(ctx, out, ImageOutput{Image: n.cfg.Quiet}) {
							return ctx.Err()
						}
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

func (n *animationNode) emitTalking(ctx context.Context, out chan<- Frame) bool {
	if len(n.cfg.Sprites) > 0 {
		return send(ctx, out, AnimatedSprite{Frames: ExpandSprites(n.cfg.Sprites, n.cfg.FramesPerSprite)})
	}
	if len(n.cfg.Talking) > 0 {
		return send(ctx, out, ImageOutput{Image: n.cfg.Talking})
	}
	return true
}

// ExpandSprites prepares a sprite sequence for playback: the frames run
// forward then backward for a seamless loop, and each resulting frame is
// repeated perSprite times to slow the animation to the render rate.
func ExpandSprites(frames [][]byte, perSprite int) [][]byte {
	if len(frames) == 0 {
		return nil
	}
	if perSprite < 1 {
		perSprite = 1
	}
	seq := make([][]byte, 0, 2*len(frames))
	seq = append(seq, frames...)
	for i := len(frames) - 1; i >= 0; i-- {
		seq = append(seq, frames[i])
	}
	out := make([][]byte, 0, len(seq)*perSprite)
	for _, frame := range seq {
		for n := 0; n < perSprite; n++ {
			out = append(out, frame)
		}
	}
	return out
}
