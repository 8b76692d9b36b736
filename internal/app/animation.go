package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pailflow/pailflow/internal/pipeline"
	"github.com/pailflow/pailflow/pkg/types"
)

// imageFetchTimeout bounds each avatar image download.
const imageFetchTimeout = 15 * time.Second

// maxImageBytes caps a single avatar frame. The transport re-encodes frames
// for the room, so anything larger is a misconfigured reference.
const maxImageBytes = 8 << 20

// LoadAnimation resolves the bot's avatar references into the raw frames the
// media pipeline renders. http(s) references are fetched, anything else is
// read from the local filesystem. The static image doubles as the quiet and
// talking frame; in animated mode the sprite sequence replaces the talking
// still. A reference that cannot be loaded logs a warning and is skipped, so
// a broken avatar degrades to no video instead of blocking the join.
func LoadAnimation(ctx context.Context, log *slog.Logger, cfg types.BotConfig) pipeline.AnimationConfig {
	anim := pipeline.AnimationConfig{FramesPerSprite: cfg.FramesPerSprite}

	if cfg.StaticImage != "" {
		img, err := loadImageRef(ctx, cfg.StaticImage)
		if err != nil {
			log.Warn("avatar image unavailable", "ref", cfg.StaticImage, "err", err)
		} else {
			anim.Quiet = img
			anim.Talking = img
		}
	}

	if cfg.VideoMode == types.VideoModeAnimated {
		for _, ref := range cfg.SpriteImages {
			frame, err := loadImageRef(ctx, ref)
			if err != nil {
				// A partial sequence would glitch mid-loop; fall back to the still.
				log.Warn("sprite frame unavailable, using static avatar", "ref", ref, "err", err)
				anim.Sprites = nil
				break
			}
			anim.Sprites = append(anim.Sprites, frame)
		}
	}

	return anim
}

func loadImageRef(ctx context.Context, ref string) ([]byte, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		fetchCtx, cancel := context.WithTimeout(ctx, imageFetchTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, ref, nil)
		if err != nil {
			return nil, fmt.Errorf("app: fetch image %s: %w", ref, err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("app: fetch image %s: %w", ref, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("app: fetch image %s: status %d", ref, resp.StatusCode)
		}
		img, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
		if err != nil {
			return nil, fmt.Errorf("app: fetch image %s: %w", ref, err)
		}
		if len(img) > maxImageBytes {
			return nil, fmt.Errorf("app: image %s exceeds %d bytes", ref, maxImageBytes)
		}
		return img, nil
	}

	img, err := os.ReadFile(ref)
	if err != nil {
		return nil, fmt.Errorf("app: read image: %w", err)
	}
	if len(img) > maxImageBytes {
		return nil, fmt.Errorf("app: image %s exceeds %d bytes", ref, maxImageBytes)
	}
	return img, nil
}
