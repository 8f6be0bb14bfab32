// Package capture owns the camera: it opens the device, decodes its frames and
// shares a single capture session between every consumer.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrClosed means the source is gone for good (closed, or the device stopped).
	ErrClosed = errors.New("capture: source closed")
	// ErrUnavailable means the device could not be opened within the retry budget.
	ErrUnavailable = errors.New("capture: device unavailable")
	// ErrCorruptFrame is a transient decode failure; the next frame may be fine.
	ErrCorruptFrame = errors.New("capture: corrupt frame")
)

// Source produces frames. The caller owns each returned image.
type Source interface {
	Next(ctx context.Context) (*image.RGBA, error)
	Close() error
}

// Opener opens a fresh Source. ctx bounds the open itself, not the session.
type Opener func(ctx context.Context) (Source, error)

// OpenWithRetry tries open up to attempts times, sleeping delay between tries.
// The final error wraps ErrUnavailable and the last open error.
func OpenWithRetry(ctx context.Context, open Opener, attempts int, delay time.Duration, log zerolog.Logger) (Source, error) {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		src, err := open(ctx)
		if err == nil {
			if attempt > 1 {
				log.Info().Int("attempt", attempt).Msg("camera opened after retry")
			}
			return src, nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Int("of", attempts).Msg("failed to open camera")

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrUnavailable, attempts, lastErr)
}
