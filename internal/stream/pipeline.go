// Package stream drives the frame processor over a live source and hands the
// results to a sink.
package stream

import (
	"context"
	"errors"
	"image"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/andresmejia3/cvdescent/internal/capture"
	"github.com/andresmejia3/cvdescent/internal/detector"
	"github.com/andresmejia3/cvdescent/internal/metrics"
	"github.com/andresmejia3/cvdescent/internal/processor"
)

// Frame is an image plus its position in the stream.
type Frame struct {
	Image *image.RGBA
	Seq   uint64
}

// Sink consumes finished frames.
type Sink interface {
	WriteFrame(f Frame) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(f Frame) error

func (s SinkFunc) WriteFrame(f Frame) error { return s(f) }

// Pipeline reads, transforms and forwards frames until the source ends, the
// sink fails or ctx is cancelled. Without a Detector or Processor frames pass
// through untouched.
type Pipeline struct {
	Source    capture.Source
	Detector  detector.Detector
	Processor *processor.Processor
	Sink      Sink
	Metrics   *metrics.Metrics
	Feed      string
	Log       zerolog.Logger
}

// Run blocks until the stream is over. It returns nil when the source ended or
// ctx was cancelled, and the sink's error when the consumer went away.
func (p *Pipeline) Run(ctx context.Context) error {
	done := p.Metrics.StreamStarted(p.Feed)
	defer done()

	var seq uint64
	for {
		if ctx.Err() != nil {
			return nil
		}

		img, err := p.Source.Next(ctx)
		if err != nil {
			if errors.Is(err, capture.ErrClosed) || errors.Is(err, io.EOF) {
				p.Log.Debug().Uint64("frames", seq).Msg("source ended")
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			p.Log.Warn().Err(err).Msg("skipping frame")
			p.Metrics.FrameDropped("source")
			continue
		}

		seq++
		frame := Frame{Image: img, Seq: seq}
		start := time.Now()
		p.process(ctx, frame)

		if err := p.Sink.WriteFrame(frame); err != nil {
			if errors.Is(err, ErrEncode) {
				p.Log.Warn().Err(err).Uint64("seq", seq).Msg("dropping frame")
				p.Metrics.FrameDropped("encode")
				continue
			}
			p.Log.Debug().Err(err).Uint64("seq", seq).Msg("sink closed")
			return err
		}
		p.Metrics.ObserveFrame(time.Since(start))
		p.Metrics.FrameProcessed(p.Feed)
	}
}

func (p *Pipeline) process(ctx context.Context, f Frame) {
	if p.Detector == nil || p.Processor == nil {
		return
	}
	regions := p.Detector.Detect(f.Image)
	if len(regions) == 0 {
		return
	}
	anns := p.Processor.Process(ctx, f.Image, regions)
	if len(anns) > 0 {
		p.Log.Trace().Uint64("seq", f.Seq).Str("label", anns[0].Text).Msg("frame processed")
	}
}
