package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"github.com/andresmejia3/cvdescent/internal/effects"
	"github.com/andresmejia3/cvdescent/internal/utils"
)

const (
	scanBufferSize = 1 << 20
	maxFrameSize   = 16 << 20
)

// FFmpegConfig selects the capture device.
type FFmpegConfig struct {
	Device       string        // e.g. /dev/video0, or any ffmpeg input
	Format       string        // ffmpeg demuxer (v4l2, avfoundation, dshow); empty to probe
	ProbeTimeout time.Duration // how long to wait for the first frame
}

// FFmpegOpener returns an Opener that decodes the device through ffmpeg.
// The open only succeeds once the first frame has arrived.
func FFmpegOpener(cfg FFmpegConfig, log zerolog.Logger) Opener {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	return func(ctx context.Context) (Source, error) {
		src, err := openFFmpeg(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
}

type ffmpegSource struct {
	cmd    *utils.SafeCommand
	cancel context.CancelFunc
	frames chan []byte
	closed chan struct{}
	exited chan struct{}

	pending   []byte
	closeOnce sync.Once
	log       zerolog.Logger
}

func openFFmpeg(ctx context.Context, cfg FFmpegConfig, log zerolog.Logger) (*ffmpegSource, error) {
	// The session outlives the request that opened it.
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := utils.NewFFmpegCaptureCmd(procCtx, cfg.Format, cfg.Device)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	s := &ffmpegSource{
		cmd:    cmd,
		cancel: cancel,
		frames: make(chan []byte, 1),
		closed: make(chan struct{}),
		exited: make(chan struct{}),
		log:    log.With().Str("device", cfg.Device).Logger(),
	}

	go func() {
		defer close(s.exited)
		defer close(s.frames)

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, scanBufferSize), maxFrameSize)
		scanner.Split(utils.SplitJpeg)
		for scanner.Scan() {
			frame := bytes.Clone(scanner.Bytes())
			select {
			case s.frames <- frame:
			case <-s.closed:
				return
			}
		}
		if err := scanner.Err(); err != nil {
			s.log.Warn().Err(err).Msg("ffmpeg stream ended with error")
		}
	}()

	probe := time.NewTimer(cfg.ProbeTimeout)
	defer probe.Stop()

	select {
	case frame, ok := <-s.frames:
		if !ok {
			s.Close()
			return nil, fmt.Errorf("ffmpeg exited before the first frame: %s", s.stderr())
		}
		s.pending = frame
		return s, nil
	case <-probe.C:
		s.Close()
		return nil, fmt.Errorf("no frame from %q within %s: %s", cfg.Device, cfg.ProbeTimeout, s.stderr())
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}
}

// Next decodes the next frame. Decode failures wrap ErrCorruptFrame.
func (s *ffmpegSource) Next(ctx context.Context) (*image.RGBA, error) {
	var data []byte
	if s.pending != nil {
		data, s.pending = s.pending, nil
	} else {
		select {
		case frame, ok := <-s.frames:
			if !ok {
				return nil, ErrClosed
			}
			data = frame
		case <-s.closed:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptFrame, err)
	}
	return effects.ToRGBA(img), nil
}

// Close stops ffmpeg and waits for it to release the device.
func (s *ffmpegSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		<-s.exited
		if werr := s.cmd.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
			s.log.Debug().Err(werr).Msg("ffmpeg exited")
		}
	})
	return nil
}

func (s *ffmpegSource) stderr() string {
	if msg := s.cmd.Stderr.String(); msg != "" {
		return msg
	}
	return "no output"
}
