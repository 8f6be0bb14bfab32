// Package worker runs the emotion classifier out of process and speaks a
// length-prefixed msgpack protocol with it.
package worker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/andresmejia3/cvdescent/internal/types"
	"github.com/andresmejia3/cvdescent/internal/utils" // Using the SafeCommand wrapper
)

const (
	statusOK    byte = 0
	statusError byte = 1

	// maxResponse bounds a single reply so a corrupt header cannot allocate gigabytes.
	maxResponse = 1 << 20
)

// ErrBroken is returned once the pipe has desynchronized (timeout, short read).
// The worker has to be replaced.
var ErrBroken = errors.New("classifier worker is unusable")

// Config describes how to launch the classifier process.
type Config struct {
	Python  string
	Script  string
	Timeout time.Duration // per request; zero disables
}

func (c Config) withDefaults() Config {
	if c.Python == "" {
		c.Python = "python3"
	}
	if c.Script == "" {
		c.Script = "python/emotion_worker.py"
	}
	return c
}

// PythonWorker owns one classifier process. Classify calls are serialized.
type PythonWorker struct {
	ID       string
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	Timeout  time.Duration

	mu     sync.Mutex
	broken bool
	log    zerolog.Logger
}

// NewPythonWorker starts the classifier process. id only labels logs.
func NewPythonWorker(cfg Config, id string, log zerolog.Logger) (*PythonWorker, error) {
	cfg = cfg.withDefaults()

	// 1. Initialize the SafeCommand
	py := utils.NewSafeCommand(cfg.Python, "-u", cfg.Script)

	// Create a side-channel pipe (FD 3) so library chatter on stdout cannot corrupt replies
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %s failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		Timeout:  cfg.Timeout,
		log:      log.With().Str("worker", id).Logger(),
	}, nil
}

// Classify sends the face crop to the worker and decodes its answer.
// ok=false means the worker found no face/emotion in the crop.
func (w *PythonWorker) Classify(ctx context.Context, face *image.RGBA) (types.EmotionResult, bool, error) {
	b := face.Bounds()
	req, err := msgpack.Marshal(types.ClassifyRequest{
		Width:  b.Dx(),
		Height: b.Dy(),
		Data:   PackRGB(face),
	})
	if err != nil {
		return types.EmotionResult{}, false, fmt.Errorf("encode request: %w", err)
	}

	body, err := w.Communicate(ctx, req)
	if err != nil {
		return types.EmotionResult{}, false, err
	}

	var resp types.ClassifyResponse
	if err := msgpack.Unmarshal(body, &resp); err != nil {
		return types.EmotionResult{}, false, fmt.Errorf("decode response: %w", err)
	}
	if !resp.Found || resp.Label == "" {
		return types.EmotionResult{}, false, nil
	}
	return types.EmotionResult{
		Label:      types.ParseEmotion(resp.Label),
		Confidence: types.Clamp01(resp.Score),
	}, true, nil
}

// Communicate performs one request/response exchange and returns the success body.
// Protocol: out [Length][Data]; in [Length][Status][Body]. A status of 1 carries
// [MsgLen][Msg] and is reported as an error without breaking the worker.
func (w *PythonWorker) Communicate(ctx context.Context, data []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.broken {
		return nil, ErrBroken
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resp, err := w.exchange(ctx, data)
	if err != nil {
		var perr *workerError
		if !errors.As(err, &perr) {
			// Any transport failure leaves a half-read reply in the pipe.
			w.broken = true
			w.log.Error().Err(err).Msg("classifier pipe failed")
		}
		return nil, err
	}
	return resp, nil
}

type workerError struct{ msg string }

func (e *workerError) Error() string { return "python worker error: " + e.msg }

func (w *PythonWorker) exchange(ctx context.Context, data []byte) ([]byte, error) {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	w.armDeadline(ctx)
	defer w.clearDeadline()

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where a crashed interpreter shows up
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen == 0 || respLen > maxResponse {
		return nil, fmt.Errorf("invalid response length %d", respLen)
	}
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return nil, err
	}

	switch respBody[0] {
	case statusOK:
		return respBody[1:], nil
	case statusError:
		return nil, parseWorkerError(respBody[1:])
	default:
		return nil, fmt.Errorf("unknown worker status %d", respBody[0])
	}
}

func parseWorkerError(body []byte) error {
	if len(body) < 4 {
		return &workerError{msg: "malformed error reply"}
	}
	n := binary.BigEndian.Uint32(body[:4])
	if int(n) > len(body)-4 {
		n = uint32(len(body) - 4)
	}
	return &workerError{msg: string(body[4 : 4+n])}
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// armDeadline bounds the read by the smaller of the context deadline and the
// configured timeout. Pipes that cannot take deadlines read unbounded.
func (w *PythonWorker) armDeadline(ctx context.Context) {
	d, ok := w.DataPipe.(deadliner)
	if !ok {
		return
	}
	var deadline time.Time
	if w.Timeout > 0 {
		deadline = time.Now().Add(w.Timeout)
	}
	if cd, ok := ctx.Deadline(); ok && (deadline.IsZero() || cd.Before(deadline)) {
		deadline = cd
	}
	if !deadline.IsZero() {
		_ = d.SetReadDeadline(deadline)
	}
}

func (w *PythonWorker) clearDeadline() {
	if d, ok := w.DataPipe.(deadliner); ok {
		_ = d.SetReadDeadline(time.Time{})
	}
}

// Close shuts the worker down. Closing stdin lets the script exit on EOF.
func (w *PythonWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.broken = true
	errIn := w.Stdin.Close()
	errPipe := w.DataPipe.Close()
	if w.Cmd != nil {
		if err := w.Cmd.Wait(); err != nil {
			w.log.Debug().Err(err).Str("stderr", w.Cmd.Stderr.String()).Msg("worker exited")
		}
	}
	return errors.Join(errIn, errPipe)
}

// PackRGB flattens an RGBA image into row-major RGB triples.
func PackRGB(img *image.RGBA) []byte {
	b := img.Bounds()
	out := make([]byte, 0, b.Dx()*b.Dy()*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):]
		for x := 0; x < b.Dx(); x++ {
			out = append(out, row[x*4], row[x*4+1], row[x*4+2])
		}
	}
	return out
}
