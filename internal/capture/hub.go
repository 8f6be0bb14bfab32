package capture

import (
	"context"
	"errors"
	"image"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/andresmejia3/cvdescent/internal/metrics"
)

// HubConfig controls how the shared device is opened.
type HubConfig struct {
	Attempts int           // open attempts before giving up
	Delay    time.Duration // pause between attempts
	Log      zerolog.Logger
	Metrics  *metrics.Metrics
}

// Hub shares one capture session between any number of subscribers. The
// device is opened by the first subscriber and released when the last one
// leaves. Every subscriber gets a single-slot mailbox: a slow consumer only
// ever sees the newest frame.
type Hub struct {
	open Opener
	cfg  HubConfig

	mu      sync.Mutex
	session *session
	opening *openCall // non-nil while the device is being opened
	subs    map[string]*Subscription
}

type session struct {
	src    Source
	cancel context.CancelFunc
	done   chan struct{}
}

// openCall is an open in progress. done is closed once err is set.
type openCall struct {
	done chan struct{}
	err  error
}

func NewHub(open Opener, cfg HubConfig) *Hub {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	return &Hub{
		open: open,
		cfg:  cfg,
		subs: make(map[string]*Subscription),
	}
}

// Subscribe joins the capture session, opening the device if nobody holds it.
// A failed open wraps ErrUnavailable. The hub stays usable while the device
// opens; callers arriving meanwhile wait for that open or for their own ctx.
func (h *Hub) Subscribe(ctx context.Context) (*Subscription, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		h.mu.Lock()
		if h.session != nil {
			sub := h.joinLocked()
			h.mu.Unlock()
			return sub, nil
		}
		call := h.opening
		if call == nil {
			call = &openCall{done: make(chan struct{})}
			h.opening = call
			h.mu.Unlock()
			return h.openAndJoin(ctx, call)
		}
		h.mu.Unlock()

		select {
		case <-call.done:
			// The opener's own cancellation says nothing about the device.
			if call.err != nil && !errors.Is(call.err, context.Canceled) && !errors.Is(call.err, context.DeadlineExceeded) {
				return nil, call.err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// openAndJoin opens the device without holding h.mu, then publishes the result.
func (h *Hub) openAndJoin(ctx context.Context, call *openCall) (*Subscription, error) {
	src, err := OpenWithRetry(ctx, h.open, h.cfg.Attempts, h.cfg.Delay, h.cfg.Log)
	h.cfg.Metrics.CaptureOpened(err == nil)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.opening = nil
	call.err = err
	close(call.done)
	if err != nil {
		return nil, err
	}
	h.start(src)
	return h.joinLocked(), nil
}

// joinLocked registers a subscriber on the running session. Must be called
// with h.mu held.
func (h *Hub) joinLocked() *Subscription {
	sub := &Subscription{
		id:     uuid.NewString(),
		hub:    h,
		notify: make(chan struct{}, 1),
	}
	h.subs[sub.id] = sub
	h.cfg.Log.Debug().Str("subscriber", sub.id).Int("subscribers", len(h.subs)).Msg("capture subscriber joined")
	return sub
}

// Subscribers reports how many consumers share the session.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Active reports whether the device is currently held.
func (h *Hub) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session != nil
}

// Close ends the session and every subscription.
func (h *Hub) Close() error {
	h.mu.Lock()
	s := h.detachLocked()
	h.mu.Unlock()
	if s != nil {
		<-s.done
	}
	return nil
}

// start must be called with h.mu held.
func (h *Hub) start(src Source) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{src: src, cancel: cancel, done: make(chan struct{})}
	h.session = s
	h.cfg.Log.Info().Msg("capture session started")
	go h.run(ctx, s)
}

func (h *Hub) run(ctx context.Context, s *session) {
	defer close(s.done)

	for {
		img, err := s.src.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || errors.Is(err, io.EOF) || ctx.Err() != nil {
				break
			}
			// Transient: a torn or undecodable frame.
			h.cfg.Log.Debug().Err(err).Msg("skipping unreadable frame")
			h.cfg.Metrics.FrameDropped("capture")
			continue
		}
		h.publish(s, img)
	}

	h.mu.Lock()
	if h.session == s {
		// The device went away on its own.
		h.cfg.Log.Warn().Msg("capture session ended")
		h.detachLocked()
	}
	h.mu.Unlock()
}

func (h *Hub) publish(s *session, img *image.RGBA) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session != s {
		return
	}
	for _, sub := range h.subs {
		if sub.put(img) {
			h.cfg.Metrics.FrameDropped("mailbox")
		}
	}
}

// detachLocked stops the session and closes every subscription. The device is
// released before it returns. Must be called with h.mu held.
func (h *Hub) detachLocked() *session {
	s := h.session
	if s == nil {
		return nil
	}
	h.session = nil
	for id, sub := range h.subs {
		sub.shut()
		delete(h.subs, id)
	}
	s.cancel()
	if err := s.src.Close(); err != nil {
		h.cfg.Log.Warn().Err(err).Msg("failed to release camera")
	}
	h.cfg.Log.Info().Msg("capture session released")
	return s
}

func (h *Hub) leave(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub.id]; !ok {
		return
	}
	delete(h.subs, sub.id)
	h.cfg.Log.Debug().Str("subscriber", sub.id).Int("subscribers", len(h.subs)).Msg("capture subscriber left")
	if len(h.subs) == 0 {
		h.detachLocked()
	}
}

// Subscription is one consumer's view of the shared capture. It implements
// Source; Next must be called from a single goroutine.
type Subscription struct {
	id     string
	hub    *Hub
	notify chan struct{}

	mu     sync.Mutex
	frame  *image.RGBA
	closed bool
}

// ID identifies the subscription in logs.
func (s *Subscription) ID() string { return s.id }

// put stores the newest frame and reports whether an unconsumed one was overwritten.
func (s *Subscription) put(img *image.RGBA) (dropped bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	dropped = s.frame != nil
	s.frame = img
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

func (s *Subscription) shut() {
	s.mu.Lock()
	s.closed = true
	s.frame = nil
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks for the newest frame and returns a private copy the caller may
// mutate. It returns ErrClosed once the subscription or the session ends.
func (s *Subscription) Next(ctx context.Context) (*image.RGBA, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		if img := s.frame; img != nil {
			s.frame = nil
			s.mu.Unlock()
			return copyRGBA(img), nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close leaves the hub. The last subscriber to leave releases the device.
func (s *Subscription) Close() error {
	s.shut()
	s.hub.leave(s)
	return nil
}

func copyRGBA(img *image.RGBA) *image.RGBA {
	out := &image.RGBA{
		Pix:    make([]uint8, len(img.Pix)),
		Stride: img.Stride,
		Rect:   img.Rect,
	}
	copy(out.Pix, img.Pix)
	return out
}
