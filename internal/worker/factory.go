package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/andresmejia3/cvdescent/internal/types"
)

// Kind selects the classifier implementation.
type Kind string

const (
	KindWorker Kind = "worker"
	KindNone   Kind = "none"
)

// ParseKind validates a --classifier value.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindWorker, KindNone:
		return k, nil
	case "":
		return KindWorker, nil
	default:
		return "", fmt.Errorf("unknown classifier %q (expected worker or none)", s)
	}
}

// Session is a classifier owned by one consumer. Close releases it.
type Session interface {
	Classify(ctx context.Context, face *image.RGBA) (types.EmotionResult, bool, error)
	Close() error
}

// Nop never finds an emotion, so every face is treated as neutral.
type Nop struct{}

func (Nop) Classify(context.Context, *image.RGBA) (types.EmotionResult, bool, error) {
	return types.EmotionResult{}, false, nil
}

func (Nop) Close() error { return nil }

// Factory creates one classifier session per stream.
type Factory func() (Session, error)

// NewFactory returns a Factory for kind.
func NewFactory(kind Kind, cfg Config, log zerolog.Logger) Factory {
	if kind == KindNone {
		return func() (Session, error) { return Nop{}, nil }
	}
	return func() (Session, error) {
		id := uuid.NewString()
		w, err := NewPythonWorker(cfg, id, log)
		if err != nil {
			return nil, err
		}
		log.Debug().Str("worker", id).Msg("classifier worker started")
		return w, nil
	}
}

// Shared hands out a single lazily-created session to many callers (the
// upload endpoint). A session that breaks is replaced on the next call.
type Shared struct {
	factory Factory

	mu      sync.Mutex
	session Session
}

func NewShared(f Factory) *Shared {
	return &Shared{factory: f}
}

func (s *Shared) Classify(ctx context.Context, face *image.RGBA) (types.EmotionResult, bool, error) {
	sess, err := s.get()
	if err != nil {
		return types.EmotionResult{}, false, err
	}
	res, ok, err := sess.Classify(ctx, face)
	if errors.Is(err, ErrBroken) {
		s.drop(sess)
	}
	return res, ok, err
}

func (s *Shared) get() (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		sess, err := s.factory()
		if err != nil {
			return nil, err
		}
		s.session = sess
	}
	return s.session, nil
}

func (s *Shared) drop(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == sess {
		s.session.Close()
		s.session = nil
	}
}

// Close releases the current session, if any.
func (s *Shared) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	err := s.session.Close()
	s.session = nil
	return err
}
