// Package server exposes the live feeds and the single-image upload over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/andresmejia3/cvdescent/internal/capture"
	"github.com/andresmejia3/cvdescent/internal/detector"
	"github.com/andresmejia3/cvdescent/internal/effects"
	"github.com/andresmejia3/cvdescent/internal/metrics"
	"github.com/andresmejia3/cvdescent/internal/policy"
	"github.com/andresmejia3/cvdescent/internal/processor"
	"github.com/andresmejia3/cvdescent/internal/types"
	"github.com/andresmejia3/cvdescent/internal/worker"
)

const (
	// DefaultMaxUpload caps the upload body.
	DefaultMaxUpload = 20 << 20
	// DefaultMaxPixels caps the decoded size of an upload (24 megapixels).
	DefaultMaxPixels = 24_000_000
)

// Config holds the request-independent settings.
type Config struct {
	Policy      *policy.Policy
	Asset       image.Image // replacement face, nil disables substitution
	Annotate    bool
	AllFaces    bool // transform every face in live feeds, not just the first
	JPEGQuality int
	MaxUpload   int64
	MaxPixels   int64 // width*height limit checked before decoding
	BarrelK     float64
}

// Deps are the collaborators shared by every request.
type Deps struct {
	Hub      *capture.Hub
	Detector detector.Detector
	// Sessions creates the classifier owned by one distorted stream.
	Sessions worker.Factory
	// Uploads classifies upload faces; it must tolerate concurrent callers.
	Uploads processor.Classifier
	Metrics *metrics.Metrics
	Log     zerolog.Logger
}

type Server struct {
	cfg       Config
	deps      Deps
	uploadLib *effects.Library
}

func New(cfg Config, deps Deps) *Server {
	if cfg.Policy == nil {
		cfg.Policy = policy.New(policy.Default)
	}
	if cfg.MaxUpload <= 0 {
		cfg.MaxUpload = DefaultMaxUpload
	}
	if cfg.MaxPixels <= 0 {
		cfg.MaxPixels = DefaultMaxPixels
	}
	if cfg.BarrelK == 0 {
		cfg.BarrelK = effects.DefaultBarrelK
	}
	if deps.Detector == nil {
		deps.Detector = detector.FullFrame
	}
	if deps.Sessions == nil {
		deps.Sessions = worker.NewFactory(worker.KindNone, worker.Config{}, deps.Log)
	}
	return &Server{
		cfg:  cfg,
		deps: deps,
		uploadLib: effects.NewLibrary(
			effects.WithAsset(cfg.Asset),
			effects.WithBarrelK(cfg.BarrelK),
		),
	}
}

// Routes wires every endpoint onto a fresh mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /normal_video", s.handleStream("normal", false))
	mux.HandleFunc("GET /distorted_video", s.handleStream("distorted", true))
	mux.HandleFunc("GET /video_feed", s.handleStream("distorted", true))
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
// Open streams see ctx as their request context and end with it.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.deps.Log.Info().Str("addr", addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.deps.Log.Info().Msg("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.deps.Hub != nil {
		body["camera_active"] = s.deps.Hub.Active()
		body["subscribers"] = s.deps.Hub.Subscribers()
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, types.ErrorResult{Error: msg})
}
