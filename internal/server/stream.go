package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/andresmejia3/cvdescent/internal/effects"
	"github.com/andresmejia3/cvdescent/internal/processor"
	"github.com/andresmejia3/cvdescent/internal/stream"
	"github.com/andresmejia3/cvdescent/internal/worker"
)

const indexPage = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Live Video Feeds</title>
    <style>
        body { background-color: #222; color: white; text-align: center; font-family: Arial, sans-serif; margin: 0; padding: 20px; }
        h1 { color: #e74c3c; }
        .video-container { display: flex; justify-content: center; gap: 20px; flex-wrap: wrap; }
        .video-container div { flex: 1 1 45%; }
        img { width: 100%; max-width: 600px; border: 5px solid #e74c3c; border-radius: 8px; box-shadow: 0 0 20px rgba(231,76,60,0.8); }
    </style>
</head>
<body>
    <h1>Live Video Feeds</h1>
    <div class="video-container">
        <div>
            <h3>Sanity</h3>
            <img src="/normal_video" alt="Normal Feed">
        </div>
        <div>
            <h3>Madness</h3>
            <img src="/distorted_video" alt="Distorted Feed">
        </div>
    </div>
</body>
</html>
`

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(indexPage))
}

// handleStream serves one MJPEG feed for as long as the client stays connected.
func (s *Server) handleStream(feed string, distort bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		log := s.deps.Log.With().Str("feed", feed).Str("session", uuid.NewString()).Logger()

		if s.deps.Hub == nil {
			writeError(w, http.StatusServiceUnavailable, "camera is not configured")
			return
		}
		sub, err := s.deps.Hub.Subscribe(ctx)
		if err != nil {
			log.Error().Err(err).Msg("camera not accessible")
			writeError(w, http.StatusServiceUnavailable, "camera not accessible")
			return
		}
		defer sub.Close()

		p := &stream.Pipeline{
			Source:  sub,
			Sink:    stream.NewMJPEGWriter(w, s.cfg.JPEGQuality),
			Metrics: s.deps.Metrics,
			Feed:    feed,
			Log:     log,
		}

		if distort {
			classifier, err := s.deps.Sessions()
			if err != nil {
				// The feed still distorts nothing rather than failing outright.
				log.Error().Err(err).Msg("classifier unavailable, faces will be treated as neutral")
				classifier = worker.Nop{}
			}
			defer classifier.Close()

			mode := processor.FirstRegion
			if s.cfg.AllFaces {
				mode = processor.AllRegions
			}
			lib := effects.NewLibrary(effects.WithAsset(s.cfg.Asset), effects.WithBarrelK(s.cfg.BarrelK))
			p.Detector = s.deps.Detector
			p.Processor = processor.New(
				processor.Config{Mode: mode, Annotate: s.cfg.Annotate, Policy: s.cfg.Policy},
				classifier, lib,
				processor.WithLogger(log),
				processor.WithMetrics(s.deps.Metrics),
			)
		}

		w.Header().Set("Content-Type", stream.ContentType)
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.WriteHeader(http.StatusOK)

		log.Info().Msg("stream started")
		if err := p.Run(ctx); err != nil {
			log.Debug().Err(err).Msg("client disconnected")
		}
		log.Info().Msg("stream ended")
	}
}
