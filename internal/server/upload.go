package server

import (
	"bytes"
	"errors"
	"image"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/andresmejia3/cvdescent/internal/effects"
	"github.com/andresmejia3/cvdescent/internal/processor"
	"github.com/andresmejia3/cvdescent/internal/stream"
)

const uploadField = "file"

// handleUpload distorts a single image. By default every detected face goes
// through the emotion pipeline; effect=barrel distorts the whole image instead.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	log := s.deps.Log.With().Str("remote", r.RemoteAddr).Logger()
	fail := func(code int, msg string) {
		log.Warn().Int("code", code).Msg(msg)
		s.deps.Metrics.Upload(strconv.Itoa(code))
		writeError(w, code, msg)
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUpload)
	if err := r.ParseMultipartForm(s.cfg.MaxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			fail(http.StatusRequestEntityTooLarge, "File too large")
			return
		}
		fail(http.StatusBadRequest, "No file part in the request")
		return
	}

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		if _, ok := r.MultipartForm.Value[uploadField]; ok {
			// A part named "file" without a filename: the browser sent an empty selection.
			fail(http.StatusBadRequest, "No selected file")
			return
		}
		fail(http.StatusBadRequest, "No file part in the request")
		return
	}
	defer file.Close()
	if header.Filename == "" {
		fail(http.StatusBadRequest, "No selected file")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		fail(http.StatusBadRequest, "Failed to read file")
		return
	}
	// The header is enough to reject images whose pixels would not fit in memory.
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		fail(http.StatusBadRequest, "Invalid image file")
		return
	}
	if int64(cfg.Width)*int64(cfg.Height) > s.cfg.MaxPixels {
		log.Warn().Int("width", cfg.Width).Int("height", cfg.Height).Int64("max_pixels", s.cfg.MaxPixels).Msg("image too large")
		fail(http.StatusRequestEntityTooLarge, "Image dimensions too large")
		return
	}
	decoded, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		fail(http.StatusBadRequest, "Invalid image file")
		return
	}
	img := effects.Clone(decoded)
	b := img.Bounds()
	log.Info().Str("filename", header.Filename).Int("width", b.Dx()).Int("height", b.Dy()).Msg("image decoded")

	switch effect := strings.ToLower(strings.TrimSpace(r.FormValue("effect"))); effect {
	case "", "faces":
		proc := processor.New(
			processor.Config{Mode: processor.AllRegions, Annotate: s.cfg.Annotate, Policy: s.cfg.Policy},
			s.deps.Uploads, s.uploadLib,
			processor.WithLogger(log),
			processor.WithMetrics(s.deps.Metrics),
		)
		anns := proc.Process(r.Context(), img, s.deps.Detector.Detect(img))
		log.Info().Int("faces", len(anns)).Msg("faces processed")
	case "barrel":
		k := s.cfg.BarrelK
		if raw := r.FormValue("k"); raw != "" {
			if k, err = strconv.ParseFloat(raw, 64); err != nil || math.IsNaN(k) || math.IsInf(k, 0) {
				fail(http.StatusBadRequest, "Invalid barrel coefficient")
				return
			}
		}
		img = effects.Barrel(img, k)
		log.Info().Float64("k", k).Msg("barrel distortion applied")
	default:
		fail(http.StatusBadRequest, "Unknown effect "+strconv.Quote(effect))
		return
	}

	var out bytes.Buffer
	if err := stream.EncodeJPEG(&out, img, s.cfg.JPEGQuality); err != nil {
		log.Error().Err(err).Msg("encode failed")
		s.deps.Metrics.Upload(strconv.Itoa(http.StatusInternalServerError))
		writeError(w, http.StatusInternalServerError, "Failed to encode image")
		return
	}

	s.deps.Metrics.Upload(strconv.Itoa(http.StatusOK))
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(out.Len()))
	w.WriteHeader(http.StatusOK)
	w.Write(out.Bytes())
}
