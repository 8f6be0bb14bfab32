package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/cvdescent/internal/capture"
	"github.com/andresmejia3/cvdescent/internal/detector"
	"github.com/andresmejia3/cvdescent/internal/metrics"
	"github.com/andresmejia3/cvdescent/internal/processor"
	"github.com/andresmejia3/cvdescent/internal/stream"
	"github.com/andresmejia3/cvdescent/internal/types"
)

// tickingSource yields a gray frame every few milliseconds until closed.
type tickingSource struct {
	closed chan struct{}
}

func (s *tickingSource) Next(ctx context.Context) (*image.RGBA, error) {
	select {
	case <-s.closed:
		return nil, capture.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return solid(32, 24, color.RGBA{90, 90, 90, 255}), nil
	}
}

func (s *tickingSource) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func always(label types.Emotion) processor.Classifier {
	return processor.ClassifierFunc(func(context.Context, *image.RGBA) (types.EmotionResult, bool, error) {
		return types.EmotionResult{Label: label, Confidence: 0.9}, true, nil
	})
}

func newTestServer(t *testing.T, opener capture.Opener) *Server {
	t.Helper()
	m := metrics.New()
	var hub *capture.Hub
	if opener != nil {
		hub = capture.NewHub(opener, capture.HubConfig{Attempts: 2, Delay: time.Millisecond, Log: zerolog.Nop(), Metrics: m})
		t.Cleanup(func() { hub.Close() })
	}
	s := New(Config{}, Deps{
		Hub:      hub,
		Detector: detector.FullFrame,
		Uploads:  always(types.Happy),
		Metrics:  m,
		Log:      zerolog.Nop(),
	})
	return s
}

func uploadRequest(t *testing.T, field, filename string, data []byte, extra map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range extra {
		require.NoError(t, mw.WriteField(k, v))
	}
	if field != "" {
		fw, err := mw.CreateFormFile(field, filename)
		require.NoError(t, err)
		fw.Write(data)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var res types.ErrorResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res.Error
}

func near(a, b uint8, tol int) bool {
	d := int(a) - int(b)
	return d >= -tol && d <= tol
}

func TestIndex(t *testing.T) {
	s := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	for _, want := range []string{"Sanity", "Madness", `src="/normal_video"`, `src="/distorted_video"`} {
		assert.Contains(t, rec.Body.String(), want)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, func(context.Context) (capture.Source, error) {
		return &tickingSource{closed: make(chan struct{})}, nil
	})
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["camera_active"])
}

func TestUploadRejectsBadRequests(t *testing.T) {
	s := newTestServer(t, nil)
	tests := []struct {
		name string
		req  *http.Request
		want string
	}{
		{"not an image", uploadRequest(t, "file", "notes.txt", []byte("hello, world"), nil), "Invalid image file"},
		{"missing field", uploadRequest(t, "", "", nil, map[string]string{"other": "x"}), "No file part in the request"},
		{"wrong field", uploadRequest(t, "image", "a.png", pngBytes(t, solid(4, 4, color.RGBA{A: 255})), nil), "No file part in the request"},
		{"empty filename", uploadRequest(t, "", "", nil, map[string]string{"file": ""}), "No selected file"},
		{"not multipart", httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("raw")), "No file part in the request"},
		{"bad k", uploadRequest(t, "file", "a.png", pngBytes(t, solid(4, 4, color.RGBA{A: 255})), map[string]string{"effect": "barrel", "k": "wide"}), "Invalid barrel coefficient"},
		{"NaN k", uploadRequest(t, "file", "a.png", pngBytes(t, solid(4, 4, color.RGBA{A: 255})), map[string]string{"effect": "barrel", "k": "NaN"}), "Invalid barrel coefficient"},
		{"infinite k", uploadRequest(t, "file", "a.png", pngBytes(t, solid(4, 4, color.RGBA{A: 255})), map[string]string{"effect": "barrel", "k": "-Inf"}), "Invalid barrel coefficient"},
		{"unknown effect", uploadRequest(t, "file", "a.png", pngBytes(t, solid(4, 4, color.RGBA{A: 255})), map[string]string{"effect": "melt"}), `Unknown effect "melt"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.Routes().ServeHTTP(rec, tt.req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.want, decodeError(t, rec))
		})
	}
}

func TestUploadAppliesEmotionEffect(t *testing.T) {
	s := newTestServer(t, nil)
	req := uploadRequest(t, "file", "face.png", pngBytes(t, solid(40, 30, color.RGBA{200, 200, 200, 255})), nil)
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	img, err := jpeg.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 40, 30), img.Bounds())

	// happy inverts the face; the whole image is the face here.
	r, g, b, _ := img.At(20, 15).RGBA()
	for _, v := range []uint32{r >> 8, g >> 8, b >> 8} {
		assert.True(t, near(uint8(v), 55, 6), "expected inverted pixel near 55, got %d", v)
	}

	metricsRec := httptest.NewRecorder()
	s.Routes().ServeHTTP(metricsRec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, metricsRec.Body.String(), `cvdescent_upload_requests_total{code="200"} 1`)
	assert.Contains(t, metricsRec.Body.String(), `cvdescent_effects_applied_total{effect="invert",emotion="happy"} 1`)
}

func TestUploadRejectsOversizedDimensions(t *testing.T) {
	m := metrics.New()
	s := New(Config{MaxPixels: 100 * 100}, Deps{Uploads: always(types.Happy), Metrics: m, Log: zerolog.Nop()})

	for _, effect := range []string{"", "barrel"} {
		// Few compressed bytes, too many pixels.
		req := uploadRequest(t, "file", "wide.png", pngBytes(t, solid(200, 51, color.RGBA{128, 128, 128, 255})), map[string]string{"effect": effect})
		rec := httptest.NewRecorder()

		s.Routes().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Equal(t, "Image dimensions too large", decodeError(t, rec))
	}

	// Exactly at the limit is accepted.
	req := uploadRequest(t, "file", "square.png", pngBytes(t, solid(100, 100, color.RGBA{128, 128, 128, 255})), nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	metricsRec := httptest.NewRecorder()
	s.Routes().ServeHTTP(metricsRec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, metricsRec.Body.String(), `cvdescent_upload_requests_total{code="413"} 2`)
}

func TestUploadBarrel(t *testing.T) {
	s := newTestServer(t, nil)
	req := uploadRequest(t, "file", "scene.png", pngBytes(t, solid(64, 48, color.RGBA{0, 180, 0, 255})), map[string]string{"effect": "barrel", "k": "0.5"})
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	img, err := jpeg.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 48), img.Bounds())

	// Corners sample outside the source and turn black; the center is untouched.
	_, g, _, _ := img.At(0, 0).RGBA()
	assert.True(t, near(uint8(g>>8), 0, 20), "corner green %d", g>>8)
	_, g, _, _ = img.At(32, 24).RGBA()
	assert.True(t, near(uint8(g>>8), 180, 20), "center green %d", g>>8)
}

func TestStreamUnavailableCamera(t *testing.T) {
	s := newTestServer(t, func(context.Context) (capture.Source, error) {
		return nil, errors.New("no such device")
	})

	for _, path := range []string{"/distorted_video", "/video_feed", "/normal_video"} {
		rec := httptest.NewRecorder()
		s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
		assert.Equal(t, "camera not accessible", decodeError(t, rec))
	}
}

func TestStreamWithoutCamera(t *testing.T) {
	s := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/normal_video", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStreamsServeMultipartFrames(t *testing.T) {
	s := newTestServer(t, func(context.Context) (capture.Source, error) {
		return &tickingSource{closed: make(chan struct{})}, nil
	})
	ts := httptest.NewServer(s.Routes())
	defer ts.Close()

	for _, path := range []string{"/normal_video", "/distorted_video"} {
		t.Run(path, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+path, nil)
			require.NoError(t, err)

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			require.Equal(t, http.StatusOK, resp.StatusCode)
			mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
			require.NoError(t, err)
			assert.Equal(t, "multipart/x-mixed-replace", mediaType)
			assert.Equal(t, stream.Boundary, params["boundary"])

			part, err := multipart.NewReader(resp.Body, params["boundary"]).NextPart()
			require.NoError(t, err)
			assert.Equal(t, "image/jpeg", part.Header.Get("Content-Type"))
			data, err := io.ReadAll(io.LimitReader(part, 1<<20))
			require.NoError(t, err)
			img, err := jpeg.Decode(bytes.NewReader(data))
			require.NoError(t, err)
			assert.Equal(t, image.Rect(0, 0, 32, 24), img.Bounds())
		})
	}
}
