package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.FrameProcessed("distorted")
		m.FrameDropped("mailbox")
		m.EffectApplied("swirl", "sad")
		m.StreamStarted("normal")()
		m.CaptureOpened(true)
		m.Upload("200")
		m.ObserveFrame(time.Millisecond)
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCounters(t *testing.T) {
	m := New()
	m.FrameDropped("mailbox")
	m.FrameDropped("mailbox")
	m.FrameDropped("capture")
	m.CaptureOpened(true)
	m.CaptureOpened(false)

	expected := `
# HELP cvdescent_frames_dropped_total Frames skipped, by reason.
# TYPE cvdescent_frames_dropped_total counter
cvdescent_frames_dropped_total{reason="capture"} 1
cvdescent_frames_dropped_total{reason="mailbox"} 2
# HELP cvdescent_capture_opens_total Capture session open attempts, by result.
# TYPE cvdescent_capture_opens_total counter
cvdescent_capture_opens_total{result="failed"} 1
cvdescent_capture_opens_total{result="ok"} 1
`
	err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"cvdescent_frames_dropped_total", "cvdescent_capture_opens_total")
	require.NoError(t, err)
}

func TestStreamGaugeReturnsToZero(t *testing.T) {
	m := New()
	doneA := m.StreamStarted("distorted")
	doneB := m.StreamStarted("distorted")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.activeStreams.WithLabelValues("distorted")))

	doneA()
	doneB()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeStreams.WithLabelValues("distorted")))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.Upload("413")
	m.ObserveFrame(3 * time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `cvdescent_upload_requests_total{code="413"} 1`)
	assert.Contains(t, rec.Body.String(), "cvdescent_frame_processing_seconds_count 1")
}
