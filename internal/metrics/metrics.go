// Package metrics exposes the pipeline's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cvdescent"

// Metrics groups every collector on a private registry so tests can create as
// many instances as they like. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	framesProcessed *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec
	effectsApplied  *prometheus.CounterVec
	activeStreams   *prometheus.GaugeVec
	captureOpens    *prometheus.CounterVec
	uploads         *prometheus.CounterVec
	frameSeconds    prometheus.Histogram
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		framesProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_processed_total",
			Help:      "Frames emitted to a sink, by feed.",
		}, []string{"feed"}),
		framesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames skipped, by reason.",
		}, []string{"reason"}),
		effectsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "effects_applied_total",
			Help:      "Face regions transformed, by effect and emotion.",
		}, []string{"effect", "emotion"}),
		activeStreams: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Connected stream consumers, by feed.",
		}, []string{"feed"}),
		captureOpens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_opens_total",
			Help:      "Capture session open attempts, by result.",
		}, []string{"result"}),
		uploads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_requests_total",
			Help:      "Single-image requests, by HTTP status code.",
		}, []string{"code"}),
		frameSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_processing_seconds",
			Help:      "Time spent detecting, classifying and transforming one frame.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) FrameProcessed(feed string) {
	if m != nil {
		m.framesProcessed.WithLabelValues(feed).Inc()
	}
}

func (m *Metrics) FrameDropped(reason string) {
	if m != nil {
		m.framesDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) EffectApplied(effect, emotion string) {
	if m != nil {
		m.effectsApplied.WithLabelValues(effect, emotion).Inc()
	}
}

// StreamStarted increments the active gauge and returns the matching decrement.
func (m *Metrics) StreamStarted(feed string) func() {
	if m == nil {
		return func() {}
	}
	g := m.activeStreams.WithLabelValues(feed)
	g.Inc()
	return g.Dec
}

func (m *Metrics) CaptureOpened(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.captureOpens.WithLabelValues(result).Inc()
}

func (m *Metrics) Upload(code string) {
	if m != nil {
		m.uploads.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) ObserveFrame(d time.Duration) {
	if m != nil {
		m.frameSeconds.Observe(d.Seconds())
	}
}
