// Package processor turns detected face regions into distorted, annotated frames.
package processor

import (
	"context"
	"image"
	"image/draw"

	"github.com/rs/zerolog"

	"github.com/andresmejia3/cvdescent/internal/effects"
	"github.com/andresmejia3/cvdescent/internal/metrics"
	"github.com/andresmejia3/cvdescent/internal/policy"
	"github.com/andresmejia3/cvdescent/internal/types"
)

// Classifier returns the dominant emotion of a face crop. ok=false means the
// classifier found nothing, which is a valid outcome and not an error.
type Classifier interface {
	Classify(ctx context.Context, face *image.RGBA) (res types.EmotionResult, ok bool, err error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, face *image.RGBA) (types.EmotionResult, bool, error)

func (f ClassifierFunc) Classify(ctx context.Context, face *image.RGBA) (types.EmotionResult, bool, error) {
	return f(ctx, face)
}

// Mode controls how many detected regions are processed per frame.
type Mode int

const (
	// FirstRegion only transforms the first detection (live streams).
	FirstRegion Mode = iota
	// AllRegions transforms every detection (uploads and batch runs).
	AllRegions
)

// Config is fixed for the lifetime of a Processor.
type Config struct {
	Mode     Mode
	Annotate bool
	Policy   *policy.Policy
}

// Annotation describes what happened to one region.
type Annotation struct {
	Region image.Rectangle
	Result types.EmotionResult
	Effect policy.Invocation
	Text   string
}

// Processor applies the emotion policy to face regions of a frame. It keeps no
// state between frames.
type Processor struct {
	cfg        Config
	classifier Classifier
	effects    *effects.Library
	metrics    *metrics.Metrics
	log        zerolog.Logger
}

// Option configures optional collaborators.
type Option func(*Processor)

func WithLogger(l zerolog.Logger) Option {
	return func(p *Processor) { p.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// New creates a Processor. A nil classifier behaves as one that never finds an
// emotion; a nil policy uses policy.Default.
func New(cfg Config, classifier Classifier, lib *effects.Library, opts ...Option) *Processor {
	if cfg.Policy == nil {
		cfg.Policy = policy.New(policy.Default)
	}
	if lib == nil {
		lib = effects.NewLibrary()
	}
	p := &Processor{
		cfg:        cfg,
		classifier: classifier,
		effects:    lib,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process transforms the frame in place and reports one Annotation per
// processed region. Pixels outside the processed regions are only touched by
// the annotation overlay, and only when annotation is enabled.
func (p *Processor) Process(ctx context.Context, frame *image.RGBA, regions []image.Rectangle) []Annotation {
	regions = ClampRegions(regions, frame.Bounds())
	if p.cfg.Mode == FirstRegion && len(regions) > 1 {
		regions = regions[:1]
	}

	out := make([]Annotation, 0, len(regions))
	for _, region := range regions {
		out = append(out, p.processRegion(ctx, frame, region))
	}
	return out
}

func (p *Processor) processRegion(ctx context.Context, frame *image.RGBA, region image.Rectangle) Annotation {
	face := effects.Crop(frame, region)

	res := p.classify(ctx, face)
	inv := p.cfg.Policy.Resolve(res.Label, res.Confidence)

	transformed := p.effects.Apply(face, inv)
	if tb := transformed.Bounds(); tb.Dx() != region.Dx() || tb.Dy() != region.Dy() {
		transformed = effects.Resize(transformed, region.Dx(), region.Dy())
	}
	draw.Draw(frame, region, transformed, transformed.Bounds().Min, draw.Src)

	text := LabelText(res)
	if p.cfg.Annotate {
		drawOutline(frame, region, outlineThickness, outlineColor)
		drawLabel(frame, text, region)
	}

	p.metrics.EffectApplied(string(inv.Kind), string(res.Label))
	p.log.Debug().
		Str("emotion", string(res.Label)).
		Float64("confidence", res.Confidence).
		Str("effect", string(inv.Kind)).
		Float64("intensity", inv.Intensity).
		Stringer("region", region).
		Msg("region processed")

	return Annotation{Region: region, Result: res, Effect: inv, Text: text}
}

// classify never fails: a missing result or a classifier error both mean neutral.
func (p *Processor) classify(ctx context.Context, face *image.RGBA) types.EmotionResult {
	if p.classifier == nil {
		return types.NoEmotion
	}
	res, ok, err := p.classifier.Classify(ctx, face)
	if err != nil {
		p.log.Warn().Err(err).Msg("classifier failed, treating face as neutral")
		return types.NoEmotion
	}
	if !ok || res.Label == "" {
		return types.NoEmotion
	}
	res.Label = types.ParseEmotion(string(res.Label))
	res.Confidence = types.Clamp01(res.Confidence)
	return res
}

// ClampRegions intersects every region with bounds and drops empty ones,
// preserving detector order.
func ClampRegions(regions []image.Rectangle, bounds image.Rectangle) []image.Rectangle {
	out := make([]image.Rectangle, 0, len(regions))
	for _, r := range regions {
		r = r.Canon().Intersect(bounds)
		if !r.Empty() {
			out = append(out, r)
		}
	}
	return out
}
