// Package detector locates face regions in a frame.
package detector

import (
	_ "embed"
	"fmt"
	"image"
	"os"
	"sort"

	pigo "github.com/esimov/pigo/core"
)

// builtinCascade is the facefinder cascade shipped with pigo (MIT, see cascade/LICENSE).
//
//go:embed cascade/facefinder
var builtinCascade []byte

// Detector returns face bounding boxes in detection order.
type Detector interface {
	Detect(img image.Image) []image.Rectangle
}

// Func adapts a function to Detector.
type Func func(img image.Image) []image.Rectangle

func (f Func) Detect(img image.Image) []image.Rectangle { return f(img) }

// FullFrame treats the whole image as a single face. Useful when faces are
// already cropped, or no cascade is configured.
var FullFrame = Func(func(img image.Image) []image.Rectangle {
	b := img.Bounds()
	if b.Empty() {
		return nil
	}
	return []image.Rectangle{b}
})

// Config tunes the pigo cascade.
type Config struct {
	CascadePath  string // empty selects the built-in facefinder cascade
	MinSize      int
	MaxSize      int
	ShiftFactor  float64
	ScaleFactor  float64
	IoUThreshold float64
	MinQuality   float32
}

// DefaultConfig mirrors the thresholds of the reference pigo command line.
func DefaultConfig() Config {
	return Config{
		MinSize:      30,
		MaxSize:      1000,
		ShiftFactor:  0.1,
		ScaleFactor:  1.1,
		IoUThreshold: 0.2,
		MinQuality:   5.0,
	}
}

// Pigo runs the pigo pixel-intensity cascade. The unpacked cascade is
// read-only, so one Pigo can serve every stream.
type Pigo struct {
	cfg        Config
	classifier *pigo.Pigo
}

// NewPigo loads and unpacks the cascade file named in cfg, or the built-in
// one when no path is set.
func NewPigo(cfg Config) (*Pigo, error) {
	data := builtinCascade
	if cfg.CascadePath != "" {
		var err error
		if data, err = os.ReadFile(cfg.CascadePath); err != nil {
			return nil, fmt.Errorf("failed to read cascade file: %w", err)
		}
	}
	classifier, err := pigo.NewPigo().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack cascade: %w", err)
	}
	return &Pigo{cfg: cfg, classifier: classifier}, nil
}

// Detect runs the cascade and returns boxes sorted by detection quality, best
// first. Boxes may extend past the frame; callers clamp them.
func (p *Pigo) Detect(img image.Image) []image.Rectangle {
	src := pigo.ImgToNRGBA(img)
	b := src.Bounds()
	cols, rows := b.Dx(), b.Dy()
	if cols == 0 || rows == 0 {
		return nil
	}

	params := pigo.CascadeParams{
		MinSize:     p.cfg.MinSize,
		MaxSize:     p.cfg.MaxSize,
		ShiftFactor: p.cfg.ShiftFactor,
		ScaleFactor: p.cfg.ScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: pigo.RgbToGrayscale(src),
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
	}

	dets := p.classifier.RunCascade(params, 0)
	dets = p.classifier.ClusterDetections(dets, p.cfg.IoUThreshold)
	return toRegions(dets, p.cfg.MinQuality, b.Min)
}

// toRegions converts center/scale detections into rectangles, dropping those
// below minQuality.
func toRegions(dets []pigo.Detection, minQuality float32, origin image.Point) []image.Rectangle {
	kept := make([]pigo.Detection, 0, len(dets))
	for _, d := range dets {
		if d.Q >= minQuality {
			kept = append(kept, d)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Q > kept[j].Q })

	out := make([]image.Rectangle, 0, len(kept))
	for _, d := range kept {
		half := d.Scale / 2
		r := image.Rect(d.Col-half, d.Row-half, d.Col-half+d.Scale, d.Row-half+d.Scale)
		out = append(out, r.Add(origin))
	}
	return out
}
