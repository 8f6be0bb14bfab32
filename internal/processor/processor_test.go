package processor

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/cvdescent/internal/effects"
	"github.com/andresmejia3/cvdescent/internal/policy"
	"github.com/andresmejia3/cvdescent/internal/types"
)

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{uint8(x * 5), uint8(y * 3), uint8(x + y), 255})
		}
	}
	return img
}

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func clone(img *image.RGBA) *image.RGBA {
	out := image.NewRGBA(img.Bounds())
	copy(out.Pix, img.Pix)
	return out
}

func always(label types.Emotion, conf float64) Classifier {
	return ClassifierFunc(func(context.Context, *image.RGBA) (types.EmotionResult, bool, error) {
		return types.EmotionResult{Label: label, Confidence: conf}, true, nil
	})
}

var nothing = ClassifierFunc(func(context.Context, *image.RGBA) (types.EmotionResult, bool, error) {
	return types.EmotionResult{}, false, nil
})

func newLib() *effects.Library {
	return effects.NewLibrary(effects.WithRand(rand.New(rand.NewPCG(3, 4))))
}

func TestCompositingStaysInsideRegion(t *testing.T) {
	for _, label := range []types.Emotion{types.Happy, types.Fear, types.Angry} {
		t.Run(string(label), func(t *testing.T) {
			frame := gradient(100, 100)
			before := clone(frame)
			p := New(Config{Mode: AllRegions}, always(label, 0.9), newLib())

			p.Process(context.Background(), frame, []image.Rectangle{image.Rect(10, 10, 30, 30)})

			inside := image.Rect(10, 10, 30, 30)
			changed := false
			for y := 0; y < 100; y++ {
				for x := 0; x < 100; x++ {
					pt := image.Pt(x, y)
					if pt.In(inside) {
						changed = changed || frame.RGBAAt(x, y) != before.RGBAAt(x, y)
						continue
					}
					require.Equal(t, before.RGBAAt(x, y), frame.RGBAAt(x, y), "pixel %v outside region changed", pt)
				}
			}
			assert.True(t, changed, "region was not transformed")
		})
	}
}

func TestHappyGrayFrameEndToEnd(t *testing.T) {
	gray := color.RGBA{128, 128, 128, 255}
	frame := solid(64, 64, gray)
	p := New(Config{Mode: FirstRegion, Annotate: true}, always(types.Happy, 0.9), newLib())

	anns := p.Process(context.Background(), frame, []image.Rectangle{image.Rect(0, 0, 64, 64)})

	require.Len(t, anns, 1)
	assert.Equal(t, "happy (90%)", anns[0].Text)
	assert.Equal(t, policy.Invert, anns[0].Effect.Kind)

	inverted := color.RGBA{127, 127, 127, 255}
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			onOutline := x < outlineThickness || y < outlineThickness || x >= 64-outlineThickness || y >= 64-outlineThickness
			if onOutline {
				require.Equal(t, outlineColor, frame.RGBAAt(x, y))
			} else {
				require.Equal(t, inverted, frame.RGBAAt(x, y))
			}
		}
	}
}

func TestNoClassifierResultIsIdentity(t *testing.T) {
	frame := gradient(40, 40)
	before := clone(frame)
	p := New(Config{Mode: FirstRegion}, nothing, newLib())

	anns := p.Process(context.Background(), frame, []image.Rectangle{image.Rect(5, 5, 35, 35)})

	require.Len(t, anns, 1)
	assert.Equal(t, "neutral (0%)", anns[0].Text)
	assert.Equal(t, types.NoEmotion, anns[0].Result)
	assert.Equal(t, policy.Identity, anns[0].Effect)
	assert.Equal(t, before.Pix, frame.Pix)
}

func TestClassifierErrorIsNeutral(t *testing.T) {
	failing := ClassifierFunc(func(context.Context, *image.RGBA) (types.EmotionResult, bool, error) {
		return types.EmotionResult{}, false, errors.New("worker crashed")
	})
	frame := gradient(20, 20)
	before := clone(frame)

	anns := New(Config{}, failing, newLib()).Process(context.Background(), frame, []image.Rectangle{frame.Bounds()})

	require.Len(t, anns, 1)
	assert.Equal(t, types.Neutral, anns[0].Result.Label)
	assert.Equal(t, before.Pix, frame.Pix)
}

func TestNilClassifierIsNeutral(t *testing.T) {
	frame := gradient(20, 20)
	anns := New(Config{}, nil, nil).Process(context.Background(), frame, []image.Rectangle{frame.Bounds()})
	require.Len(t, anns, 1)
	assert.Equal(t, "neutral (0%)", anns[0].Text)
}

func TestModeSelectsRegions(t *testing.T) {
	regions := []image.Rectangle{image.Rect(0, 0, 10, 10), image.Rect(20, 20, 30, 30), image.Rect(40, 0, 50, 10)}

	tests := []struct {
		name string
		mode Mode
		want int
	}{
		{"first region", FirstRegion, 1},
		{"all regions", AllRegions, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			counting := ClassifierFunc(func(context.Context, *image.RGBA) (types.EmotionResult, bool, error) {
				calls++
				return types.EmotionResult{Label: types.Happy, Confidence: 1}, true, nil
			})
			frame := gradient(60, 60)
			anns := New(Config{Mode: tt.mode}, counting, newLib()).Process(context.Background(), frame, regions)

			assert.Len(t, anns, tt.want)
			assert.Equal(t, tt.want, calls)
			assert.Equal(t, regions[0], anns[0].Region)
		})
	}
}

func TestRegionsAreClampedToFrame(t *testing.T) {
	got := ClampRegions([]image.Rectangle{
		image.Rect(90, 90, 110, 110),
		image.Rect(-5, -5, 10, 10),
		image.Rect(200, 200, 210, 210),
		image.Rect(30, 30, 20, 20),
	}, image.Rect(0, 0, 100, 100))

	assert.Equal(t, []image.Rectangle{
		image.Rect(90, 90, 100, 100),
		image.Rect(0, 0, 10, 10),
		image.Rect(20, 20, 30, 30),
	}, got)
}

func TestOutOfBoundsRegionIsProcessedClamped(t *testing.T) {
	frame := solid(50, 50, color.RGBA{10, 20, 30, 255})
	anns := New(Config{}, always(types.Happy, 1), newLib()).Process(context.Background(), frame, []image.Rectangle{image.Rect(40, 40, 80, 80)})

	require.Len(t, anns, 1)
	assert.Equal(t, image.Rect(40, 40, 50, 50), anns[0].Region)
	assert.Equal(t, color.RGBA{245, 235, 225, 255}, frame.RGBAAt(45, 45))
	assert.Equal(t, color.RGBA{10, 20, 30, 255}, frame.RGBAAt(39, 39))
}

func TestSubstituteUsesAssetAtRegionSize(t *testing.T) {
	asset := solid(7, 3, color.RGBA{0, 200, 0, 255})
	lib := effects.NewLibrary(effects.WithAsset(asset))
	cfg := Config{Policy: policy.New(policy.FaceSwap)}
	frame := solid(30, 30, color.RGBA{50, 50, 50, 255})

	New(cfg, always(types.Surprise, 0.7), lib).Process(context.Background(), frame, []image.Rectangle{image.Rect(5, 5, 25, 20)})

	assert.Equal(t, color.RGBA{0, 200, 0, 255}, frame.RGBAAt(5, 5))
	assert.Equal(t, color.RGBA{0, 200, 0, 255}, frame.RGBAAt(24, 19))
	assert.Equal(t, color.RGBA{50, 50, 50, 255}, frame.RGBAAt(25, 20))
}

func TestLabelIsDrawnAboveRegion(t *testing.T) {
	frame := solid(120, 60, color.RGBA{0, 0, 0, 255})
	p := New(Config{Annotate: true}, always(types.Fear, 0.42), newLib())

	anns := p.Process(context.Background(), frame, []image.Rectangle{image.Rect(10, 30, 50, 58)})
	require.Len(t, anns, 1)
	assert.Equal(t, "fear (42%)", anns[0].Text)

	white := 0
	band := image.Rect(10, 9, 120, 23)
	for y := band.Min.Y; y < band.Max.Y; y++ {
		for x := band.Min.X; x < band.Max.X; x++ {
			if frame.RGBAAt(x, y) == labelColor {
				white++
			}
		}
	}
	assert.Greater(t, white, 0, "no label pixels found above the region")
}

func TestLabelText(t *testing.T) {
	assert.Equal(t, "sad (33%)", LabelText(types.EmotionResult{Label: types.Sad, Confidence: 0.333}))
	assert.Equal(t, "angry (100%)", LabelText(types.EmotionResult{Label: types.Angry, Confidence: 1.7}))
}
