// Package effects implements the pixel transforms applied to face regions.
// Every effect takes an *image.RGBA and returns a new image of the same size;
// inputs are never modified.
package effects

import (
	"image"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/andresmejia3/cvdescent/internal/policy"
)

const (
	// SwirlBase is the swirl strength at full intensity.
	SwirlBase = 0.05
	// DefaultBarrelK is the barrel coefficient used when none is configured.
	DefaultBarrelK = 0.1
)

// Library binds the effects to a random source and the replacement face asset.
// A Library belongs to one stream worker; the mutex only guards the random
// source so a shared Library stays correct.
type Library struct {
	mu      sync.Mutex
	rng     *rand.Rand
	asset   image.Image
	barrelK float64
}

// Option configures a Library.
type Option func(*Library)

// WithRand injects the random source used by Glitch.
func WithRand(rng *rand.Rand) Option {
	return func(l *Library) { l.rng = rng }
}

// WithAsset sets the replacement image for Substitute. nil disables it.
func WithAsset(img image.Image) Option {
	return func(l *Library) { l.asset = img }
}

// WithBarrelK overrides the coefficient used when Apply dispatches Barrel.
func WithBarrelK(k float64) Option {
	return func(l *Library) { l.barrelK = k }
}

// NewLibrary creates a Library. Without WithRand it seeds from the clock.
func NewLibrary(opts ...Option) *Library {
	l := &Library{barrelK: DefaultBarrelK}
	for _, opt := range opts {
		opt(l)
	}
	if l.rng == nil {
		seed := uint64(time.Now().UnixNano())
		l.rng = rand.New(rand.NewPCG(seed, seed>>1|1))
	}
	return l
}

// Apply dispatches an invocation. The identity invocation returns img itself.
func (l *Library) Apply(img *image.RGBA, inv policy.Invocation) *image.RGBA {
	switch inv.Kind {
	case policy.Invert:
		return Invert(img)
	case policy.Swirl:
		return Swirl(img, inv.Intensity)
	case policy.Glitch:
		return l.Glitch(img, inv.Intensity)
	case policy.Barrel:
		return Barrel(img, l.barrelK)
	case policy.Substitute:
		return l.Substitute(img)
	default:
		return img
	}
}

// Invert replaces every channel value v with 255-v.
func Invert(img *image.RGBA) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		src := img.Pix[y*img.Stride : y*img.Stride+w*4]
		out := dst.Pix[y*dst.Stride : y*dst.Stride+w*4]
		for i := 0; i < len(src); i += 4 {
			out[i] = ^src[i]
			out[i+1] = ^src[i+1]
			out[i+2] = ^src[i+2]
			out[i+3] = 255
		}
	}
	return dst
}

// SwirlStrength converts an intensity in [0, 1] to the swirl angle factor.
// Intensity 0 is the identity.
func SwirlStrength(intensity float64) float64 {
	return SwirlBase * intensity
}

// Swirl twists the image around its center.
func Swirl(img *image.RGBA, intensity float64) *image.RGBA {
	b := img.Bounds()
	return Remap(img, SwirlMapping(b.Dx(), b.Dy(), SwirlStrength(intensity)))
}

// Barrel applies radial barrel distortion with coefficient k.
func Barrel(img *image.RGBA, k float64) *image.RGBA {
	b := img.Bounds()
	return Remap(img, BarrelMapping(b.Dx(), b.Dy(), k))
}

// Glitch shifts the blue plane down-right and the red plane up-left by random
// offsets bounded by GlitchOffset(intensity). Planes are counted in BGR order,
// so the forward offset lands on blue.
func (l *Library) Glitch(img *image.RGBA, intensity float64) *image.RGBA {
	limit := GlitchOffset(intensity)
	l.mu.Lock()
	fwd, back := glitchOffsets(l.rng, limit)
	l.mu.Unlock()
	return ShiftChannels(img, image.Pt(back, back), image.Pt(fwd, fwd))
}

// Substitute returns the replacement asset resized to the region. Without an
// asset it returns a copy of the region.
func (l *Library) Substitute(img *image.RGBA) *image.RGBA {
	if l.asset == nil {
		return Clone(img)
	}
	b := img.Bounds()
	return Resize(l.asset, b.Dx(), b.Dy())
}
