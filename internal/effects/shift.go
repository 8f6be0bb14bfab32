package effects

import (
	"image"
	"math"
	"math/rand/v2"

	"github.com/andresmejia3/cvdescent/internal/types"
)

// ShiftChannels translates the first (red) plane by first and the third (blue)
// plane by third. The green plane is copied untouched. Uncovered pixels in a
// shifted plane become 0.
func ShiftChannels(src *image.RGBA, first, third image.Point) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))

	for y := 0; y < h; y++ {
		dstRow := y * dst.Stride
		srcRow := y * src.Stride
		for x := 0; x < w; x++ {
			off := dstRow + x*4
			dst.Pix[off] = planeAt(src, x-first.X, y-first.Y, 0)
			dst.Pix[off+1] = src.Pix[srcRow+x*4+1]
			dst.Pix[off+2] = planeAt(src, x-third.X, y-third.Y, 2)
			dst.Pix[off+3] = 255
		}
	}
	return dst
}

func planeAt(src *image.RGBA, x, y, channel int) uint8 {
	b := src.Bounds()
	if x < 0 || y < 0 || x >= b.Dx() || y >= b.Dy() {
		return 0
	}
	return src.Pix[y*src.Stride+x*4+channel]
}

// GlitchOffset maps a normalized intensity to the maximum channel offset in
// pixels: 10 + round(m²·150).
func GlitchOffset(m float64) int {
	m = types.Clamp01(m)
	return 10 + int(math.Round(m*m*150))
}

// glitchOffsets draws the forward offset from [0, limit] and the backward one
// from [-limit, 0], both inclusive.
func glitchOffsets(rng *rand.Rand, limit int) (int, int) {
	return rng.IntN(limit + 1), -rng.IntN(limit+1)
}
