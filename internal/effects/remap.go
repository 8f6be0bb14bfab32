package effects

import (
	"image"
	"math"
)

// Mapping is an inverse pixel mapping: for an output pixel (x, y) it returns
// the source coordinate to sample from. Pixel centers sit on integer coordinates.
type Mapping func(x, y float64) (sx, sy float64)

// Remap builds a new image of the same size as src where every pixel is
// bilinearly sampled from src at m(x, y). Samples that fall outside the source
// read as opaque black.
func Remap(src *image.RGBA, m Mapping) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))

	for y := 0; y < h; y++ {
		row := y * dst.Stride
		for x := 0; x < w; x++ {
			sx, sy := m(float64(x), float64(y))
			r, g, bl := sampleBilinear(src, sx, sy)
			off := row + x*4
			dst.Pix[off] = r
			dst.Pix[off+1] = g
			dst.Pix[off+2] = bl
			dst.Pix[off+3] = 255
		}
	}
	return dst
}

// sampleBilinear reads src at a fractional coordinate relative to src's
// top-left corner.
func sampleBilinear(src *image.RGBA, fx, fy float64) (uint8, uint8, uint8) {
	if math.IsNaN(fx) || math.IsNaN(fy) {
		return 0, 0, 0
	}
	x0 := math.Floor(fx)
	y0 := math.Floor(fy)
	ax := fx - x0
	ay := fy - y0
	ix, iy := int(x0), int(y0)

	var acc [3]float64
	weights := [4]float64{(1 - ax) * (1 - ay), ax * (1 - ay), (1 - ax) * ay, ax * ay}
	coords := [4][2]int{{ix, iy}, {ix + 1, iy}, {ix, iy + 1}, {ix + 1, iy + 1}}
	for i, c := range coords {
		wgt := weights[i]
		if wgt == 0 {
			continue
		}
		r, g, b, ok := pixelAt(src, c[0], c[1])
		if !ok {
			continue // constant black border
		}
		acc[0] += wgt * float64(r)
		acc[1] += wgt * float64(g)
		acc[2] += wgt * float64(b)
	}
	return roundByte(acc[0]), roundByte(acc[1]), roundByte(acc[2])
}

// pixelAt returns the pixel at (x, y) relative to src's origin, or ok=false
// when the coordinate lies outside the image.
func pixelAt(src *image.RGBA, x, y int) (r, g, b uint8, ok bool) {
	b0 := src.Bounds()
	if x < 0 || y < 0 || x >= b0.Dx() || y >= b0.Dy() {
		return 0, 0, 0, false
	}
	off := y*src.Stride + x*4
	return src.Pix[off], src.Pix[off+1], src.Pix[off+2], true
}

func roundByte(v float64) uint8 {
	v = math.Round(v)
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v)
}

// SwirlMapping rotates each pixel around the image center by an angle that
// grows linearly with its radius. strength 0 is the identity.
func SwirlMapping(w, h int, strength float64) Mapping {
	cx, cy := float64(w)/2, float64(h)/2
	return func(x, y float64) (float64, float64) {
		dx, dy := x-cx, y-cy
		if strength == 0 {
			return x, y
		}
		r := math.Hypot(dx, dy)
		theta := math.Atan2(dy, dx) + strength*r
		return cx + r*math.Cos(theta), cy + r*math.Sin(theta)
	}
}

// BarrelMapping applies the radial model f = 1 + k·r² on coordinates
// normalized to [-1, 1] around the center. k 0 is the identity.
func BarrelMapping(w, h int, k float64) Mapping {
	cx, cy := float64(w)/2, float64(h)/2
	return func(x, y float64) (float64, float64) {
		if cx == 0 || cy == 0 {
			return x, y
		}
		xn := (x - cx) / cx
		yn := (y - cy) / cy
		f := 1 + k*(xn*xn+yn*yn)
		return cx + xn*cx*f, cy + yn*cy*f
	}
}
