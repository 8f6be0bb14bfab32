package effects

import (
	"image"
	"image/draw"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
)

// LoadAsset decodes the replacement face image. A missing or unreadable file is
// not fatal: it is logged and nil is returned, which makes Substitute a
// pass-through.
func LoadAsset(path string, log zerolog.Logger) image.Image {
	if path == "" {
		return nil
	}
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("face asset unavailable, substitution disabled")
		return nil
	}
	b := img.Bounds()
	log.Debug().Str("path", path).Int("width", b.Dx()).Int("height", b.Dy()).Msg("face asset loaded")
	return img
}

// Resize scales img to exactly w×h.
func Resize(img image.Image, w, h int) *image.RGBA {
	if w <= 0 || h <= 0 {
		return image.NewRGBA(image.Rect(0, 0, max(w, 0), max(h, 0)))
	}
	return ToRGBA(imaging.Resize(img, w, h, imaging.Linear))
}

// Crop copies the rect out of img into a new image anchored at (0, 0).
func Crop(img image.Image, rect image.Rectangle) *image.RGBA {
	return ToRGBA(imaging.Crop(img, rect))
}

// Clone copies img into a new opaque RGBA anchored at (0, 0).
func Clone(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	forceOpaque(dst)
	return dst
}

// ToRGBA returns img as an opaque RGBA anchored at (0, 0), copying only when
// it is not one already.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	return Clone(img)
}

// forceOpaque drops alpha: frames carry three color channels only.
func forceOpaque(img *image.RGBA) {
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}
}
