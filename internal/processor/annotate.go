package processor

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/andresmejia3/cvdescent/internal/types"
)

const (
	outlineThickness = 2
	labelOffsetY     = 10
)

var (
	outlineColor = color.RGBA{0, 0, 0, 255}
	labelColor   = color.RGBA{255, 255, 255, 255}
)

// LabelText renders a result the way it is drawn on the frame, e.g. "happy (90%)".
func LabelText(res types.EmotionResult) string {
	return fmt.Sprintf("%s (%d%%)", res.Label, int(math.Round(types.Clamp01(res.Confidence)*100)))
}

// drawOutline strokes rect from the inside so the box never leaves the region.
func drawOutline(img *image.RGBA, rect image.Rectangle, thickness int, c color.RGBA) {
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return
	}
	src := image.NewUniform(c)
	t := thickness
	bands := []image.Rectangle{
		image.Rect(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Min.Y+t), // top
		image.Rect(rect.Min.X, rect.Max.Y-t, rect.Max.X, rect.Max.Y), // bottom
		image.Rect(rect.Min.X, rect.Min.Y, rect.Min.X+t, rect.Max.Y), // left
		image.Rect(rect.Max.X-t, rect.Min.Y, rect.Max.X, rect.Max.Y), // right
	}
	for _, band := range bands {
		draw.Draw(img, band.Intersect(rect), src, image.Point{}, draw.Src)
	}
}

// drawLabel writes text with its baseline 10px above the region's top-left
// corner. Anything falling outside the frame is clipped.
func drawLabel(img *image.RGBA, text string, region image.Rectangle) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(labelColor),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(region.Min.X, region.Min.Y-labelOffsetY),
	}
	d.DrawString(text)
}
