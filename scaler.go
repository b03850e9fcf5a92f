package capture

import (
	"fmt"
	"image"
	"image/color"
	"strings"

	"golang.org/x/image/draw"
)

// ScaleMode defines how scaling should handle aspect ratio mismatches.
type ScaleMode int

const (
	// ScaleModeFit scales to fit within target dimensions, preserving aspect ratio (may letterbox).
	ScaleModeFit ScaleMode = iota
	// ScaleModeFill scales to fill target dimensions, preserving aspect ratio (may crop).
	ScaleModeFill
	// ScaleModeStretch scales to exactly match target dimensions (may distort).
	ScaleModeStretch
)

func (m ScaleMode) String() string {
	switch m {
	case ScaleModeFit:
		return "fit"
	case ScaleModeFill:
		return "fill"
	case ScaleModeStretch:
		return "stretch"
	default:
		return "unknown"
	}
}

// ParseScaleMode parses "fit", "fill" or "stretch". Empty means fit.
func ParseScaleMode(s string) (ScaleMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fit":
		return ScaleModeFit, nil
	case "fill":
		return ScaleModeFill, nil
	case "stretch":
		return ScaleModeStretch, nil
	}
	return ScaleModeFit, fmt.Errorf("unknown scale mode %q", s)
}

// Fallback source size used when a track does not report its settings.
const (
	DefaultSourceWidth  = 1280
	DefaultSourceHeight = 720
)

// CanvasSize returns the output size for a source of srcW x srcH capped to
// maxWidth. Sources are only ever downscaled and the aspect ratio is kept.
func CanvasSize(srcW, srcH, maxWidth int) (w, h int) {
	if srcW <= 0 || srcH <= 0 {
		srcW, srcH = DefaultSourceWidth, DefaultSourceHeight
	}
	if maxWidth <= 0 || srcW <= maxWidth {
		return srcW, srcH
	}
	// floor(srcH * maxWidth/srcW) in exact integer arithmetic.
	return maxWidth, srcH * maxWidth / srcW
}

// CalculateScaledSize returns the output dimensions when scaling with a given mode.
// This is useful for determining letterbox dimensions in ScaleModeFit.
func CalculateScaledSize(srcW, srcH, maxW, maxH int, mode ScaleMode) (w, h int) {
	if mode != ScaleModeFit || srcW <= 0 || srcH <= 0 {
		return maxW, maxH
	}
	if srcW*maxH > srcH*maxW {
		return maxW, srcH * maxW / srcW
	}
	return srcW * maxH / srcH, maxH
}

// sourceRegion determines what region of the source to use based on scale mode.
func sourceRegion(src image.Rectangle, dstW, dstH int, mode ScaleMode) image.Rectangle {
	if mode != ScaleModeFill || dstW <= 0 || dstH <= 0 {
		return src
	}
	srcW, srcH := src.Dx(), src.Dy()
	srcAspect := float64(srcW) / float64(srcH)
	dstAspect := float64(dstW) / float64(dstH)
	switch {
	case srcAspect > dstAspect:
		newW := int(float64(srcH) * dstAspect)
		x := src.Min.X + (srcW-newW)/2
		return image.Rect(x, src.Min.Y, x+newW, src.Max.Y)
	case srcAspect < dstAspect:
		newH := int(float64(srcW) / dstAspect)
		y := src.Min.Y + (srcH-newH)/2
		return image.Rect(src.Min.X, y, src.Max.X, y+newH)
	}
	return src
}

// CenterSquare returns the largest square centered in r.
func CenterSquare(r image.Rectangle) image.Rectangle {
	side := min(r.Dx(), r.Dy())
	x := r.Min.X + (r.Dx()-side)/2
	y := r.Min.Y + (r.Dy()-side)/2
	return image.Rect(x, y, x+side, y+side)
}

// ScaleFrame scales a frame to dstWidth x dstHeight. ScaleModeFit letterboxes
// onto black, ScaleModeFill crops the source to the target aspect ratio.
func ScaleFrame(frame *VideoFrame, dstWidth, dstHeight int, mode ScaleMode) *VideoFrame {
	if frame.Width() == dstWidth && frame.Height() == dstHeight {
		return frame
	}
	dst := image.NewRGBA(image.Rect(0, 0, dstWidth, dstHeight))
	if mode == ScaleModeFit {
		draw.Draw(dst, dst.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	}
	dr, sr := scaleRects(frame.Image.Bounds(), dst.Bounds(), mode)
	draw.ApproxBiLinear.Scale(dst, dr, frame.Image, sr, draw.Src, nil)
	return &VideoFrame{Image: dst, Timestamp: frame.Timestamp, Duration: frame.Duration}
}

// scaleRects returns the destination and source rectangles for drawing src
// into dst with the given mode.
func scaleRects(src, dst image.Rectangle, mode ScaleMode) (dr, sr image.Rectangle) {
	dr = dst
	if mode == ScaleModeFit {
		w, h := CalculateScaledSize(src.Dx(), src.Dy(), dst.Dx(), dst.Dy(), mode)
		x, y := dst.Min.X+(dst.Dx()-w)/2, dst.Min.Y+(dst.Dy()-h)/2
		dr = image.Rect(x, y, x+w, y+h)
	}
	return dr, sourceRegion(src, dst.Dx(), dst.Dy(), mode)
}

// mirrorHorizontal flips img left to right in place.
func mirrorHorizontal(img *image.RGBA) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for l, r := 0, w-1; l < r; l, r = l+1, r-1 {
			lp, rp := row[l*4:l*4+4], row[r*4:r*4+4]
			for i := 0; i < 4; i++ {
				lp[i], rp[i] = rp[i], lp[i]
			}
		}
	}
}

// roundedRect is an alpha mask that is opaque inside a rectangle with
// rounded corners of the given radius.
type roundedRect struct {
	rect   image.Rectangle
	radius int
}

func (m roundedRect) ColorModel() color.Model { return color.AlphaModel }
func (m roundedRect) Bounds() image.Rectangle { return m.rect }

func (m roundedRect) At(x, y int) color.Color {
	if !(image.Point{x, y}).In(m.rect) {
		return color.Transparent
	}
	r := m.radius
	if r <= 0 {
		return color.Opaque
	}
	// Distance from the nearest corner circle center, only in corner zones.
	cx, cy := x, y
	switch {
	case x < m.rect.Min.X+r:
		cx = m.rect.Min.X + r
	case x >= m.rect.Max.X-r:
		cx = m.rect.Max.X - r - 1
	}
	switch {
	case y < m.rect.Min.Y+r:
		cy = m.rect.Min.Y + r
	case y >= m.rect.Max.Y-r:
		cy = m.rect.Max.Y - r - 1
	}
	dx, dy := x-cx, y-cy
	if dx*dx+dy*dy > r*r {
		return color.Transparent
	}
	return color.Opaque
}
