package recognition

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"

	"github.com/technosupport/ts-frs/internal/detect"
)

const (
	cropPadding = 0.15 // fraction of box size added on every side
	cropMaxEdge = 160
	cropQuality = 85
)

// CropFace cuts the padded face region out of img, clamped to the image
// bounds, and downscales it so neither edge exceeds cropMaxEdge.
func CropFace(img image.Image, box detect.Box) image.Image {
	bounds := img.Bounds()

	padX := int(float64(box.W) * cropPadding)
	padY := int(float64(box.H) * cropPadding)

	x0 := max(bounds.Min.X, box.X-padX)
	y0 := max(bounds.Min.Y, box.Y-padY)
	x1 := min(bounds.Max.X, box.X+box.W+padX)
	y1 := min(bounds.Max.Y, box.Y+box.H+padY)
	if x1 <= x0 || y1 <= y0 {
		// Degenerate box: fall back to a 1x1 region inside bounds.
		x0, y0 = bounds.Min.X, bounds.Min.Y
		x1, y1 = x0+1, y0+1
	}

	w := x1 - x0
	h := y1 - y0
	outW, outH := w, h
	if w > cropMaxEdge || h > cropMaxEdge {
		if w >= h {
			outW = cropMaxEdge
			outH = h * cropMaxEdge / w
		} else {
			outH = cropMaxEdge
			outW = w * cropMaxEdge / h
		}
		if outW < 1 {
			outW = 1
		}
		if outH < 1 {
			outH = 1
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, outW, outH))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, image.Rect(x0, y0, x1, y1), draw.Src, nil)
	return dst
}

// EncodeJPEG serializes a crop for storage and transport.
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: cropQuality}); err != nil {
		return nil, fmt.Errorf("encode crop: %w", err)
	}
	return buf.Bytes(), nil
}
