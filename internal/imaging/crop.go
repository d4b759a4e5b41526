package imaging

import (
	"image"

	"golang.org/x/image/draw"
)

// BBox is a face bounding box in pixel coordinates [x1, y1, x2, y2].
type BBox [4]float64

// Width returns the box width in pixels.
func (b BBox) Width() float64 { return b[2] - b[0] }

// Height returns the box height in pixels.
func (b BBox) Height() float64 { return b[3] - b[1] }

// IoU calculates Intersection over Union with another box.
func (b BBox) IoU(o BBox) float64 {
	x1 := max(b[0], o[0])
	y1 := max(b[1], o[1])
	x2 := min(b[2], o[2])
	y2 := min(b[3], o[3])

	if x2 <= x1 || y2 <= y1 {
		return 0 // No intersection
	}

	intersection := (x2 - x1) * (y2 - y1)
	union := b.Width()*b.Height() + o.Width()*o.Height() - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

// Rect converts the box to an integer rectangle grown by padding on every
// side and clipped to bounds.
func (b BBox) Rect(padding int, bounds image.Rectangle) image.Rectangle {
	r := image.Rect(
		int(b[0])-padding,
		int(b[1])-padding,
		int(b[2]+0.5)+padding,
		int(b[3]+0.5)+padding,
	)
	return r.Add(bounds.Min).Intersect(bounds)
}

// Crop copies the padded face region out of the frame. It returns nil when
// the box lies outside the frame.
func Crop(img image.Image, box BBox, padding int) image.Image {
	r := box.Rect(padding, img.Bounds())
	if r.Empty() {
		return nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Copy(dst, image.Point{}, img, r, draw.Src, nil)
	return dst
}

// FrameHash computes a 64-bit difference hash of the frame. Consecutive
// frames of a static scene hash identically, which makes it a cheap frame
// identifier for logs and job results.
func FrameHash(img image.Image) uint64 {
	// 9x8 so each row yields 8 horizontal differences
	small := image.NewGray(image.Rect(0, 0, 9, 8))
	draw.BiLinear.Scale(small, small.Bounds(), img, img.Bounds(), draw.Src, nil)

	var hash uint64
	bit := 63
	for y := range 8 {
		for x := range 8 {
			if small.GrayAt(x, y).Y > small.GrayAt(x+1, y).Y {
				hash |= 1 << bit
			}
			bit--
		}
	}
	return hash
}
