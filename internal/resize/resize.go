// Package resize implements constrained scaling: an image is fitted inside a
// target box with its aspect ratio kept, growing or shrinking as needed.
package resize

import (
	"image"

	"github.com/disintegration/imaging"
)

// FitSize returns the size of a srcW x srcH image scaled to fit inside a
// boxW x boxH box. The limiting side always equals the box side exactly;
// the other side is rounded to the nearest pixel and never drops below 1.
func FitSize(srcW, srcH, boxW, boxH int) (int, int) {
	if srcW < 1 || srcH < 1 || boxW < 1 || boxH < 1 {
		return 0, 0
	}
	// Compare boxW/srcW against boxH/srcH without floats.
	if int64(boxW)*int64(srcH) <= int64(boxH)*int64(srcW) {
		return boxW, clamp(roundDiv(int64(srcH)*int64(boxW), int64(srcW)), boxH)
	}
	return clamp(roundDiv(int64(srcW)*int64(boxH), int64(srcH)), boxW), boxH
}

func roundDiv(num, den int64) int {
	return int((2*num + den) / (2 * den))
}

func clamp(v, max int) int {
	if v < 1 {
		return 1
	}
	if v > max {
		return max
	}
	return v
}

// Scale resizes img to fit inside boxW x boxH using Lanczos resampling.
// An image already at the fitted size comes back unchanged.
func Scale(img image.Image, boxW, boxH int) image.Image {
	b := img.Bounds()
	w, h := FitSize(b.Dx(), b.Dy(), boxW, boxH)
	if w == 0 || (w == b.Dx() && h == b.Dy()) {
		return img
	}
	return imaging.Resize(img, w, h, imaging.Lanczos)
}
