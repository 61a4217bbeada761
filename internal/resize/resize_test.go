package resize

import (
	"image"
	"image/color"
	"math"
	"testing"
)

func TestFitSize(t *testing.T) {
	tests := []struct {
		name                   string
		srcW, srcH, boxW, boxH int
		wantW, wantH           int
	}{
		{"downscale landscape", 1000, 500, 200, 200, 200, 100},
		{"downscale portrait", 500, 1000, 200, 200, 100, 200},
		{"upscale", 50, 25, 200, 200, 200, 100},
		{"exact", 200, 200, 200, 200, 200, 200},
		{"non square box", 800, 600, 400, 100, 133, 100},
		{"thin strip", 10000, 1, 100, 100, 100, 1},
		{"one pixel box", 640, 480, 1, 1, 1, 1},
		{"invalid", 0, 10, 10, 10, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := FitSize(tt.srcW, tt.srcH, tt.boxW, tt.boxH)
			if w != tt.wantW || h != tt.wantH {
				t.Errorf("FitSize = %dx%d, want %dx%d", w, h, tt.wantW, tt.wantH)
			}
		})
	}
}

func TestFitSizeProperties(t *testing.T) {
	sizes := []int{1, 3, 17, 64, 100, 333, 1024, 1920}
	for _, sw := range sizes {
		for _, sh := range sizes {
			for _, bw := range sizes {
				for _, bh := range sizes {
					w, h := FitSize(sw, sh, bw, bh)
					if w > bw || h > bh || w < 1 || h < 1 {
						t.Fatalf("FitSize(%d,%d,%d,%d) = %dx%d outside box", sw, sh, bw, bh, w, h)
					}
					if w != bw && h != bh {
						t.Fatalf("FitSize(%d,%d,%d,%d) = %dx%d touches no box side", sw, sh, bw, bh, w, h)
					}
					// aspect within one pixel on the free side
					if w == bw {
						exact := float64(sh) * float64(bw) / float64(sw)
						if exact >= 1 && exact <= float64(bh) && math.Abs(float64(h)-exact) > 1 {
							t.Fatalf("height %d drifts from %.2f", h, exact)
						}
					} else {
						exact := float64(sw) * float64(bh) / float64(sh)
						if exact >= 1 && exact <= float64(bw) && math.Abs(float64(w)-exact) > 1 {
							t.Fatalf("width %d drifts from %.2f", w, exact)
						}
					}
				}
			}
		}
	}
}

func solid(w, h int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 10, G: 200, B: 30, A: 255})
		}
	}
	return img
}

func TestScale(t *testing.T) {
	out := Scale(solid(300, 150), 100, 100)
	if b := out.Bounds(); b.Dx() != 100 || b.Dy() != 50 {
		t.Fatalf("downscale bounds %v", b)
	}

	out = Scale(solid(30, 60), 100, 100)
	if b := out.Bounds(); b.Dx() != 50 || b.Dy() != 100 {
		t.Fatalf("upscale bounds %v", b)
	}
}

func TestScaleAlreadyFitted(t *testing.T) {
	src := solid(100, 50)
	if out := Scale(src, 100, 100); out != src {
		t.Fatal("fitted image was resampled")
	}
}
