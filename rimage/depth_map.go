// Package rimage holds the raster types the mapping pipeline works with,
// chiefly millimeter depth maps captured from a ToF sensor.
package rimage

import (
	"image"
	"image/color"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/nfnt/resize"
)

// Depth is a millimeter depth sample.
type Depth uint16

// MaxSensorDepthMM is the documented maximum range of the depth sensor.
// Samples at or beyond it are noise.
const MaxSensorDepthMM Depth = 8300

// DepthMap is a dense rectangular grid of millimeter depth samples.
type DepthMap struct {
	width  int
	height int

	data []Depth
}

// NewEmptyDepthMap returns an all-zero depth map of the given size.
func NewEmptyDepthMap(width, height int) *DepthMap {
	return &DepthMap{
		width:  width,
		height: height,
		data:   make([]Depth, width*height),
	}
}

// HasData returns whether the map has a backing grid.
func (dm *DepthMap) HasData() bool {
	return dm.width > 0 && dm.data != nil
}

// Width returns the width of the map.
func (dm *DepthMap) Width() int {
	return dm.width
}

// Height returns the height of the map.
func (dm *DepthMap) Height() int {
	return dm.height
}

// Contains returns whether the given coordinate lies on the grid.
func (dm *DepthMap) Contains(x, y int) bool {
	return x >= 0 && x < dm.width && y >= 0 && y < dm.height
}

// GetDepth returns the depth at the given coordinate.
func (dm *DepthMap) GetDepth(x, y int) Depth {
	return dm.data[y*dm.width+x]
}

// Get returns the depth at the given point.
func (dm *DepthMap) Get(p image.Point) Depth {
	return dm.data[p.Y*dm.width+p.X]
}

// Set sets the depth at the given coordinate.
func (dm *DepthMap) Set(x, y int, val Depth) {
	dm.data[y*dm.width+x] = val
}

// Data returns the row-major backing of the map.
func (dm *DepthMap) Data() []Depth {
	return dm.data
}

// Clone returns a deep copy.
func (dm *DepthMap) Clone() *DepthMap {
	out := NewEmptyDepthMap(dm.width, dm.height)
	copy(out.data, dm.data)
	return out
}

// MinMax returns the smallest and largest non-zero samples in the map.
func (dm *DepthMap) MinMax() (Depth, Depth) {
	min := Depth(65535)
	max := Depth(0)
	for _, z := range dm.data {
		if z == 0 {
			continue
		}
		if z < min {
			min = z
		}
		if z > max {
			max = z
		}
	}
	if max == 0 {
		return 0, 0
	}
	return min, max
}

// ValidMask returns a row-major mask of samples strictly inside
// (minMM, maxMM) along with how many samples passed.
func (dm *DepthMap) ValidMask(minMM, maxMM Depth) ([]bool, int) {
	mask := make([]bool, len(dm.data))
	n := 0
	for i, z := range dm.data {
		if z > minMM && z < maxMM {
			mask[i] = true
			n++
		}
	}
	return mask, n
}

// ToGray16Picture converts the map to a 16-bit grayscale image, millimeter
// values carried through unchanged.
func (dm *DepthMap) ToGray16Picture() *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, dm.width, dm.height))
	for y := 0; y < dm.height; y++ {
		for x := 0; x < dm.width; x++ {
			img.SetGray16(x, y, color.Gray16{Y: uint16(dm.GetDepth(x, y))})
		}
	}
	return img
}

// ResampleNearest resamples the map to the given size with nearest-neighbor
// interpolation. Every output sample is one of the input samples.
func (dm *DepthMap) ResampleNearest(width, height int) *DepthMap {
	if width == dm.width && height == dm.height {
		return dm.Clone()
	}
	resized := resize.Resize(uint(width), uint(height), dm.ToGray16Picture(), resize.NearestNeighbor)
	out := NewEmptyDepthMap(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.Gray16Model.Convert(resized.At(x, y)).(color.Gray16)
			out.Set(x, y, Depth(c.Y))
		}
	}
	return out
}

// ToPrettyPicture renders the map with an HSV ramp between the observed
// (or clamped) min and max, for debugging endpoints.
func (dm *DepthMap) ToPrettyPicture(hardMin, hardMax Depth) image.Image {
	min, max := dm.MinMax()

	if min < hardMin {
		min = hardMin
	}
	if max > hardMax {
		max = hardMax
	}

	img := image.NewRGBA(image.Rect(0, 0, dm.width, dm.height))
	span := float64(max) - float64(min)
	if span <= 0 {
		span = 1
	}

	for y := 0; y < dm.height; y++ {
		for x := 0; x < dm.width; x++ {
			z := dm.GetDepth(x, y)
			if z == 0 {
				continue
			}
			if z < min {
				z = min
			}
			if z > max {
				z = max
			}
			ratio := float64(z-min) / span
			hue := 30 + 200.0*ratio
			img.Set(x, y, colorful.Hsv(hue, 1.0, 1.0))
		}
	}

	return img
}
