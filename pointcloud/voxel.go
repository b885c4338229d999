package pointcloud

import (
	"image/color"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// VoxelCoords stores Voxel coordinates in a voxel grid.
type VoxelCoords struct {
	I, J, K int64
}

// IsEqual tests if two VoxelCoords are the same.
func (c VoxelCoords) IsEqual(c2 VoxelCoords) bool {
	return c.I == c2.I && c.J == c2.J && c.K == c2.K
}

// GetVoxelCoordinates computes the voxel coordinates of a point in a grid
// anchored at ptMin with cubic voxels of side voxelSize.
func GetVoxelCoordinates(pt, ptMin r3.Vector, voxelSize float64) VoxelCoords {
	I := int64(math.Floor((pt.X - ptMin.X) / voxelSize))
	J := int64(math.Floor((pt.Y - ptMin.Y) / voxelSize))
	K := int64(math.Floor((pt.Z - ptMin.Z) / voxelSize))
	return VoxelCoords{I, J, K}
}

type voxelAccumulator struct {
	sum        r3.Vector
	n          int
	r, g, b    int
	nColor     int
	valueTotal int
	nValue     int
}

// VoxelDownsample reduces the cloud to at most one point per voxel of side
// voxelSize. Each surviving point is the centroid of its voxel's points,
// with color channels and values averaged over the points that carry them.
func VoxelDownsample(cloud PointCloud, voxelSize float64) (PointCloud, error) {
	if voxelSize <= 0 {
		return nil, errors.Errorf("voxelSize must be positive, got %f", voxelSize)
	}
	if cloud.Size() == 0 {
		return New(), nil
	}

	meta := cloud.MetaData()
	ptMin := r3.Vector{X: meta.MinX, Y: meta.MinY, Z: meta.MinZ}

	voxels := make(map[VoxelCoords]*voxelAccumulator)
	order := make([]VoxelCoords, 0)
	cloud.Iterate(0, 0, func(pos r3.Vector, d Data) bool {
		coords := GetVoxelCoordinates(pos, ptMin, voxelSize)
		acc, ok := voxels[coords]
		if !ok {
			acc = &voxelAccumulator{}
			voxels[coords] = acc
			order = append(order, coords)
		}
		acc.sum = acc.sum.Add(pos)
		acc.n++
		if d != nil && d.HasColor() {
			r, g, b := d.RGB255()
			acc.r += int(r)
			acc.g += int(g)
			acc.b += int(b)
			acc.nColor++
		}
		if d != nil && d.HasValue() {
			acc.valueTotal += d.Value()
			acc.nValue++
		}
		return true
	})

	small := NewWithPrealloc(len(order))
	for _, coords := range order {
		acc := voxels[coords]
		centroid := acc.sum.Mul(1.0 / float64(acc.n))
		var d Data
		switch {
		case acc.nColor > 0:
			d = NewColoredData(color.NRGBA{
				uint8(acc.r / acc.nColor),
				uint8(acc.g / acc.nColor),
				uint8(acc.b / acc.nColor),
				255,
			})
			if acc.nValue > 0 {
				d.SetValue(acc.valueTotal / acc.nValue)
			}
		case acc.nValue > 0:
			d = NewValueData(acc.valueTotal / acc.nValue)
		default:
			d = NewBasicData()
		}
		if err := small.Set(centroid, d); err != nil {
			return nil, err
		}
	}
	return small, nil
}
