package pointcloud

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// CloudContains returns whether the cloud has a point at the given position.
func CloudContains(cloud PointCloud, x, y, z float64) bool {
	_, got := cloud.At(x, y, z)
	return got
}

// CloudCentroid returns the centroid of the cloud, or the zero vector if the
// cloud is empty.
func CloudCentroid(pc PointCloud) r3.Vector {
	if pc.Size() == 0 {
		return r3.Vector{}
	}
	meta := pc.MetaData()
	size := float64(pc.Size())
	return r3.Vector{
		X: meta.TotalX() / size,
		Y: meta.TotalY() / size,
		Z: meta.TotalZ() / size,
	}
}

// CloudMatrixCol names a column of the matrix returned by CloudMatrix.
type CloudMatrixCol int

// The possible columns. X, Y and Z are always present; color and value columns
// appear when the cloud's meta data says it carries them.
const (
	CloudMatrixColX CloudMatrixCol = iota
	CloudMatrixColY
	CloudMatrixColZ
	CloudMatrixColR
	CloudMatrixColG
	CloudMatrixColB
	CloudMatrixColV
)

// CloudMatrix converts a point cloud to a dense matrix with one row per point,
// along with a header naming each column. Returns nil for an empty cloud.
func CloudMatrix(pc PointCloud) (*mat.Dense, []CloudMatrixCol) {
	if pc.Size() == 0 {
		return nil, nil
	}
	meta := pc.MetaData()
	header := []CloudMatrixCol{CloudMatrixColX, CloudMatrixColY, CloudMatrixColZ}
	cols := 3
	if meta.HasColor {
		header = append(header, CloudMatrixColR, CloudMatrixColG, CloudMatrixColB)
		cols += 3
	}
	if meta.HasValue {
		header = append(header, CloudMatrixColV)
		cols++
	}

	data := make([]float64, 0, pc.Size()*cols)
	pc.Iterate(0, 0, func(p r3.Vector, d Data) bool {
		data = append(data, p.X, p.Y, p.Z)
		if meta.HasColor {
			if d != nil && d.HasColor() {
				r, g, b := d.RGB255()
				data = append(data, float64(r), float64(g), float64(b))
			} else {
				data = append(data, 0, 0, 0)
			}
		}
		if meta.HasValue {
			if d != nil && d.HasValue() {
				data = append(data, float64(d.Value()))
			} else {
				data = append(data, 0)
			}
		}
		return true
	})
	return mat.NewDense(pc.Size(), cols, data), header
}
