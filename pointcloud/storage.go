package pointcloud

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Largest and smallest integers a float64 can hold exactly; positions past
// these lose precision as map keys.
const (
	maxPreciseFloat64 = float64(9007199254740992)
	minPreciseFloat64 = float64(-9007199254740992)
)

func newOutOfRangeErr(dim string, val float64) error {
	return errors.Errorf("%s component (%v) is out of range [%v,%v]", dim, val, minPreciseFloat64, maxPreciseFloat64)
}

// PointAndData is a tuple of a point's position and its data.
type PointAndData struct {
	P r3.Vector
	D Data
}

type storage interface {
	Size() int
	Set(p r3.Vector, d Data) error
	Unset(x, y, z float64)
	At(x, y, z float64) (Data, bool)
	Iterate(numBatches, myBatch int, fn func(p r3.Vector, d Data) bool)
}

// matrixStorage keeps points in insertion order next to a position index, so
// iteration and file output are deterministic.
type matrixStorage struct {
	points   []PointAndData
	indexMap map[r3.Vector]uint
}

func (ms *matrixStorage) Size() int {
	return len(ms.points)
}

func (ms *matrixStorage) Set(p r3.Vector, d Data) error {
	switch {
	case p.X > maxPreciseFloat64 || p.X < minPreciseFloat64:
		return newOutOfRangeErr("x", p.X)
	case p.Y > maxPreciseFloat64 || p.Y < minPreciseFloat64:
		return newOutOfRangeErr("y", p.Y)
	case p.Z > maxPreciseFloat64 || p.Z < minPreciseFloat64:
		return newOutOfRangeErr("z", p.Z)
	}
	if i, ok := ms.indexMap[p]; ok {
		ms.points[i].D = d
		return nil
	}
	ms.indexMap[p] = uint(len(ms.points))
	ms.points = append(ms.points, PointAndData{P: p, D: d})
	return nil
}

func (ms *matrixStorage) Unset(x, y, z float64) {
	p := r3.Vector{X: x, Y: y, Z: z}
	i, ok := ms.indexMap[p]
	if !ok {
		return
	}
	ms.points = append(ms.points[:i], ms.points[i+1:]...)
	delete(ms.indexMap, p)
	for j := int(i); j < len(ms.points); j++ {
		ms.indexMap[ms.points[j].P] = uint(j)
	}
}

func (ms *matrixStorage) At(x, y, z float64) (Data, bool) {
	i, ok := ms.indexMap[r3.Vector{X: x, Y: y, Z: z}]
	if !ok {
		return nil, false
	}
	return ms.points[i].D, true
}

func (ms *matrixStorage) Iterate(numBatches, myBatch int, fn func(p r3.Vector, d Data) bool) {
	if numBatches <= 0 {
		for _, pd := range ms.points {
			if !fn(pd.P, pd.D) {
				return
			}
		}
		return
	}
	batchSize := (len(ms.points) + numBatches - 1) / numBatches
	start := myBatch * batchSize
	if start >= len(ms.points) {
		return
	}
	end := start + batchSize
	if end > len(ms.points) {
		end = len(ms.points)
	}
	for _, pd := range ms.points[start:end] {
		if !fn(pd.P, pd.D) {
			return
		}
	}
}
