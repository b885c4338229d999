// Package optimize holds the pose-graph optimizer contract used to stitch
// submaps into one global frame, plus a deterministic reference
// implementation that composes homographies along the submap chain.
package optimize

import (
	"context"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Graph is the pose-graph optimizer consumed by the map layer. Optimize
// solves for a globally consistent homography per registered submap id;
// Homography returns the current solution for one id. A missing id means
// the optimizer's and the map's id spaces fell out of lockstep, which is a
// caller bug and always an error.
type Graph interface {
	Optimize(ctx context.Context) error
	Homography(id int) (*mat.Dense, error)
}

func checkHomography(m *mat.Dense) error {
	if m == nil {
		return errors.New("homography is nil")
	}
	if r, c := m.Dims(); r != 4 || c != 4 {
		return errors.Errorf("homography must be 4x4, got %dx%d", r, c)
	}
	return nil
}

func identity4() *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
}
