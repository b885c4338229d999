package mapping

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ViewRef locates one camera view in the map and carries enough of its world
// pose for rendering: the camera center and the optical axis.
type ViewRef struct {
	SubmapID   int
	FrameIndex int
	FrameID    int
	Center     r3.Vector
	Forward    r3.Vector
}

func viewRef(submapID, frameIndex, frameID int, pose *mat.Dense) ViewRef {
	fwd := r3.Vector{X: pose.At(0, 2), Y: pose.At(1, 2), Z: pose.At(2, 2)}
	if n := fwd.Norm(); n > 0 {
		fwd = fwd.Mul(1 / n)
	}
	return ViewRef{
		SubmapID:   submapID,
		FrameIndex: frameIndex,
		FrameID:    frameID,
		Center:     r3.Vector{X: pose.At(0, 3), Y: pose.At(1, 3), Z: pose.At(2, 3)},
		Forward:    fwd,
	}
}

// redundant reports whether the view duplicates a kept one: closer than
// distThresh with optical axes within angleThresh radians.
func redundant(view ViewRef, kept []ViewRef, distThresh, angleThresh float64) bool {
	for _, k := range kept {
		if view.Center.Sub(k.Center).Norm() >= distThresh {
			continue
		}
		dot := view.Forward.Dot(k.Forward)
		if dot > 1 {
			dot = 1
		} else if dot < -1 {
			dot = -1
		}
		if math.Acos(dot) < angleThresh {
			return true
		}
	}
	return false
}

// SelectNonRedundantViews walks every submap's non-loop frames in map order
// and keeps a view only when no earlier kept view is both closer than
// distThresh and pointed within angleThreshDeg of it. The preview renderer
// uses this to thin camera glyphs in well-covered areas.
func (gm *GraphMap) SelectNonRedundantViews(distThresh, angleThreshDeg float64) ([]ViewRef, error) {
	if distThresh <= 0 {
		return nil, errors.New("distance threshold must be positive")
	}
	if angleThreshDeg < 0 {
		return nil, errors.New("angle threshold must be non-negative")
	}
	angleThresh := angleThreshDeg * math.Pi / 180

	kept := []ViewRef{}
	for _, sm := range gm.submaps {
		poses, err := sm.WorldPoses(true)
		if err != nil {
			return nil, err
		}
		frameIDs := sm.FrameIDs(true)
		if len(poses) != len(frameIDs) {
			return nil, errors.Errorf("submap %d has %d poses for %d frame ids", sm.id, len(poses), len(frameIDs))
		}
		for i, pose := range poses {
			view := viewRef(sm.id, i, frameIDs[i], pose)
			if !redundant(view, kept, distThresh, angleThresh) {
				kept = append(kept, view)
			}
		}
	}
	return kept, nil
}
