package mapping

import (
	"context"

	"go.opencensus.io/trace"

	"go.viam.com/densemap/rimage"
)

// RefinePointsWithDepth rebuilds submap point grids from captured metric
// depth and the predicted poses, walking submaps in ascending id order. A
// submap without depth references or predicted intrinsics is skipped whole;
// within a submap each frame is best effort: a missing, unreadable or
// misshapen depth file invalidates that frame (zero points, zero confidence,
// cleared mask) and the pass moves on. A submap refines at most once; passes
// after the first skip it, so its depth files only need to live until then.
// After a submap's frames are rebuilt its confidence threshold becomes 0.5,
// making "valid" unambiguous against the new binary confidence.
func (gm *GraphMap) RefinePointsWithDepth(ctx context.Context) {
	_, span := trace.StartSpan(ctx, "mapping::GraphMap::RefinePointsWithDepth")
	defer span.End()

	if len(gm.submaps) == 0 {
		return
	}
	scale := gm.effectiveScale()

	for _, sm := range gm.submaps {
		if sm.refined || len(sm.depthPaths) == 0 || sm.intrinsics == nil {
			continue
		}
		numFrames := sm.lastNonLoopFrame + 1
		if len(sm.depthPaths) < numFrames {
			numFrames = len(sm.depthPaths)
		}
		if numFrames <= 0 {
			continue
		}
		for frame := 0; frame < numFrames; frame++ {
			gm.refineFrame(sm, frame, scale)
		}
		sm.SetConfThreshold(0.5)
		sm.refined = true
	}
}

func (gm *GraphMap) refineFrame(sm *Submap, frame int, scale float64) {
	path := sm.depthPaths[frame]
	if path == "" {
		sm.zeroFrameGeometry(frame)
		return
	}
	dm, err := rimage.ReadDepthMapFromNpy(path)
	if err != nil {
		gm.logger.Debugw("invalidating frame, captured depth unusable",
			"submap", sm.id, "frame", frame, "path", path, "error", err)
		sm.zeroFrameGeometry(frame)
		return
	}

	h, w := sm.Grid()
	dm = dm.ResampleNearest(w, h)

	valid, nValid := dm.ValidMask(0, rimage.MaxSensorDepthMM)
	if nValid == 0 {
		sm.zeroFrameGeometry(frame)
		return
	}

	intr, ok := sm.Intrinsics(frame)
	if !ok {
		sm.zeroFrameGeometry(frame)
		return
	}
	pose := sm.poses[frame]

	n := h * w
	pts := make([]float64, n*3)
	conf := make([]float64, n)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			if !valid[i] {
				continue
			}
			z := float64(dm.GetDepth(x, y)) * 1e-3 / scale
			cx, cy, cz := intr.PixelToPoint(float64(x), float64(y), z)
			world := applyHomography(pose, cx, cy, cz)
			pts[i*3] = world.X
			pts[i*3+1] = world.Y
			pts[i*3+2] = world.Z
			conf[i] = 1.0
		}
	}
	if err := sm.ReplaceFrameGeometry(frame, pts, conf, valid); err != nil {
		gm.logger.Errorw("refinement replace failed", "submap", sm.id, "frame", frame, "error", err)
	}
}
