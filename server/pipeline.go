package server

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"go.viam.com/densemap/mapping"
	"go.viam.com/densemap/ml"
	"go.viam.com/densemap/pointcloud"
)

// resultVoxelSize is the voxel side used to thin the per-submap reply
// clouds down to what the capture frontend renders.
const resultVoxelSize = 0.005

// processBatch runs one batch through the model and integrates the
// resulting submap: inference, loop-closure retrieval, graph optimization,
// homography propagation and, with depth enabled, refinement. It returns a
// short unique id plus the new submap's voxel-downsampled world cloud as
// binary PLY.
func (svc *Service) processBatch(ctx context.Context, batch []frame) (string, []byte, error) {
	ctx, span := trace.StartSpan(ctx, "server::Service::processBatch")
	defer span.End()

	svc.processing.Store(true)
	defer svc.processing.Store(false)

	if len(batch) == 0 {
		return "", nil, errors.New("batch has no frames")
	}

	images := make([][]byte, 0, len(batch))
	depthPaths := make([]string, 0, len(batch))
	ids := make([]int, 0, len(batch))
	for _, f := range batch {
		images = append(images, f.image)
		depthPaths = append(depthPaths, f.depthPath)
		ids = append(ids, f.id)
	}

	tensors, err := svc.model.Infer(ctx, images)
	if err != nil {
		return "", nil, errors.Wrap(err, "model inference")
	}
	// Capture sequence numbers come from the session, not the model.
	tensors[ml.TensorFrameIDs] = tensor.New(tensor.WithShape(len(ids)), tensor.WithBacking(ids))
	preds, err := ml.NewPredictions(tensors)
	if err != nil {
		return "", nil, err
	}

	threshold, err := confThreshold(preds, svc.cfg.ConfThreshold)
	if err != nil {
		return "", nil, err
	}
	opts := []mapping.SubmapOption{mapping.WithConfThreshold(threshold)}
	if svc.cfg.DepthEnabled {
		opts = append(opts, mapping.WithDepthPaths(depthPaths))
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()

	sm, err := mapping.NewSubmap(svc.nextID, preds, opts...)
	if err != nil {
		return "", nil, err
	}
	if err := svc.integrate(ctx, sm); err != nil {
		return "", nil, err
	}
	svc.nextID++

	cloud, err := svc.gmap.SubmapPointCloud(sm.ID())
	if err != nil {
		return "", nil, err
	}
	small, err := pointcloud.VoxelDownsample(cloud, resultVoxelSize)
	if err != nil {
		return "", nil, err
	}
	var buf bytes.Buffer
	if err := pointcloud.ToPLY(small, &buf, true); err != nil {
		return "", nil, err
	}
	return uuid.New().String()[:8], buf.Bytes(), nil
}

// confThreshold converts the configured confidence percentile into an
// absolute cutoff over this batch's predicted confidences. A percentile of
// zero keeps every point.
func confThreshold(preds *ml.Predictions, percentile float64) (float64, error) {
	_, _, _, conf, err := preds.Conf()
	if err != nil {
		return 0, err
	}
	data := stats.Float64Data(conf)
	if percentile <= 0 {
		return data.Min()
	}
	v, err := stats.Percentile(data, percentile)
	if err != nil {
		return 0, errors.Wrap(err, "confidence percentile")
	}
	return v, nil
}

// integrate adds a submap to the map and the pose graph, searches for a
// loop closure against the older submaps, then re-optimizes and propagates
// the solved homographies. The service mutex must be held.
func (svc *Service) integrate(ctx context.Context, sm *mapping.Submap) error {
	ctx, span := trace.StartSpan(ctx, "server::Service::integrate")
	defer span.End()

	if err := svc.gmap.AddSubmap(sm); err != nil {
		return err
	}

	initial := identity4()
	if svc.graph.Len() == 0 {
		if err := svc.graph.AddNode(sm.ID(), initial); err != nil {
			return err
		}
	} else {
		prev, ok := svc.gmap.Submap(sm.ID() - 1)
		if !ok {
			return errors.Errorf("submap %d has no predecessor", sm.ID())
		}
		edge, err := overlapEdge(prev, sm)
		if err != nil {
			return err
		}
		initial.Mul(prev.ReferenceHomography(), edge)
		if err := svc.graph.AddNode(sm.ID(), initial); err != nil {
			return err
		}
		if err := svc.graph.AddRelativeConstraint(sm.ID()-1, sm.ID(), edge); err != nil {
			return err
		}
	}

	if match, ok := svc.bestLoopMatch(sm); ok {
		if err := svc.addLoopConstraint(sm, initial, match); err != nil {
			return err
		}
	}

	if err := svc.graph.Optimize(ctx); err != nil {
		return err
	}
	if err := svc.gmap.UpdateSubmapHomographies(svc.graph); err != nil {
		return err
	}
	if svc.cfg.DepthEnabled {
		svc.gmap.RefinePointsWithDepth(ctx)
	}
	return nil
}

// overlapEdge measures the relative homography taking prev's frame into
// next's frame through their shared overlap capture: both submaps carry a
// local pose for the same physical camera, so the edge is prev's pose
// times the inverse of next's.
func overlapEdge(prev, next *mapping.Submap) (*mat.Dense, error) {
	prevPose, err := prev.Pose(prev.LastNonLoopFrame())
	if err != nil {
		return nil, err
	}
	nextPose, err := next.Pose(0)
	if err != nil {
		return nil, err
	}
	var inv mat.Dense
	if err := inv.Inverse(nextPose); err != nil {
		return nil, errors.Wrapf(err, "overlap pose of submap %d is singular", next.ID())
	}
	var edge mat.Dense
	edge.Mul(prevPose, &inv)
	return &edge, nil
}

// bestLoopMatch queries retrieval with every frame embedding of the new
// submap, keeping the lowest scoring match overall.
func (svc *Service) bestLoopMatch(sm *mapping.Submap) (mapping.Match, bool) {
	var best mapping.Match
	found := false
	for _, vec := range sm.RetrievalVectors() {
		m, ok := svc.gmap.RetrieveBestScoreFrame(vec, sm.ID(), true)
		if !ok {
			continue
		}
		if !found || m.Score < best.Score {
			best = m
			found = true
		}
	}
	return best, found
}

// addLoopConstraint records the relative transform between the matched
// submap's optimized frame and the new submap's initial estimate. The
// reference chain graph only stores these; a solver that bends the chain
// consumes them through optimize.Graph.
func (svc *Service) addLoopConstraint(sm *mapping.Submap, initial *mat.Dense, match mapping.Match) error {
	matched, ok := svc.gmap.Submap(match.SubmapID)
	if !ok {
		return errors.Errorf("matched submap %d is missing", match.SubmapID)
	}
	var inv mat.Dense
	if err := inv.Inverse(matched.ReferenceHomography()); err != nil {
		return errors.Wrapf(err, "reference of submap %d is singular", match.SubmapID)
	}
	var edge mat.Dense
	edge.Mul(&inv, initial)
	svc.logger.Debugw("loop closure",
		"submap", sm.ID(),
		"matched_submap", match.SubmapID,
		"matched_frame", match.FrameIndex,
		"score", match.Score,
	)
	return svc.graph.AddRelativeConstraint(match.SubmapID, sm.ID(), &edge)
}

// exportMap writes the session's poses, merged cloud and per-frame npz
// rasters under dir.
func (svc *Service) exportMap(dir string) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.gmap.Len() == 0 {
		svc.logger.Debugw("skipping export of empty map")
		return nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	if err := svc.gmap.WritePosesToFile(filepath.Join(dir, "poses.txt")); err != nil {
		return err
	}
	if err := svc.gmap.WritePointsToFile(filepath.Join(dir, "map.pcd")); err != nil {
		return err
	}
	return svc.gmap.SaveFramewisePointClouds(filepath.Join(dir, "framewise"))
}

func identity4() *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
}
