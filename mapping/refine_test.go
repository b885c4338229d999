package mapping

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gorgonia.org/tensor"

	"go.viam.com/densemap/ml"
	"go.viam.com/densemap/rimage"
)

// depthTestTensors is gridTensors plus per-frame pinhole intrinsics with
// fx=fy=100 and the principal point at the origin, so unprojection math is
// easy to check by hand.
func depthTestTensors(frames, w int) ml.Tensors {
	tt := gridTensors(frames, 1, w, 4)
	k := make([]float64, 0, frames*9)
	for f := 0; f < frames; f++ {
		k = append(k,
			100, 0, 0,
			0, 100, 0,
			0, 0, 1,
		)
	}
	tt[ml.TensorIntrinsics] = tensor.New(tensor.WithShape(frames, 3, 3), tensor.WithBacking(k))
	return tt
}

func writeDepthFile(t *testing.T, dir, name string, depths []rimage.Depth) string {
	t.Helper()
	dm := rimage.NewEmptyDepthMap(len(depths), 1)
	for x, d := range depths {
		dm.Set(x, 0, d)
	}
	fn := filepath.Join(dir, name)
	test.That(t, rimage.WriteDepthMapToNpyFile(fn, dm), test.ShouldBeNil)
	return fn
}

func TestRefineBasic(t *testing.T) {
	dir := t.TempDir()
	fn := writeDepthFile(t, dir, "d0.npy", []rimage.Depth{2000, 8299})

	gm := NewGraphMap(golog.NewTestLogger(t))
	sm := newTestSubmap(t, 0, depthTestTensors(1, 2), WithDepthPaths([]string{fn}))
	test.That(t, gm.AddSubmap(sm), test.ShouldBeNil)
	// The reference homography must not leak into the stored grids.
	test.That(t, sm.SetReferenceHomography(translation4(100, 0, 0)), test.ShouldBeNil)

	gm.RefinePointsWithDepth(context.Background())

	test.That(t, sm.ConfThreshold(), test.ShouldEqual, 0.5)

	pts, idx, err := sm.ValidWorldPoints()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, idx, test.ShouldResemble, []int{0, 1})
	test.That(t, pts[0].X, test.ShouldAlmostEqual, 100)
	test.That(t, pts[0].Y, test.ShouldAlmostEqual, 0)
	test.That(t, pts[0].Z, test.ShouldAlmostEqual, 2.0)
	test.That(t, pts[1].X, test.ShouldAlmostEqual, 100+0.01*8.299)
	test.That(t, pts[1].Z, test.ShouldAlmostEqual, 8.299)

	// A refined submap is never revisited, even after its depth files are
	// gone.
	before, err := sm.WorldPoints()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, os.Remove(fn), test.ShouldBeNil)
	gm.RefinePointsWithDepth(context.Background())
	after, err := sm.WorldPoints()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, after, test.ShouldResemble, before)
}

func TestRefineValidityBounds(t *testing.T) {
	dir := t.TempDir()
	fn := writeDepthFile(t, dir, "d0.npy", []rimage.Depth{0, 8300, 8299})

	gm := NewGraphMap(golog.NewTestLogger(t))
	sm := newTestSubmap(t, 0, depthTestTensors(1, 3), WithDepthPaths([]string{fn}))
	test.That(t, gm.AddSubmap(sm), test.ShouldBeNil)

	gm.RefinePointsWithDepth(context.Background())

	// Zero depth and the sensor ceiling are both invalid; 8299 survives.
	pts, idx, err := sm.ValidWorldPoints()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, idx, test.ShouldResemble, []int{2})
	test.That(t, pts[0].Z, test.ShouldAlmostEqual, 8.299)

	all, err := sm.WorldPoints()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, all[0], test.ShouldResemble, r3.Vector{})
	test.That(t, all[1], test.ShouldResemble, r3.Vector{})
}

func TestRefineBadDepthInvalidatesFrame(t *testing.T) {
	dir := t.TempDir()
	good := writeDepthFile(t, dir, "good.npy", []rimage.Depth{2000, 8299})
	garbage := filepath.Join(dir, "garbage.npy")
	test.That(t, os.WriteFile(garbage, []byte("not an npy"), 0o640), test.ShouldBeNil)

	gm := NewGraphMap(golog.NewTestLogger(t))
	sm := newTestSubmap(t, 0, depthTestTensors(4, 2), WithDepthPaths([]string{
		"",
		filepath.Join(dir, "missing.npy"),
		garbage,
		good,
	}))
	test.That(t, gm.AddSubmap(sm), test.ShouldBeNil)

	gm.RefinePointsWithDepth(context.Background())

	pts, idx, err := sm.ValidWorldPoints()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, idx, test.ShouldResemble, []int{6, 7})

	// The refined frame carries its own camera pose.
	test.That(t, pts[0].X, test.ShouldAlmostEqual, 3)
	test.That(t, pts[0].Z, test.ShouldAlmostEqual, 2.0)

	all, err := sm.WorldPoints()
	test.That(t, err, test.ShouldBeNil)
	for i := 0; i < 6; i++ {
		test.That(t, all[i], test.ShouldResemble, r3.Vector{})
	}
}

func TestRefineSkipsWithoutInputs(t *testing.T) {
	gm := NewGraphMap(golog.NewTestLogger(t))
	gm.RefinePointsWithDepth(context.Background())

	// No depth paths at all.
	noPaths := newTestSubmap(t, 0, depthTestTensors(1, 2))
	test.That(t, gm.AddSubmap(noPaths), test.ShouldBeNil)

	// Depth paths but no predicted intrinsics.
	noIntrinsics := newTestSubmap(t, 1, gridTensors(1, 1, 2, 4), WithDepthPaths([]string{"unused.npy"}))
	test.That(t, gm.AddSubmap(noIntrinsics), test.ShouldBeNil)

	gm.RefinePointsWithDepth(context.Background())

	test.That(t, noPaths.ConfThreshold(), test.ShouldEqual, 0.0)
	test.That(t, noIntrinsics.ConfThreshold(), test.ShouldEqual, 0.0)
	pts, err := noIntrinsics.WorldPoints()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pts[0], test.ShouldResemble, r3.Vector{X: 0, Y: 1, Z: 2})
}

func TestRefineLoopFramesUntouched(t *testing.T) {
	dir := t.TempDir()
	fn := writeDepthFile(t, dir, "d0.npy", []rimage.Depth{2000, 2000})

	gm := NewGraphMap(golog.NewTestLogger(t))
	sm := newTestSubmap(t, 0, depthTestTensors(2, 2),
		WithLastNonLoopFrame(0),
		WithDepthPaths([]string{fn, fn}),
	)
	test.That(t, gm.AddSubmap(sm), test.ShouldBeNil)

	gm.RefinePointsWithDepth(context.Background())

	all, err := sm.WorldPoints()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, all[0].Z, test.ShouldAlmostEqual, 2.0)
	// The loop-closure frame keeps its predicted geometry and validity.
	test.That(t, all[2], test.ShouldResemble, r3.Vector{X: 6, Y: 7, Z: 8})
	_, idx, err := sm.ValidWorldPoints()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, idx, test.ShouldResemble, []int{0, 1, 2, 3})
}

func TestRefineScale(t *testing.T) {
	dir := t.TempDir()
	fn := writeDepthFile(t, dir, "d0.npy", []rimage.Depth{2000, 2000})

	gm := NewGraphMap(golog.NewTestLogger(t))
	sm := newTestSubmap(t, 0, depthTestTensors(1, 2), WithDepthPaths([]string{fn}))
	test.That(t, gm.AddSubmap(sm), test.ShouldBeNil)
	test.That(t, gm.SetGlobalScale(2), test.ShouldBeNil)

	gm.RefinePointsWithDepth(context.Background())

	pts, _, err := sm.ValidWorldPoints()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pts[0].Z, test.ShouldAlmostEqual, 1.0)
}

func TestRefineUnsetScale(t *testing.T) {
	dir := t.TempDir()
	fn := writeDepthFile(t, dir, "d0.npy", []rimage.Depth{2000, 2000})

	gm := NewGraphMap(golog.NewTestLogger(t))
	sm := newTestSubmap(t, 0, depthTestTensors(1, 2), WithDepthPaths([]string{fn}))
	test.That(t, gm.AddSubmap(sm), test.ShouldBeNil)
	test.That(t, gm.SetGlobalScale(0), test.ShouldBeNil)

	gm.RefinePointsWithDepth(context.Background())

	// An unset scale divides by 1, not by 0.
	pts, _, err := sm.ValidWorldPoints()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pts[0].Z, test.ShouldAlmostEqual, 2.0)
}
