package mapping

import (
	"context"
	"math"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"go.viam.com/densemap/ml"
	"go.viam.com/densemap/optimize"
)

func TestGraphMapAddAndLookup(t *testing.T) {
	gm := NewGraphMap(golog.NewTestLogger(t))

	test.That(t, gm.AddSubmap(nil), test.ShouldNotBeNil)
	test.That(t, gm.Len(), test.ShouldEqual, 0)
	_, ok := gm.LargestID()
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = gm.LatestSubmap()
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = gm.Submap(0)
	test.That(t, ok, test.ShouldBeFalse)

	test.That(t, gm.AddSubmap(newTestSubmap(t, 0, gridTensors(1, 1, 2, 4))), test.ShouldBeNil)
	test.That(t, gm.AddSubmap(newTestSubmap(t, 1, gridTensors(1, 1, 2, 4))), test.ShouldBeNil)
	test.That(t, gm.Len(), test.ShouldEqual, 2)

	id, ok := gm.LargestID()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, id, test.ShouldEqual, 1)

	sm, ok := gm.Submap(1)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, sm.ID(), test.ShouldEqual, 1)

	latest, ok := gm.LatestSubmap()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, latest.ID(), test.ShouldEqual, 1)

	ordered := gm.OrderedSubmaps()
	test.That(t, ordered, test.ShouldHaveLength, 2)
	test.That(t, ordered[0].ID(), test.ShouldEqual, 0)
	test.That(t, ordered[1].ID(), test.ShouldEqual, 1)

	err := gm.AddSubmap(newTestSubmap(t, 1, gridTensors(1, 1, 2, 4)))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "already present")

	err = gm.AddSubmap(newTestSubmap(t, 5, gridTensors(1, 1, 2, 4)))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "skips ahead")
}

func TestGraphMapBaseOffset(t *testing.T) {
	gm := NewGraphMap(golog.NewTestLogger(t))
	test.That(t, gm.AddSubmap(newTestSubmap(t, 7, gridTensors(1, 1, 2, 4))), test.ShouldBeNil)
	test.That(t, gm.AddSubmap(newTestSubmap(t, 8, gridTensors(1, 1, 2, 4))), test.ShouldBeNil)

	id, ok := gm.LargestID()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, id, test.ShouldEqual, 8)

	sm, ok := gm.Submap(7)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, sm.ID(), test.ShouldEqual, 7)
	_, ok = gm.Submap(6)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestGraphMapGlobalScale(t *testing.T) {
	gm := NewGraphMap(golog.NewTestLogger(t))
	test.That(t, gm.GlobalScale(), test.ShouldEqual, 1.0)

	test.That(t, gm.SetGlobalScale(2.5), test.ShouldBeNil)
	test.That(t, gm.GlobalScale(), test.ShouldEqual, 2.5)

	// Zero means unset and is allowed.
	test.That(t, gm.SetGlobalScale(0), test.ShouldBeNil)
	test.That(t, gm.GlobalScale(), test.ShouldEqual, 0.0)

	test.That(t, gm.SetGlobalScale(math.NaN()), test.ShouldNotBeNil)
	test.That(t, gm.SetGlobalScale(math.Inf(1)), test.ShouldNotBeNil)
	test.That(t, gm.SetGlobalScale(-1), test.ShouldNotBeNil)
}

func embeddedSubmap(t *testing.T, id, frames, dim int, rows []float64) *Submap {
	t.Helper()
	tt := gridTensors(frames, 1, 2, dim)
	tt[ml.TensorEmbeddings] = tensor.New(tensor.WithShape(frames, dim), tensor.WithBacking(rows))
	return newTestSubmap(t, id, tt)
}

func TestRetrieveBestScoreFrame(t *testing.T) {
	gm := NewGraphMap(golog.NewTestLogger(t))
	test.That(t, gm.AddSubmap(embeddedSubmap(t, 0, 2, 4, []float64{
		0, 0, 0, 0,
		1, 0, 0, 0,
	})), test.ShouldBeNil)
	test.That(t, gm.AddSubmap(embeddedSubmap(t, 1, 2, 4, []float64{
		10, 0, 0, 0,
		11, 0, 0, 0,
	})), test.ShouldBeNil)

	// The query is submap 1's own first frame; the only eligible submap is 0
	// and its closest frame is 1.
	match, found := gm.RetrieveBestScoreFrame([]float64{10, 0, 0, 0}, 1, false)
	test.That(t, found, test.ShouldBeTrue)
	test.That(t, match.SubmapID, test.ShouldEqual, 0)
	test.That(t, match.FrameIndex, test.ShouldEqual, 1)
	test.That(t, match.Score, test.ShouldEqual, 9.0)

	// Ignoring the previous submap leaves nothing to search.
	_, found = gm.RetrieveBestScoreFrame([]float64{10, 0, 0, 0}, 1, true)
	test.That(t, found, test.ShouldBeFalse)

	test.That(t, gm.AddSubmap(embeddedSubmap(t, 2, 2, 4, []float64{
		20, 0, 0, 0,
		21, 0, 0, 0,
	})), test.ShouldBeNil)

	// From submap 2 with the previous ignored only submap 0 remains.
	match, found = gm.RetrieveBestScoreFrame([]float64{11, 0, 0, 0}, 2, true)
	test.That(t, found, test.ShouldBeTrue)
	test.That(t, match.SubmapID, test.ShouldEqual, 0)
	test.That(t, match.FrameIndex, test.ShouldEqual, 1)
	test.That(t, match.Score, test.ShouldEqual, 10.0)

	// Without the exclusion submap 1 wins outright.
	match, found = gm.RetrieveBestScoreFrame([]float64{11, 0, 0, 0}, 2, false)
	test.That(t, found, test.ShouldBeTrue)
	test.That(t, match.SubmapID, test.ShouldEqual, 1)
	test.That(t, match.FrameIndex, test.ShouldEqual, 1)
	test.That(t, match.Score, test.ShouldEqual, 0.0)
}

func TestRetrieveBestScoreFrameTies(t *testing.T) {
	gm := NewGraphMap(golog.NewTestLogger(t))
	rows := []float64{
		5, 0, 0, 0,
		5, 0, 0, 0,
	}
	test.That(t, gm.AddSubmap(embeddedSubmap(t, 0, 2, 4, rows)), test.ShouldBeNil)
	test.That(t, gm.AddSubmap(embeddedSubmap(t, 1, 2, 4, rows)), test.ShouldBeNil)
	test.That(t, gm.AddSubmap(embeddedSubmap(t, 2, 2, 4, []float64{
		9, 0, 0, 0,
		9, 0, 0, 0,
	})), test.ShouldBeNil)

	// Submaps 0 and 1 tie; the scan keeps the lowest submap id and the
	// lowest frame index within it.
	match, found := gm.RetrieveBestScoreFrame([]float64{5, 0, 0, 0}, 2, false)
	test.That(t, found, test.ShouldBeTrue)
	test.That(t, match.SubmapID, test.ShouldEqual, 0)
	test.That(t, match.FrameIndex, test.ShouldEqual, 0)
	test.That(t, match.Score, test.ShouldEqual, 0.0)
}

func TestRetrieveBestScoreFrameDimMismatch(t *testing.T) {
	gm := NewGraphMap(golog.NewTestLogger(t))
	test.That(t, gm.AddSubmap(embeddedSubmap(t, 0, 1, 4, []float64{1, 2, 3, 4})), test.ShouldBeNil)
	test.That(t, gm.AddSubmap(embeddedSubmap(t, 1, 1, 4, []float64{5, 6, 7, 8})), test.ShouldBeNil)

	_, found := gm.RetrieveBestScoreFrame([]float64{1, 2, 3}, 1, false)
	test.That(t, found, test.ShouldBeFalse)
}

func TestUpdateSubmapHomographies(t *testing.T) {
	gm := NewGraphMap(golog.NewTestLogger(t))
	test.That(t, gm.AddSubmap(newTestSubmap(t, 0, gridTensors(1, 1, 2, 4))), test.ShouldBeNil)
	test.That(t, gm.AddSubmap(newTestSubmap(t, 1, gridTensors(1, 1, 2, 4))), test.ShouldBeNil)

	g := optimize.NewChainGraph()
	test.That(t, g.AddNode(0, nil), test.ShouldBeNil)
	test.That(t, g.AddNode(1, nil), test.ShouldBeNil)
	test.That(t, g.AddRelativeConstraint(0, 1, translation4(5, 0, 0)), test.ShouldBeNil)
	test.That(t, g.Optimize(context.Background()), test.ShouldBeNil)

	test.That(t, gm.UpdateSubmapHomographies(g), test.ShouldBeNil)

	sm0, _ := gm.Submap(0)
	sm1, _ := gm.Submap(1)
	test.That(t, mat.EqualApprox(sm0.ReferenceHomography(), translation4(0, 0, 0), 1e-12), test.ShouldBeTrue)
	test.That(t, mat.EqualApprox(sm1.ReferenceHomography(), translation4(5, 0, 0), 1e-12), test.ShouldBeTrue)

	// A submap the optimizer does not know about is a fatal inconsistency.
	test.That(t, gm.AddSubmap(newTestSubmap(t, 2, gridTensors(1, 1, 2, 4))), test.ShouldBeNil)
	err := gm.UpdateSubmapHomographies(g)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "no solution for submap 2")
}
