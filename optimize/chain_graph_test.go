package optimize

import (
	"context"
	"testing"

	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

func translation(x, y, z float64) *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, 0, 0, x,
		0, 1, 0, y,
		0, 0, 1, z,
		0, 0, 0, 1,
	})
}

func TestChainGraphNodes(t *testing.T) {
	g := NewChainGraph()
	test.That(t, g.Len(), test.ShouldEqual, 0)

	err := g.Optimize(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "empty graph")

	test.That(t, g.AddNode(0, nil), test.ShouldBeNil)
	test.That(t, g.Len(), test.ShouldEqual, 1)

	h, err := g.Homography(0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mat.EqualApprox(h, identity4(), 1e-12), test.ShouldBeTrue)

	err = g.AddNode(0, nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "already in graph")

	err = g.AddNode(1, mat.NewDense(3, 3, nil))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "must be 4x4")

	_, err = g.Homography(1)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "no homography for id 1")
}

func TestChainGraphConstraints(t *testing.T) {
	g := NewChainGraph()
	test.That(t, g.AddNode(0, nil), test.ShouldBeNil)
	test.That(t, g.AddNode(1, nil), test.ShouldBeNil)

	err := g.AddRelativeConstraint(0, 5, translation(1, 0, 0))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unknown node 5")

	test.That(t, g.AddRelativeConstraint(0, 1, translation(1, 0, 0)), test.ShouldBeNil)
	err = g.AddRelativeConstraint(0, 1, translation(2, 0, 0))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "already in graph")

	err = g.AddRelativeConstraint(1, 0, nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "homography is nil")
}

func TestChainGraphOptimize(t *testing.T) {
	g := NewChainGraph()
	test.That(t, g.AddNode(0, nil), test.ShouldBeNil)
	test.That(t, g.AddNode(1, nil), test.ShouldBeNil)
	test.That(t, g.AddNode(2, nil), test.ShouldBeNil)
	test.That(t, g.AddRelativeConstraint(0, 1, translation(1, 0, 0)), test.ShouldBeNil)
	test.That(t, g.AddRelativeConstraint(1, 2, translation(0, 2, 0)), test.ShouldBeNil)

	test.That(t, g.Optimize(context.Background()), test.ShouldBeNil)

	h0, err := g.Homography(0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mat.EqualApprox(h0, identity4(), 1e-12), test.ShouldBeTrue)

	h1, err := g.Homography(1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mat.EqualApprox(h1, translation(1, 0, 0), 1e-12), test.ShouldBeTrue)

	h2, err := g.Homography(2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mat.EqualApprox(h2, translation(1, 2, 0), 1e-12), test.ShouldBeTrue)

	// a second pass from the same constraints lands on the same solution
	test.That(t, g.Optimize(context.Background()), test.ShouldBeNil)
	h2Again, err := g.Homography(2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mat.EqualApprox(h2Again, h2, 1e-12), test.ShouldBeTrue)

	// mutating a returned copy must not touch the graph
	h2Again.Set(0, 3, 99)
	h2Unchanged, err := g.Homography(2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mat.EqualApprox(h2Unchanged, translation(1, 2, 0), 1e-12), test.ShouldBeTrue)
}

func TestChainGraphMissingEdge(t *testing.T) {
	g := NewChainGraph()
	test.That(t, g.AddNode(0, nil), test.ShouldBeNil)
	test.That(t, g.AddNode(1, nil), test.ShouldBeNil)

	err := g.Optimize(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "no relative constraint between 0 and 1")
}

func TestChainGraphLoopClosures(t *testing.T) {
	g := NewChainGraph()
	for i := 0; i < 4; i++ {
		test.That(t, g.AddNode(i, nil), test.ShouldBeNil)
	}
	for i := 1; i < 4; i++ {
		test.That(t, g.AddRelativeConstraint(i-1, i, translation(1, 0, 0)), test.ShouldBeNil)
	}
	test.That(t, g.LoopClosureCount(), test.ShouldEqual, 0)

	test.That(t, g.AddRelativeConstraint(3, 0, translation(-3, 0, 0)), test.ShouldBeNil)
	test.That(t, g.LoopClosureCount(), test.ShouldEqual, 1)

	// the loop edge is bookkeeping only; the chain still composes in order
	test.That(t, g.Optimize(context.Background()), test.ShouldBeNil)
	h3, err := g.Homography(3)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mat.EqualApprox(h3, translation(3, 0, 0), 1e-12), test.ShouldBeTrue)
}

func TestChainGraphCancel(t *testing.T) {
	g := NewChainGraph()
	test.That(t, g.AddNode(0, nil), test.ShouldBeNil)
	test.That(t, g.AddNode(1, nil), test.ShouldBeNil)
	test.That(t, g.AddRelativeConstraint(0, 1, translation(1, 0, 0)), test.ShouldBeNil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := g.Optimize(ctx)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err, test.ShouldEqual, context.Canceled)
}
