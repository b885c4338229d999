package optimize

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// edgeKey identifies a directed relative constraint between two submap ids.
type edgeKey struct {
	from, to int
}

// ChainGraph is a reference Graph that solves by composing relative
// transforms along the id chain: the lowest registered id anchors the global
// frame with its initial estimate, and every later submap's homography is
// the previous one times the relative edge into it. Loop-closure constraints
// are recorded but do not bend the chain; swapping in an optimizer that uses
// them is a matter of implementing Graph.
//
// ChainGraph is not safe for concurrent use; the mapping session serializes
// all calls.
type ChainGraph struct {
	estimates map[int]*mat.Dense
	edges     map[edgeKey]*mat.Dense
	loops     []edgeKey
}

// NewChainGraph returns an empty graph.
func NewChainGraph() *ChainGraph {
	return &ChainGraph{
		estimates: map[int]*mat.Dense{},
		edges:     map[edgeKey]*mat.Dense{},
	}
}

// AddNode registers a submap id with an initial homography estimate.
// Until Optimize runs, Homography returns the estimate as given.
func (g *ChainGraph) AddNode(id int, initial *mat.Dense) error {
	if _, ok := g.estimates[id]; ok {
		return errors.Errorf("node %d already in graph", id)
	}
	if initial == nil {
		initial = identity4()
	}
	if err := checkHomography(initial); err != nil {
		return errors.Wrapf(err, "node %d", id)
	}
	g.estimates[id] = mat.DenseCopyOf(initial)
	return nil
}

// AddRelativeConstraint adds the measured transform taking fromID's frame
// into toID's frame. Consecutive ids form the chain Optimize composes
// along; any other pair is kept as a loop-closure constraint.
func (g *ChainGraph) AddRelativeConstraint(fromID, toID int, edge *mat.Dense) error {
	if _, ok := g.estimates[fromID]; !ok {
		return errors.Errorf("constraint references unknown node %d", fromID)
	}
	if _, ok := g.estimates[toID]; !ok {
		return errors.Errorf("constraint references unknown node %d", toID)
	}
	if err := checkHomography(edge); err != nil {
		return errors.Wrapf(err, "edge %d->%d", fromID, toID)
	}
	key := edgeKey{fromID, toID}
	if _, ok := g.edges[key]; ok {
		return errors.Errorf("edge %d->%d already in graph", fromID, toID)
	}
	g.edges[key] = mat.DenseCopyOf(edge)
	if toID != fromID+1 {
		g.loops = append(g.loops, key)
	}
	return nil
}

// Len returns the number of registered nodes.
func (g *ChainGraph) Len() int {
	return len(g.estimates)
}

// LoopClosureCount returns how many non-consecutive constraints have been
// recorded.
func (g *ChainGraph) LoopClosureCount() int {
	return len(g.loops)
}

// Optimize recomputes every node's homography by walking ids in ascending
// order from the anchor. Each consecutive pair must have a relative
// constraint.
func (g *ChainGraph) Optimize(ctx context.Context) error {
	if len(g.estimates) == 0 {
		return errors.New("cannot optimize an empty graph")
	}
	ids := make([]int, 0, len(g.estimates))
	for id := range g.estimates {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for i := 1; i < len(ids); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		prev, cur := ids[i-1], ids[i]
		edge, ok := g.edges[edgeKey{prev, cur}]
		if !ok {
			return errors.Errorf("no relative constraint between %d and %d", prev, cur)
		}
		var h mat.Dense
		h.Mul(g.estimates[prev], edge)
		g.estimates[cur] = &h
	}
	return nil
}

// Homography returns a copy of the current solution for the given id.
func (g *ChainGraph) Homography(id int) (*mat.Dense, error) {
	h, ok := g.estimates[id]
	if !ok {
		return nil, errors.Errorf("no homography for id %d", id)
	}
	return mat.DenseCopyOf(h), nil
}
