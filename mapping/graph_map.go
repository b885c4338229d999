package mapping

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"go.viam.com/densemap/optimize"
)

// GraphMap is the container of one mapping session's submaps, keyed by the
// monotonically increasing ids the caller assigns starting at 0. It
// orchestrates loop-closure retrieval, homography propagation from the
// optimizer, depth refinement and export. One GraphMap per session,
// explicitly constructed and threaded through; calls are serialized by the
// session, there is no internal locking.
type GraphMap struct {
	baseID  int
	submaps []*Submap

	globalScale float64
	logger      golog.Logger
}

// NewGraphMap returns an empty map for one mapping session.
func NewGraphMap(logger golog.Logger) *GraphMap {
	return &GraphMap{globalScale: 1.0, logger: logger}
}

// AddSubmap registers a submap under its id. Reusing an id, or skipping
// ahead, means the caller's id bookkeeping and the optimizer's id space fell
// out of sync, which is fatal.
func (gm *GraphMap) AddSubmap(sm *Submap) error {
	if sm == nil {
		return errors.New("submap is nil")
	}
	if len(gm.submaps) == 0 {
		gm.baseID = sm.id
		gm.submaps = append(gm.submaps, sm)
		return nil
	}
	next := gm.baseID + len(gm.submaps)
	switch {
	case sm.id < next:
		return errors.Errorf("submap id %d already present", sm.id)
	case sm.id > next:
		return errors.Errorf("submap id %d skips ahead of %d", sm.id, next)
	}
	gm.submaps = append(gm.submaps, sm)
	return nil
}

// Len returns the number of submaps.
func (gm *GraphMap) Len() int {
	return len(gm.submaps)
}

// LargestID returns the highest registered submap id, or false when the map
// is empty.
func (gm *GraphMap) LargestID() (int, bool) {
	if len(gm.submaps) == 0 {
		return 0, false
	}
	return gm.baseID + len(gm.submaps) - 1, true
}

// Submap returns the submap with the given id.
func (gm *GraphMap) Submap(id int) (*Submap, bool) {
	i := id - gm.baseID
	if i < 0 || i >= len(gm.submaps) {
		return nil, false
	}
	return gm.submaps[i], true
}

// LatestSubmap returns the most recently added submap.
func (gm *GraphMap) LatestSubmap() (*Submap, bool) {
	if len(gm.submaps) == 0 {
		return nil, false
	}
	return gm.submaps[len(gm.submaps)-1], true
}

// OrderedSubmaps returns the submaps in ascending id order.
func (gm *GraphMap) OrderedSubmaps() []*Submap {
	return append([]*Submap(nil), gm.submaps...)
}

// SetGlobalScale sets the export-time scale multiplier, typically once a
// depth-derived metric scale is known. Stored geometry is never rescaled.
func (gm *GraphMap) SetGlobalScale(scale float64) error {
	if math.IsNaN(scale) || math.IsInf(scale, 0) || scale < 0 {
		return errors.Errorf("global scale must be finite and non-negative, got %v", scale)
	}
	gm.globalScale = scale
	return nil
}

// GlobalScale returns the configured export scale; zero means unset.
func (gm *GraphMap) GlobalScale() float64 {
	return gm.globalScale
}

// effectiveScale treats an unset (zero) scale as 1.0 everywhere scale is
// applied, refinement and export alike.
func (gm *GraphMap) effectiveScale() float64 {
	if gm.globalScale == 0 {
		return 1.0
	}
	return gm.globalScale
}

// Match is a loop-closure retrieval hit: the matched submap, the frame slot
// within it, and the L2 distance between the embeddings.
type Match struct {
	Score      float64
	SubmapID   int
	FrameIndex int
}

// RetrieveBestScoreFrame scans every submap except the current one, and,
// when ignoreLastSubmap is set, except the immediately preceding one
// (adjacent submaps overlap by construction and would always win trivially).
// Per submap the best frame is the minimum L2 distance to the query; the
// global best is the strict minimum in id-ascending scan order, so ties keep
// the lower submap id and the lower frame index. The second return is false
// when no submap was eligible.
func (gm *GraphMap) RetrieveBestScoreFrame(query []float64, currentSubmapID int, ignoreLastSubmap bool) (Match, bool) {
	var best Match
	found := false
	for _, sm := range gm.submaps {
		if sm.id == currentSubmapID {
			continue
		}
		if ignoreLastSubmap && sm.id == currentSubmapID-1 {
			continue
		}
		for frame, embedding := range sm.RetrievalVectors() {
			if len(embedding) != len(query) {
				gm.logger.Warnw("skipping embedding with mismatched dimension",
					"submap", sm.id, "frame", frame, "dim", len(embedding), "query_dim", len(query))
				continue
			}
			score := floats.Distance(query, embedding, 2)
			if !found || score < best.Score {
				best = Match{Score: score, SubmapID: sm.id, FrameIndex: frame}
				found = true
			}
		}
	}
	return best, found
}

// UpdateSubmapHomographies pushes the optimizer's latest solution into every
// submap. Call it exactly once after each Optimize pass; a submap id the
// optimizer cannot resolve is a fatal inconsistency.
func (gm *GraphMap) UpdateSubmapHomographies(graph optimize.Graph) error {
	for _, sm := range gm.submaps {
		h, err := graph.Homography(sm.id)
		if err != nil {
			return errors.Wrapf(err, "optimizer has no solution for submap %d", sm.id)
		}
		if err := sm.SetReferenceHomography(h); err != nil {
			return errors.Wrapf(err, "submap %d", sm.id)
		}
	}
	return nil
}
