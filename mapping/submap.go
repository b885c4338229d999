// Package mapping implements the submap/graph-map core of the dense mapper:
// per-batch submaps owning point, color and confidence grids, the session map
// that stitches them into one global frame via pose-graph homographies,
// loop-closure retrieval over frame embeddings, depth-based point refinement,
// and the export surfaces (poses file, per-frame archives, merged clouds).
package mapping

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/densemap/ml"
	"go.viam.com/densemap/rimage/transform"
)

// Submap owns one batch's geometry: S frames of H×W point, color and
// confidence grids in the submap's local reference frame, per-frame poses,
// retrieval embeddings and frame ids, plus optional per-frame intrinsics and
// captured-depth references. World-frame queries apply the reference
// homography with homogeneous division; the homography is replaced wholesale
// after every optimizer pass and stored grids are never rewritten by it.
type Submap struct {
	id int

	frames, height, width int

	points []float64 // frames*height*width*3 row-major
	colors []float64 // frames*height*width*3 row-major
	conf   []float64 // frames*height*width
	mask   []bool    // frames*height*width, nil until refinement

	embeddings [][]float64
	poses      []*mat.Dense // 4x4 camera-to-world, local frame
	frameIDs   []int

	intrinsics []*transform.PinholeCameraIntrinsics // nil when not predicted
	depthPaths []string                             // "" = no captured depth

	referenceHomography *mat.Dense
	lastNonLoopFrame    int
	confThreshold       float64
	refined             bool
}

// submapOpts are the optional construction parameters of a Submap.
type submapOpts struct {
	confThreshold    float64
	lastNonLoopFrame int
	depthPaths       []string
}

// SubmapOption configures NewSubmap.
type SubmapOption interface {
	apply(*submapOpts)
}

type funcSubmapOption struct {
	f func(*submapOpts)
}

func (fo *funcSubmapOption) apply(o *submapOpts) {
	fo.f(o)
}

// WithConfThreshold sets the initial confidence cutoff below which points
// are treated as invalid. Defaults to 0; depth refinement overrides it.
func WithConfThreshold(threshold float64) SubmapOption {
	return &funcSubmapOption{func(o *submapOpts) {
		o.confThreshold = threshold
	}}
}

// WithLastNonLoopFrame marks the last frame slot holding a genuine capture
// frame; slots above it were injected for loop closing and are excluded from
// per-frame exports and refinement. Defaults to the final slot.
func WithLastNonLoopFrame(index int) SubmapOption {
	return &funcSubmapOption{func(o *submapOpts) {
		o.lastNonLoopFrame = index
	}}
}

// WithDepthPaths attaches per-frame captured-depth file references. The
// slice may be shorter than the frame count; an empty string means no depth
// was captured for that frame.
func WithDepthPaths(paths []string) SubmapOption {
	return &funcSubmapOption{func(o *submapOpts) {
		o.depthPaths = paths
	}}
}

// NewSubmap builds a submap from one batch of model predictions, taking
// ownership of the extracted buffers. The reference homography starts as
// identity.
func NewSubmap(id int, preds *ml.Predictions, opts ...SubmapOption) (*Submap, error) {
	if preds == nil {
		return nil, errors.New("predictions are nil")
	}
	s, h, w, points, err := preds.Points()
	if err != nil {
		return nil, err
	}
	_, _, _, colors, err := preds.Colors()
	if err != nil {
		return nil, err
	}
	_, _, _, conf, err := preds.Conf()
	if err != nil {
		return nil, err
	}
	es, ed, embedData, err := preds.Embeddings()
	if err != nil {
		return nil, err
	}
	if es != s {
		return nil, errors.Errorf("have %d embeddings for %d frames", es, s)
	}
	poses, err := preds.Poses()
	if err != nil {
		return nil, err
	}
	frameIDs, err := preds.FrameIDs()
	if err != nil {
		return nil, err
	}

	embeddings := make([][]float64, es)
	for i := range embeddings {
		embeddings[i] = embedData[i*ed : (i+1)*ed]
	}

	var intrinsics []*transform.PinholeCameraIntrinsics
	kmats, err := preds.Intrinsics()
	if err != nil {
		return nil, err
	}
	if kmats != nil {
		intrinsics = make([]*transform.PinholeCameraIntrinsics, len(kmats))
		for i, k := range kmats {
			intrinsics[i], err = transform.IntrinsicsFromMatrix(k, w, h)
			if err != nil {
				return nil, errors.Wrapf(err, "frame %d intrinsics", i)
			}
		}
	}

	o := submapOpts{lastNonLoopFrame: s - 1}
	for _, opt := range opts {
		opt.apply(&o)
	}
	if o.lastNonLoopFrame < 0 || o.lastNonLoopFrame >= s {
		return nil, errors.Errorf("last non-loop frame %d outside [0,%d)", o.lastNonLoopFrame, s)
	}
	if len(o.depthPaths) > s {
		return nil, errors.Errorf("have %d depth paths for %d frames", len(o.depthPaths), s)
	}

	return &Submap{
		id:                  id,
		frames:              s,
		height:              h,
		width:               w,
		points:              points,
		colors:              colors,
		conf:                conf,
		embeddings:          embeddings,
		poses:               poses,
		frameIDs:            frameIDs,
		intrinsics:          intrinsics,
		depthPaths:          o.depthPaths,
		referenceHomography: identity4(),
		lastNonLoopFrame:    o.lastNonLoopFrame,
		confThreshold:       o.confThreshold,
	}, nil
}

// ID returns the submap's id in the session map.
func (sm *Submap) ID() int {
	return sm.id
}

// Frames returns the number of frame slots, loop-closure slots included.
func (sm *Submap) Frames() int {
	return sm.frames
}

// Grid returns the per-frame grid dimensions.
func (sm *Submap) Grid() (height, width int) {
	return sm.height, sm.width
}

// LastNonLoopFrame returns the last frame slot holding a genuine capture
// frame.
func (sm *Submap) LastNonLoopFrame() int {
	return sm.lastNonLoopFrame
}

// ConfThreshold returns the current validity cutoff.
func (sm *Submap) ConfThreshold() float64 {
	return sm.confThreshold
}

// SetConfThreshold replaces the validity cutoff.
func (sm *Submap) SetConfThreshold(threshold float64) {
	sm.confThreshold = threshold
}

// DepthPaths returns the per-frame captured-depth references, which may be
// shorter than the frame count; empty entries mean no capture.
func (sm *Submap) DepthPaths() []string {
	return sm.depthPaths
}

// SetReferenceHomography replaces the local-to-global transform. Only the
// shape is validated; stored grids are never rewritten, all subsequent
// world-frame queries go through the new transform.
func (sm *Submap) SetReferenceHomography(h *mat.Dense) error {
	if h == nil {
		return errors.New("reference homography is nil")
	}
	if r, c := h.Dims(); r != 4 || c != 4 {
		return errors.Errorf("reference homography must be 4x4, got %dx%d", r, c)
	}
	sm.referenceHomography = mat.DenseCopyOf(h)
	return nil
}

// ReferenceHomography returns a copy of the current local-to-global
// transform.
func (sm *Submap) ReferenceHomography() *mat.Dense {
	return mat.DenseCopyOf(sm.referenceHomography)
}

// applyHomography maps one local point to the global frame with homogeneous
// division.
func applyHomography(h *mat.Dense, x, y, z float64) r3.Vector {
	hx := h.At(0, 0)*x + h.At(0, 1)*y + h.At(0, 2)*z + h.At(0, 3)
	hy := h.At(1, 0)*x + h.At(1, 1)*y + h.At(1, 2)*z + h.At(1, 3)
	hz := h.At(2, 0)*x + h.At(2, 1)*y + h.At(2, 2)*z + h.At(2, 3)
	hw := h.At(3, 0)*x + h.At(3, 1)*y + h.At(3, 2)*z + h.At(3, 3)
	if hw != 1 {
		hx /= hw
		hy /= hw
		hz /= hw
	}
	return r3.Vector{X: hx, Y: hy, Z: hz}
}

func (sm *Submap) checkGeometry() error {
	if len(sm.points) == 0 {
		return errors.Errorf("submap %d has no point grids", sm.id)
	}
	if len(sm.poses) == 0 {
		return errors.Errorf("submap %d has no poses", sm.id)
	}
	return nil
}

// WorldPoints returns every stored point transformed into the global frame,
// frame-major and row-major within a frame; the length is always
// frames*height*width.
func (sm *Submap) WorldPoints() ([]r3.Vector, error) {
	if err := sm.checkGeometry(); err != nil {
		return nil, err
	}
	out := make([]r3.Vector, 0, len(sm.points)/3)
	for i := 0; i+2 < len(sm.points); i += 3 {
		out = append(out, applyHomography(sm.referenceHomography, sm.points[i], sm.points[i+1], sm.points[i+2]))
	}
	return out, nil
}

// ValidWorldPoints returns the world-frame points whose confidence clears
// the threshold and whose mask entry, when a mask exists, is set. The second
// return holds each kept point's flat source index.
func (sm *Submap) ValidWorldPoints() ([]r3.Vector, []int, error) {
	if err := sm.checkGeometry(); err != nil {
		return nil, nil, err
	}
	var pts []r3.Vector
	var idx []int
	for i := 0; i < len(sm.conf); i++ {
		if sm.conf[i] < sm.confThreshold {
			continue
		}
		if sm.mask != nil && !sm.mask[i] {
			continue
		}
		pts = append(pts, applyHomography(sm.referenceHomography,
			sm.points[i*3], sm.points[i*3+1], sm.points[i*3+2]))
		idx = append(idx, i)
	}
	return pts, idx, nil
}

// frameMask returns the validity mask of one frame: the stored mask row when
// refinement has produced one, otherwise the confidence thresholded on the
// spot.
func (sm *Submap) frameMask(frame int) []bool {
	n := sm.height * sm.width
	out := make([]bool, n)
	if sm.mask != nil {
		copy(out, sm.mask[frame*n:(frame+1)*n])
		return out
	}
	for i := 0; i < n; i++ {
		out[i] = sm.conf[frame*n+i] >= sm.confThreshold
	}
	return out
}

// WorldPointsPerFrame yields each frame's world-frame points with its frame
// id and validity mask, ascending by frame slot. With
// ignoreLoopClosureFrames only the genuine capture slots are yielded. The
// callback returns false to stop early.
func (sm *Submap) WorldPointsPerFrame(
	ignoreLoopClosureFrames bool,
	fn func(frameID int, points []r3.Vector, mask []bool) bool,
) error {
	if err := sm.checkGeometry(); err != nil {
		return err
	}
	last := sm.frames - 1
	if ignoreLoopClosureFrames {
		last = sm.lastNonLoopFrame
	}
	n := sm.height * sm.width
	for frame := 0; frame <= last; frame++ {
		pts := make([]r3.Vector, 0, n)
		base := frame * n * 3
		for i := 0; i < n; i++ {
			pts = append(pts, applyHomography(sm.referenceHomography,
				sm.points[base+i*3], sm.points[base+i*3+1], sm.points[base+i*3+2]))
		}
		if !fn(sm.frameIDs[frame], pts, sm.frameMask(frame)) {
			return nil
		}
	}
	return nil
}

// WorldPoses returns referenceHomography·pose per frame, order preserving.
func (sm *Submap) WorldPoses(ignoreLoopClosureFrames bool) ([]*mat.Dense, error) {
	if err := sm.checkGeometry(); err != nil {
		return nil, err
	}
	last := sm.frames - 1
	if ignoreLoopClosureFrames {
		last = sm.lastNonLoopFrame
	}
	out := make([]*mat.Dense, 0, last+1)
	for frame := 0; frame <= last; frame++ {
		var world mat.Dense
		world.Mul(sm.referenceHomography, sm.poses[frame])
		out = append(out, &world)
	}
	return out, nil
}

// Pose returns a copy of the camera-to-submap pose of one frame, without
// the reference homography applied.
func (sm *Submap) Pose(frame int) (*mat.Dense, error) {
	if frame < 0 || frame >= sm.frames {
		return nil, errors.Errorf("frame %d outside submap %d with %d frames", frame, sm.id, sm.frames)
	}
	return mat.DenseCopyOf(sm.poses[frame]), nil
}

// FrameIDs returns the externally meaningful capture sequence numbers.
func (sm *Submap) FrameIDs(ignoreLoopClosureFrames bool) []int {
	last := sm.frames - 1
	if ignoreLoopClosureFrames {
		last = sm.lastNonLoopFrame
	}
	return append([]int(nil), sm.frameIDs[:last+1]...)
}

// Colors returns the per-point colors flattened 1:1 with WorldPoints order.
// Channels are as the model produced them, either 0..1 or 0..255.
func (sm *Submap) Colors() ([]r3.Vector, error) {
	if len(sm.colors) == 0 {
		return nil, errors.Errorf("submap %d has no colors", sm.id)
	}
	out := make([]r3.Vector, 0, len(sm.colors)/3)
	for i := 0; i+2 < len(sm.colors); i += 3 {
		out = append(out, r3.Vector{X: sm.colors[i], Y: sm.colors[i+1], Z: sm.colors[i+2]})
	}
	return out, nil
}

// RetrievalVectors returns the per-frame embeddings used for loop-closure
// matching. The rows are the submap's own backing and must not be mutated.
func (sm *Submap) RetrievalVectors() [][]float64 {
	return sm.embeddings
}

// Intrinsics returns the frame's predicted camera intrinsics, or false when
// the model did not predict any.
func (sm *Submap) Intrinsics(frame int) (*transform.PinholeCameraIntrinsics, bool) {
	if sm.intrinsics == nil || frame < 0 || frame >= len(sm.intrinsics) {
		return nil, false
	}
	return sm.intrinsics[frame], true
}

// ensureMask materializes the validity mask buffer from the current
// confidence and threshold. Refinement calls this before overwriting
// per-frame rows so un-refined slots keep their prediction-derived validity.
func (sm *Submap) ensureMask() {
	if sm.mask != nil {
		return
	}
	sm.mask = make([]bool, len(sm.conf))
	for i, c := range sm.conf {
		sm.mask[i] = c >= sm.confThreshold
	}
}

// ReplaceFrameGeometry fully replaces one frame's point grid, confidence and
// mask. Refinement uses this; there is no partial merge.
func (sm *Submap) ReplaceFrameGeometry(frame int, pts, conf []float64, mask []bool) error {
	if frame < 0 || frame >= sm.frames {
		return errors.Errorf("frame %d outside [0,%d)", frame, sm.frames)
	}
	n := sm.height * sm.width
	if len(pts) != n*3 || len(conf) != n || len(mask) != n {
		return errors.Errorf("frame buffers must be %d/%d/%d long, got %d/%d/%d",
			n*3, n, n, len(pts), len(conf), len(mask))
	}
	sm.ensureMask()
	copy(sm.points[frame*n*3:(frame+1)*n*3], pts)
	copy(sm.conf[frame*n:(frame+1)*n], conf)
	copy(sm.mask[frame*n:(frame+1)*n], mask)
	return nil
}

// zeroFrameGeometry invalidates one frame: zero points and confidence, all
// mask bits cleared.
func (sm *Submap) zeroFrameGeometry(frame int) {
	n := sm.height * sm.width
	sm.ensureMask()
	for i := frame * n * 3; i < (frame+1)*n*3; i++ {
		sm.points[i] = 0
	}
	for i := frame * n; i < (frame+1)*n; i++ {
		sm.conf[i] = 0
		sm.mask[i] = false
	}
}

func identity4() *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
}
