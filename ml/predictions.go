package ml

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"
)

// Names of the tensors a prediction batch is expected to carry. Points,
// colors, confidence, embeddings, poses and frame ids are required;
// intrinsics are optional.
const (
	TensorPoints     = "points"
	TensorColors     = "colors"
	TensorConf       = "conf"
	TensorEmbeddings = "embeddings"
	TensorPoses      = "poses"
	TensorFrameIDs   = "frame_ids"
	TensorIntrinsics = "intrinsics"
)

// Predictions wraps one batch of model output tensors and exposes typed,
// shape-checked views of them. All per-frame tensors must share the same
// leading frame-count dimension.
type Predictions struct {
	tensors Tensors
}

// NewPredictions validates that the required tensors are present and
// dimensionally consistent and wraps them.
func NewPredictions(t Tensors) (*Predictions, error) {
	p := &Predictions{tensors: t}
	for _, name := range []string{TensorPoints, TensorColors, TensorConf, TensorEmbeddings, TensorPoses, TensorFrameIDs} {
		if _, ok := t[name]; !ok {
			return nil, errors.Errorf("missing required tensor %q; have %v", name, tensorNames(t))
		}
	}
	frames := -1
	for name, d := range t {
		shape := d.Shape()
		if len(shape) == 0 {
			return nil, errors.Errorf("tensor %q is a scalar", name)
		}
		if frames == -1 {
			frames = shape[0]
		} else if shape[0] != frames {
			return nil, errors.Errorf("tensor %q has %d frames, want %d", name, shape[0], frames)
		}
	}
	if frames == 0 {
		return nil, errors.New("prediction batch has no frames")
	}
	if _, _, _, _, err := p.Points(); err != nil {
		return nil, err
	}
	if _, _, _, _, err := p.Colors(); err != nil {
		return nil, err
	}
	if _, _, _, _, err := p.Conf(); err != nil {
		return nil, err
	}
	sp, hp, wp, _, _ := p.Points()
	sc, hc, wc, _, _ := p.Colors()
	sf, hf, wf, _, _ := p.Conf()
	if sp != sc || hp != hc || wp != wc || sp != sf || hp != hf || wp != wf {
		return nil, errors.Errorf("point grid %dx%dx%d disagrees with colors %dx%dx%d or conf %dx%dx%d",
			sp, hp, wp, sc, hc, wc, sf, hf, wf)
	}
	if _, _, _, err := p.Embeddings(); err != nil {
		return nil, err
	}
	if _, err := p.Poses(); err != nil {
		return nil, err
	}
	if _, err := p.FrameIDs(); err != nil {
		return nil, err
	}
	return p, nil
}

// Frames returns the number of frames in the batch.
func (p *Predictions) Frames() int {
	return p.tensors[TensorPoints].Shape()[0]
}

// Has reports whether an optional tensor is present.
func (p *Predictions) Has(name string) bool {
	_, ok := p.tensors[name]
	return ok
}

func (p *Predictions) dense(name string) (*tensor.Dense, error) {
	d, ok := p.tensors[name]
	if !ok {
		return nil, errors.Errorf("missing tensor %q; have %v", name, tensorNames(p.tensors))
	}
	return d, nil
}

func (p *Predictions) floats(name string, rank int) (tensor.Shape, []float64, error) {
	d, err := p.dense(name)
	if err != nil {
		return nil, nil, err
	}
	shape := d.Shape()
	if len(shape) != rank {
		return nil, nil, errors.Errorf("tensor %q has rank %d, want %d", name, len(shape), rank)
	}
	data, err := ToFloat64Slice(d.Data())
	if err != nil {
		return nil, nil, errors.Wrapf(err, "tensor %q", name)
	}
	return shape, data, nil
}

// Points returns the (frames, height, width) dims of the dense point grids
// along with the flat (frames*height*width*3) backing in row-major order.
func (p *Predictions) Points() (s, h, w int, data []float64, err error) {
	return p.grid3(TensorPoints)
}

// Colors returns the per-pixel color grid, shaped like Points.
func (p *Predictions) Colors() (s, h, w int, data []float64, err error) {
	return p.grid3(TensorColors)
}

func (p *Predictions) grid3(name string) (int, int, int, []float64, error) {
	shape, data, err := p.floats(name, 4)
	if err != nil {
		return 0, 0, 0, nil, err
	}
	if shape[3] != 3 {
		return 0, 0, 0, nil, errors.Errorf("tensor %q has inner dim %d, want 3", name, shape[3])
	}
	return shape[0], shape[1], shape[2], data, nil
}

// Conf returns the per-pixel confidence grid.
func (p *Predictions) Conf() (s, h, w int, data []float64, err error) {
	shape, data, err := p.floats(TensorConf, 3)
	if err != nil {
		return 0, 0, 0, nil, err
	}
	return shape[0], shape[1], shape[2], data, nil
}

// Embeddings returns the per-frame retrieval vectors as (frames, dim) rows.
func (p *Predictions) Embeddings() (s, d int, data []float64, err error) {
	shape, data, err := p.floats(TensorEmbeddings, 2)
	if err != nil {
		return 0, 0, nil, err
	}
	return shape[0], shape[1], data, nil
}

// Poses returns per-frame camera-to-world transforms. 3x4 transforms are
// extended with an identity bottom row; anything else must be 4x4.
func (p *Predictions) Poses() ([]*mat.Dense, error) {
	shape, data, err := p.floats(TensorPoses, 3)
	if err != nil {
		return nil, err
	}
	rows, cols := shape[1], shape[2]
	if cols != 4 || (rows != 3 && rows != 4) {
		return nil, errors.Errorf("tensor %q has per-frame shape %dx%d, want 3x4 or 4x4", TensorPoses, rows, cols)
	}
	out := make([]*mat.Dense, shape[0])
	stride := rows * cols
	for i := range out {
		m := mat.NewDense(4, 4, nil)
		frame := data[i*stride : (i+1)*stride]
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				m.Set(r, c, frame[r*cols+c])
			}
		}
		if rows == 3 {
			m.Set(3, 3, 1)
		}
		out[i] = m
	}
	return out, nil
}

// Intrinsics returns per-frame 3x3 camera matrices, or nil when the model
// did not predict them.
func (p *Predictions) Intrinsics() ([]*mat.Dense, error) {
	if !p.Has(TensorIntrinsics) {
		return nil, nil
	}
	shape, data, err := p.floats(TensorIntrinsics, 3)
	if err != nil {
		return nil, err
	}
	if shape[1] != 3 || shape[2] != 3 {
		return nil, errors.Errorf("tensor %q has per-frame shape %dx%d, want 3x3", TensorIntrinsics, shape[1], shape[2])
	}
	out := make([]*mat.Dense, shape[0])
	for i := range out {
		out[i] = mat.NewDense(3, 3, append([]float64(nil), data[i*9:(i+1)*9]...))
	}
	return out, nil
}

// FrameIDs returns the externally meaningful capture sequence number of each
// frame in the batch.
func (p *Predictions) FrameIDs() ([]int, error) {
	shape, data, err := p.floats(TensorFrameIDs, 1)
	if err != nil {
		return nil, err
	}
	out := make([]int, shape[0])
	for i, v := range data {
		out[i] = int(v)
	}
	return out, nil
}
