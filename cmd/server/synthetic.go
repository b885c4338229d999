package main

import (
	"context"
	"math"
	"sync"

	"gorgonia.org/tensor"

	"go.viam.com/densemap/ml"
)

const (
	synGridH     = 24
	synGridW     = 32
	synEmbedDim  = 16
	synArcRadius = 5.0
	synArcStep   = 0.05
)

// syntheticModel fabricates predictions for development runs without an
// inference backend: cameras advance along a gentle arc above a floor grid,
// and embeddings encode heading so a completed circle retrieves.
type syntheticModel struct {
	mu    sync.Mutex
	frame int
}

func newSyntheticModel() *syntheticModel {
	return &syntheticModel{}
}

func (m *syntheticModel) Infer(ctx context.Context, frames [][]byte) (ml.Tensors, error) {
	n := len(frames)
	m.mu.Lock()
	base := m.frame
	if n > 1 {
		// the first frame of a batch repeats the previous batch's last
		m.frame += n - 1
	} else {
		m.frame += n
	}
	m.mu.Unlock()

	pts := make([]float64, 0, n*synGridH*synGridW*3)
	colors := make([]float64, 0, n*synGridH*synGridW*3)
	conf := make([]float64, 0, n*synGridH*synGridW)
	emb := make([]float64, 0, n*synEmbedDim)
	poses := make([]float64, 0, n*16)

	for slot := 0; slot < n; slot++ {
		theta := float64(base+slot) * synArcStep
		sin, cos := math.Sin(theta), math.Cos(theta)
		px := synArcRadius * sin
		pz := synArcRadius * (1 - cos)

		poses = append(poses,
			cos, 0, sin, px,
			0, 1, 0, 0,
			-sin, 0, cos, pz,
			0, 0, 0, 1,
		)

		for r := 0; r < synGridH; r++ {
			depth := 1 + 3*float64(r)/float64(synGridH-1)
			for c := 0; c < synGridW; c++ {
				lateral := (float64(c)/float64(synGridW-1) - 0.5) * 2 * depth
				// a floor point in the camera frame (x right, y down, z forward)
				camX, camY, camZ := lateral, 1.0, depth
				pts = append(pts,
					cos*camX+sin*camZ+px,
					camY,
					-sin*camX+cos*camZ+pz,
				)
				colors = append(colors,
					float64(40+5*r),
					float64(80+(3*c)%120),
					200,
				)
				conf = append(conf, 1/(1+0.1*float64(r)))
			}
		}

		for k := 0; k < synEmbedDim/2; k++ {
			emb = append(emb, math.Cos(float64(k+1)*theta), math.Sin(float64(k+1)*theta))
		}
	}

	ids := make([]float64, n)
	for i := range ids {
		ids[i] = float64(base + i)
	}

	return ml.Tensors{
		ml.TensorPoints:     tensor.New(tensor.WithShape(n, synGridH, synGridW, 3), tensor.WithBacking(pts)),
		ml.TensorColors:     tensor.New(tensor.WithShape(n, synGridH, synGridW, 3), tensor.WithBacking(colors)),
		ml.TensorConf:       tensor.New(tensor.WithShape(n, synGridH, synGridW), tensor.WithBacking(conf)),
		ml.TensorEmbeddings: tensor.New(tensor.WithShape(n, synEmbedDim), tensor.WithBacking(emb)),
		ml.TensorPoses:      tensor.New(tensor.WithShape(n, 4, 4), tensor.WithBacking(poses)),
		ml.TensorFrameIDs:   tensor.New(tensor.WithShape(n), tensor.WithBacking(ids)),
	}, nil
}

func (m *syntheticModel) Close(ctx context.Context) error {
	return nil
}
