package server

// frame is one admitted capture: the encoded image plus, in depth mode,
// the path of the depth raster saved for it. An empty depthPath means no
// captured depth for the frame.
type frame struct {
	id        int
	image     []byte
	depthPath string
}

// batcher accumulates admitted frames into submap batches. A full batch
// holds size+1 frames; the last one is carried over as the first frame of
// the next batch so consecutive submaps share an overlap frame.
type batcher struct {
	size    int
	carried bool
	pending []frame
}

func newBatcher(size int) *batcher {
	return &batcher{size: size}
}

// add appends a frame and returns a completed batch once size+1 frames
// have accumulated, nil otherwise.
func (b *batcher) add(f frame) []frame {
	b.pending = append(b.pending, f)
	if len(b.pending) < b.size+1 {
		return nil
	}
	batch := append([]frame(nil), b.pending...)
	b.pending = append(b.pending[:0], batch[len(batch)-1])
	b.carried = true
	return batch
}

// flush returns whatever has accumulated as a short final batch. A lone
// carried overlap frame has already been processed and yields nil.
func (b *batcher) flush() []frame {
	defer func() {
		b.pending = b.pending[:0]
		b.carried = false
	}()
	if len(b.pending) == 0 || (b.carried && len(b.pending) == 1) {
		return nil
	}
	return append([]frame(nil), b.pending...)
}
