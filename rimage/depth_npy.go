package rimage

import (
	"io"
	"math"
	"os"

	"github.com/pkg/errors"
	"github.com/sbinet/npyio"
	"go.uber.org/multierr"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"
)

// ReadDepthMapFromNpy reads a numpy .npy raster from disk as captured by the
// depth bridge. Values are interpreted as millimeters and quantized to
// integer depth samples.
func ReadDepthMapFromNpy(fn string) (_ *DepthMap, err error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(f.Close)
	return ReadDepthMapFromNpyReader(f)
}

// ReadDepthMapFromNpyReader decodes a .npy depth raster from r. Singleton
// dimensions are squeezed away; anything not reducible to a single 2D plane
// is an error.
func ReadDepthMapFromNpyReader(r io.Reader) (*DepthMap, error) {
	nr, err := npyio.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "invalid npy header")
	}
	if nr.Header.Descr.Fortran {
		return nil, errors.New("fortran-ordered npy depth is not supported")
	}

	shape := make([]int, 0, len(nr.Header.Descr.Shape))
	for _, d := range nr.Header.Descr.Shape {
		if d != 1 {
			shape = append(shape, d)
		}
	}
	if len(shape) != 2 {
		return nil, errors.Errorf("depth of shape %v does not reduce to a 2D plane", nr.Header.Descr.Shape)
	}
	height, width := shape[0], shape[1]

	vals, err := readNpyAsFloats(nr)
	if err != nil {
		return nil, err
	}
	if len(vals) != width*height {
		return nil, errors.Errorf("npy holds %d samples, want %d", len(vals), width*height)
	}

	dm := NewEmptyDepthMap(width, height)
	for i, v := range vals {
		dm.data[i] = quantizeDepth(v)
	}
	return dm, nil
}

func readNpyAsFloats(nr *npyio.Reader) ([]float64, error) {
	dt := nr.Header.Descr.Type
	if len(dt) < 2 {
		return nil, errors.Errorf("unsupported npy dtype %q", dt)
	}
	read := func(ptr interface{}) error {
		return errors.Wrapf(nr.Read(ptr), "reading npy dtype %q", dt)
	}
	switch dt[len(dt)-2:] {
	case "f4":
		var v []float32
		if err := read(&v); err != nil {
			return nil, err
		}
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	case "f8":
		var v []float64
		if err := read(&v); err != nil {
			return nil, err
		}
		return v, nil
	case "u1":
		var v []uint8
		if err := read(&v); err != nil {
			return nil, err
		}
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	case "u2":
		var v []uint16
		if err := read(&v); err != nil {
			return nil, err
		}
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	case "u4":
		var v []uint32
		if err := read(&v); err != nil {
			return nil, err
		}
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	case "i2":
		var v []int16
		if err := read(&v); err != nil {
			return nil, err
		}
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	case "i4":
		var v []int32
		if err := read(&v); err != nil {
			return nil, err
		}
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	case "i8":
		var v []int64
		if err := read(&v); err != nil {
			return nil, err
		}
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	default:
		return nil, errors.Errorf("unsupported npy dtype %q for depth", dt)
	}
}

func quantizeDepth(v float64) Depth {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	r := math.Round(v)
	if r > 65535 {
		return 65535
	}
	return Depth(r)
}

// WriteDepthMapToNpy writes the map as a float64 .npy raster of shape
// (height, width).
func WriteDepthMapToNpy(w io.Writer, dm *DepthMap) error {
	data := make([]float64, len(dm.data))
	for i, z := range dm.data {
		data[i] = float64(z)
	}
	return npyio.Write(w, mat.NewDense(dm.height, dm.width, data))
}

// WriteDepthMapToNpyFile writes the map to a .npy file on disk.
func WriteDepthMapToNpyFile(fn string, dm *DepthMap) (err error) {
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return WriteDepthMapToNpy(f, dm)
}
