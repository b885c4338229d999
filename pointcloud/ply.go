package pointcloud

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"image/color"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// ToPLY writes the cloud to the writer as a PLY file, ascii or
// binary_little_endian. Vertices carry x y z as float32 and, when the cloud
// has color, red green blue as uchar. Positions are written as stored.
func ToPLY(cloud PointCloud, out io.Writer, binaryFormat bool) error {
	hasColor := cloud.MetaData().HasColor

	format := "ascii"
	if binaryFormat {
		format = "binary_little_endian"
	}
	header := fmt.Sprintf("ply\nformat %s 1.0\nelement vertex %d\n"+
		"property float x\nproperty float y\nproperty float z\n", format, cloud.Size())
	if hasColor {
		header += "property uchar red\nproperty uchar green\nproperty uchar blue\n"
	}
	header += "end_header\n"
	if _, err := io.WriteString(out, header); err != nil {
		return err
	}

	var writeErr error
	cloud.Iterate(0, 0, func(pos r3.Vector, d Data) bool {
		var err error
		r, g, b := uint8(255), uint8(255), uint8(255)
		if hasColor && d != nil && d.HasColor() {
			r, g, b = d.RGB255()
		}
		if binaryFormat {
			buf := make([]byte, 12, 15)
			binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(pos.X)))
			binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(float32(pos.Y)))
			binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(float32(pos.Z)))
			if hasColor {
				buf = append(buf, r, g, b)
			}
			_, err = out.Write(buf)
		} else {
			if hasColor {
				_, err = fmt.Fprintf(out, "%f %f %f %d %d %d\n", pos.X, pos.Y, pos.Z, r, g, b)
			} else {
				_, err = fmt.Fprintf(out, "%f %f %f\n", pos.X, pos.Y, pos.Z)
			}
		}
		writeErr = err
		return err == nil
	})
	return writeErr
}

type plyProperty struct {
	name string
	size int
}

type plyHeader struct {
	binary   bool
	vertices int
	props    []plyProperty
	// indices into props, -1 when absent
	x, y, z, red, green, blue int
}

var plyPropertySizes = map[string]int{
	"char": 1, "int8": 1, "uchar": 1, "uint8": 1,
	"short": 2, "int16": 2, "ushort": 2, "uint16": 2,
	"int": 4, "int32": 4, "uint": 4, "uint32": 4, "float": 4, "float32": 4,
	"double": 8, "float64": 8,
}

func parsePLYHeader(in *bufio.Reader) (*plyHeader, error) {
	line, err := in.ReadString('\n')
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(line) != "ply" {
		return nil, errors.New("file does not start with ply magic")
	}

	header := &plyHeader{x: -1, y: -1, z: -1, red: -1, green: -1, blue: -1}
	inVertexElement := false
	for {
		line, err := in.ReadString('\n')
		if err != nil {
			return nil, err
		}
		tokens := strings.Fields(line)
		if len(tokens) == 0 {
			continue
		}
		switch tokens[0] {
		case "comment":
		case "format":
			if len(tokens) < 2 {
				return nil, errors.New("malformed format line")
			}
			switch tokens[1] {
			case "ascii":
				header.binary = false
			case "binary_little_endian":
				header.binary = true
			default:
				return nil, errors.Errorf("unsupported ply format %q", tokens[1])
			}
		case "element":
			if len(tokens) != 3 {
				return nil, errors.New("malformed element line")
			}
			count, err := strconv.Atoi(tokens[2])
			if err != nil {
				return nil, err
			}
			if tokens[1] == "vertex" {
				inVertexElement = true
				header.vertices = count
			} else {
				inVertexElement = false
				if count > 0 {
					return nil, errors.Errorf("unsupported ply element %q", tokens[1])
				}
			}
		case "property":
			if !inVertexElement {
				continue
			}
			if len(tokens) != 3 {
				return nil, errors.Errorf("unsupported ply property line %q", strings.TrimSpace(line))
			}
			size, ok := plyPropertySizes[tokens[1]]
			if !ok {
				return nil, errors.Errorf("unsupported ply property type %q", tokens[1])
			}
			idx := len(header.props)
			header.props = append(header.props, plyProperty{name: tokens[2], size: size})
			switch tokens[2] {
			case "x":
				header.x = idx
			case "y":
				header.y = idx
			case "z":
				header.z = idx
			case "red":
				header.red = idx
			case "green":
				header.green = idx
			case "blue":
				header.blue = idx
			}
		case "end_header":
			if header.x < 0 || header.y < 0 || header.z < 0 {
				return nil, errors.New("ply vertex element missing x, y or z property")
			}
			return header, nil
		}
	}
}

// ReadPLY reads a PLY file into a pointcloud. Vertex properties other than
// position and color are skipped.
func ReadPLY(inRaw io.Reader) (PointCloud, error) {
	in := bufio.NewReader(inRaw)
	header, err := parsePLYHeader(in)
	if err != nil {
		return nil, err
	}
	hasColor := header.red >= 0 && header.green >= 0 && header.blue >= 0

	pc := NewWithPrealloc(header.vertices)
	values := make([]float64, len(header.props))
	for i := 0; i < header.vertices; i++ {
		if header.binary {
			err = readPLYVertexBinary(in, header, values)
		} else {
			err = readPLYVertexAscii(in, header, values)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "reading vertex %d", i)
		}

		pos := r3.Vector{X: values[header.x], Y: values[header.y], Z: values[header.z]}
		var d Data
		if hasColor {
			d = NewColoredData(color.NRGBA{
				uint8(values[header.red]),
				uint8(values[header.green]),
				uint8(values[header.blue]),
				255,
			})
		} else {
			d = NewBasicData()
		}
		if err := pc.Set(pos, d); err != nil {
			return nil, err
		}
	}
	return pc, nil
}

func readPLYVertexAscii(in *bufio.Reader, header *plyHeader, values []float64) error {
	line, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && strings.TrimSpace(line) != "") {
		return err
	}
	tokens := strings.Fields(line)
	if len(tokens) != len(header.props) {
		return errors.Errorf("expected %d properties, got %d", len(header.props), len(tokens))
	}
	for j, token := range tokens {
		values[j], err = strconv.ParseFloat(token, 64)
		if err != nil {
			return err
		}
	}
	return nil
}

func readPLYVertexBinary(in *bufio.Reader, header *plyHeader, values []float64) error {
	for j, prop := range header.props {
		buf := make([]byte, prop.size)
		if _, err := io.ReadFull(in, buf); err != nil {
			return err
		}
		switch prop.size {
		case 1:
			values[j] = float64(buf[0])
		case 2:
			values[j] = float64(binary.LittleEndian.Uint16(buf))
		case 4:
			values[j] = readFloat(binary.LittleEndian.Uint32(buf))
		case 8:
			values[j] = math.Float64frombits(binary.LittleEndian.Uint64(buf))
		}
	}
	return nil
}
