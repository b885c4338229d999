package transform

import (
	"encoding/json"
	"io"
	"os"

	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"
)

// Extrinsics holds the rotation and translation that take points in the depth camera frame
// to the color camera frame. RotationMatrix is 9 entries in row major order, and
// TranslationVector is in meters.
type Extrinsics struct {
	RotationMatrix    []float64 `json:"rotation"`
	TranslationVector []float64 `json:"translation"`
}

// DepthRig is the calibration of a depth sensor rigidly mounted next to a color camera:
// the pinhole model and lens distortion of each, plus the extrinsics between them.
type DepthRig struct {
	ColorCamera     PinholeCameraIntrinsics `json:"color"`
	DepthCamera     PinholeCameraIntrinsics `json:"depth"`
	ColorDistortion *BrownConrady           `json:"color_distortion,omitempty"`
	DepthDistortion *BrownConrady           `json:"depth_distortion,omitempty"`
	ExtrinsicD2C    Extrinsics              `json:"extrinsics_depth_to_color"`
}

// NewDepthRigFromBytes builds a DepthRig from a JSON blob.
func NewDepthRigFromBytes(b []byte) (*DepthRig, error) {
	rig := &DepthRig{}
	if err := json.Unmarshal(b, rig); err != nil {
		return nil, errors.Wrap(err, "error parsing JSON string")
	}
	return rig, nil
}

// NewDepthRigFromJSONFile takes in a file path to a JSON and turns it into a DepthRig.
func NewDepthRigFromJSONFile(jsonPath string) (*DepthRig, error) {
	//nolint:gosec
	jsonFile, err := os.Open(jsonPath)
	if err != nil {
		return nil, errors.Wrap(err, "error opening JSON file")
	}
	defer utils.UncheckedErrorFunc(jsonFile.Close)
	byteValue, err := io.ReadAll(jsonFile)
	if err != nil {
		return nil, errors.Wrap(err, "error reading JSON data")
	}
	return NewDepthRigFromBytes(byteValue)
}

// CheckValid checks if the fields for DepthRig have valid inputs.
func (rig *DepthRig) CheckValid() error {
	if rig == nil {
		return errors.New("depth rig is nil")
	}
	if err := rig.ColorCamera.CheckValid(); err != nil {
		return errors.Wrap(err, "invalid color camera intrinsics")
	}
	if err := rig.DepthCamera.CheckValid(); err != nil {
		return errors.Wrap(err, "invalid depth camera intrinsics")
	}
	if len(rig.ExtrinsicD2C.RotationMatrix) != 9 {
		return errors.Errorf("rotation matrix must have 9 entries, got %d", len(rig.ExtrinsicD2C.RotationMatrix))
	}
	if len(rig.ExtrinsicD2C.TranslationVector) != 3 {
		return errors.Errorf("translation vector must have 3 entries, got %d", len(rig.ExtrinsicD2C.TranslationVector))
	}
	return nil
}

// RotationMatrix returns the depth to color rotation as a 3x3 matrix.
func (rig *DepthRig) RotationMatrix() *mat.Dense {
	data := make([]float64, len(rig.ExtrinsicD2C.RotationMatrix))
	copy(data, rig.ExtrinsicD2C.RotationMatrix)
	return mat.NewDense(3, 3, data)
}

// TransformPointToPoint applies the rig extrinsics to a 3D point in the depth camera frame,
// returning the point in the color camera frame.
func (rig *DepthRig) TransformPointToPoint(x, y, z float64) (float64, float64, float64) {
	r := rig.ExtrinsicD2C.RotationMatrix
	t := rig.ExtrinsicD2C.TranslationVector
	return r[0]*x + r[1]*y + r[2]*z + t[0],
		r[3]*x + r[4]*y + r[5]*z + t[1],
		r[6]*x + r[7]*y + r[8]*z + t[2]
}
