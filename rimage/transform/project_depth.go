package transform

import (
	"math"

	"github.com/pkg/errors"

	"go.viam.com/densemap/rimage"
)

// ProjectDepthToColorFrame reprojects a depth map captured by the rig's depth sensor into the
// color camera's image plane, returning a width x height depth map in millimeters.
//
// Every source pixel with depth is undistorted to a normalized ray in the depth camera frame,
// back projected at its metric depth, moved through the rig extrinsics, and projected with the
// color camera's distortion model. When several source pixels land on the same target pixel,
// the nearest depth wins. Output depths are clamped to the sensor range of 8300 mm.
func ProjectDepthToColorFrame(dm *rimage.DepthMap, rig *DepthRig, width, height int) (*rimage.DepthMap, error) {
	if dm == nil || !dm.HasData() {
		return nil, errors.New("no depth map to project")
	}
	if err := rig.CheckValid(); err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid target dimensions (%d, %d)", width, height)
	}
	proj := rimage.NewEmptyDepthMap(width, height)
	for v := 0; v < dm.Height(); v++ {
		for u := 0; u < dm.Width(); u++ {
			d := dm.GetDepth(u, v)
			if d == 0 {
				continue
			}
			z := float64(d) * 1e-3
			x := (float64(u) - rig.DepthCamera.Ppx) / rig.DepthCamera.Fx
			y := (float64(v) - rig.DepthCamera.Ppy) / rig.DepthCamera.Fy
			if rig.DepthDistortion != nil {
				x, y = rig.DepthDistortion.Undistort(x, y)
			}
			px, py, pz := rig.TransformPointToPoint(x*z, y*z, z)
			if pz <= 0 || math.IsInf(pz, 0) || math.IsNaN(pz) {
				continue
			}
			xn, yn := px/pz, py/pz
			if rig.ColorDistortion != nil {
				xn, yn = rig.ColorDistortion.Transform(xn, yn)
			}
			uc := xn*rig.ColorCamera.Fx + rig.ColorCamera.Ppx
			vc := yn*rig.ColorCamera.Fy + rig.ColorCamera.Ppy
			if uc < 0 || uc >= float64(width) || vc < 0 || vc >= float64(height) {
				continue
			}
			dmm := rimage.Depth(math.Round(pz * 1000.0))
			if dmm > rimage.MaxSensorDepthMM {
				dmm = rimage.MaxSensorDepthMM
			}
			if dmm == 0 {
				continue
			}
			ui, vi := int(uc), int(vc)
			if cur := proj.GetDepth(ui, vi); cur == 0 || dmm < cur {
				proj.Set(ui, vi, dmm)
			}
		}
	}
	return proj, nil
}
