package server

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/fogleman/gg"
	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"

	"go.viam.com/densemap/pointcloud"
	"go.viam.com/densemap/rimage"
)

const previewHeadingLen = 12

// RenderPreview draws the current map from above. It returns nil without
// error while the map is still empty.
func (svc *Service) RenderPreview() (image.Image, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.gmap.Len() == 0 {
		return nil, nil
	}
	cloud, err := svc.gmap.MergedPointCloud()
	if err != nil {
		return nil, err
	}
	if cloud.Size() == 0 {
		return nil, nil
	}
	return svc.renderTopDown(cloud)
}

// renderTopDown projects the map onto the x/z ground plane. Camera frames
// have x right, y down, z forward, so the image keeps x as right, maps z
// to up, and colors each point by its height -y.
func (svc *Service) renderTopDown(cloud pointcloud.PointCloud) (image.Image, error) {
	width := svc.cfg.Preview.Width
	height := svc.cfg.Preview.Height
	dc := gg.NewContext(width, height)
	dc.SetColor(color.Black)
	dc.Clear()

	meta := cloud.MetaData()
	cx := (meta.MinX + meta.MaxX) / 2
	cz := (meta.MinZ + meta.MaxZ) / 2
	extent := math.Max(meta.MaxX-meta.MinX, meta.MaxZ-meta.MinZ)
	du := meta.MaxX - meta.MinX
	dv := meta.MaxZ - meta.MinZ
	if du <= 0 {
		du = 1
	}
	if dv <= 0 {
		dv = 1
	}
	pixScale := .9 * math.Min(float64(width)/du, float64(height)/dv) * svc.cfg.Preview.Zoom

	project := func(x, z float64) (float64, float64) {
		return float64(width)/2 + (x-cx)*pixScale, float64(height)/2 - (z-cz)*pixScale
	}
	worldScale := svc.gmap.GlobalScale()
	if worldScale == 0 {
		worldScale = 1
	}

	heights := make(stats.Float64Data, 0, cloud.Size())
	cloud.Iterate(0, 0, func(p r3.Vector, _ pointcloud.Data) bool {
		heights = append(heights, -p.Y)
		return true
	})
	lo, hi, err := rampBounds(heights)
	if err != nil {
		return nil, err
	}
	if hi <= lo {
		hi = lo + 1
	}

	cloud.Iterate(0, 0, func(p r3.Vector, _ pointcloud.Data) bool {
		px, py := project(p.X, p.Z)
		if px < 0 || py < 0 || px >= float64(width) || py >= float64(height) {
			return true
		}
		t := (-p.Y - lo) / (hi - lo)
		if t < 0 {
			t = 0
		} else if t > 1 {
			t = 1
		}
		dc.SetColor(rimage.NewColorFromHSV(240*(1-t), .85, .9))
		dc.SetPixel(int(px), int(py))
		return true
	})

	if err := svc.drawTrajectory(dc, project, worldScale); err != nil {
		return nil, err
	}
	if err := svc.drawCameraViews(dc, project, extent, worldScale); err != nil {
		return nil, err
	}

	// also serves as a font taking up 5% of space
	textScaleYStart := float64(height) * .05
	rimage.DrawString(
		dc,
		fmt.Sprintf("submaps: %d  frames: %d", svc.gmap.Len(), svc.framesAdmitted.Load()),
		image.Point{0, int(textScaleYStart)},
		rimage.Green,
		textScaleYStart/2)
	rimage.DrawString(
		dc,
		fmt.Sprintf("scale: %.03f  session: %s", worldScale, svc.sessionID.Load()),
		image.Point{0, int(textScaleYStart * 1.5)},
		rimage.Green,
		textScaleYStart/2)

	return dc.Image(), nil
}

// rampBounds picks the height range for the color ramp. Small clouds use
// the full min/max range; larger ones trim the outer 5% tails.
func rampBounds(heights stats.Float64Data) (float64, float64, error) {
	if len(heights) < 20 {
		lo, err := heights.Min()
		if err != nil {
			return 0, 0, err
		}
		hi, err := heights.Max()
		if err != nil {
			return 0, 0, err
		}
		return lo, hi, nil
	}
	lo, err := stats.Percentile(heights, 5)
	if err != nil {
		return 0, 0, err
	}
	hi, err := stats.Percentile(heights, 95)
	if err != nil {
		return 0, 0, err
	}
	return lo, hi, nil
}

// drawTrajectory strokes the camera path through every submap in map order
// and boxes the newest position.
func (svc *Service) drawTrajectory(dc *gg.Context, project func(x, z float64) (float64, float64), worldScale float64) error {
	var havePrev bool
	var prevX, prevY float64
	dc.SetColor(color.RGBA{200, 200, 200, 255})
	dc.SetLineWidth(1)
	for _, sm := range svc.gmap.OrderedSubmaps() {
		poses, err := sm.WorldPoses(true)
		if err != nil {
			return err
		}
		for _, pose := range poses {
			px, py := project(pose.At(0, 3)*worldScale, pose.At(2, 3)*worldScale)
			if havePrev {
				dc.DrawLine(prevX, prevY, px, py)
				dc.Stroke()
			}
			prevX, prevY = px, py
			havePrev = true
		}
	}
	if havePrev {
		marker := image.Rect(int(prevX)-4, int(prevY)-4, int(prevX)+4, int(prevY)+4)
		rimage.DrawRectangleEmpty(dc, marker, color.RGBA{0, 0, 255, 255}, 2)
	}
	return nil
}

// drawCameraViews marks a thinned set of camera poses with a dot and a
// heading tick.
func (svc *Service) drawCameraViews(
	dc *gg.Context,
	project func(x, z float64) (float64, float64),
	extent, worldScale float64,
) error {
	// the selector works on unscaled poses
	distThresh := .02 * extent / worldScale
	if distThresh <= 0 {
		distThresh = .01
	}
	views, err := svc.gmap.SelectNonRedundantViews(distThresh, 30)
	if err != nil {
		return err
	}
	dc.SetLineWidth(2)
	for _, view := range views {
		px, py := project(view.Center.X*worldScale, view.Center.Z*worldScale)
		dc.DrawCircle(px, py, 3)
		dc.SetColor(color.RGBA{29, 131, 72, 255})
		dc.Fill()
		hx, hz := view.Forward.X, view.Forward.Z
		if n := math.Hypot(hx, hz); n > 1e-6 {
			dc.DrawLine(px, py, px+hx/n*previewHeadingLen, py-hz/n*previewHeadingLen)
			dc.Stroke()
		}
	}
	return nil
}
