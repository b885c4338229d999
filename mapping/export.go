package mapping

import (
	"archive/zip"
	"bufio"
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"

	"github.com/sbinet/npyio"
	"go.viam.com/densemap/pointcloud"
)

// writePart writes through fn into path+".part" and renames over path on
// success, so a failed export never leaves a partial file that looks
// complete.
func writePart(path string, fn func(f *os.File) error) (err error) {
	part := path + ".part"
	//nolint:gosec
	f, err := os.OpenFile(part, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if err = fn(f); err != nil {
		err = multierr.Combine(err, f.Close(), os.Remove(part))
		return err
	}
	if err = f.Close(); err != nil {
		return multierr.Combine(err, os.Remove(part))
	}
	return os.Rename(part, path)
}

func rotationQuaternion(pose *mat.Dense) mgl64.Quat {
	var m mgl64.Mat4
	for c := 0; c < 4; c++ {
		for r := 0; r < 4; r++ {
			m[c*4+r] = pose.At(r, c)
		}
	}
	return mgl64.Mat4ToQuat(m)
}

// WritePosesToFile writes one line per non-loop frame across submaps in
// ascending id order: `frame_id x y z qx qy qz qw`, every field with eight
// decimals, translation multiplied by the effective global scale.
func (gm *GraphMap) WritePosesToFile(path string) error {
	if len(gm.submaps) == 0 {
		return errors.New("map has no submaps")
	}
	scale := gm.effectiveScale()
	return writePart(path, func(f *os.File) error {
		w := bufio.NewWriter(f)
		for _, sm := range gm.submaps {
			poses, err := sm.WorldPoses(true)
			if err != nil {
				return err
			}
			frameIDs := sm.FrameIDs(true)
			if len(poses) != len(frameIDs) {
				return errors.Errorf("submap %d has %d poses for %d frame ids", sm.id, len(poses), len(frameIDs))
			}
			for i, pose := range poses {
				q := rotationQuaternion(pose)
				_, err := fmt.Fprintf(w, "%.8f %.8f %.8f %.8f %.8f %.8f %.8f %.8f\n",
					float64(frameIDs[i]),
					pose.At(0, 3)*scale, pose.At(1, 3)*scale, pose.At(2, 3)*scale,
					q.X(), q.Y(), q.Z(), q.W)
				if err != nil {
					return err
				}
			}
		}
		return w.Flush()
	})
}

// SaveFramewisePointClouds writes one <frameID>.npz per non-loop frame into
// dir, holding a scaled (H·W,3) `pointcloud` entry and a (H·W) bool `mask`
// entry. An overlap frame shared by two submaps is written twice under the
// same name; the later submap's refinement-aware version wins.
func (gm *GraphMap) SaveFramewisePointClouds(dir string) error {
	if len(gm.submaps) == 0 {
		return errors.New("map has no submaps")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	scale := gm.effectiveScale()
	for _, sm := range gm.submaps {
		var frameErr error
		err := sm.WorldPointsPerFrame(true, func(frameID int, pts []r3.Vector, mask []bool) bool {
			flat := make([]float64, 0, len(pts)*3)
			for _, p := range pts {
				flat = append(flat, p.X*scale, p.Y*scale, p.Z*scale)
			}
			name := filepath.Join(dir, fmt.Sprintf("%d.npz", frameID))
			frameErr = writeNpz(name, mat.NewDense(len(pts), 3, flat), mask)
			return frameErr == nil
		})
		if err != nil {
			return err
		}
		if frameErr != nil {
			return frameErr
		}
	}
	return nil
}

// writeNpz writes an npz (zip of npy members) with `pointcloud` and `mask`
// entries the way numpy's savez lays them out.
func writeNpz(path string, points *mat.Dense, mask []bool) (err error) {
	//nolint:gosec
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()

	zw := zip.NewWriter(f)
	ptsW, err := zw.Create("pointcloud.npy")
	if err != nil {
		return err
	}
	if err = npyio.Write(ptsW, points); err != nil {
		return errors.Wrap(err, "writing pointcloud entry")
	}
	maskW, err := zw.Create("mask.npy")
	if err != nil {
		return err
	}
	if err = npyio.Write(maskW, mask); err != nil {
		return errors.Wrap(err, "writing mask entry")
	}
	return zw.Close()
}

// MergedPointCloud concatenates every submap's world points, loop-closure
// frames included, into one colored cloud. Points are multiplied by the
// effective global scale; colors are normalized from 0..255 when any channel
// exceeds 1. Identical positions collapse to the last written point.
func (gm *GraphMap) MergedPointCloud() (pointcloud.PointCloud, error) {
	if len(gm.submaps) == 0 {
		return nil, errors.New("map has no submaps")
	}
	scale := gm.effectiveScale()

	all := make([][]r3.Vector, 0, len(gm.submaps))
	allColors := make([][]r3.Vector, 0, len(gm.submaps))
	total := 0
	colorMax := 0.0
	for _, sm := range gm.submaps {
		pts, err := sm.WorldPoints()
		if err != nil {
			return nil, err
		}
		colors, err := sm.Colors()
		if err != nil {
			return nil, err
		}
		for _, c := range colors {
			colorMax = math.Max(colorMax, math.Max(c.X, math.Max(c.Y, c.Z)))
		}
		all = append(all, pts)
		allColors = append(allColors, colors)
		total += len(pts)
	}
	colorScale := 255.0
	if colorMax > 1 {
		colorScale = 1.0
	}

	cloud := pointcloud.NewWithPrealloc(total)
	for i, pts := range all {
		colors := allColors[i]
		for j, p := range pts {
			c := color.NRGBA{
				channelTo255(colors[j].X * colorScale),
				channelTo255(colors[j].Y * colorScale),
				channelTo255(colors[j].Z * colorScale),
				255,
			}
			err := cloud.Set(r3.Vector{X: p.X * scale, Y: p.Y * scale, Z: p.Z * scale}, pointcloud.NewColoredData(c))
			if err != nil {
				return nil, err
			}
		}
	}
	return cloud, nil
}

// SubmapPointCloud builds one submap's world cloud the way MergedPointCloud
// does, normalizing colors against this submap's own channel maximum.
func (gm *GraphMap) SubmapPointCloud(id int) (pointcloud.PointCloud, error) {
	sm, ok := gm.Submap(id)
	if !ok {
		return nil, errors.Errorf("no submap with id %d", id)
	}
	scale := gm.effectiveScale()

	pts, err := sm.WorldPoints()
	if err != nil {
		return nil, err
	}
	colors, err := sm.Colors()
	if err != nil {
		return nil, err
	}
	colorMax := 0.0
	for _, c := range colors {
		colorMax = math.Max(colorMax, math.Max(c.X, math.Max(c.Y, c.Z)))
	}
	colorScale := 255.0
	if colorMax > 1 {
		colorScale = 1.0
	}

	cloud := pointcloud.NewWithPrealloc(len(pts))
	for j, p := range pts {
		c := color.NRGBA{
			channelTo255(colors[j].X * colorScale),
			channelTo255(colors[j].Y * colorScale),
			channelTo255(colors[j].Z * colorScale),
			255,
		}
		err := cloud.Set(r3.Vector{X: p.X * scale, Y: p.Y * scale, Z: p.Z * scale}, pointcloud.NewColoredData(c))
		if err != nil {
			return nil, err
		}
	}
	return cloud, nil
}

func channelTo255(v float64) uint8 {
	r := math.Round(v)
	if r < 0 {
		return 0
	}
	if r > 255 {
		return 255
	}
	return uint8(r)
}

// WritePointsToFile exports the merged cloud to the path's format: .ply
// (binary), .pcd (binary) or .las, with the same partial-file discipline as
// the poses export.
func (gm *GraphMap) WritePointsToFile(path string) error {
	cloud, err := gm.MergedPointCloud()
	if err != nil {
		return err
	}
	switch filepath.Ext(path) {
	case ".ply":
		return writePart(path, func(f *os.File) error {
			return pointcloud.ToPLY(cloud, f, true)
		})
	case ".pcd":
		return writePart(path, func(f *os.File) error {
			return pointcloud.ToPCD(cloud, f, pointcloud.PCDBinary)
		})
	case ".las":
		part := path + ".part"
		if err := pointcloud.WriteToLASFile(cloud, part); err != nil {
			return multierr.Combine(err, os.Remove(part))
		}
		return os.Rename(part, path)
	default:
		return errors.Errorf("do not know how to write file %q", path)
	}
}
