// Package main is a command that converts and inspects point cloud files.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/aybabtme/uniplot/histogram"
	units "github.com/docker/go-units"
	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"

	"go.viam.com/densemap/pointcloud"
)

var logger = golog.NewDevelopmentLogger("cloudconvert")

func main() {
	if err := realMain(os.Args[1:]); err != nil {
		logger.Fatal(err)
	}
}

func convert(flags *flag.FlagSet, voxelSize float64) error {
	if flags.NArg() < 3 {
		return fmt.Errorf("convert needs <in> <out>")
	}

	cloud, err := pointcloud.NewFromFile(flags.Arg(1), logger)
	if err != nil {
		return err
	}
	if voxelSize > 0 {
		small, err := pointcloud.VoxelDownsample(cloud, voxelSize)
		if err != nil {
			return err
		}
		logger.Infow("downsampled", "before", cloud.Size(), "after", small.Size())
		cloud = small
	}
	return pointcloud.WriteToFile(cloud, flags.Arg(2))
}

func stats(flags *flag.FlagSet) error {
	if flags.NArg() < 2 {
		return fmt.Errorf("stats needs <in>")
	}
	fn := flags.Arg(1)

	info, err := os.Stat(fn)
	if err != nil {
		return err
	}
	cloud, err := pointcloud.NewFromFile(fn, logger)
	if err != nil {
		return err
	}

	fmt.Printf("%s: %s, %d points\n", fn, units.HumanSize(float64(info.Size())), cloud.Size())
	if cloud.Size() == 0 {
		return nil
	}
	meta := cloud.MetaData()
	centroid := pointcloud.CloudCentroid(cloud)
	fmt.Printf("x: [%.3f, %.3f]  y: [%.3f, %.3f]  z: [%.3f, %.3f]\n",
		meta.MinX, meta.MaxX, meta.MinY, meta.MaxY, meta.MinZ, meta.MaxZ)
	fmt.Printf("centroid: (%.3f, %.3f, %.3f)\n", centroid.X, centroid.Y, centroid.Z)

	heights := make([]float64, 0, cloud.Size())
	cloud.Iterate(0, 0, func(p r3.Vector, _ pointcloud.Data) bool {
		heights = append(heights, -p.Y)
		return true
	})
	fmt.Println("height distribution:")
	hist := histogram.Hist(9, heights)
	return histogram.Fprint(os.Stdout, hist, histogram.Linear(40))
}

func realMain(args []string) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	voxelSize := flags.Float64("voxel", 0, "downsample with this voxel size before writing")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if flags.NArg() < 1 {
		return fmt.Errorf("need to specify a command")
	}

	switch cmd := flags.Arg(0); cmd {
	case "convert":
		return convert(flags, *voxelSize)
	case "stats":
		return stats(flags)
	default:
		return fmt.Errorf("unknown command: [%s]", cmd)
	}
}
