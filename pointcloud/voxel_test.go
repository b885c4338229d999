package pointcloud

import (
	"image/color"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestVoxelCoords(t *testing.T) {
	c1 := VoxelCoords{1, 2, 3}
	c2 := VoxelCoords{1, 2, 3}
	c3 := VoxelCoords{1, 2, 4}
	test.That(t, c1.IsEqual(c2), test.ShouldBeTrue)
	test.That(t, c1.IsEqual(c3), test.ShouldBeFalse)

	pt := r3.Vector{X: 1.2, Y: 0.4, Z: -0.3}
	ptMin := r3.Vector{X: 0, Y: 0, Z: -1}
	coords := GetVoxelCoordinates(pt, ptMin, 0.5)
	test.That(t, coords, test.ShouldResemble, VoxelCoords{2, 0, 1})

	// a point at the grid origin lands in voxel (0,0,0)
	coords = GetVoxelCoordinates(ptMin, ptMin, 0.5)
	test.That(t, coords, test.ShouldResemble, VoxelCoords{0, 0, 0})
}

func TestVoxelDownsample(t *testing.T) {
	_, err := VoxelDownsample(New(), 0)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "voxelSize must be positive")

	small, err := VoxelDownsample(New(), 1.0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, small.Size(), test.ShouldEqual, 0)

	cloud := New()
	test.That(t, cloud.Set(NewVector(1, 1, 1), NewColoredData(color.NRGBA{10, 20, 30, 255})), test.ShouldBeNil)
	test.That(t, cloud.Set(NewVector(2, 2, 2), NewColoredData(color.NRGBA{30, 40, 50, 255})), test.ShouldBeNil)
	test.That(t, cloud.Set(NewVector(21, 1, 1), NewColoredData(color.NRGBA{100, 100, 100, 255})), test.ShouldBeNil)

	small, err = VoxelDownsample(cloud, 10)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, small.Size(), test.ShouldEqual, 2)

	pts := orderedPoints(small)
	test.That(t, pts[0].P, test.ShouldResemble, r3.Vector{1.5, 1.5, 1.5})
	r, g, b := pts[0].D.RGB255()
	test.That(t, []uint8{r, g, b}, test.ShouldResemble, []uint8{20, 30, 40})

	test.That(t, pts[1].P, test.ShouldResemble, r3.Vector{21, 1, 1})
	r, g, b = pts[1].D.RGB255()
	test.That(t, []uint8{r, g, b}, test.ShouldResemble, []uint8{100, 100, 100})
}

func TestVoxelDownsampleValues(t *testing.T) {
	cloud := New()
	test.That(t, cloud.Set(NewVector(0, 0, 0), NewValueData(10)), test.ShouldBeNil)
	test.That(t, cloud.Set(NewVector(1, 0, 0), NewValueData(20)), test.ShouldBeNil)

	small, err := VoxelDownsample(cloud, 5)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, small.Size(), test.ShouldEqual, 1)

	pts := orderedPoints(small)
	test.That(t, pts[0].P, test.ShouldResemble, r3.Vector{0.5, 0, 0})
	test.That(t, pts[0].D.HasValue(), test.ShouldBeTrue)
	test.That(t, pts[0].D.Value(), test.ShouldEqual, 15)

	// downsampling at a size below the point spacing keeps every point
	same, err := VoxelDownsample(cloud, 0.5)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, same.Size(), test.ShouldEqual, 2)
}
