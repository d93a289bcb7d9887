package interpolation

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/unixpickle/model3d/model3d"

	"grainmesh/internal/models"
)

func cubeMask(size, lo, hi int) *models.Mask {
	m := models.NewMask([3]int{size, size, size})
	for x := lo; x < hi; x++ {
		for y := lo; y < hi; y++ {
			for z := lo; z < hi; z++ {
				m.Set(x, y, z, true)
			}
		}
	}
	return m
}

// TestInterpGridPoints verifies interpolation reproduces the grid values
func TestInterpGridPoints(t *testing.T) {
	mask := cubeMask(6, 2, 4)
	f := NewField(mask, 0.5)
	for x := 0; x < 6; x++ {
		for y := 0; y < 6; y++ {
			for z := 0; z < 6; z++ {
				want := 0.0
				if mask.At(x, y, z) {
					want = 1
				}
				got := f.Interp(model3d.Coord3D{X: float64(x), Y: float64(y), Z: float64(z)})
				if got != want {
					t.Fatalf("(%d,%d,%d): expected %f, got %f", x, y, z, want, got)
				}
			}
		}
	}
}

func TestInterpBetweenPoints(t *testing.T) {
	f := NewField(cubeMask(6, 2, 4), 0.5)
	cases := []struct {
		c    model3d.Coord3D
		want float64
	}{
		{model3d.Coord3D{X: 1.5, Y: 2, Z: 2}, 0.5},
		{model3d.Coord3D{X: 1.5, Y: 1.5, Z: 2}, 0.25},
		{model3d.Coord3D{X: 1.5, Y: 1.5, Z: 1.5}, 0.125},
		{model3d.Coord3D{X: 2.5, Y: 2.5, Z: 2.5}, 1},
		{model3d.Coord3D{X: -3, Y: 2, Z: 2}, 0},
	}
	for _, c := range cases {
		if got := f.Interp(c.c); math.Abs(got-c.want) > 1e-12 {
			t.Errorf("%v: expected %f, got %f", c.c, c.want, got)
		}
	}
}

func TestFieldSolid(t *testing.T) {
	f := NewField(cubeMask(8, 2, 6), 0.5)
	var solid model3d.Solid = f
	if !solid.Contains(model3d.Coord3D{X: 3.5, Y: 3.5, Z: 3.5}) {
		t.Error("centre of the cube should be inside")
	}
	if solid.Contains(model3d.Coord3D{X: 0.5, Y: 3.5, Z: 3.5}) {
		t.Error("padding should be outside")
	}
	if solid.Contains(model3d.Coord3D{X: 100, Y: 3, Z: 3}) {
		t.Error("points beyond the bounds should be outside")
	}
	if f.Min().X != -1 || f.Max().X != 8 {
		t.Errorf("unexpected bounds %v %v", f.Min(), f.Max())
	}

	mesh := model3d.MarchingCubesSearch(solid, 0.5, 8)
	if len(mesh.TriangleSlice()) == 0 {
		t.Fatal("expected a remeshed surface")
	}
	vol := mesh.Volume()
	// the 0.5 level of the interpolated cube of 4 voxels spans 4 units per axis
	if math.Abs(vol-64) > 8 {
		t.Errorf("expected remeshed volume near 64, got %f", vol)
	}
}

func TestNearestNeighbourDistances(t *testing.T) {
	points := []r3.Vector{
		{X: 0, Y: 0, Z: 0},
		{X: 3, Y: 4, Z: 0},
		{X: 10, Y: 0, Z: 0},
		{X: 10, Y: 1, Z: 0},
	}
	got := NearestNeighbourDistances(points)
	want := []float64{5, 5, 1, 1}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-12 {
			t.Errorf("point %d: expected %f, got %f", i, want[i], got[i])
		}
	}

	lone := NearestNeighbourDistances([]r3.Vector{{X: 1}})
	if !math.IsNaN(lone[0]) {
		t.Errorf("expected NaN for a single point, got %f", lone[0])
	}
}
