// Package interpolation samples voxel grids at arbitrary positions and
// answers neighbour queries over particle positions.
package interpolation

import (
	"math"

	"github.com/unixpickle/model3d/model3d"

	"grainmesh/internal/models"
)

// Field is a trilinearly interpolated occupancy grid. Grid point (i, j, k)
// sits at coordinate (i, j, k); everything outside the grid reads as 0.
// A Field is a model3d.Solid so it can be remeshed at any resolution.
type Field struct {
	shape  [3]int
	values []float64

	// Threshold is the occupancy at or above which a point is inside
	Threshold float64

	// Margin pads the solid's bounds beyond the grid
	Margin float64
}

// NewField wraps a mask as a {0,1} occupancy field.
func NewField(mask *models.Mask, threshold float64) *Field {
	return &Field{
		shape:     mask.Shape,
		values:    mask.Occupancy(),
		Threshold: threshold,
		Margin:    1,
	}
}

// Get returns the grid value at (x, y, z), or 0 outside the grid.
func (f *Field) Get(x, y, z int) float64 {
	if x < 0 || y < 0 || z < 0 || x >= f.shape[0] || y >= f.shape[1] || z >= f.shape[2] {
		return 0
	}
	return f.values[(x*f.shape[1]+y)*f.shape[2]+z]
}

// Interp returns the trilinear interpolation of the grid at c.
func (f *Field) Interp(c model3d.Coord3D) float64 {
	x0, fx := split(c.X)
	y0, fy := split(c.Y)
	z0, fz := split(c.Z)

	var value float64
	for dx := 0; dx < 2; dx++ {
		wx := weight(fx, dx)
		if wx == 0 {
			continue
		}
		for dy := 0; dy < 2; dy++ {
			wy := weight(fy, dy)
			if wy == 0 {
				continue
			}
			for dz := 0; dz < 2; dz++ {
				wz := weight(fz, dz)
				if wz == 0 {
					continue
				}
				value += wx * wy * wz * f.Get(x0+dx, y0+dy, z0+dz)
			}
		}
	}
	return value
}

func split(v float64) (int, float64) {
	fl := math.Floor(v)
	return int(fl), v - fl
}

func weight(frac float64, side int) float64 {
	if side == 0 {
		return 1 - frac
	}
	return frac
}

// Min is the lower corner of the solid's bounds.
func (f *Field) Min() model3d.Coord3D {
	return model3d.Coord3D{X: -f.Margin, Y: -f.Margin, Z: -f.Margin}
}

// Max is the upper corner of the solid's bounds.
func (f *Field) Max() model3d.Coord3D {
	return model3d.Coord3D{
		X: float64(f.shape[0]-1) + f.Margin,
		Y: float64(f.shape[1]-1) + f.Margin,
		Z: float64(f.shape[2]-1) + f.Margin,
	}
}

// Contains reports whether the interpolated occupancy at c reaches the
// threshold.
func (f *Field) Contains(c model3d.Coord3D) bool {
	return model3d.InBounds(f, c) && f.Interp(c) >= f.Threshold
}
