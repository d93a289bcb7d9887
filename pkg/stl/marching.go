// Package stl extracts iso-surfaces from occupancy grids and writes them as
// STL meshes.
package stl

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl64"

	"grainmesh/internal/models"
)

// DefaultIsoLevel is the threshold used for boolean occupancy.
const DefaultIsoLevel = 0.5

// DegenerateMeshError reports a grid with no iso-surface crossing.
type DegenerateMeshError struct {
	Reason string
}

func (e *DegenerateMeshError) Error() string {
	return fmt.Sprintf("degenerate mesh: %s", e.Reason)
}

// cube corners are numbered with x in bit 0, y in bit 1 and z in bit 2
var cornerOffsets = [8][3]int{
	{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {1, 1, 0},
	{0, 0, 1}, {1, 0, 1}, {0, 1, 1}, {1, 1, 1},
}

// Every cube is split into six tetrahedra around the 0-7 diagonal. All cubes
// use the same diagonal, so neighbouring cells agree on shared faces.
var cubeTets = [6][4]int{
	{0, 1, 3, 7},
	{0, 1, 5, 7},
	{0, 2, 3, 7},
	{0, 2, 6, 7},
	{0, 4, 5, 7},
	{0, 4, 6, 7},
}

// MarchingCubes extracts the iso-surface of a scalar grid.
type MarchingCubes struct {
	dims     [3]int
	value    func(x, y, z int) float64
	isoLevel float64
}

// NewMaskMarcher wraps a boolean mask as a {0,1} occupancy grid. Vertex
// coordinates are mask indices.
func NewMaskMarcher(mask *models.Mask, isoLevel float64) *MarchingCubes {
	return &MarchingCubes{
		dims: mask.Shape,
		value: func(x, y, z int) float64 {
			if mask.Data[mask.Index(x, y, z)] {
				return 1
			}
			return 0
		},
		isoLevel: isoLevel,
	}
}

type gridPoint struct {
	pos   [3]int
	value float64
	index int
}

type builder struct {
	mc       *MarchingCubes
	mesh     *models.Mesh
	edgeVert map[[2]int]int
}

func (b *builder) linear(p [3]int) int {
	return (p[2]*b.mc.dims[1]+p[1])*b.mc.dims[0] + p[0]
}

// vertex returns the index of the crossing on the edge p-q, creating it on
// first use.
func (b *builder) vertex(p, q gridPoint) int {
	key := [2]int{p.index, q.index}
	if key[0] > key[1] {
		key[0], key[1] = key[1], key[0]
	}
	if v, ok := b.edgeVert[key]; ok {
		return v
	}
	t := 0.5
	if d := q.value - p.value; d != 0 {
		t = (b.mc.isoLevel - p.value) / d
	}
	var pos [3]float64
	for i := 0; i < 3; i++ {
		a, c := float64(p.pos[i]), float64(q.pos[i])
		pos[i] = a + t*(c-a)
	}
	v := len(b.mesh.Vertices)
	b.mesh.Vertices = append(b.mesh.Vertices, pos)
	b.edgeVert[key] = v
	return v
}

// emit appends a triangle oriented so that its normal points along outward.
func (b *builder) emit(i, j, k int, outward mgl64.Vec3) {
	a := mgl64.Vec3(b.mesh.Vertices[i])
	n := mgl64.Vec3(b.mesh.Vertices[j]).Sub(a).Cross(mgl64.Vec3(b.mesh.Vertices[k]).Sub(a))
	if n.Dot(outward) < 0 {
		j, k = k, j
	}
	b.mesh.Faces = append(b.mesh.Faces, [3]int{i, j, k})
}

func centre(points ...gridPoint) mgl64.Vec3 {
	var c mgl64.Vec3
	for _, p := range points {
		c = c.Add(mgl64.Vec3{float64(p.pos[0]), float64(p.pos[1]), float64(p.pos[2])})
	}
	return c.Mul(1 / float64(len(points)))
}

func (b *builder) tetrahedron(corners [4]gridPoint) {
	var in, out []gridPoint
	for _, c := range corners {
		if c.value > b.mc.isoLevel {
			in = append(in, c)
		} else {
			out = append(out, c)
		}
	}
	if len(in) == 0 || len(out) == 0 {
		return
	}
	outward := centre(out...).Sub(centre(in...))

	switch len(in) {
	case 1:
		a := in[0]
		b.emit(b.vertex(a, out[0]), b.vertex(a, out[1]), b.vertex(a, out[2]), outward)
	case 3:
		d := out[0]
		b.emit(b.vertex(d, in[0]), b.vertex(d, in[1]), b.vertex(d, in[2]), outward)
	case 2:
		a, c := in[0], in[1]
		e, f := out[0], out[1]
		ae, af := b.vertex(a, e), b.vertex(a, f)
		cf, ce := b.vertex(c, f), b.vertex(c, e)
		b.emit(ae, af, cf, outward)
		b.emit(ae, cf, ce, outward)
	}
}

// Extract returns the indexed iso-surface mesh. Output is deterministic for
// a given grid and iso level.
func (mc *MarchingCubes) Extract() (*models.Mesh, error) {
	for _, d := range mc.dims {
		if d < 2 {
			return nil, &DegenerateMeshError{Reason: fmt.Sprintf("grid %v has no cells", mc.dims)}
		}
	}

	b := &builder{mc: mc, mesh: &models.Mesh{}, edgeVert: map[[2]int]int{}}
	var inside, total int
	var cube [8]gridPoint
	for z := 0; z < mc.dims[2]-1; z++ {
		for y := 0; y < mc.dims[1]-1; y++ {
			for x := 0; x < mc.dims[0]-1; x++ {
				mixed := false
				for i, off := range cornerOffsets {
					p := [3]int{x + off[0], y + off[1], z + off[2]}
					cube[i] = gridPoint{pos: p, value: mc.value(p[0], p[1], p[2]), index: b.linear(p)}
					if (cube[i].value > mc.isoLevel) != (cube[0].value > mc.isoLevel) {
						mixed = true
					}
				}
				if cube[0].value > mc.isoLevel {
					inside++
				}
				total++
				if !mixed {
					continue
				}
				for _, tet := range cubeTets {
					b.tetrahedron([4]gridPoint{cube[tet[0]], cube[tet[1]], cube[tet[2]], cube[tet[3]]})
				}
			}
		}
	}

	if len(b.mesh.Faces) == 0 {
		reason := "no iso-surface crossing"
		switch inside {
		case 0:
			reason = "grid is empty"
		case total:
			reason = "grid is completely full"
		}
		return nil, &DegenerateMeshError{Reason: reason}
	}
	return b.mesh, nil
}

// ExtractMesh runs the mesher over a padded particle mask.
func ExtractMesh(mask *models.Mask, isoLevel float64) (*models.Mesh, error) {
	if isoLevel <= 0 || isoLevel >= 1 {
		return nil, fmt.Errorf("iso level %v outside (0, 1)", isoLevel)
	}
	return NewMaskMarcher(mask, isoLevel).Extract()
}
