package models

import "github.com/golang/geo/r3"

// BBox is a half-open bounding box in voxel coordinates. Min is inclusive and
// Max is exclusive on every axis, so Max[i]-Min[i] is the extent along axis i.
type BBox struct {
	Min [3]int
	Max [3]int
}

// Size returns the extent of the box along each axis.
func (b BBox) Size() [3]int {
	return [3]int{b.Max[0] - b.Min[0], b.Max[1] - b.Min[1], b.Max[2] - b.Min[2]}
}

// MinExtent returns the smallest extent of the box.
func (b BBox) MinExtent() int {
	s := b.Size()
	m := s[0]
	for _, v := range s[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// Shape holds the scalar shape descriptors of one region. Values produced by
// the region catalogue are in voxel units; Scaled converts them.
type Shape struct {
	// Volume is the voxel count (or physical volume once scaled)
	Volume float64

	// EquivalentDiameter is the diameter of the sphere with the same volume
	EquivalentDiameter float64

	// MajorAxisLength and MinorAxisLength are the lengths of the longest and
	// shortest axes of the ellipsoid with the same second moments
	MajorAxisLength float64
	MinorAxisLength float64
}

// Scaled returns the shape expressed in physical units for the given voxel
// pitch (length per voxel edge).
func (s Shape) Scaled(pitch float64) Shape {
	return Shape{
		Volume:             s.Volume * pitch * pitch * pitch,
		EquivalentDiameter: s.EquivalentDiameter * pitch,
		MajorAxisLength:    s.MajorAxisLength * pitch,
		MinorAxisLength:    s.MinorAxisLength * pitch,
	}
}

// Region summarizes all voxels sharing one label.
type Region struct {
	// Label is the source label value; 0 is background
	Label uint32

	// BBox is the tight half-open bounding box of the label
	BBox BBox

	// VoxelCount is the number of voxels carrying the label
	VoxelCount int64

	// Shape holds the voxel-unit descriptors derived from the second moments
	Shape Shape

	// Centroid is the mean voxel position in volume coordinates
	Centroid r3.Vector
}

// Mask is a dense 3-D boolean occupancy grid in C order (axis 2 fastest).
type Mask struct {
	Shape [3]int
	Data  []bool
}

// NewMask allocates an empty mask with the given shape.
func NewMask(shape [3]int) *Mask {
	return &Mask{
		Shape: shape,
		Data:  make([]bool, shape[0]*shape[1]*shape[2]),
	}
}

// Index returns the flat index of (x, y, z).
func (m *Mask) Index(x, y, z int) int {
	return (x*m.Shape[1]+y)*m.Shape[2] + z
}

// At reports whether (x, y, z) is occupied. Coordinates outside the mask are
// treated as background.
func (m *Mask) At(x, y, z int) bool {
	if x < 0 || y < 0 || z < 0 || x >= m.Shape[0] || y >= m.Shape[1] || z >= m.Shape[2] {
		return false
	}
	return m.Data[m.Index(x, y, z)]
}

// Set marks (x, y, z) as occupied or empty.
func (m *Mask) Set(x, y, z int, v bool) {
	m.Data[m.Index(x, y, z)] = v
}

// Count returns the number of occupied voxels.
func (m *Mask) Count() int64 {
	var n int64
	for _, v := range m.Data {
		if v {
			n++
		}
	}
	return n
}

// Occupancy returns the mask as a float field with 1 for occupied voxels.
func (m *Mask) Occupancy() []float64 {
	out := make([]float64, len(m.Data))
	for i, v := range m.Data {
		if v {
			out[i] = 1
		}
	}
	return out
}

// Mesh is an indexed triangle mesh. Vertex coordinates are in voxel units of
// the mask the mesh was extracted from.
type Mesh struct {
	Vertices [][3]float64
	Faces    [][3]int
}

// NumTriangles returns the number of faces.
func (m *Mesh) NumTriangles() int {
	if m == nil {
		return 0
	}
	return len(m.Faces)
}

// Particle is one exported region together with everything derived from it.
type Particle struct {
	// ID is the dense sequential output id, independent of the source label
	ID int

	// SourceLabel is the label value in the input volume
	SourceLabel uint32

	// Region is the catalogue entry the particle was extracted from
	Region Region

	// Mask is the binarized crop padded with one background voxel per face
	Mask *Mask

	// Origin is the volume coordinate of mask voxel (0, 0, 0)
	Origin [3]int

	// Mesh is the full-resolution surface
	Mesh *Mesh
}

// PropertyRow is one line of the per-run properties table.
type PropertyRow struct {
	ID                 int
	SourceLabel        uint32
	Area               float64
	EquivalentDiameter float64
	MajorAxisLength    float64
	MinorAxisLength    float64
	AspectRatio        float64
}
