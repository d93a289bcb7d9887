// Package regions builds the per-label catalogue of a labeled volume: voxel
// counts, bounding boxes and the shape descriptors derived from second moments.
package regions

import (
	"math"
	"sort"
	"sync"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"grainmesh/internal/models"
	"grainmesh/pkg/volume"
)

// Options controls a catalogue pass.
type Options struct {
	// IncludeBackground keeps label 0 in the output
	IncludeBackground bool

	// Workers is the number of goroutines scanning slabs of the volume
	Workers int
}

// moments accumulates exact integer raw moments of one label.
type moments struct {
	n             int64
	sx, sy, sz    int64
	sxx, syy, szz int64
	sxy, sxz, syz int64
	min, max      [3]int
}

func newMoments() *moments {
	return &moments{
		min: [3]int{math.MaxInt, math.MaxInt, math.MaxInt},
		max: [3]int{-1, -1, -1},
	}
}

func (m *moments) add(x, y, z int) {
	X, Y, Z := int64(x), int64(y), int64(z)
	m.n++
	m.sx += X
	m.sy += Y
	m.sz += Z
	m.sxx += X * X
	m.syy += Y * Y
	m.szz += Z * Z
	m.sxy += X * Y
	m.sxz += X * Z
	m.syz += Y * Z
	p := [3]int{x, y, z}
	for i := range p {
		if p[i] < m.min[i] {
			m.min[i] = p[i]
		}
		if p[i] > m.max[i] {
			m.max[i] = p[i]
		}
	}
}

func (m *moments) merge(o *moments) {
	m.n += o.n
	m.sx += o.sx
	m.sy += o.sy
	m.sz += o.sz
	m.sxx += o.sxx
	m.syy += o.syy
	m.szz += o.szz
	m.sxy += o.sxy
	m.sxz += o.sxz
	m.syz += o.syz
	for i := 0; i < 3; i++ {
		m.min[i] = min(m.min[i], o.min[i])
		m.max[i] = max(m.max[i], o.max[i])
	}
}

func (m *moments) centroid() r3.Vector {
	n := float64(m.n)
	return r3.Vector{X: float64(m.sx) / n, Y: float64(m.sy) / n, Z: float64(m.sz) / n}
}

// shape derives the ellipsoid descriptors from the inertia tensor of the
// voxel set, treating each voxel as a unit point mass at its centre.
func (m *moments) shape() models.Shape {
	n := float64(m.n)
	c := m.centroid()
	cxx := float64(m.sxx)/n - c.X*c.X
	cyy := float64(m.syy)/n - c.Y*c.Y
	czz := float64(m.szz)/n - c.Z*c.Z
	cxy := float64(m.sxy)/n - c.X*c.Y
	cxz := float64(m.sxz)/n - c.X*c.Z
	cyz := float64(m.syz)/n - c.Y*c.Z

	inertia := mat.NewSymDense(3, []float64{
		cyy + czz, -cxy, -cxz,
		-cxy, cxx + czz, -cyz,
		-cxz, -cyz, cxx + cyy,
	})

	s := models.Shape{
		Volume:             n,
		EquivalentDiameter: math.Cbrt(6 * n / math.Pi),
	}

	var eig mat.EigenSym
	if !eig.Factorize(inertia, false) {
		return s
	}
	vals := eig.Values(nil) // ascending
	l0, l1, l2 := vals[2], vals[1], vals[0]
	s.MajorAxisLength = math.Sqrt(10 * math.Max(0, l0+l1-l2))
	s.MinorAxisLength = math.Sqrt(10 * math.Max(0, -l0+l1+l2))
	if s.MinorAxisLength > s.MajorAxisLength {
		s.MajorAxisLength, s.MinorAxisLength = s.MinorAxisLength, s.MajorAxisLength
	}
	return s
}

func (m *moments) region(label uint32) models.Region {
	return models.Region{
		Label: label,
		BBox: models.BBox{
			Min: m.min,
			Max: [3]int{m.max[0] + 1, m.max[1] + 1, m.max[2] + 1},
		},
		VoxelCount: m.n,
		Shape:      m.shape(),
		Centroid:   m.centroid(),
	}
}

// scan accumulates the moments of every label in slabs [x0, x1) of axis 0.
func scan(vol *volume.Volume, x0, x1 int) map[uint32]*moments {
	acc := map[uint32]*moments{}
	var last *moments
	lastLabel := uint32(math.MaxUint32)
	for x := x0; x < x1; x++ {
		for y := 0; y < vol.Shape[1]; y++ {
			base := vol.Index(x, y, 0)
			for z := 0; z < vol.Shape[2]; z++ {
				label := vol.AtIndex(base + z)
				if label != lastLabel || last == nil {
					m, ok := acc[label]
					if !ok {
						m = newMoments()
						acc[label] = m
					}
					last, lastLabel = m, label
				}
				last.add(x, y, z)
			}
		}
	}
	return acc
}

// Catalogue returns one Region per distinct label present in vol, sorted by
// label.
func Catalogue(vol *volume.Volume, opts Options) []models.Region {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > vol.Shape[0] {
		workers = max(1, vol.Shape[0])
	}

	partial := make([]map[uint32]*moments, workers)
	var wg sync.WaitGroup
	step := (vol.Shape[0] + workers - 1) / workers
	for w := 0; w < workers; w++ {
		x0, x1 := w*step, min((w+1)*step, vol.Shape[0])
		wg.Add(1)
		go func(w, x0, x1 int) {
			defer wg.Done()
			partial[w] = scan(vol, x0, x1)
		}(w, x0, x1)
	}
	wg.Wait()

	total := map[uint32]*moments{}
	for _, acc := range partial {
		for label, m := range acc {
			if t, ok := total[label]; ok {
				t.merge(m)
			} else {
				total[label] = m
			}
		}
	}

	out := make([]models.Region, 0, len(total))
	for label, m := range total {
		if label == 0 && !opts.IncludeBackground {
			continue
		}
		out = append(out, m.region(label))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

// Measure derives the shape descriptors of an occupancy mask, in voxel units.
// It returns false for an empty mask.
func Measure(mask *models.Mask) (models.Shape, bool) {
	m := newMoments()
	for x := 0; x < mask.Shape[0]; x++ {
		for y := 0; y < mask.Shape[1]; y++ {
			for z := 0; z < mask.Shape[2]; z++ {
				if mask.Data[mask.Index(x, y, z)] {
					m.add(x, y, z)
				}
			}
		}
	}
	if m.n == 0 {
		return models.Shape{}, false
	}
	return m.shape(), true
}
