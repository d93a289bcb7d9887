package interpolation

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// Point3D is a point stored in the neighbour tree. Index refers back to the
// caller's slice.
type Point3D struct {
	X, Y, Z float64
	Index   int
}

// Compare implements the kdtree.Comparable interface
func (p Point3D) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(Point3D)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p Point3D) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two points
func (p Point3D) Distance(c kdtree.Comparable) float64 {
	q := c.(Point3D)
	dx := p.X - q.X
	dy := p.Y - q.Y
	dz := p.Z - q.Z
	return dx*dx + dy*dy + dz*dz
}

// Points3D is a collection of Point3D that satisfies kdtree.Interface
type Points3D []Point3D

func (p Points3D) Index(i int) kdtree.Comparable         { return p[i] }
func (p Points3D) Len() int                              { return len(p) }
func (p Points3D) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p Points3D) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(pointPlane{Points3D: p, Dim: d}, kdtree.MedianOfRandoms(pointPlane{Points3D: p, Dim: d}, 100))
}

type pointPlane struct {
	Points3D
	kdtree.Dim
}

func (p pointPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.Points3D[i].X < p.Points3D[j].X
	case 1:
		return p.Points3D[i].Y < p.Points3D[j].Y
	case 2:
		return p.Points3D[i].Z < p.Points3D[j].Z
	default:
		panic("illegal dimension")
	}
}

func (p pointPlane) Slice(start, end int) kdtree.SortSlicer {
	return pointPlane{Points3D: p.Points3D[start:end], Dim: p.Dim}
}

func (p pointPlane) Swap(i, j int) {
	p.Points3D[i], p.Points3D[j] = p.Points3D[j], p.Points3D[i]
}

// NearestNeighbourDistances returns, for every point, the distance to the
// closest other point. A lone point gets NaN.
func NearestNeighbourDistances(points []r3.Vector) []float64 {
	out := make([]float64, len(points))
	if len(points) < 2 {
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}

	tree := make(Points3D, len(points))
	for i, p := range points {
		tree[i] = Point3D{X: p.X, Y: p.Y, Z: p.Z, Index: i}
	}
	kd := kdtree.New(tree, false)

	for i, p := range points {
		keeper := kdtree.NewNKeeper(2)
		kd.NearestSet(keeper, Point3D{X: p.X, Y: p.Y, Z: p.Z, Index: i})

		var found []kdtree.ComparableDist
		for _, item := range keeper.Heap {
			// skip the sentinel and the query point itself
			if item.Comparable == nil || item.Comparable.(Point3D).Index == i {
				continue
			}
			found = append(found, item)
		}
		if len(found) == 0 {
			out[i] = math.NaN()
			continue
		}
		sort.Slice(found, func(a, b int) bool { return found[a].Dist < found[b].Dist })
		out[i] = math.Sqrt(found[0].Dist)
	}
	return out
}
