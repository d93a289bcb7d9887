package lod

import (
	"context"
	"fmt"

	"github.com/fogleman/simplify"
	"github.com/pkg/errors"
	"github.com/unixpickle/model3d/model3d"

	"grainmesh/internal/models"
	"grainmesh/pkg/interpolation"
	"grainmesh/pkg/stl"
)

// Source is everything a backend may derive a tier from.
type Source struct {
	ID       int
	Mask     *models.Mask
	Mesh     *models.Mesh
	IsoLevel float64
}

// Result is the outcome of one tier.
type Result struct {
	Tier Tier
	Mesh *models.Mesh
	Err  error
}

// Backend simplifies a particle surface to a set of target voxel sizes.
// Every target is derived from the source, never from another target.
// A non-nil error means no tier was produced; per-tier failures are
// reported in the results.
type Backend interface {
	Name() string
	Simplify(ctx context.Context, src Source, targets []Target) ([]Result, error)
}

// Backend names accepted by NewBackend.
const (
	BackendRemesh     = "remesh"
	BackendDecimate   = "decimate"
	BackendSubprocess = "subprocess"
)

// NewBackend returns an in-process backend by name. The subprocess backend
// needs its own configuration and is built with NewSubprocessBackend.
func NewBackend(name string) (Backend, error) {
	switch name {
	case BackendRemesh:
		return RemeshBackend{}, nil
	case BackendDecimate:
		return DecimateBackend{}, nil
	}
	return nil, errors.Errorf("unknown in-process backend %q", name)
}

type tierFunc func(src Source, t Target) (*models.Mesh, error)

func eachTarget(ctx context.Context, src Source, targets []Target, f tierFunc) ([]Result, error) {
	out := make([]Result, 0, len(targets))
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		mesh, err := f(src, t)
		if err == nil && mesh.NumTriangles() == 0 {
			err = &stl.DegenerateMeshError{Reason: fmt.Sprintf("tier %s produced no triangles", t.Tier.Name)}
		}
		out = append(out, Result{Tier: t.Tier, Mesh: mesh, Err: err})
	}
	return out, nil
}

// RemeshBackend resamples the occupancy at the target voxel size and
// re-extracts the surface.
type RemeshBackend struct{}

func (RemeshBackend) Name() string { return BackendRemesh }

func (RemeshBackend) Simplify(ctx context.Context, src Source, targets []Target) ([]Result, error) {
	return eachTarget(ctx, src, targets, remesh)
}

func remesh(src Source, t Target) (*models.Mesh, error) {
	field := interpolation.NewField(src.Mask, src.IsoLevel)
	field.Margin = t.VoxelSize
	mesh := model3d.MarchingCubesSearch(field, t.VoxelSize, 8)
	return stl.FromTriangles(mesh.TriangleSlice()), nil
}

// DecimateBackend collapses edges of the full-resolution mesh until the
// triangle count falls by the square of the voxel size.
type DecimateBackend struct{}

func (DecimateBackend) Name() string { return BackendDecimate }

func (DecimateBackend) Simplify(ctx context.Context, src Source, targets []Target) ([]Result, error) {
	if src.Mesh == nil {
		return nil, errors.New("decimate backend needs the full-resolution mesh")
	}
	return eachTarget(ctx, src, targets, decimate)
}

// DecimationFactor is the fraction of triangles kept at voxel size h.
func DecimationFactor(h float64) float64 {
	if h <= 1 {
		return 1
	}
	return 1 / (h * h)
}

func decimate(src Source, t Target) (*models.Mesh, error) {
	factor := DecimationFactor(t.VoxelSize)
	if factor >= 1 {
		return src.Mesh, nil
	}
	tris := make([]*simplify.Triangle, len(src.Mesh.Faces))
	for i, f := range src.Mesh.Faces {
		tris[i] = simplify.NewTriangle(
			vector(src.Mesh.Vertices[f[0]]),
			vector(src.Mesh.Vertices[f[1]]),
			vector(src.Mesh.Vertices[f[2]]),
		)
	}
	simplified := simplify.NewMesh(tris).Simplify(factor)

	out := make([]*model3d.Triangle, len(simplified.Triangles))
	for i, tri := range simplified.Triangles {
		out[i] = &model3d.Triangle{coord(tri.V1), coord(tri.V2), coord(tri.V3)}
	}
	return stl.FromTriangles(out), nil
}

func vector(v [3]float64) simplify.Vector {
	return simplify.Vector{X: v[0], Y: v[1], Z: v[2]}
}

func coord(v simplify.Vector) model3d.Coord3D {
	return model3d.Coord3D{X: v.X, Y: v.Y, Z: v.Z}
}
