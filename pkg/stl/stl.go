package stl

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
	"github.com/unixpickle/model3d/model3d"

	"grainmesh/internal/models"
)

func coord(v [3]float64) model3d.Coord3D {
	return model3d.Coord3D{X: v[0], Y: v[1], Z: v[2]}
}

// FromTriangles builds an indexed mesh from model3d triangles, merging
// vertices with identical coordinates.
func FromTriangles(tris []*model3d.Triangle) *models.Mesh {
	mesh := &models.Mesh{}
	index := map[model3d.Coord3D]int{}
	for _, t := range tris {
		var face [3]int
		for i, c := range t {
			v, ok := index[c]
			if !ok {
				v = len(mesh.Vertices)
				mesh.Vertices = append(mesh.Vertices, [3]float64{c.X, c.Y, c.Z})
				index[c] = v
			}
			face[i] = v
		}
		mesh.Faces = append(mesh.Faces, face)
	}
	return mesh
}

// WriteMesh writes mesh as binary STL, scaling coordinates by scale.
func WriteMesh(w io.Writer, mesh *models.Mesh, scale float64) error {
	tris := make([]*model3d.Triangle, len(mesh.Faces))
	for i, f := range mesh.Faces {
		tris[i] = &model3d.Triangle{
			coord(mesh.Vertices[f[0]]).Scale(scale),
			coord(mesh.Vertices[f[1]]).Scale(scale),
			coord(mesh.Vertices[f[2]]).Scale(scale),
		}
	}
	return errors.Wrap(model3d.WriteSTL(w, tris), "write stl")
}

// EncodeMesh renders mesh as binary STL in memory.
func EncodeMesh(mesh *models.Mesh, scale float64) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteMesh(&buf, mesh, scale); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
