package artifact

import (
	"bytes"

	"github.com/pkg/errors"

	"grainmesh/internal/models"
	"grainmesh/pkg/npy"
)

// Record is the canonical per-particle archive: padded mask plus the
// full-resolution mesh, both in padded-mask voxel coordinates.
type Record struct {
	ID   int
	Mask *models.Mask
	Mesh *models.Mesh
}

// EncodeRecord renders the record as an uncompressed .npz with entries
// vertices (<f4, N×3), faces (<i4, M×3) and mask (|b1). The output depends
// only on the mask and mesh contents.
func EncodeRecord(mask *models.Mask, mesh *models.Mesh) ([]byte, error) {
	if mask == nil || mesh == nil {
		return nil, errors.New("record needs a mask and a mesh")
	}
	verts := make([]float32, 0, len(mesh.Vertices)*3)
	for _, v := range mesh.Vertices {
		verts = append(verts, float32(v[0]), float32(v[1]), float32(v[2]))
	}
	faces := make([]int32, 0, len(mesh.Faces)*3)
	for _, f := range mesh.Faces {
		faces = append(faces, int32(f[0]), int32(f[1]), int32(f[2]))
	}
	return npy.EncodeNPZ([]npy.Entry{
		{Name: "vertices", Array: npy.Float32([]int{len(mesh.Vertices), 3}, verts)},
		{Name: "faces", Array: npy.Int32([]int{len(mesh.Faces), 3}, faces)},
		{Name: "mask", Array: npy.Bool(mask.Shape[:], mask.Data)},
	})
}

// DecodeRecord parses a canonical archive. Records written by other tools
// with deflated members or wider dtypes are accepted.
func DecodeRecord(id int, data []byte) (*Record, error) {
	arrays, err := npy.ReadNPZ(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	m, ok := arrays["mask"]
	if !ok {
		return nil, errors.Errorf("record %s: missing mask", ParticleName(id))
	}
	if len(m.Shape) != 3 {
		return nil, errors.Errorf("record %s: mask has %d dimensions", ParticleName(id), len(m.Shape))
	}
	occ, err := m.Bools()
	if err != nil {
		return nil, errors.Wrapf(err, "record %s: mask", ParticleName(id))
	}
	mask := models.NewMask([3]int{m.Shape[0], m.Shape[1], m.Shape[2]})
	copy(mask.Data, occ)

	rec := &Record{ID: id, Mask: mask, Mesh: &models.Mesh{}}
	if v, ok := arrays["vertices"]; ok {
		vals, err := v.Float32s()
		if err != nil {
			return nil, errors.Wrapf(err, "record %s: vertices", ParticleName(id))
		}
		for i := 0; i+2 < len(vals); i += 3 {
			rec.Mesh.Vertices = append(rec.Mesh.Vertices, [3]float64{float64(vals[i]), float64(vals[i+1]), float64(vals[i+2])})
		}
	}
	if f, ok := arrays["faces"]; ok {
		vals, err := f.Int32s()
		if err != nil {
			return nil, errors.Wrapf(err, "record %s: faces", ParticleName(id))
		}
		for i := 0; i+2 < len(vals); i += 3 {
			face := [3]int{int(vals[i]), int(vals[i+1]), int(vals[i+2])}
			for _, idx := range face {
				if idx < 0 || idx >= len(rec.Mesh.Vertices) {
					return nil, errors.Errorf("record %s: face index %d out of range", ParticleName(id), idx)
				}
			}
			rec.Mesh.Faces = append(rec.Mesh.Faces, face)
		}
	}
	return rec, nil
}
