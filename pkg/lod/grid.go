package lod

import (
	"os"
	"path/filepath"

	"github.com/gmlewis/stldice/v4/binvox"
	"github.com/pkg/errors"

	"grainmesh/internal/models"
)

// EncodeGrid renders the padded mask as a binvox occupancy grid: background
// 0, foreground 1, translated to the particle origin and scaled to physical
// units by pitch.
func EncodeGrid(mask *models.Mask, origin [3]int, pitch float64, tmpDir string) ([]byte, error) {
	longest := max(mask.Shape[0], mask.Shape[1], mask.Shape[2])
	b := binvox.New(
		mask.Shape[0],
		mask.Shape[1],
		mask.Shape[2],
		float64(origin[0])*pitch,
		float64(origin[1])*pitch,
		float64(origin[2])*pitch,
		float64(longest)*pitch,
		false,
	)
	for x := 0; x < mask.Shape[0]; x++ {
		for y := 0; y < mask.Shape[1]; y++ {
			for z := 0; z < mask.Shape[2]; z++ {
				if mask.Data[mask.Index(x, y, z)] {
					b.Add(x, y, z)
				}
			}
		}
	}

	// the encoder only writes to named files
	dir, err := os.MkdirTemp(tmpDir, "grid_")
	if err != nil {
		return nil, errors.Wrap(err, "create grid dir")
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "grid.binvox")
	if err := b.Write(path, 0, 0, 0, b.NX, b.NY, b.NZ); err != nil {
		return nil, errors.Wrap(err, "write binvox")
	}
	data, err := os.ReadFile(path)
	return data, errors.Wrap(err, "read binvox")
}
