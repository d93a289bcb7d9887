package volume

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// companionMeta is the sidecar JSON some scanners write next to a volume.
type companionMeta struct {
	MicronsPerPixel *float64 `json:"microns_per_pixel"`
	VoxelSize       *float64 `json:"voxel_size"`
}

// CompanionPath returns the sidecar path for a volume: <dir>/<stem>.json.
func CompanionPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".json"
}

// CompanionPitch reads the voxel pitch from the sidecar JSON of path. It
// returns 0 and no error when there is no sidecar.
func CompanionPitch(path string) (float64, error) {
	data, err := os.ReadFile(CompanionPath(path))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to read companion metadata")
	}
	var meta companionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return 0, errors.Wrapf(err, "failed to parse %s", CompanionPath(path))
	}
	switch {
	case meta.MicronsPerPixel != nil && *meta.MicronsPerPixel > 0:
		return *meta.MicronsPerPixel, nil
	case meta.VoxelSize != nil && *meta.VoxelSize > 0:
		return *meta.VoxelSize, nil
	}
	return 0, nil
}
