package artifact

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

const (
	// IDWidth is the zero-padded width of particle ids in artifact names.
	IDWidth = 5

	GridDir       = "vdb"
	PreviewDir    = "preview"
	PropertiesKey = "properties.csv"
	MetricsKey    = "metrics.prom"

	canonicalPrefix = "particle_"
	canonicalExt    = ".npz"
)

// ParticleName is the zero-padded base name shared by every artifact of a
// particle.
func ParticleName(id int) string {
	return fmt.Sprintf("particle_%0*d", IDWidth, id)
}

// CanonicalKey names the canonical record.
func CanonicalKey(id int) string {
	return ParticleName(id) + canonicalExt
}

// TierKey names one quality-tier mesh.
func TierKey(tier string, id int) string {
	return path.Join(tier, ParticleName(id)+".stl")
}

// GridKey names the sparse occupancy grid.
func GridKey(id int) string {
	return path.Join(GridDir, ParticleName(id)+".binvox")
}

// PreviewKey names a mid-plane slice image; axis is x, y or z.
func PreviewKey(id int, axis string) string {
	return path.Join(PreviewDir, fmt.Sprintf("%s_%s.png", ParticleName(id), axis))
}

// ParseCanonicalKey extracts the id from a canonical record key.
func ParseCanonicalKey(key string) (int, bool) {
	if strings.Contains(key, "/") || !strings.HasPrefix(key, canonicalPrefix) || !strings.HasSuffix(key, canonicalExt) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(key, canonicalPrefix), canonicalExt)
	if len(digits) < IDWidth {
		return 0, false
	}
	id, err := strconv.Atoi(digits)
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}
