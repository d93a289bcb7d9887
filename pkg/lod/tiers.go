// Package lod produces the level-of-detail variants of a particle surface
// and the sparse occupancy grid export.
package lod

import (
	"strconv"

	"github.com/pkg/errors"

	"grainmesh/internal/models"
)

// Tier is a named quality level. Across is the target number of voxels
// across the particle's shortest bounding-box extent; 0 means the
// full-resolution mesh is used verbatim.
type Tier struct {
	Name   string
	Across int
}

// Original reports whether the tier is the verbatim full-resolution mesh.
func (t Tier) Original() bool {
	return t.Across == 0
}

// DefaultTiers are ordered from finest to coarsest.
var DefaultTiers = []Tier{
	{Name: "ORIGINAL"},
	{Name: "100", Across: 100},
	{Name: "30", Across: 30},
	{Name: "10", Across: 10},
	{Name: "3", Across: 3},
}

// DefaultMinVoxelSize bounds the target voxel size from below.
const DefaultMinVoxelSize = 0.5

// ParseTiers turns tier names into tiers, keeping the given order. ORIGINAL
// and positive integers are accepted; numeric names are normalised to their
// decimal form, so "030" names tier 30.
func ParseTiers(names []string) ([]Tier, error) {
	var out []Tier
	seen := map[string]bool{}
	for _, name := range names {
		t := Tier{Name: name}
		if name != "ORIGINAL" {
			n, err := strconv.Atoi(name)
			if err != nil || n <= 0 {
				return nil, errors.Errorf("unknown tier %q", name)
			}
			t = Tier{Name: strconv.Itoa(n), Across: n}
		}
		if seen[t.Name] {
			return nil, errors.Errorf("tier %q listed twice", name)
		}
		seen[t.Name] = true
		out = append(out, t)
	}
	return out, nil
}

// TierNames returns the names of tiers in order.
func TierNames(tiers []Tier) []string {
	names := make([]string, len(tiers))
	for i, t := range tiers {
		names[i] = t.Name
	}
	return names
}

// Target is a tier with its resolved voxel size.
type Target struct {
	Tier      Tier
	VoxelSize float64
}

// Targets resolves the voxel size of every tier for a particle whose
// unpadded bounding box is bbox: smallest extent / Across, never below
// minVoxelSize. The ORIGINAL tier has voxel size 1.
func Targets(tiers []Tier, bbox models.BBox, minVoxelSize float64) []Target {
	minDim := float64(bbox.MinExtent())
	out := make([]Target, len(tiers))
	for i, t := range tiers {
		h := 1.0
		if !t.Original() {
			h = minDim / float64(t.Across)
			if h < minVoxelSize {
				h = minVoxelSize
			}
		}
		out[i] = Target{Tier: t, VoxelSize: h}
	}
	return out
}
