// Package particle decides which regions become particles and cuts each
// accepted region out of the labeled volume as a padded binary mask.
package particle

import (
	"fmt"

	"grainmesh/internal/models"
)

// DefaultMinVoxels is the size floor a region must exceed.
const DefaultMinVoxels = 100

// Reason classifies why a region was not exported.
type Reason int

const (
	Accepted Reason = iota
	Background
	TouchesBoundary
	TooSmall
)

func (r Reason) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Background:
		return "background"
	case TouchesBoundary:
		return "boundary"
	case TooSmall:
		return "size"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// Rejection records a region that was filtered out.
type Rejection struct {
	Label  uint32
	Reason Reason
	Detail string
}

// Classify runs the eligibility checks in order: background, boundary, size.
// A region that is both truncated and small is reported as a boundary
// rejection.
func Classify(region models.Region, shape [3]int, minVoxels int64) (Reason, string) {
	if region.Label == 0 {
		return Background, "label 0 is background"
	}
	for i := 0; i < 3; i++ {
		if region.BBox.Min[i] <= 0 {
			return TouchesBoundary, fmt.Sprintf("bbox touches the low face of axis %d", i)
		}
		if region.BBox.Max[i] >= shape[i] {
			return TouchesBoundary, fmt.Sprintf("bbox touches the high face of axis %d", i)
		}
	}
	if region.VoxelCount <= minVoxels {
		return TooSmall, fmt.Sprintf("%d voxels does not exceed %d", region.VoxelCount, minVoxels)
	}
	return Accepted, ""
}

// IsEligible reports whether region should be exported.
func IsEligible(region models.Region, shape [3]int, minVoxels int64) bool {
	r, _ := Classify(region, shape, minVoxels)
	return r == Accepted
}

// Filter splits regions into the eligible ones, in input order, and the
// rejections.
func Filter(regions []models.Region, shape [3]int, minVoxels int64) ([]models.Region, []Rejection) {
	var kept []models.Region
	var rejected []Rejection
	for _, r := range regions {
		reason, detail := Classify(r, shape, minVoxels)
		if reason == Accepted {
			kept = append(kept, r)
			continue
		}
		rejected = append(rejected, Rejection{Label: r.Label, Reason: reason, Detail: detail})
	}
	return kept, rejected
}
