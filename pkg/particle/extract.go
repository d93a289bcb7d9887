package particle

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"grainmesh/internal/models"
	"grainmesh/pkg/volume"
)

// IDAllocator hands out dense sequential particle ids. An id is never handed
// out twice, even when the particle that received it later fails.
type IDAllocator struct {
	mu   sync.Mutex
	next int
}

// NewIDAllocator starts numbering at first, which is 0 or 1.
func NewIDAllocator(first int) *IDAllocator {
	return &IDAllocator{next: first}
}

// Next returns the next unused id.
func (a *IDAllocator) Next() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.next
	a.next++
	return id
}

// Assignment pairs an accepted region with its particle id.
type Assignment struct {
	ID     int
	Region models.Region
}

// Assign numbers the accepted regions in ascending label order before any
// per-particle work starts.
func Assign(alloc *IDAllocator, regions []models.Region) []Assignment {
	sorted := make([]models.Region, len(regions))
	copy(sorted, regions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Label < sorted[j].Label })

	out := make([]Assignment, len(sorted))
	for i, r := range sorted {
		out[i] = Assignment{ID: alloc.Next(), Region: r}
	}
	return out
}

// Extract crops the region's bounding box out of vol, binarizes it against
// the region label and pads it with one background voxel on every face.
func Extract(vol *volume.Volume, region models.Region, id int) (*models.Particle, error) {
	size := region.BBox.Size()
	for i := 0; i < 3; i++ {
		if size[i] <= 0 || region.BBox.Min[i] < 0 || region.BBox.Max[i] > vol.Shape[i] {
			return nil, errors.Errorf("label %d: bbox %v outside volume %v", region.Label, region.BBox, vol.Shape)
		}
	}

	mask := models.NewMask([3]int{size[0] + 2, size[1] + 2, size[2] + 2})
	lo := region.BBox.Min
	for x := 0; x < size[0]; x++ {
		for y := 0; y < size[1]; y++ {
			base := vol.Index(lo[0]+x, lo[1]+y, lo[2])
			for z := 0; z < size[2]; z++ {
				if vol.AtIndex(base+z) == region.Label {
					mask.Set(x+1, y+1, z+1, true)
				}
			}
		}
	}

	return &models.Particle{
		ID:          id,
		SourceLabel: region.Label,
		Region:      region,
		Mask:        mask,
		Origin:      [3]int{lo[0] - 1, lo[1] - 1, lo[2] - 1},
	}, nil
}
