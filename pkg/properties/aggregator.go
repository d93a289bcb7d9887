// Package properties turns per-particle shape descriptors into the run's
// properties table, and optionally records them in a SQL catalogue.
package properties

import (
	"math"
	"sort"
	"sync"

	"grainmesh/internal/models"
)

// minorAxisEpsilon is the minor axis length, in voxels, below which the
// aspect ratio is undefined.
const minorAxisEpsilon = 1e-9

// Row converts voxel-unit descriptors into a table row. The pitch is applied
// here and nowhere else: area scales with pitch³, lengths with pitch.
func Row(id int, label uint32, shape models.Shape, pitch float64) models.PropertyRow {
	if pitch <= 0 {
		pitch = 1
	}
	major, minor := shape.MajorAxisLength, shape.MinorAxisLength
	if minor > major {
		major, minor = minor, major
	}
	aspect := math.NaN()
	if minor > minorAxisEpsilon {
		aspect = major / minor
	}
	s := models.Shape{
		Volume:             shape.Volume,
		EquivalentDiameter: shape.EquivalentDiameter,
		MajorAxisLength:    major,
		MinorAxisLength:    minor,
	}.Scaled(pitch)
	return models.PropertyRow{
		ID:                 id,
		SourceLabel:        label,
		Area:               s.Volume,
		EquivalentDiameter: s.EquivalentDiameter,
		MajorAxisLength:    s.MajorAxisLength,
		MinorAxisLength:    s.MinorAxisLength,
		AspectRatio:        aspect,
	}
}

// Aggregator collects rows from concurrent particle workers.
type Aggregator struct {
	pitch float64
	mu    sync.Mutex
	rows  map[int]models.PropertyRow
}

// NewAggregator returns an aggregator for the given voxel pitch; a
// non-positive pitch leaves values in voxel units.
func NewAggregator(pitch float64) *Aggregator {
	if pitch <= 0 {
		pitch = 1
	}
	return &Aggregator{pitch: pitch, rows: make(map[int]models.PropertyRow)}
}

func (a *Aggregator) Pitch() float64 { return a.pitch }

// Add records the particle's row, replacing any earlier row for the id.
func (a *Aggregator) Add(id int, label uint32, shape models.Shape) models.PropertyRow {
	row := Row(id, label, shape, a.pitch)
	a.mu.Lock()
	a.rows[id] = row
	a.mu.Unlock()
	return row
}

func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.rows)
}

// Rows returns every row sorted by id.
func (a *Aggregator) Rows() []models.PropertyRow {
	a.mu.Lock()
	out := make([]models.PropertyRow, 0, len(a.rows))
	for _, r := range a.rows {
		out = append(out, r)
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
