package properties

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"grainmesh/internal/models"
)

// Stats summarises a properties table for the end-of-run report.
type Stats struct {
	Count          int
	TotalArea      float64
	MeanDiameter   float64
	StdDevDiameter float64
	MinDiameter    float64
	MaxDiameter    float64
	MedianDiameter float64
	// MeanAspectRatio ignores rows whose aspect ratio is undefined
	MeanAspectRatio float64
}

func Summarize(rows []models.PropertyRow) Stats {
	s := Stats{Count: len(rows)}
	if len(rows) == 0 {
		return s
	}
	diam := make([]float64, len(rows))
	var aspect []float64
	for i, r := range rows {
		diam[i] = r.EquivalentDiameter
		s.TotalArea += r.Area
		if !math.IsNaN(r.AspectRatio) {
			aspect = append(aspect, r.AspectRatio)
		}
	}
	s.MeanDiameter, s.StdDevDiameter = stat.MeanStdDev(diam, nil)
	if len(diam) < 2 {
		s.StdDevDiameter = 0
	}
	sorted := append([]float64(nil), diam...)
	sort.Float64s(sorted)
	s.MinDiameter, s.MaxDiameter = sorted[0], sorted[len(sorted)-1]
	s.MedianDiameter = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	s.MeanAspectRatio = math.NaN()
	if len(aspect) > 0 {
		s.MeanAspectRatio = stat.Mean(aspect, nil)
	}
	return s
}
