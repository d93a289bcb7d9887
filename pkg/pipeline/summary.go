package pipeline

import (
	"log"
	"math"

	"grainmesh/internal/models"
	"grainmesh/pkg/particle"
	"grainmesh/pkg/properties"
)

// Summary is the end-of-run report.
type Summary struct {
	Regions            int
	RejectedBackground int
	RejectedBoundary   int
	RejectedSize       int
	Accepted           int

	// Exported counts particles with a canonical record, Resumed included
	Exported      int
	Resumed       int
	MeshFailures  int
	WriteFailures int
	TierFailures  int
	TiersWritten  int

	Pitch       float64
	PitchSource string

	Rows  []models.PropertyRow
	Stats properties.Stats
}

func (s *Summary) countRejection(r particle.Reason) {
	switch r {
	case particle.Background:
		s.RejectedBackground++
	case particle.TouchesBoundary:
		s.RejectedBoundary++
	case particle.TooSmall:
		s.RejectedSize++
	}
}

func (s *Summary) add(o particleOutcome) {
	switch {
	case o.exported:
		s.Exported++
	case o.meshErr != nil:
		s.MeshFailures++
	case o.writeErr != nil:
		s.WriteFailures++
	}
	if o.resumed {
		s.Resumed++
	}
	s.TiersWritten += o.tiers
	s.TierFailures += o.failed
}

// Log prints the summary lines; they are always printed so a partial
// failure is visible.
func (s *Summary) Log(l *log.Logger) {
	l.Println("Summary:")
	l.Printf("  regions found:          %d", s.Regions)
	l.Printf("  rejected (boundary):    %d", s.RejectedBoundary)
	l.Printf("  rejected (size):        %d", s.RejectedSize)
	l.Printf("  exported:               %d of %d", s.Exported, s.Accepted)
	if s.Resumed > 0 {
		l.Printf("  already complete:       %d", s.Resumed)
	}
	l.Printf("  mesh failures:          %d", s.MeshFailures)
	l.Printf("  write failures:         %d", s.WriteFailures)
	l.Printf("  tier failures:          %d", s.TierFailures)
	if s.Stats.Count > 0 {
		l.Printf("  equivalent diameter:    mean %.4g, sd %.4g, range [%.4g, %.4g]",
			s.Stats.MeanDiameter, s.Stats.StdDevDiameter, s.Stats.MinDiameter, s.Stats.MaxDiameter)
		if !math.IsNaN(s.Stats.MeanAspectRatio) {
			l.Printf("  mean aspect ratio:      %.4g", s.Stats.MeanAspectRatio)
		}
	}
}
