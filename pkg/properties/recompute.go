package properties

import (
	"context"

	"github.com/pkg/errors"

	"grainmesh/internal/models"
	"grainmesh/pkg/artifact"
	"grainmesh/pkg/regions"
)

// Recompute rebuilds the properties table from the canonical records in a
// finished output directory. Source labels are not stored in records and
// come back as 0.
func Recompute(ctx context.Context, w *artifact.Writer, pitch float64) ([]models.PropertyRow, error) {
	ids, err := w.ListCanonical(ctx)
	if err != nil {
		return nil, err
	}
	agg := NewAggregator(pitch)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := w.ReadRecord(ctx, id)
		if err != nil {
			return nil, err
		}
		shape, ok := regions.Measure(rec.Mask)
		if !ok {
			return nil, errors.Errorf("%s: empty mask", artifact.ParticleName(id))
		}
		agg.Add(id, 0, shape)
	}
	return agg.Rows(), nil
}
