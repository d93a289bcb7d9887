package lod

import (
	"context"

	"github.com/pkg/errors"

	"grainmesh/internal/models"
)

var errMissingTier = errors.New("backend produced no output for tier")

// Exporter produces every configured tier of one particle.
type Exporter struct {
	Backend      Backend
	Tiers        []Tier
	MinVoxelSize float64
}

// Export returns one result per tier, in tier order. The ORIGINAL tier is
// the source mesh itself; the others come from the backend. A backend-wide
// failure marks every non-original tier with that error and is returned.
func (e *Exporter) Export(ctx context.Context, src Source, bbox models.BBox) ([]Result, error) {
	targets := Targets(e.Tiers, bbox, e.MinVoxelSize)

	var simplified []Target
	for _, t := range targets {
		if !t.Tier.Original() {
			simplified = append(simplified, t)
		}
	}

	byName := map[string]Result{}
	var backendErr error
	if len(simplified) > 0 {
		results, err := e.Backend.Simplify(ctx, src, simplified)
		for _, r := range results {
			byName[r.Tier.Name] = r
		}
		backendErr = err
	}

	out := make([]Result, len(targets))
	for i, t := range targets {
		switch {
		case t.Tier.Original():
			out[i] = Result{Tier: t.Tier, Mesh: src.Mesh}
		case backendErr != nil:
			out[i] = Result{Tier: t.Tier, Err: backendErr}
		default:
			r, ok := byName[t.Tier.Name]
			if !ok {
				r = Result{Tier: t.Tier, Err: errors.Wrapf(errMissingTier, "tier %s", t.Tier.Name)}
			}
			out[i] = r
		}
	}
	return out, backendErr
}
