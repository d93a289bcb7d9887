package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/unixpickle/essentials"

	"grainmesh/internal/models"
	"grainmesh/pkg/artifact"
	"grainmesh/pkg/config"
	"grainmesh/pkg/interpolation"
	"grainmesh/pkg/lod"
	"grainmesh/pkg/particle"
	"grainmesh/pkg/properties"
	"grainmesh/pkg/regions"
	"grainmesh/pkg/stl"
	"grainmesh/pkg/visualization"
	"grainmesh/pkg/volume"
)

// MeshFunc extracts the full-resolution surface of a padded mask.
type MeshFunc func(mask *models.Mask, isoLevel float64) (*models.Mesh, error)

// Runner processes one input volume.
type Runner struct {
	rc *RunContext

	// Input is the volume path
	Input string

	// Pitch overrides every other pitch source when positive
	Pitch float64

	// Prompt is consulted when no file provides a pitch
	Prompt PromptFunc

	// Mesh defaults to stl.ExtractMesh
	Mesh MeshFunc
}

func NewRunner(rc *RunContext, input string) *Runner {
	return &Runner{rc: rc, Input: input, Mesh: stl.ExtractMesh}
}

// VolumeOptions translates the raw-volume settings of the configuration.
func VolumeOptions(cfg *config.Config) (volume.Options, error) {
	var opts volume.Options
	dt, err := volume.ParseDType(cfg.Processing.DType)
	if err != nil {
		return opts, err
	}
	opts.DType = dt
	if len(cfg.Processing.Shape) == 3 {
		copy(opts.Shape[:], cfg.Processing.Shape)
	}
	return opts, nil
}

// Process loads the input and runs every step on it. Volume-level failures
// are returned before any artifact is written.
func (r *Runner) Process(ctx context.Context) (*Summary, error) {
	log := r.rc.Logger
	log.Println("Step 1: Loading volume...")
	opts, err := VolumeOptions(r.rc.Config)
	if err != nil {
		return nil, err
	}
	vol, err := volume.Load(r.Input, opts)
	if err != nil {
		return nil, essentials.AddCtx("load volume", err)
	}
	defer vol.Close()

	pitch, source, err := ResolvePitch(r.Pitch, vol, r.Input, r.Prompt)
	if err != nil {
		return nil, essentials.AddCtx("resolve voxel size", err)
	}
	log.Printf("Loaded %s volume %dx%dx%d (%s)", vol.Format, vol.Shape[0], vol.Shape[1], vol.Shape[2], vol.DType)
	log.Printf("Voxel size: %g (%s)", pitch, source)

	summary, err := r.ProcessVolume(ctx, vol, pitch)
	if summary != nil {
		summary.PitchSource = source
	}
	return summary, err
}

type particleOutcome struct {
	id       int
	label    uint32
	exported bool
	resumed  bool
	meshErr  error
	writeErr error
	tiers    int
	failed   int
	record   properties.ParticleRecord
}

// ProcessVolume runs steps 2 to 5 on an already loaded volume.
func (r *Runner) ProcessVolume(ctx context.Context, vol *volume.Volume, pitch float64) (*Summary, error) {
	rc := r.rc
	cfg := rc.Config
	log := rc.Logger
	if pitch <= 0 {
		pitch = 1
	}
	workers := cfg.Processing.NumCores
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	rc.event(ctx, -1, "info", fmt.Sprintf("run started on %v volume", vol.Shape))

	log.Println("Step 2: Cataloguing regions...")
	regs := regions.Catalogue(vol, regions.Options{Workers: workers})
	summary := &Summary{Regions: len(regs), Pitch: pitch}
	rc.Metrics.Regions.Set(float64(len(regs)))
	log.Printf("Found %d labeled regions", len(regs))

	log.Println("Step 3: Filtering particles...")
	accepted, rejected := particle.Filter(regs, vol.Shape, cfg.Processing.MinVoxels)
	for _, rej := range rejected {
		summary.countRejection(rej.Reason)
		rc.Metrics.Rejected.WithLabelValues(rej.Reason.String()).Inc()
		rc.verbosef("Rejected label %d (%s): %s", rej.Label, rej.Reason, rej.Detail)
		if rc.Catalog != nil {
			if err := rc.Catalog.PutRejection(ctx, rc.RunID, rej.Label, rej.Reason.String(), rej.Detail); err != nil {
				log.Printf("Warning: catalog rejection for label %d: %v", rej.Label, err)
			}
		}
	}
	assignments := particle.Assign(particle.NewIDAllocator(cfg.Processing.FirstID), accepted)
	summary.Accepted = len(assignments)
	log.Printf("Accepted %d particles (%d touch the boundary, %d too small)",
		len(assignments), summary.RejectedBoundary, summary.RejectedSize)

	tiers, err := lod.ParseTiers(cfg.Tiers.Names)
	if err != nil {
		return summary, err
	}
	exporter := &lod.Exporter{Backend: rc.Backend, Tiers: tiers, MinVoxelSize: cfg.Tiers.MinVoxelSize}
	agg := properties.NewAggregator(pitch)

	log.Println("Step 4: Extracting and exporting particles...")
	jobs := make(chan particle.Assignment)
	results := make(chan particleOutcome, len(assignments))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for a := range jobs {
				results <- r.processParticle(ctx, vol, exporter, agg, a, pitch)
			}
		}()
	}
	go func() {
		// cancellation stops issuing particles; started ones run to completion
		defer close(jobs)
		for _, a := range assignments {
			select {
			case jobs <- a:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	var records []properties.ParticleRecord
	completed := 0
	for res := range results {
		completed++
		summary.add(res)
		rc.Metrics.observe(res)
		if res.exported {
			records = append(records, res.record)
		}
		progress := float64(completed) / float64(len(assignments)) * 100
		fmt.Fprintf(log.Writer(), "\rProcessing particles: %.1f%% complete", progress)
	}
	if len(assignments) > 0 {
		fmt.Fprintln(log.Writer())
	}
	if err := ctx.Err(); err != nil {
		summary.Log(log)
		return summary, errors.Wrapf(err, "interrupted after %d of %d particles", completed, len(assignments))
	}

	log.Println("Step 5: Writing properties...")
	if err := r.writeProperties(ctx, agg, records, pitch, summary); err != nil {
		return summary, err
	}
	summary.Log(log)
	rc.event(ctx, -1, "info", fmt.Sprintf("run finished: %d of %d particles exported", summary.Exported, summary.Accepted))
	return summary, nil
}

func (r *Runner) processParticle(ctx context.Context, vol *volume.Volume, exporter *lod.Exporter,
	agg *properties.Aggregator, a particle.Assignment, pitch float64) particleOutcome {
	rc := r.rc
	cfg := rc.Config
	start := time.Now()
	defer func() { rc.Metrics.ParticleSeconds.Observe(time.Since(start).Seconds()) }()

	out := particleOutcome{id: a.ID, label: a.Region.Label}
	name := artifact.ParticleName(a.ID)
	warn := func(format string, args ...interface{}) {
		msg := fmt.Sprintf(format, args...)
		rc.Logger.Printf("Warning: particle %05d (label %d): %s", a.ID, a.Region.Label, msg)
		rc.event(ctx, a.ID, "warning", msg)
	}
	finish := func() {
		out.exported = true
		row := agg.Add(a.ID, a.Region.Label, a.Region.Shape)
		out.record = properties.ParticleRecord{
			Row:        row,
			VoxelCount: a.Region.VoxelCount,
			Centroid:   a.Region.Centroid.Mul(pitch),
			Tiers:      out.tiers,
		}
	}

	if cfg.Processing.Resume {
		done, err := rc.Writer.HasCanonical(ctx, a.ID)
		if err != nil {
			warn("resume check failed: %v", err)
		} else if done {
			out.resumed = true
			finish()
			return out
		}
	}

	p, err := particle.Extract(vol, a.Region, a.ID)
	if err != nil {
		out.meshErr = err
		warn("%v", err)
		return out
	}
	mesh, err := r.Mesh(p.Mask, cfg.Mesh.IsoLevel)
	if err != nil {
		out.meshErr = err
		warn("%v", err)
		return out
	}
	p.Mesh = mesh
	rc.Metrics.Triangles.Observe(float64(mesh.NumTriangles()))

	results, err := exporter.Export(ctx, lod.Source{ID: a.ID, Mask: p.Mask, Mesh: mesh, IsoLevel: cfg.Mesh.IsoLevel}, a.Region.BBox)
	if err != nil {
		warn("%v", err)
	}
	for _, res := range results {
		if res.Err == nil {
			res.Err = rc.Writer.WriteTier(ctx, res.Tier.Name, a.ID, res.Mesh)
		}
		if res.Err != nil {
			out.failed++
			rc.Metrics.TierFailures.WithLabelValues(res.Tier.Name).Inc()
			if err == nil {
				warn("tier %s: %v", res.Tier.Name, res.Err)
			}
			continue
		}
		out.tiers++
		rc.Metrics.TiersWritten.WithLabelValues(res.Tier.Name).Inc()
	}

	if cfg.Output.Grid {
		data, err := lod.EncodeGrid(p.Mask, p.Origin, pitch, rc.TempDir)
		if err == nil {
			err = rc.Writer.WriteGrid(ctx, a.ID, data)
		}
		if err != nil {
			warn("sparse grid: %v", err)
		}
	}
	if cfg.Output.Previews {
		previews, err := visualization.NewViewer(p.Mask).MidSlices()
		for _, pv := range previews {
			if err != nil {
				break
			}
			err = rc.Writer.WritePreview(ctx, a.ID, pv.Axis, pv.PNG)
		}
		if err != nil {
			warn("previews: %v", err)
		}
	}

	// the canonical record goes last; its presence marks the particle done
	if err := rc.Writer.WriteCanonical(ctx, p); err != nil {
		out.writeErr = err
		warn("%v", err)
		return out
	}
	finish()
	rc.event(ctx, a.ID, "info", fmt.Sprintf("exported %s with %d of %d tiers", name, out.tiers, len(results)))
	return out
}

func (r *Runner) writeProperties(ctx context.Context, agg *properties.Aggregator, records []properties.ParticleRecord,
	pitch float64, summary *Summary) error {
	rc := r.rc
	rows := agg.Rows()
	summary.Rows = rows
	summary.Stats = properties.Summarize(rows)

	csv, err := properties.EncodeCSV(rows, artifact.IDWidth)
	if err != nil {
		return err
	}
	if err := rc.Writer.WriteFile(ctx, artifact.PropertiesKey, csv); err != nil {
		return essentials.AddCtx("write properties", err)
	}

	if rc.Catalog != nil {
		byID := make(map[int]int, len(records))
		centroids := make([]r3.Vector, len(records))
		for i, rec := range records {
			byID[rec.Row.ID] = i
			centroids[i] = rec.Centroid
		}
		nn := interpolation.NearestNeighbourDistances(centroids)
		sorted := make([]properties.ParticleRecord, 0, len(records))
		for _, row := range rows {
			i := byID[row.ID]
			rec := records[i]
			rec.NearestNeighbour = nn[i]
			sorted = append(sorted, rec)
		}
		if err := rc.Catalog.PutParticles(ctx, rc.RunID, sorted); err != nil {
			rc.Logger.Printf("Warning: catalog: %v", err)
		}
	}

	if rc.Config.Output.Metrics {
		data, err := rc.Metrics.Encode()
		if err == nil {
			err = rc.Writer.WriteFile(ctx, artifact.MetricsKey, data)
		}
		if err != nil {
			rc.Logger.Printf("Warning: metrics: %v", err)
		}
	}
	return nil
}
