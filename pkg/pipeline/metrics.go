package pipeline

import (
	"bytes"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

const namespace = "grainmesh"

// Metrics are registered on a registry owned by one run, so concurrent runs
// in a process never share counters.
type Metrics struct {
	Registry *prometheus.Registry

	Regions         prometheus.Gauge
	Rejected        *prometheus.CounterVec
	Exported        prometheus.Counter
	Resumed         prometheus.Counter
	MeshFailures    prometheus.Counter
	WriteFailures   prometheus.Counter
	TiersWritten    *prometheus.CounterVec
	TierFailures    *prometheus.CounterVec
	Triangles       prometheus.Histogram
	ParticleSeconds prometheus.Histogram
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Regions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "regions",
			Help: "Labeled regions found in the volume, background excluded.",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "regions_rejected_total",
			Help: "Regions filtered out, by reason.",
		}, []string{"reason"}),
		Exported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "particles_exported_total",
			Help: "Particles whose canonical record was written or already present.",
		}),
		Resumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "particles_resumed_total",
			Help: "Particles skipped because an earlier run finished them.",
		}),
		MeshFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "mesh_failures_total",
			Help: "Particles skipped because no surface could be extracted.",
		}),
		WriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "write_failures_total",
			Help: "Particles whose canonical record could not be stored.",
		}),
		TiersWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tiers_written_total",
			Help: "Quality-tier meshes written, by tier.",
		}, []string{"tier"}),
		TierFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tier_failures_total",
			Help: "Quality tiers that failed, by tier.",
		}, []string{"tier"}),
		Triangles: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "mesh_triangles",
			Help:    "Triangles in the full-resolution mesh of each particle.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		}),
		ParticleSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "particle_seconds",
			Help:    "Wall time spent on one particle.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	m.Registry.MustRegister(m.Regions, m.Rejected, m.Exported, m.Resumed, m.MeshFailures,
		m.WriteFailures, m.TiersWritten, m.TierFailures, m.Triangles, m.ParticleSeconds)
	return m
}

func (m *Metrics) observe(o particleOutcome) {
	switch {
	case o.exported:
		m.Exported.Inc()
	case o.meshErr != nil:
		m.MeshFailures.Inc()
	case o.writeErr != nil:
		m.WriteFailures.Inc()
	}
	if o.resumed {
		m.Resumed.Inc()
	}
}

// Encode renders every metric in the Prometheus text exposition format.
func (m *Metrics) Encode() ([]byte, error) {
	families, err := m.Registry.Gather()
	if err != nil {
		return nil, errors.Wrap(err, "gather metrics")
	}
	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return nil, errors.Wrap(err, "encode metrics")
		}
	}
	return buf.Bytes(), nil
}
