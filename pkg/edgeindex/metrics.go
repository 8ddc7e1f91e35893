package edgeindex

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricPhaseDuration = "phase_duration_seconds"
	MetricEdgesIndexed  = "edges_indexed_total"
	MetricRunsWritten   = "runs_written_total"
	MetricBuilds        = "builds_total"
	MetricBuildFailures = "build_failures_total"
)

// Metrics are the builder's prometheus collectors. Counters are per rank:
// each process reports what it indexed and wrote itself.
type Metrics struct {
	PhaseDuration *prometheus.HistogramVec
	EdgesIndexed  *prometheus.CounterVec
	RunsWritten   *prometheus.CounterVec
	Builds        prometheus.Counter
	BuildFailures *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PhaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "edgeindex",
				Name:      MetricPhaseDuration,
				Help:      "Wall time of each build phase, including the closing barrier.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
			},
			[]string{"direction", "phase"},
		),
		EdgesIndexed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "edgeindex",
				Name:      MetricEdgesIndexed,
				Help:      "Edges of the local shard indexed.",
			},
			[]string{"direction"},
		),
		RunsWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "edgeindex",
				Name:      MetricRunsWritten,
				Help:      "Runs written to range_to_edge_id by this rank.",
			},
			[]string{"direction"},
		),
		Builds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "edgeindex",
				Name:      MetricBuilds,
				Help:      "Index builds started.",
			},
		),
		BuildFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "edgeindex",
				Name:      MetricBuildFailures,
				Help:      "Index builds that failed, by the phase that failed.",
			},
			[]string{"phase"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.PhaseDuration, m.EdgesIndexed, m.RunsWritten, m.Builds, m.BuildFailures)
	}
	return m
}

func (m *Metrics) observePhase(d, phase string, took time.Duration) {
	if m == nil {
		return
	}
	m.PhaseDuration.WithLabelValues(d, phase).Observe(took.Seconds())
}

func (m *Metrics) recordDirection(d Direction, edges, runs uint64) {
	if m == nil {
		return
	}
	m.EdgesIndexed.WithLabelValues(d.String()).Add(float64(edges))
	m.RunsWritten.WithLabelValues(d.String()).Add(float64(runs))
}

func (m *Metrics) recordBuild() {
	if m == nil {
		return
	}
	m.Builds.Inc()
}

func (m *Metrics) recordFailure(phase string) {
	if m == nil {
		return
	}
	m.BuildFailures.WithLabelValues(phase).Inc()
}
