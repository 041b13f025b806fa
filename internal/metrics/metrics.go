// Package metrics records merge run statistics in a private Prometheus
// registry that can be dumped in the node_exporter textfile format.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder owns one registry per run so repeated runs in a process never
// collide on registration.
type Recorder struct {
	registry *prometheus.Registry

	rows  *prometheus.CounterVec
	stage *prometheus.HistogramVec
	runs  *prometheus.CounterVec
}

// New returns a Recorder with its collectors registered.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		rows: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jwlmerge_rows_total",
			Help: "Rows processed per entity, by outcome.",
		}, []string{"entity", "outcome"}),
		stage: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jwlmerge_stage_seconds",
			Help:    "Time spent in each merge stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jwlmerge_runs_total",
			Help: "Merge runs by final status.",
		}, []string{"status"}),
	}
}

// ObserveStage records how long a stage took.
func (r *Recorder) ObserveStage(stage string, d time.Duration) {
	r.stage.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveRows adds one entity's outcome counts.
func (r *Recorder) ObserveRows(entity string, created, reused, skipped int) {
	r.rows.WithLabelValues(entity, "created").Add(float64(created))
	r.rows.WithLabelValues(entity, "reused").Add(float64(reused))
	r.rows.WithLabelValues(entity, "skipped").Add(float64(skipped))
}

// ObserveRun counts a finished run.
func (r *Recorder) ObserveRun(status string) {
	r.runs.WithLabelValues(status).Inc()
}

// Registry exposes the underlying registry, mostly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// WriteTextfile writes every metric to path atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
