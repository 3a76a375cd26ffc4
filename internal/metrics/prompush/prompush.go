// Package prompush implements a metrics.Backend that pushes to a Prometheus
// Pushgateway. Collectors live in a private registry; nothing is sent until
// Flush, which the CLI calls once at the end of a run.
package prompush

import (
	"errors"
	"fmt"
	"strings"

	"csvload/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Backend is a Pushgateway backend.
type Backend struct {
	pusher *push.Pusher
	reg    *prometheus.Registry

	steps      *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	rows       *prometheus.CounterVec
	chunks     *prometheus.CounterVec
	batches    prometheus.Counter
	bisections prometheus.Counter
}

// NewBackend registers the csvload collectors and targets gatewayURL with
// the given job name.
func NewBackend(jobName, gatewayURL string) (*Backend, error) {
	if strings.TrimSpace(gatewayURL) == "" {
		return nil, errors.New("prompush: empty gateway url")
	}
	if jobName == "" {
		jobName = "csvload"
	}

	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	b := &Backend{
		reg: reg,
		steps: f.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.StepTotal,
			Help: "Pipeline step executions by step and status.",
		}, []string{"step", "status"}),
		durations: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metrics.StepDurationSeconds,
			Help:    "Pipeline step duration in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 1800},
		}, []string{"step", "status"}),
		rows: f.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.RowsTotal,
			Help: "Rows loaded or skipped.",
		}, []string{"kind"}),
		chunks: f.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.ChunksTotal,
			Help: "Chunks processed by the chunked loader, by status.",
		}, []string{"status"}),
		batches: f.NewCounter(prometheus.CounterOpts{
			Name: metrics.BatchesTotal,
			Help: "Insert batches executed.",
		}),
		bisections: f.NewCounter(prometheus.CounterOpts{
			Name: metrics.BisectionsTotal,
			Help: "Failed batches split for row isolation.",
		}),
	}
	b.pusher = push.New(gatewayURL, jobName).Gatherer(reg)
	return b, nil
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	switch name {
	case metrics.StepTotal:
		b.steps.WithLabelValues(labels["step"], labels["status"]).Add(delta)
	case metrics.RowsTotal:
		b.rows.WithLabelValues(labels["kind"]).Add(delta)
	case metrics.ChunksTotal:
		b.chunks.WithLabelValues(labels["status"]).Add(delta)
	case metrics.BatchesTotal:
		b.batches.Add(delta)
	case metrics.BisectionsTotal:
		b.bisections.Add(delta)
	}
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if name != metrics.StepDurationSeconds || value < 0 {
		return
	}
	b.durations.WithLabelValues(labels["step"], labels["status"]).Observe(value)
}

// Flush pushes the registry, replacing the job's previous group.
func (b *Backend) Flush() error {
	if err := b.pusher.Push(); err != nil {
		return fmt.Errorf("prompush: push: %w", err)
	}
	return nil
}

var _ metrics.Backend = (*Backend)(nil)
