// Package metrics is the backend-neutral metrics surface used by csvload.
//
// Core code depends only on Backend. Concrete backends (datadog, prompush)
// live in subpackages and are selected by cmd/csvload. There is no global
// backend: the run context carries the one in use.
package metrics

import (
	"sync"
	"time"
)

// Metric names. Backends ignore names they do not know.
const (
	StepTotal           = "csvload_step_total"
	StepDurationSeconds = "csvload_step_duration_seconds"
	RowsTotal           = "csvload_rows_total"
	BatchesTotal        = "csvload_batches_total"
	BisectionsTotal     = "csvload_bisections_total"
	ChunksTotal         = "csvload_chunks_total"
)

// Labels is a set of metric labels/tags.
type Labels map[string]string

// Backend receives counter increments and histogram observations.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string, float64, Labels)       {}
func (Nop) ObserveHistogram(string, float64, Labels) {}
func (Nop) Flush() error                             { return nil }

// OrNop returns b, or Nop when b is nil.
func OrNop(b Backend) Backend {
	if b == nil {
		return Nop{}
	}
	return b
}

// RecordStep counts one step execution and observes its duration.
func RecordStep(b Backend, step, status string, d time.Duration) {
	b = OrNop(b)
	l := Labels{"step": step, "status": status}
	b.IncCounter(StepTotal, 1, l)
	b.ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}

// RecordRows counts loaded or skipped rows.
func RecordRows(b Backend, kind string, n int64) {
	if n <= 0 {
		return
	}
	OrNop(b).IncCounter(RowsTotal, float64(n), Labels{"kind": kind})
}

// Memory is an in-process Backend that keeps totals. It is used by tests and
// by the CLI to print a metrics summary when no remote backend is set.
type Memory struct {
	mu       sync.Mutex
	counters map[string]float64
	samples  map[string][]float64
}

// NewMemory returns an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{counters: map[string]float64{}, samples: map[string][]float64{}}
}

func memKey(name string, l Labels) string {
	k := name
	for _, lk := range []string{"step", "status", "kind"} {
		if v, ok := l[lk]; ok {
			k += "|" + lk + "=" + v
		}
	}
	return k
}

func (m *Memory) IncCounter(name string, delta float64, labels Labels) {
	m.mu.Lock()
	m.counters[memKey(name, labels)] += delta
	m.mu.Unlock()
}

func (m *Memory) ObserveHistogram(name string, value float64, labels Labels) {
	m.mu.Lock()
	k := memKey(name, labels)
	m.samples[k] = append(m.samples[k], value)
	m.mu.Unlock()
}

func (m *Memory) Flush() error { return nil }

// Counter returns the current value of a counter with the given labels.
func (m *Memory) Counter(name string, labels Labels) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[memKey(name, labels)]
}

// Samples returns the number of observations recorded for a histogram.
func (m *Memory) Samples(name string, labels Labels) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samples[memKey(name, labels)])
}
