// Package metrics is a small backend-agnostic layer for the transfer
// engine's operational counters. Callers hold a Backend value and record
// through it; a no-op backend keeps instrumentation safe when metrics are
// disabled. Concrete systems (Prometheus Pushgateway) live in subpackages so
// nothing else links against a metrics vendor.
package metrics

import "time"

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a duration-style value.
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes metrics for backends that need it.
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

// Nop returns a backend that discards everything.
func Nop() Backend { return nopBackend{} }

// RecordPhase measures one run phase (split, stage, transfer, verify).
func RecordPhase(b Backend, dataset, phase string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	lbls := Labels{"dataset": dataset, "phase": phase, "status": status}
	b.IncCounter("ferry_phase_total", 1, lbls)
	b.ObserveHistogram("ferry_phase_duration_seconds", d.Seconds(), lbls)
}

// RecordChunks counts chunk outcomes. Kinds in use: "committed", "skipped",
// "filtered_empty", "empty".
func RecordChunks(b Backend, dataset, kind string, delta int64) {
	if delta <= 0 {
		return
	}
	b.IncCounter("ferry_chunks_total", float64(delta), Labels{
		"dataset": dataset,
		"kind":    kind,
	})
}

// RecordRows counts rows committed to the sink.
func RecordRows(b Backend, dataset string, delta int64) {
	if delta <= 0 {
		return
	}
	b.IncCounter("ferry_rows_total", float64(delta), Labels{"dataset": dataset})
}
