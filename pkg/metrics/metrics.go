// Package metrics provides a small instrumentation interface so the watcher
// and supervisor can record counters and gauges without binding the state
// machine to a specific backend.
package metrics

import "net/http"

// Labels represents a collection of labels (key-value pairs) for a metric.
type Labels map[string]string

// Recorder defines the interface for recording application metrics.
type Recorder interface {
	// IncCounter increments a counter by 1.
	IncCounter(name string, labels Labels)

	// SetGauge sets the value of a gauge.
	SetGauge(name string, labels Labels, value float64)

	// ObserveHistogram records a new observation for a histogram.
	ObserveHistogram(name string, labels Labels, value float64)

	// Handler returns an http.Handler exposing the metrics for scraping,
	// or nil if the backend does not support it.
	Handler() http.Handler
}

// noopRecorder is used when metrics are disabled to avoid nil checks.
type noopRecorder struct{}

// NewNoopRecorder returns a new no-op recorder.
func NewNoopRecorder() Recorder {
	return &noopRecorder{}
}

func (r *noopRecorder) IncCounter(name string, labels Labels) {}
func (r *noopRecorder) SetGauge(name string, labels Labels, value float64) {}
func (r *noopRecorder) ObserveHistogram(name string, labels Labels, value float64) {}
func (r *noopRecorder) Handler() http.Handler { return nil }
