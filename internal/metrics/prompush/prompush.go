// Package prompush pushes the engine's metrics to a Prometheus Pushgateway.
// It keeps all client_golang dependencies behind the metrics.Backend
// interface; batch runs have no scrape endpoint to expose, so pushing at the
// end of a run is the natural fit.
package prompush

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"ferry/internal/metrics"
)

// Backend is a Prometheus Pushgateway metrics backend.
type Backend struct {
	gatewayURL string
	jobName    string
	reg        *prometheus.Registry

	phaseCounter  *prometheus.CounterVec
	phaseDuration *prometheus.SummaryVec
	chunkCounter  *prometheus.CounterVec
	rowCounter    *prometheus.CounterVec
}

// NewBackend constructs a Pushgateway backend. jobName becomes the
// Pushgateway job grouping; gatewayURL is the server's base URL.
func NewBackend(jobName, gatewayURL string) (*Backend, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("prompush: gateway URL is required")
	}
	if jobName == "" {
		jobName = "ferry"
	}

	reg := prometheus.NewRegistry()

	phaseCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_phase_total",
			Help: "Run phase executions, partitioned by dataset, phase, and status.",
		},
		[]string{"dataset", "phase", "status"},
	)
	phaseDuration := prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name:       "ferry_phase_duration_seconds",
			Help:       "Run phase durations in seconds, partitioned by dataset, phase, and status.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
		[]string{"dataset", "phase", "status"},
	)
	chunkCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_chunks_total",
			Help: "Chunk outcomes per dataset (committed, skipped, filtered_empty, empty).",
		},
		[]string{"dataset", "kind"},
	)
	rowCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_rows_total",
			Help: "Rows committed to the sink per dataset.",
		},
		[]string{"dataset"},
	)

	for _, c := range []prometheus.Collector{phaseCounter, phaseDuration, chunkCounter, rowCounter} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("prompush: register: %w", err)
		}
	}

	return &Backend{
		gatewayURL:    gatewayURL,
		jobName:       jobName,
		reg:           reg,
		phaseCounter:  phaseCounter,
		phaseDuration: phaseDuration,
		chunkCounter:  chunkCounter,
		rowCounter:    rowCounter,
	}, nil
}

func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	switch name {
	case "ferry_phase_total":
		b.phaseCounter.WithLabelValues(labels["dataset"], labels["phase"], labels["status"]).Add(delta)
	case "ferry_chunks_total":
		b.chunkCounter.WithLabelValues(labels["dataset"], labels["kind"]).Add(delta)
	case "ferry_rows_total":
		b.rowCounter.WithLabelValues(labels["dataset"]).Add(delta)
	default:
		// unknown metric name: ignore
	}
}

func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if name != "ferry_phase_duration_seconds" {
		return
	}
	b.phaseDuration.WithLabelValues(labels["dataset"], labels["phase"], labels["status"]).Observe(value)
}

// Flush pushes the current registry to the Pushgateway.
func (b *Backend) Flush() error {
	return push.New(b.gatewayURL, b.jobName).
		Gatherer(b.reg).
		Push()
}
