// Package metrics defines the Prometheus metrics exposed by the update
// agent's activation surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// UpdateProgress reports the 0-100 progress of the in-flight package.
	// internal/manager publishes one package-wide series, with the eid
	// label set to "package".
	UpdateProgress = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pldm_fwupdate_progress_percent",
			Help: "Progress of the current firmware update, 0-100.",
		},
		[]string{"eid"},
	)

	// ComponentOutcomeTotal counts component update terminations by outcome.
	ComponentOutcomeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pldm_fwupdate_component_outcome_total",
			Help: "Total component updates by terminal outcome.",
		},
		[]string{"outcome"}, // success, failed, skipped
	)

	// CommandLatency records the round-trip latency of PLDM request/response
	// exchanges with a firmware device.
	CommandLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pldm_fwupdate_command_latency_seconds",
			Help:    "Latency of PLDM Type 5 command exchanges with a device.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)
)

// Registry is the agent's Prometheus registry. Kept separate from
// prometheus.DefaultRegisterer so tests can register a throwaway instance.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(UpdateProgress)
	Registry.MustRegister(ComponentOutcomeTotal)
	Registry.MustRegister(CommandLatency)
}
