// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package runtime

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/holomush/pluginrt/internal/instance"
)

// Metrics contains the runtime's Prometheus collectors.
type Metrics struct {
	Initializations  *prometheus.CounterVec
	CacheLookups     *prometheus.CounterVec
	ProcedureCalls   *prometheus.CounterVec
	CallDuration     *prometheus.HistogramVec
	StreamItems      *prometheus.CounterVec
	PhaseChanges     *prometheus.CounterVec
	ShutdownFailures *prometheus.CounterVec
	LiveInstances    prometheus.Gauge
}

// NewMetrics creates and registers the runtime metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Initializations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginrt_initializations_total",
				Help: "Total number of plugin initializations by plugin and result",
			},
			[]string{"plugin", "result"},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginrt_instance_cache_lookups_total",
				Help: "Total number of instance cache lookups by outcome",
			},
			[]string{"outcome"},
		),
		ProcedureCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginrt_procedure_calls_total",
				Help: "Total number of procedure calls by plugin, procedure and result",
			},
			[]string{"plugin", "procedure", "result"},
		),
		CallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pluginrt_procedure_call_duration_seconds",
				Help:    "Histogram of procedure call latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"plugin", "procedure"},
		),
		StreamItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginrt_stream_items_total",
				Help: "Total number of streamed items by plugin, procedure and phase",
			},
			[]string{"plugin", "procedure", "phase"},
		),
		PhaseChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginrt_stream_phase_changes_total",
				Help: "Total number of stream phase transitions",
			},
			[]string{"plugin", "procedure", "to"},
		),
		ShutdownFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginrt_shutdown_failures_total",
				Help: "Total number of failed instance shutdowns by plugin",
			},
			[]string{"plugin"},
		),
		LiveInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pluginrt_live_instances",
			Help: "Number of initialized plugin instances",
		}),
	}

	reg.MustRegister(
		m.Initializations,
		m.CacheLookups,
		m.ProcedureCalls,
		m.CallDuration,
		m.StreamItems,
		m.PhaseChanges,
		m.ShutdownFailures,
		m.LiveInstances,
	)
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) recordLookup(outcome instance.Outcome) {
	m.CacheLookups.WithLabelValues(outcome.String()).Inc()
}

// ObserveCall records one procedure call. It satisfies router.Observer.
func (m *Metrics) ObserveCall(pluginID, procedure string, elapsed time.Duration, err error) {
	m.ProcedureCalls.WithLabelValues(pluginID, procedure, result(err)).Inc()
	m.CallDuration.WithLabelValues(pluginID, procedure).Observe(elapsed.Seconds())
}

// streamObserver feeds stream events into the metrics.
type streamObserver struct{ m *Metrics }

func (o streamObserver) StreamItems(pluginID, procedure, phase string, n int) {
	o.m.StreamItems.WithLabelValues(pluginID, procedure, phase).Add(float64(n))
}

func (o streamObserver) PhaseChanged(pluginID, procedure, _, to string) {
	o.m.PhaseChanges.WithLabelValues(pluginID, procedure, to).Inc()
}
