// Package metric exposes Prometheus instrumentation for the daemon. All
// metrics live in a dedicated registry so tests never collide on the
// global default. Record methods are nil-receiver safe, so components can
// run unmetered with a nil *Metrics.
package metric

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains the daemon's instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	// Monitor loop
	CyclesTotal    prometheus.Counter
	CycleErrors    prometheus.Counter
	CycleDuration  prometheus.Histogram
	MonitorRunning prometheus.Gauge
	PauseRequests  prometheus.Gauge

	// Event pipeline
	TransitionsTotal prometheus.Counter
	EventsTotal      *prometheus.CounterVec
	DiscardedTotal   *prometheus.CounterVec
	PositionDwell    prometheus.Histogram

	// Actuation
	ActuationsTotal   *prometheus.CounterVec
	ActuationRetries  prometheus.Counter
	ActuationDuration prometheus.Histogram

	// Sinks and broker
	SinkErrors    prometheus.Counter
	MQTTConnected prometheus.Gauge
}

// NewMetrics creates the full metric set on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "operant",
			Subsystem: "monitor",
			Name:      "cycles_total",
			Help:      "Total number of completed monitor cycles",
		}),
		CycleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "operant",
			Subsystem: "monitor",
			Name:      "cycle_errors_total",
			Help:      "Total number of monitor cycles abandoned on a hardware error",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "operant",
			Subsystem: "monitor",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one submit+run monitor cycle",
			Buckets:   prometheus.DefBuckets,
		}),
		MonitorRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "operant",
			Subsystem: "monitor",
			Name:      "running",
			Help:      "Whether the monitor loop is running (0 or 1)",
		}),
		PauseRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "operant",
			Subsystem: "monitor",
			Name:      "pause_requests",
			Help:      "Number of outstanding pause requests holding the monitor parked",
		}),

		TransitionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "operant",
			Subsystem: "events",
			Name:      "transitions_total",
			Help:      "Total raw transitions returned by monitor cycles",
		}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "operant",
			Subsystem: "events",
			Name:      "classified_total",
			Help:      "Total semantic events dispatched to sinks",
		}, []string{"type"}),
		DiscardedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "operant",
			Subsystem: "events",
			Name:      "discarded_total",
			Help:      "Total transitions discarded instead of dispatched",
		}, []string{"reason"}),
		PositionDwell: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "operant",
			Subsystem: "events",
			Name:      "position_dwell_seconds",
			Help:      "How long each completed position stay lasted",
			Buckets:   prometheus.DefBuckets,
		}),

		ActuationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "operant",
			Subsystem: "actuation",
			Name:      "deliveries_total",
			Help:      "Total reward deliveries by final status",
		}, []string{"status"}),
		ActuationRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "operant",
			Subsystem: "actuation",
			Name:      "retries_total",
			Help:      "Total reward delivery attempts that had to be retried",
		}),
		ActuationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "operant",
			Subsystem: "actuation",
			Name:      "duration_seconds",
			Help:      "Wall time of one delivery including retries",
			Buckets:   prometheus.DefBuckets,
		}),

		SinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "operant",
			Subsystem: "sink",
			Name:      "errors_total",
			Help:      "Total event sink failures (logged, never fatal)",
		}),
		MQTTConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "operant",
			Subsystem: "mqtt",
			Name:      "connected",
			Help:      "MQTT broker connection status (0 or 1)",
		}),
	}

	m.registry.MustRegister(
		m.CyclesTotal,
		m.CycleErrors,
		m.CycleDuration,
		m.MonitorRunning,
		m.PauseRequests,
		m.TransitionsTotal,
		m.EventsTotal,
		m.DiscardedTotal,
		m.PositionDwell,
		m.ActuationsTotal,
		m.ActuationRetries,
		m.ActuationDuration,
		m.SinkErrors,
		m.MQTTConnected,
	)
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordCycle counts one completed monitor cycle.
func (m *Metrics) RecordCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.CyclesTotal.Inc()
	m.CycleDuration.Observe(d.Seconds())
}

// RecordCycleError counts one abandoned cycle.
func (m *Metrics) RecordCycleError() {
	if m == nil {
		return
	}
	m.CycleErrors.Inc()
}

// SetRunning updates the monitor running gauge.
func (m *Metrics) SetRunning(running bool) {
	if m == nil {
		return
	}
	v := 0.0
	if running {
		v = 1.0
	}
	m.MonitorRunning.Set(v)
}

// SetPauseRequests updates the outstanding pause request gauge.
func (m *Metrics) SetPauseRequests(n int) {
	if m == nil {
		return
	}
	m.PauseRequests.Set(float64(n))
}

// RecordTransitions counts raw transitions returned by one run.
func (m *Metrics) RecordTransitions(n int) {
	if m == nil {
		return
	}
	m.TransitionsTotal.Add(float64(n))
}

// RecordEvent counts one dispatched semantic event.
func (m *Metrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(eventType).Inc()
}

// RecordDiscard counts one dropped raw transition.
func (m *Metrics) RecordDiscard(reason string) {
	if m == nil {
		return
	}
	m.DiscardedTotal.WithLabelValues(reason).Inc()
}

// RecordDwell records the length of a completed position stay.
func (m *Metrics) RecordDwell(d time.Duration) {
	if m == nil {
		return
	}
	m.PositionDwell.Observe(d.Seconds())
}

// RecordActuation counts one finished delivery and its wall time.
func (m *Metrics) RecordActuation(ok bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "failed"
	if ok {
		status = "ok"
	}
	m.ActuationsTotal.WithLabelValues(status).Inc()
	m.ActuationDuration.Observe(d.Seconds())
}

// RecordActuationRetry counts one retried delivery attempt.
func (m *Metrics) RecordActuationRetry() {
	if m == nil {
		return
	}
	m.ActuationRetries.Inc()
}

// RecordSinkError counts one sink failure.
func (m *Metrics) RecordSinkError() {
	if m == nil {
		return
	}
	m.SinkErrors.Inc()
}

// SetMQTTConnected updates the broker connectivity gauge.
func (m *Metrics) SetMQTTConnected(connected bool) {
	if m == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1.0
	}
	m.MQTTConnected.Set(v)
}

// Handler returns the HTTP handler serving this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
