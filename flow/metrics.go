package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for workflow processing.
//
// All collectors live under the statekit namespace. Attach with
// WithMetrics; a nil Metrics disables collection.
type Metrics struct {
	stepsTotal      *prometheus.CounterVec
	stepLatency     *prometheus.HistogramVec
	activeInstances prometheus.Gauge
	pausedInstances prometheus.Gauge
	timeoutsTotal   *prometheus.CounterVec
}

// NewMetrics registers the workflow collectors with reg.
// Pass prometheus.DefaultRegisterer for the process-global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		stepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statekit",
			Name:      "steps_total",
			Help:      "Process steps executed, by flow, state, and handler outcome.",
		}, []string{"flow", "state", "status"}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "statekit",
			Name:      "step_latency_ms",
			Help:      "Process step latency in milliseconds, handler plus persistence.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"flow", "state"}),
		activeInstances: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "statekit",
			Name:      "active_instances",
			Help:      "Instances started and not yet terminal.",
		}),
		pausedInstances: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "statekit",
			Name:      "paused_instances",
			Help:      "Instances currently parked at a pause state.",
		}),
		timeoutsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statekit",
			Name:      "timeouts_total",
			Help:      "Pause timeouts fired, by configured action.",
		}, []string{"action"}),
	}
}

// ObserveStep records one completed process step.
func (m *Metrics) ObserveStep(flowName, state, status string, elapsed time.Duration) {
	m.stepsTotal.WithLabelValues(flowName, state, status).Inc()
	m.stepLatency.WithLabelValues(flowName, state).Observe(float64(elapsed.Milliseconds()))
}

// InstanceStarted increments the active-instance gauge.
func (m *Metrics) InstanceStarted() {
	m.activeInstances.Inc()
}

// InstanceCompleted decrements the active-instance gauge.
func (m *Metrics) InstanceCompleted() {
	m.activeInstances.Dec()
}

// InstancePaused increments the paused-instance gauge.
func (m *Metrics) InstancePaused() {
	m.pausedInstances.Inc()
}

// InstanceResumed decrements the paused-instance gauge.
func (m *Metrics) InstanceResumed() {
	m.pausedInstances.Dec()
}

// TimeoutFired records one pause timeout, labeled by its action
// ("transition", "event", or "none").
func (m *Metrics) TimeoutFired(action string) {
	m.timeoutsTotal.WithLabelValues(action).Inc()
}
