package graph

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes Prometheus-compatible instrumentation for the execution
// engine, namespaced under "orchestrator":
//
//   - tasks_inflight (gauge): tasks currently claimed and RUNNING.
//     Labels: workflow_id.
//   - queue_depth (gauge): pending change-notification entries awaiting a
//     worker.
//   - dispatch_latency_ms (histogram): time from claim to terminal result.
//     Labels: assignee_id, status (success/failure).
//   - retries_total (counter): transient dispatch retries.
//     Labels: assignee_id, reason.
//   - activations_total (counter): successor tasks activated by the
//     Successor Activator. Labels: workflow_id.
//   - backpressure_events_total (counter): queue saturation events.
//     Labels: reason.
type Metrics struct {
	tasksInflight   *prometheus.GaugeVec
	queueDepth      prometheus.Gauge
	dispatchLatency *prometheus.HistogramVec
	retries         *prometheus.CounterVec
	activations     *prometheus.CounterVec
	backpressure    *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// NewMetrics registers and returns a Metrics collector on registry. A nil
// registry uses prometheus.DefaultRegisterer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	m := &Metrics{enabled: true}

	m.tasksInflight = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Name:      "tasks_inflight",
		Help:      "Number of tasks currently claimed and RUNNING",
	}, []string{"workflow_id"})

	m.queueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Name:      "queue_depth",
		Help:      "Number of pending change-notification entries awaiting a worker",
	})

	m.dispatchLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "orchestrator",
		Name:      "dispatch_latency_ms",
		Help:      "Time in milliseconds from task claim to terminal dispatch result",
		Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 10000, 30000, 60000},
	}, []string{"assignee_id", "status"})

	m.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "retries_total",
		Help:      "Cumulative count of transient dispatch retries",
	}, []string{"assignee_id", "reason"})

	m.activations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "activations_total",
		Help:      "Successor tasks activated after a completed task's result propagates across its edges",
	}, []string{"workflow_id"})

	m.backpressure = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "backpressure_events_total",
		Help:      "Queue saturation events where dispatch was throttled or rejected",
	}, []string{"reason"})

	return m
}

func (m *Metrics) RecordDispatchLatency(assigneeID string, latency time.Duration, status string) {
	if !m.isEnabled() {
		return
	}
	m.dispatchLatency.WithLabelValues(assigneeID, status).Observe(float64(latency.Milliseconds()))
}

func (m *Metrics) IncrementRetries(assigneeID, reason string) {
	if !m.isEnabled() {
		return
	}
	m.retries.WithLabelValues(assigneeID, reason).Inc()
}

func (m *Metrics) SetTasksInflight(workflowID string, count int) {
	if !m.isEnabled() {
		return
	}
	m.tasksInflight.WithLabelValues(workflowID).Set(float64(count))
}

func (m *Metrics) SetQueueDepth(depth int) {
	if !m.isEnabled() {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) IncrementActivations(workflowID string, count int) {
	if !m.isEnabled() || count == 0 {
		return
	}
	m.activations.WithLabelValues(workflowID).Add(float64(count))
}

func (m *Metrics) IncrementBackpressure(reason string) {
	if !m.isEnabled() {
		return
	}
	m.backpressure.WithLabelValues(reason).Inc()
}

func (m *Metrics) isEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Disable turns off metric recording (used in tests that don't want a
// shared registry polluted).
func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// Enable re-enables metric recording after Disable.
func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}
