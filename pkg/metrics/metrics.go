// Package metrics exposes engine measurements to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/dukex/opsflow/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var nodeDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Metrics implements engine.Observer.
type Metrics struct {
	InstancesStarted  *prometheus.CounterVec
	InstancesFinished *prometheus.CounterVec
	InstanceDuration  *prometheus.HistogramVec
	InstancesActive   prometheus.Gauge
	NodeExecutions    *prometheus.CounterVec
	NodeDuration      *prometheus.HistogramVec
	NodeRetries       *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates the instruments and registers them on reg. reg must also be a
// prometheus.Gatherer for Handler to serve them; *prometheus.Registry is.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		InstancesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsflow_instances_started_total",
			Help: "Total number of process instances started.",
		}, []string{"definition_group_id"}),
		InstancesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsflow_instances_finished_total",
			Help: "Total number of process instances that reached a terminal status.",
		}, []string{"status"}),
		InstanceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opsflow_instance_duration_seconds",
			Help:    "Process instance duration from start to terminal status.",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
		}, []string{"status"}),
		InstancesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "opsflow_instances_active",
			Help: "Number of instances started and not yet finished by this process.",
		}),
		NodeExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsflow_node_executions_total",
			Help: "Total number of node execution records finished.",
		}, []string{"node_type", "status"}),
		NodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opsflow_node_duration_seconds",
			Help:    "Node execution duration in seconds.",
			Buckets: nodeDurationBuckets,
		}, []string{"node_type"}),
		NodeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsflow_node_retries_total",
			Help: "Total number of node retry attempts.",
		}, []string{"node_type"}),
	}

	reg.MustRegister(
		m.InstancesStarted,
		m.InstancesFinished,
		m.InstanceDuration,
		m.InstancesActive,
		m.NodeExecutions,
		m.NodeDuration,
		m.NodeRetries,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}

	return m
}

func (m *Metrics) InstanceStarted(groupID string) {
	m.InstancesStarted.WithLabelValues(groupID).Inc()
	m.InstancesActive.Inc()
}

func (m *Metrics) InstanceFinished(status models.InstanceStatus, duration time.Duration) {
	m.InstancesFinished.WithLabelValues(string(status)).Inc()
	m.InstanceDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
	m.InstancesActive.Dec()
}

func (m *Metrics) NodeFinished(nodeType models.NodeType, status models.HistoryStatus, duration time.Duration) {
	m.NodeExecutions.WithLabelValues(string(nodeType), string(status)).Inc()

	if duration > 0 {
		m.NodeDuration.WithLabelValues(string(nodeType)).Observe(duration.Seconds())
	}
}

func (m *Metrics) NodeRetried(nodeType models.NodeType) {
	m.NodeRetries.WithLabelValues(string(nodeType)).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m.gatherer == nil {
		return promhttp.Handler()
	}

	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
