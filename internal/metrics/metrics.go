// Package metrics provides Prometheus metrics for the blobmesh gateway and worker.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the Prometheus registry for all blobmesh metrics.
var Registry = prometheus.NewRegistry()

// GatewayMetrics holds all Prometheus metrics for a blobmesh process.
// Every method is safe to call on a nil receiver so components can run without
// metrics in tests.
type GatewayMetrics struct {
	// Authentication
	AuthDecisions *prometheus.CounterVec // labels: scheme, result

	// Namespace
	NamespaceOperations *prometheus.CounterVec // labels: result (saved, unchanged, conflict, exhausted, error)
	NamespaceCache      *prometheus.CounterVec // labels: result (hit, miss, error)

	// Replication
	ReplicationOutcomes *prometheus.CounterVec // labels: operation, outcome

	// Queue
	QueueMessages *prometheus.CounterVec // labels: kind, result
	QueueErrors   *prometheus.CounterVec // labels: stage (dequeue, delete, dead_letter, panic)

	// Proxy
	RequestsTotal   *prometheus.CounterVec   // labels: operation, status
	RequestDuration *prometheus.HistogramVec // labels: operation

	// Process info
	Info *prometheus.GaugeVec // labels: mode, version
}

var (
	gatewayMetrics     *GatewayMetrics
	gatewayMetricsOnce sync.Once
)

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitGatewayMetrics registers the blobmesh metrics with Registry. It is safe to
// call more than once; later calls return the first instance.
func InitGatewayMetrics(mode, version string) *GatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayMetrics = NewGatewayMetrics(Registry)
		gatewayMetrics.Info.WithLabelValues(mode, version).Set(1)
	})
	return gatewayMetrics
}

// NewGatewayMetrics creates the metric set against an explicit registerer.
func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	return &GatewayMetrics{
		AuthDecisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "blobmesh_auth_decisions_total",
			Help: "Inbound authentication decisions by scheme and result",
		}, []string{"scheme", "result"}),

		NamespaceOperations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "blobmesh_namespace_operations_total",
			Help: "Namespace read-modify-write attempts by result",
		}, []string{"result"}),
		NamespaceCache: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "blobmesh_namespace_cache_total",
			Help: "Namespace cache lookups by result",
		}, []string{"result"}),

		ReplicationOutcomes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "blobmesh_replication_outcomes_total",
			Help: "Replication coordinator outcomes by operation",
		}, []string{"operation", "outcome"}),

		QueueMessages: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "blobmesh_queue_messages_total",
			Help: "Queue deliveries by message kind and result",
		}, []string{"kind", "result"}),
		QueueErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "blobmesh_queue_errors_total",
			Help: "Queue loop errors by stage",
		}, []string{"stage"}),

		RequestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "blobmesh_requests_total",
			Help: "Gateway requests by operation and status code",
		}, []string{"operation", "status"}),
		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "blobmesh_request_duration_seconds",
			Help:    "Gateway request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),

		Info: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "blobmesh_info",
			Help: "Process information (value is always 1)",
		}, []string{"mode", "version"}),
	}
}

// AuthDecision records the outcome of one authentication attempt.
func (m *GatewayMetrics) AuthDecision(scheme string, authorized bool) {
	if m == nil {
		return
	}
	result := "denied"
	if authorized {
		result = "authorized"
	}
	m.AuthDecisions.WithLabelValues(scheme, result).Inc()
}

// NamespaceOperation records one namespace read-modify-write result.
func (m *GatewayMetrics) NamespaceOperation(result string) {
	if m == nil {
		return
	}
	m.NamespaceOperations.WithLabelValues(result).Inc()
}

// CacheLookup records a namespace cache lookup.
func (m *GatewayMetrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.NamespaceCache.WithLabelValues(result).Inc()
}

// ReplicationOutcome records the outcome of a coordinator operation.
func (m *GatewayMetrics) ReplicationOutcome(operation, outcome string) {
	if m == nil {
		return
	}
	m.ReplicationOutcomes.WithLabelValues(operation, outcome).Inc()
}

// QueueMessage records how a delivered message was handled.
func (m *GatewayMetrics) QueueMessage(kind, result string) {
	if m == nil {
		return
	}
	m.QueueMessages.WithLabelValues(kind, result).Inc()
}

// QueueError records a queue loop error.
func (m *GatewayMetrics) QueueError(stage string) {
	if m == nil {
		return
	}
	m.QueueErrors.WithLabelValues(stage).Inc()
}

// ObserveRequest records a proxied request.
func (m *GatewayMetrics) ObserveRequest(operation string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(operation, statusLabel(status)).Inc()
	m.RequestDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
