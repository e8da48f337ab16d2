package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for the runtime.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	nodeExecutionsTotal *prometheus.CounterVec
	nodeRetriesTotal    *prometheus.CounterVec

	nodeExecutionDuration *prometheus.HistogramVec
	edgeBytesTotal        *prometheus.CounterVec

	uptime            prometheus.GaugeFunc
	activePipelines   prometheus.Gauge
	channelOutstanding *prometheus.GaugeVec

	circuitBreakerState      *prometheus.GaugeVec
	circuitBreakerTripsTotal *prometheus.CounterVec
}

// defaultBuckets are the histogram buckets for node execution duration
// (milliseconds), wide enough to cover media-frame processing times up
// to several seconds.
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		nodeExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_executions_total",
				Help:      "Total number of node executions",
			},
			[]string{"node_type", "status"},
		),

		nodeRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_retries_total",
				Help:      "Total number of node execution retry attempts",
			},
			[]string{"node_type"},
		),

		nodeExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_execution_duration_milliseconds",
				Help:      "Duration of node executions in milliseconds",
				Buckets:   buckets,
			},
			[]string{"node_type", "status"},
		),

		edgeBytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "edge_bytes_total",
				Help:      "Total payload bytes transferred across a pipeline edge",
			},
			[]string{"from", "to"},
		),

		activePipelines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_pipelines",
				Help:      "Number of currently running pipeline sessions",
			},
		),

		channelOutstanding: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "shm_channel_outstanding_slots",
				Help:      "Outstanding (loaned+committed+reading) slots per shared-memory channel",
			},
			[]string{"node_id", "direction"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Current circuit breaker state per remote endpoint (0=closed, 1=open, 2=half_open)",
			},
			[]string{"endpoint"},
		),

		circuitBreakerTripsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total circuit breaker state transitions per remote endpoint",
			},
			[]string{"endpoint", "to_state"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the runtime process started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.nodeExecutionsTotal,
		pm.nodeRetriesTotal,
		pm.nodeExecutionDuration,
		pm.edgeBytesTotal,
		pm.uptime,
		pm.activePipelines,
		pm.channelOutstanding,
		pm.circuitBreakerState,
		pm.circuitBreakerTripsTotal,
	)

	promMetrics = pm
}

// RecordPrometheusNodeExecution records one node execution in Prometheus.
func RecordPrometheusNodeExecution(nodeType, status string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.nodeExecutionsTotal.WithLabelValues(nodeType, status).Inc()
	promMetrics.nodeExecutionDuration.WithLabelValues(nodeType, status).Observe(float64(durationMs))
}

// RecordPrometheusRetry records a node execution retry attempt.
func RecordPrometheusRetry(nodeType string) {
	if promMetrics == nil {
		return
	}
	promMetrics.nodeRetriesTotal.WithLabelValues(nodeType).Inc()
}

// RecordEdgeBytes records bytes transferred across one pipeline edge.
func RecordEdgeBytes(from, to string, n int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.edgeBytesTotal.WithLabelValues(from, to).Add(float64(n))
}

// SetActivePipelines sets the current count of running pipeline sessions.
func SetActivePipelines(count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.activePipelines.Set(float64(count))
}

// SetChannelOutstanding records a shared-memory channel's outstanding
// slot count, sampled periodically by the worker session.
func SetChannelOutstanding(nodeID, direction string, outstanding int) {
	if promMetrics == nil {
		return
	}
	promMetrics.channelOutstanding.WithLabelValues(nodeID, direction).Set(float64(outstanding))
}

// SetCircuitBreakerState sets the circuit breaker state gauge for a
// remote endpoint. state: 0=closed, 1=open, 2=half_open.
func SetCircuitBreakerState(endpoint string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerState.WithLabelValues(endpoint).Set(float64(state))
}

// RecordCircuitBreakerTrip records a circuit breaker state transition
// for a remote endpoint.
func RecordCircuitBreakerTrip(endpoint, toState string) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerTripsTotal.WithLabelValues(endpoint, toState).Inc()
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors).
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
