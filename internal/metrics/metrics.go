// Package metrics collects and exposes runtime observability data.
//
// # Design rationale
//
// Two metric stores coexist in this package, a dual-store pattern:
//
//  1. The in-process Metrics struct (per-node-type counters + time
//     series) for a lightweight JSON /metrics endpoint.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems.
//
// # Concurrency — hot path
//
// RecordNodeExecution is called from the scheduler after every node
// invocation and must be fast: atomic increments for global counters,
// plus a lightweight event dispatched onto a buffered channel (tsChan)
// for the time-series worker to apply asynchronously, so the scheduler
// never blocks on a metrics lock.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	timeSeriesBucketDuration = time.Minute
	timeSeriesBucketCount    = 24 * 60
)

// TimeSeriesBucket stores metrics for a single time bucket.
type TimeSeriesBucket struct {
	Timestamp    time.Time
	Executions   int64
	Errors       int64
	TotalLatency int64
	Count        int64 // for calculating avg
}

// Metrics collects and exposes pipeline runtime metrics.
type Metrics struct {
	TotalNodeExecutions  atomic.Int64
	SuccessNodeExecutions atomic.Int64
	FailedNodeExecutions atomic.Int64
	RetriedExecutions    atomic.Int64

	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	// Per-node-type metrics
	nodeTypeMetrics sync.Map // nodeType -> *NodeTypeMetrics

	timeSeriesMu    sync.RWMutex
	timeSeries      []*TimeSeriesBucket
	tsChan          chan timeSeriesEvent
	tsDroppedEvents atomic.Int64

	startTime time.Time
}

type timeSeriesEvent struct {
	durationMs int64
	isError    bool
}

// NodeTypeMetrics tracks metrics for one node type across every node
// instance of that type in every pipeline run.
type NodeTypeMetrics struct {
	Executions atomic.Int64
	Successes  atomic.Int64
	Failures   atomic.Int64
	Retries    atomic.Int64
	TotalMs    atomic.Int64
	MinMs      atomic.Int64
	MaxMs      atomic.Int64
}

var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinLatencyMs.Store(int64(^uint64(0) >> 1))
	global.tsChan = make(chan timeSeriesEvent, 8192)
	global.initTimeSeries()
	go global.processTimeSeriesLoop()
}

func (m *Metrics) initTimeSeries() {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)
	m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
	for i := 0; i < timeSeriesBucketCount; i++ {
		m.timeSeries[i] = &TimeSeriesBucket{
			Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
		}
	}
}

// Global returns the global metrics instance.
func Global() *Metrics { return global }

// StartTime returns the time when the metrics system was initialized.
func StartTime() time.Time { return global.startTime }

// RecordNodeExecution records one node invocation's outcome, called by
// the scheduler after every Execute+drain completes or fails.
func RecordNodeExecution(nodeID, nodeType, status string, wall time.Duration) {
	global.recordNodeExecution(nodeID, nodeType, status, wall)
}

// RecordNodeRetry records a node invocation retry attempt, called by
// the scheduler before each attempt after the first.
func RecordNodeRetry(nodeID, nodeType string) {
	global.RetriedExecutions.Add(1)
	fm := global.getNodeTypeMetrics(nodeType)
	fm.Retries.Add(1)
	RecordPrometheusRetry(nodeType)
}

func (m *Metrics) recordNodeExecution(nodeID, nodeType, status string, wall time.Duration) {
	durationMs := wall.Milliseconds()
	success := status == "success"

	m.TotalNodeExecutions.Add(1)
	if success {
		m.SuccessNodeExecutions.Add(1)
	} else {
		m.FailedNodeExecutions.Add(1)
	}

	m.TotalLatencyMs.Add(durationMs)
	updateMin(&m.MinLatencyMs, durationMs)
	updateMax(&m.MaxLatencyMs, durationMs)

	fm := m.getNodeTypeMetrics(nodeType)
	fm.Executions.Add(1)
	if success {
		fm.Successes.Add(1)
	} else {
		fm.Failures.Add(1)
	}
	fm.TotalMs.Add(durationMs)
	updateMin(&fm.MinMs, durationMs)
	updateMax(&fm.MaxMs, durationMs)

	m.recordTimeSeries(durationMs, !success)

	RecordPrometheusNodeExecution(nodeType, status, durationMs)
}

func (m *Metrics) recordTimeSeries(durationMs int64, isError bool) {
	select {
	case m.tsChan <- timeSeriesEvent{durationMs: durationMs, isError: isError}:
	default:
		m.tsDroppedEvents.Add(1)
	}
}

func (m *Metrics) processTimeSeriesLoop() {
	for evt := range m.tsChan {
		m.applyTimeSeriesEvent(evt.durationMs, evt.isError)
	}
}

func (m *Metrics) applyTimeSeriesEvent(durationMs int64, isError bool) {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)

	if len(m.timeSeries) > 0 {
		lastBucket := m.timeSeries[len(m.timeSeries)-1]
		bucketsDiff := int(now.Sub(lastBucket.Timestamp) / timeSeriesBucketDuration)

		if bucketsDiff > 0 {
			if bucketsDiff >= timeSeriesBucketCount {
				m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
				for i := 0; i < timeSeriesBucketCount; i++ {
					m.timeSeries[i] = &TimeSeriesBucket{
						Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
					}
				}
			} else {
				m.timeSeries = m.timeSeries[bucketsDiff:]
				for i := 0; i < bucketsDiff; i++ {
					m.timeSeries = append(m.timeSeries, &TimeSeriesBucket{
						Timestamp: lastBucket.Timestamp.Add(time.Duration(i+1) * timeSeriesBucketDuration),
					})
				}
			}
		}
	}

	if len(m.timeSeries) > 0 {
		bucket := m.timeSeries[len(m.timeSeries)-1]
		bucket.Executions++
		bucket.TotalLatency += durationMs
		bucket.Count++
		if isError {
			bucket.Errors++
		}
	}
}

func (m *Metrics) getNodeTypeMetrics(nodeType string) *NodeTypeMetrics {
	if v, ok := m.nodeTypeMetrics.Load(nodeType); ok {
		return v.(*NodeTypeMetrics)
	}
	fm := &NodeTypeMetrics{}
	fm.MinMs.Store(int64(^uint64(0) >> 1))
	actual, _ := m.nodeTypeMetrics.LoadOrStore(nodeType, fm)
	return actual.(*NodeTypeMetrics)
}

// NodeTypeStats returns the metrics recorded for a specific node type,
// or nil if none recorded yet.
func (m *Metrics) NodeTypeStats(nodeType string) *NodeTypeMetrics {
	if v, ok := m.nodeTypeMetrics.Load(nodeType); ok {
		return v.(*NodeTypeMetrics)
	}
	return nil
}

// Snapshot returns a point-in-time summary of all metrics.
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.TotalNodeExecutions.Load()
	avgLatency := float64(0)
	if total > 0 {
		avgLatency = float64(m.TotalLatencyMs.Load()) / float64(total)
	}

	minLatency := m.MinLatencyMs.Load()
	if minLatency == int64(^uint64(0)>>1) {
		minLatency = 0
	}

	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"node_executions": map[string]interface{}{
			"total":   total,
			"success": m.SuccessNodeExecutions.Load(),
			"failed":  m.FailedNodeExecutions.Load(),
			"retried": m.RetriedExecutions.Load(),
		},
		"latency_ms": map[string]interface{}{
			"avg": avgLatency,
			"min": minLatency,
			"max": m.MaxLatencyMs.Load(),
		},
		"ts_dropped_events": m.tsDroppedEvents.Load(),
	}
}

// NodeTypeStatsAll returns per-node-type metrics for every node type
// that has executed at least once.
func (m *Metrics) NodeTypeStatsAll() map[string]interface{} {
	result := make(map[string]interface{})

	m.nodeTypeMetrics.Range(func(key, value interface{}) bool {
		nodeType := key.(string)
		fm := value.(*NodeTypeMetrics)

		total := fm.Executions.Load()
		avgMs := float64(0)
		if total > 0 {
			avgMs = float64(fm.TotalMs.Load()) / float64(total)
		}

		minMs := fm.MinMs.Load()
		if minMs == int64(^uint64(0)>>1) {
			minMs = 0
		}

		result[nodeType] = map[string]interface{}{
			"executions": total,
			"successes":  fm.Successes.Load(),
			"failures":   fm.Failures.Load(),
			"retries":    fm.Retries.Load(),
			"avg_ms":     avgMs,
			"min_ms":     minMs,
			"max_ms":     fm.MaxMs.Load(),
		}
		return true
	})

	return result
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["node_types"] = m.NodeTypeStatsAll()
		json.NewEncoder(w).Encode(result)
	})
}

// TimeSeries returns minute-level time-series data for the last 24 hours.
func (m *Metrics) TimeSeries() []map[string]interface{} {
	m.timeSeriesMu.RLock()
	defer m.timeSeriesMu.RUnlock()

	result := make([]map[string]interface{}, len(m.timeSeries))
	for i, bucket := range m.timeSeries {
		avgDuration := float64(0)
		if bucket.Count > 0 {
			avgDuration = float64(bucket.TotalLatency) / float64(bucket.Count)
		}
		result[i] = map[string]interface{}{
			"timestamp":    bucket.Timestamp.Format(time.RFC3339),
			"executions":   bucket.Executions,
			"errors":       bucket.Errors,
			"avg_duration": avgDuration,
		}
	}
	return result
}

// TimeSeriesHandler returns an HTTP handler for time-series metrics.
func (m *Metrics) TimeSeriesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.TimeSeries())
	})
}

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}
