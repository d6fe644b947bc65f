// Package metrics collects goxeld runtime observability data.
//
// Two metric stores coexist:
//
//  1. The in-process Metrics struct (atomic counters) backing the
//     daemon's stats surface without any scrape infrastructure.
//  2. A Prometheus registry (prometheus.go) for external monitoring.
//
// RecordRequest sits on the dispatch hot path and uses atomic increments
// only; no lock is held there.
package metrics

import (
	"sync/atomic"
	"time"
)

// Metrics collects daemon-wide counters.
type Metrics struct {
	TotalRequests  atomic.Int64
	SuccessCount   atomic.Int64
	FailureCount   atomic.Int64
	TotalLatencyMs atomic.Int64

	ConnectionsOpened atomic.Int64
	ConnectionsClosed atomic.Int64
	ConnectionErrors  atomic.Int64

	RendersProduced atomic.Int64
	RenderEvictions atomic.Int64

	LastActivityUnix atomic.Int64

	startTime time.Time
}

var global = &Metrics{startTime: time.Now()}

// Global returns the process-wide metrics instance.
func Global() *Metrics {
	return global
}

// RecordRequest accounts one dispatched request.
func RecordRequest(method string, success bool, elapsed time.Duration) {
	global.TotalRequests.Add(1)
	if success {
		global.SuccessCount.Add(1)
	} else {
		global.FailureCount.Add(1)
	}
	global.TotalLatencyMs.Add(elapsed.Milliseconds())
	global.LastActivityUnix.Store(time.Now().Unix())

	if promMetrics != nil {
		promMetrics.recordRequest(method, success, elapsed)
	}
}

// RecordConnection accounts a connection open/close transition.
func RecordConnection(opened bool) {
	if opened {
		global.ConnectionsOpened.Add(1)
	} else {
		global.ConnectionsClosed.Add(1)
	}
	if promMetrics != nil {
		promMetrics.recordConnection(opened)
	}
}

// RecordConnectionError accounts an unexpected per-connection I/O error.
func RecordConnectionError() {
	global.ConnectionErrors.Add(1)
	if promMetrics != nil {
		promMetrics.connectionErrors.Inc()
	}
}

// RecordQueueDepth publishes the current queue size.
func RecordQueueDepth(depth int) {
	if promMetrics != nil {
		promMetrics.queueDepth.Set(float64(depth))
	}
}

// RecordQueueWait publishes one request's time spent queued.
func RecordQueueWait(wait time.Duration) {
	if promMetrics != nil {
		promMetrics.queueWait.Observe(float64(wait.Milliseconds()))
	}
}

// RecordRender accounts a produced render artifact.
func RecordRender() {
	global.RendersProduced.Add(1)
	if promMetrics != nil {
		promMetrics.rendersTotal.Inc()
	}
}

// RecordRenderCache publishes the render cache occupancy.
func RecordRenderCache(totalBytes int64, entries int) {
	if promMetrics != nil {
		promMetrics.renderCacheBytes.Set(float64(totalBytes))
		promMetrics.renderCacheEntries.Set(float64(entries))
	}
}

// RecordRenderEvictions accounts entries removed by TTL or budget.
func RecordRenderEvictions(count int) {
	global.RenderEvictions.Add(int64(count))
	if promMetrics != nil {
		promMetrics.renderEvictions.Add(float64(count))
	}
}

// Snapshot is a point-in-time view for the stats surface.
type Snapshot struct {
	UptimeSeconds      int64 `json:"uptime_seconds"`
	TotalRequests      int64 `json:"total_requests"`
	TotalErrors        int64 `json:"total_errors"`
	CurrentConnections int64 `json:"current_connections"`
	ConnectionErrors   int64 `json:"connection_errors"`
	RendersProduced    int64 `json:"renders_produced"`
	LastActivityUnix   int64 `json:"last_activity_timestamp"`
}

// GetSnapshot returns the current counter values.
func GetSnapshot() Snapshot {
	return Snapshot{
		UptimeSeconds:      int64(time.Since(global.startTime).Seconds()),
		TotalRequests:      global.TotalRequests.Load(),
		TotalErrors:        global.FailureCount.Load(),
		CurrentConnections: global.ConnectionsOpened.Load() - global.ConnectionsClosed.Load(),
		ConnectionErrors:   global.ConnectionErrors.Load(),
		RendersProduced:    global.RendersProduced.Load(),
		LastActivityUnix:   global.LastActivityUnix.Load(),
	}
}
