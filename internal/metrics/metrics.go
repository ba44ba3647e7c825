// Package metrics provides Prometheus metrics for cartbox.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartbox_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cartbox_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	vfsOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartbox_vfs_ops_total",
			Help: "Total number of virtual file system operations",
		},
		[]string{"op", "status"},
	)

	vfsBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cartbox_vfs_bytes_written_total",
			Help: "Total bytes committed to the durable store",
		},
	)

	vfsBytesRead = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cartbox_vfs_bytes_read_total",
			Help: "Total bytes read from the durable store",
		},
	)

	sessionCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartbox_session_commands_total",
			Help: "Total number of session commands by result kind",
		},
		[]string{"command", "result"},
	)

	sessionCommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cartbox_session_command_duration_seconds",
			Help:    "Time spent executing session commands",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	sessionQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cartbox_session_queue_depth",
			Help: "Number of commands waiting for the session executor",
		},
	)

	bootstrapTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartbox_bootstrap_total",
			Help: "Total number of core bootstraps by outcome",
		},
		[]string{"outcome"},
	)

	storeOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cartbox_store_operation_duration_seconds",
			Help:    "Time spent in remote store operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation", "status"},
	)

	bridgeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cartbox_bridge_connections",
			Help: "Number of connected core bridge pages",
		},
	)

	bridgeRTT = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cartbox_bridge_rtt_milliseconds",
			Help: "Smoothed round trip time to a core bridge page",
		},
		[]string{"surface"},
	)
)

// RecordHTTPRequest records an HTTP request. Route is the
// pattern the request matched, not its path, to bound the
// number of series.
func RecordHTTPRequest(method, route string, status int, d time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// RecordVFSOp records a virtual file system operation.
func RecordVFSOp(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	vfsOpsTotal.WithLabelValues(op, status).Inc()
}

// RecordVFSWrite records bytes committed to the store.
func RecordVFSWrite(n int) {
	vfsBytesWritten.Add(float64(n))
}

// RecordVFSRead records bytes read from the store.
func RecordVFSRead(n int) {
	vfsBytesRead.Add(float64(n))
}

// RecordStoreOp records a remote store operation.
func RecordStoreOp(backend, operation string, d time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	storeOpDuration.WithLabelValues(backend, operation, status).Observe(d.Seconds())
}

// RecordCommand records a session command result.
func RecordCommand(command, result string, d time.Duration) {
	sessionCommandsTotal.WithLabelValues(command, result).Inc()
	sessionCommandDuration.WithLabelValues(command).Observe(d.Seconds())
}

// QueueDepthInc increments the pending command gauge.
func QueueDepthInc() { sessionQueueDepth.Inc() }

// QueueDepthDec decrements the pending command gauge.
func QueueDepthDec() { sessionQueueDepth.Dec() }

// RecordBootstrap records a bootstrap outcome, "ok" or the
// failing phase.
func RecordBootstrap(outcome string) {
	bootstrapTotal.WithLabelValues(outcome).Inc()
}

// BridgeConnected tracks connected bridge pages.
func BridgeConnected(delta int) {
	bridgeConnections.Add(float64(delta))
}

// SetBridgeRTT records the smoothed round trip time to the page
// rendering surface. A negative value removes the series.
func SetBridgeRTT(surface string, ms int) {
	if ms < 0 {
		bridgeRTT.DeleteLabelValues(surface)
		return
	}
	bridgeRTT.WithLabelValues(surface).Set(float64(ms))
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijack hands the connection to the websocket upgrader.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer cannot be hijacked")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
