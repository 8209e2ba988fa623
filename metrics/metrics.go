// Package metrics implements the metrics interfaces of the server, the
// SFTP adapter, the SCP engine and the S3 backend with Prometheus
// collectors.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sftpcloudfs"

// Metrics holds every collector. The zero value is not usable; use New.
type Metrics struct {
	activeConnections   prometheus.Gauge
	connectionsAccepted prometheus.Counter
	connectionsClosed   *prometheus.CounterVec
	authAttempts        *prometheus.CounterVec
	sftpRequests        *prometheus.CounterVec
	sftpDuration        *prometheus.HistogramVec
	scpBytes            *prometheus.CounterVec
	scpExits            *prometheus.CounterVec
	s3Operations        *prometheus.CounterVec
	s3Duration          *prometheus.HistogramVec
	s3Bytes             *prometheus.CounterVec
}

// latency buckets in seconds
var buckets = []float64{
	0.001, // 1ms
	0.01,  // 10ms
	0.05,  // 50ms
	0.1,   // 100ms
	0.5,   // 500ms
	1,     // 1s
	5,     // 5s
	30,    // 30s
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		activeConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Current number of connection workers",
		}),
		connectionsAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Total number of connections accepted",
		}),
		connectionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Total number of connections closed by reason",
		}, []string{"reason"}),
		authAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Total number of authentication attempts by method and result",
		}, []string{"method", "result"}),
		sftpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sftp_requests_total",
			Help:      "Total number of SFTP operations by method and status",
		}, []string{"method", "status"}),
		sftpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sftp_request_duration_seconds",
			Help:      "Duration of SFTP operations in seconds",
			Buckets:   buckets,
		}, []string{"method"}),
		scpBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scp_bytes_total",
			Help:      "Total bytes transferred by SCP by direction",
		}, []string{"direction"}),
		scpExits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scp_exits_total",
			Help:      "Total number of SCP invocations by exit status",
		}, []string{"status"}),
		s3Operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "s3_operations_total",
			Help:      "Total number of S3 operations by operation type and status",
		}, []string{"operation", "status"}),
		s3Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "s3_operation_duration_seconds",
			Help:      "Duration of S3 operations in seconds",
			Buckets:   buckets,
		}, []string{"operation"}),
		s3Bytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "s3_bytes_transferred_total",
			Help:      "Total bytes transferred in S3 operations",
		}, []string{"operation"}),
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// ConnectionOpened records an accepted connection.
func (m *Metrics) ConnectionOpened() {
	m.connectionsAccepted.Inc()
	m.activeConnections.Inc()
}

// ConnectionClosed records the end of a connection worker.
func (m *Metrics) ConnectionClosed(reason string) {
	m.activeConnections.Dec()
	m.connectionsClosed.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveAuth(method string, ok bool) {
	r := "failure"
	if ok {
		r = "success"
	}
	m.authAttempts.WithLabelValues(method, r).Inc()
}

func (m *Metrics) ObserveRequest(method string, duration time.Duration, err error) {
	m.sftpRequests.WithLabelValues(method, result(err)).Inc()
	m.sftpDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func (m *Metrics) ObserveTransfer(direction string, bytes int64) {
	m.scpBytes.WithLabelValues(direction).Add(float64(bytes))
}

func (m *Metrics) ObserveExit(status int) {
	m.scpExits.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (m *Metrics) ObserveOperation(operation string, duration time.Duration, err error) {
	m.s3Operations.WithLabelValues(operation, result(err)).Inc()
	m.s3Duration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) RecordBytes(operation string, bytes int64) {
	m.s3Bytes.WithLabelValues(operation).Add(float64(bytes))
}
