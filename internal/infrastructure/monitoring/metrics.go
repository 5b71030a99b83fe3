package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the primitive layer and kerneld.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Thread metrics
	ThreadsSpawned prometheus.Counter
	ThreadsExited  *prometheus.CounterVec
	ThreadsLive    prometheus.Gauge

	// Semaphore metrics
	SemsLive     prometheus.Gauge
	SemAcquires  *prometheus.CounterVec
	SemWaitTime  prometheus.Histogram
	MailboxSends prometheus.Counter

	// Port metrics
	PortsLive       prometheus.Gauge
	PortMessages    *prometheus.CounterVec
	PortBytes       *prometheus.CounterVec
	PortSendRetries prometheus.Counter
	PortErrors      *prometheus.CounterVec

	// Area metrics
	AreasLive    prometheus.Gauge
	AreaAttaches *prometheus.CounterVec

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ThreadsSpawned: f.NewCounter(prometheus.CounterOpts{
			Name: "kernel_threads_spawned_total",
			Help: "Total number of threads spawned",
		}),
		ThreadsExited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kernel_threads_exited_total",
			Help: "Total number of threads that exited, by outcome",
		}, []string{"outcome"}),
		ThreadsLive: f.NewGauge(prometheus.GaugeOpts{
			Name: "kernel_threads_live",
			Help: "Number of live thread records",
		}),

		SemsLive: f.NewGauge(prometheus.GaugeOpts{
			Name: "kernel_sems_live",
			Help: "Number of live semaphores",
		}),
		SemAcquires: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kernel_sem_acquires_total",
			Help: "Semaphore acquire attempts, by result",
		}, []string{"result"}),
		SemWaitTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "kernel_sem_wait_seconds",
			Help:    "Time spent blocked in the slow path of acquire",
			Buckets: []float64{.00001, .0001, .001, .01, .1, 1, 10},
		}),
		MailboxSends: f.NewCounter(prometheus.CounterOpts{
			Name: "kernel_mailbox_sends_total",
			Help: "Total number of thread mailbox messages delivered",
		}),

		PortsLive: f.NewGauge(prometheus.GaugeOpts{
			Name: "kernel_ports_live",
			Help: "Number of live port records",
		}),
		PortMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kernel_port_messages_total",
			Help: "Port messages, by direction",
		}, []string{"direction"}),
		PortBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kernel_port_bytes_total",
			Help: "Port payload bytes, by direction",
		}, []string{"direction"}),
		PortSendRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "kernel_port_send_retries_total",
			Help: "Sends retried because the destination was not bound yet",
		}),
		PortErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kernel_port_errors_total",
			Help: "Port operation failures, by operation and status",
		}, []string{"op", "status"}),

		AreasLive: f.NewGauge(prometheus.GaugeOpts{
			Name: "kernel_areas_live",
			Help: "Number of live area records",
		}),
		AreaAttaches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kernel_area_attaches_total",
			Help: "Area attach attempts, by kind and result",
		}, []string{"kind", "result"}),

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kerneld_http_requests_total",
			Help: "Total number of diagnostics HTTP requests",
		}, []string{"method", "path", "status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kerneld_http_request_duration_seconds",
			Help:    "Diagnostics HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "path"}),
	}
}

// ThreadSpawned records a successful spawn.
func (m *Metrics) ThreadSpawned() {
	if m == nil {
		return
	}
	m.ThreadsSpawned.Inc()
	m.ThreadsLive.Inc()
}

// ThreadExited records a thread exit with its outcome ("returned", "exited", "killed", "aborted").
func (m *Metrics) ThreadExited(outcome string) {
	if m == nil {
		return
	}
	m.ThreadsExited.WithLabelValues(outcome).Inc()
	m.ThreadsLive.Dec()
}

// SemCreated tracks a semaphore creation.
func (m *Metrics) SemCreated() {
	if m != nil {
		m.SemsLive.Inc()
	}
}

// SemDeleted tracks a semaphore deletion.
func (m *Metrics) SemDeleted() {
	if m != nil {
		m.SemsLive.Dec()
	}
}

// SemAcquire records an acquire result; waited is zero on the fast path.
func (m *Metrics) SemAcquire(result string, waited time.Duration) {
	if m == nil {
		return
	}
	m.SemAcquires.WithLabelValues(result).Inc()
	if waited > 0 {
		m.SemWaitTime.Observe(waited.Seconds())
	}
}

// MailboxSent records a delivered mailbox message.
func (m *Metrics) MailboxSent() {
	if m != nil {
		m.MailboxSends.Inc()
	}
}

// PortOpened tracks a port creation.
func (m *Metrics) PortOpened() {
	if m != nil {
		m.PortsLive.Inc()
	}
}

// PortDeleted tracks a port deletion.
func (m *Metrics) PortDeleted() {
	if m != nil {
		m.PortsLive.Dec()
	}
}

// PortMessage records one message moved in direction ("write" or "read").
func (m *Metrics) PortMessage(direction string, size int) {
	if m == nil {
		return
	}
	m.PortMessages.WithLabelValues(direction).Inc()
	m.PortBytes.WithLabelValues(direction).Add(float64(size))
}

// PortRetry records a send retried against an unbound destination.
func (m *Metrics) PortRetry() {
	if m != nil {
		m.PortSendRetries.Inc()
	}
}

// PortError records a failed port operation.
func (m *Metrics) PortError(op, status string) {
	if m != nil {
		m.PortErrors.WithLabelValues(op, status).Inc()
	}
}

// AreaAttach records an attach attempt; kind is "create" or "clone".
func (m *Metrics) AreaAttach(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	} else {
		m.AreasLive.Inc()
	}
	m.AreaAttaches.WithLabelValues(kind, result).Inc()
}

// AreaDeleted tracks an area deletion.
func (m *Metrics) AreaDeleted() {
	if m != nil {
		m.AreasLive.Dec()
	}
}

// RecordHTTPRequest records a diagnostics request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
