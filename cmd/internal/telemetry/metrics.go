// Package telemetry owns the service's Prometheus metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dmroom"

// Metrics implements the directmessage and notify recorders on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	roomsCreated   prometheus.Counter
	logsAppended   prometheus.Counter
	appendRejected *prometheus.CounterVec
	enqueued       *prometheus.CounterVec
	delivered      *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// New registers all collectors (plus Go and process collectors) on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		roomsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_created_total",
			Help:      "Direct message rooms created on first contact.",
		}),
		logsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logs_appended_total",
			Help:      "Direct message logs committed.",
		}),
		appendRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "append_rejected_total",
			Help:      "Appends rejected as validation no-ops.",
		}, []string{"reason"}),
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_enqueued_total",
			Help:      "Notification tasks handed to the queue after an append.",
		}, []string{"result"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_delivered_total",
			Help:      "Notification deliveries per sink.",
		}, []string{"sink", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by status code and method.",
		}, []string{"code", "method"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, nil),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.roomsCreated,
		m.logsAppended,
		m.appendRejected,
		m.enqueued,
		m.delivered,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Registry exposes the underlying registry (tests, extra collectors).
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Instrument wraps next with request counting and latency observation.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerCounter(m.httpRequests,
		promhttp.InstrumentHandlerDuration(m.httpDuration, next))
}

func (m *Metrics) RoomCreated() { m.roomsCreated.Inc() }

func (m *Metrics) LogAppended() { m.logsAppended.Inc() }

func (m *Metrics) AppendRejected(reason string) { m.appendRejected.WithLabelValues(reason).Inc() }

func (m *Metrics) NotificationEnqueued(ok bool) { m.enqueued.WithLabelValues(result(ok)).Inc() }

func (m *Metrics) NotificationDelivered(sink string, ok bool) {
	m.delivered.WithLabelValues(sink, result(ok)).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}

// QueueDepth registers a gauge reporting fn, e.g. the in-memory queue length.
func (m *Metrics) QueueDepth(fn func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "notification_queue_depth",
		Help:      "Buffered notification tasks in the in-process queue.",
	}, func() float64 { return float64(fn()) }))
}
