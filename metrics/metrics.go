// Package metrics holds the bridge's prometheus collectors.
//
// Collectors live on a private registry so several bridges (and tests) can coexist in one
// process. All Record methods are safe on a nil *Metrics, which turns them into no-ops.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wcf_bridge"

type Metrics struct {
	registry *prometheus.Registry

	rpcCalls          *prometheus.CounterVec
	rpcDuration       *prometheus.HistogramVec
	messagesReceived  prometheus.Counter
	deliveries        *prometheus.CounterVec
	deliveryDuration  prometheus.Histogram
	keepaliveFailures prometheus.Counter
	connectionLosses  prometheus.Counter
	reconnects        *prometheus.CounterVec
	receiving         prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rpcCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "calls_total",
				Help:      "RPC calls issued to the injected module.",
			},
			[]string{"op", "result"},
		),
		rpcDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "call_duration_seconds",
				Help:      "RPC call duration in seconds, including GET_MSG poll time.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "receive",
			Name:      "messages_total",
			Help:      "Inbound messages drained from the module queue.",
		}),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "forward",
				Name:      "deliveries_total",
				Help:      "Forward attempts by outcome.",
			},
			[]string{"result"},
		),
		deliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "forward",
			Name:      "delivery_duration_seconds",
			Help:      "Time spent delivering one message to the sink.",
			Buckets:   prometheus.DefBuckets,
		}),
		keepaliveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keepalive",
			Name:      "failures_total",
			Help:      "Keepalive calls that failed.",
		}),
		connectionLosses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "connection_losses_total",
			Help:      "Sessions that lost their RPC channel.",
		}),
		reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "reconnects_total",
				Help:      "Reconnect attempts by outcome.",
			},
			[]string{"result"},
		),
		receiving: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "receive",
			Name:      "enabled",
			Help:      "1 while inbound message receiving is enabled.",
		}),
	}
	m.registry.MustRegister(
		m.rpcCalls, m.rpcDuration, m.messagesReceived, m.deliveries, m.deliveryDuration,
		m.keepaliveFailures, m.connectionLosses, m.reconnects, m.receiving,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, e.g. for tests using testutil.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collected metrics in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordCall(op, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.rpcCalls.WithLabelValues(op, result).Inc()
	m.rpcDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *Metrics) RecordMessage() {
	if m == nil {
		return
	}
	m.messagesReceived.Inc()
}

func (m *Metrics) RecordDelivery(ok bool, duration time.Duration) {
	if m == nil {
		return
	}
	result := "delivered"
	if !ok {
		result = "failed"
	}
	m.deliveries.WithLabelValues(result).Inc()
	m.deliveryDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordKeepAliveFailure() {
	if m == nil {
		return
	}
	m.keepaliveFailures.Inc()
}

func (m *Metrics) RecordConnectionLoss() {
	if m == nil {
		return
	}
	m.connectionLosses.Inc()
}

func (m *Metrics) RecordReconnect(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.reconnects.WithLabelValues(result).Inc()
}

func (m *Metrics) SetReceiving(on bool) {
	if m == nil {
		return
	}
	if on {
		m.receiving.Set(1)
	} else {
		m.receiving.Set(0)
	}
}
