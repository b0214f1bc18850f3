package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive  prometheus.Gauge
	ConnectionsTotal   *prometheus.CounterVec
	ConnectionDuration prometheus.Histogram

	ClientMessagesTotal *prometheus.CounterVec
	DecodeErrorsTotal   *prometheus.CounterVec
	UpstreamFramesTotal *prometheus.CounterVec
	OutboundTotal       *prometheus.CounterVec
}

// New creates a Metrics instance on a private registry
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "uirelay"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Client connections currently relayed",
		}),
		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Client connections by outcome",
		}, []string{"result"}),
		ConnectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Lifetime of relayed connections",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		ClientMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_messages_total",
			Help:      "Messages received from clients by envelope type",
		}, []string{"kind"}),
		DecodeErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Client messages discarded because they could not be decoded",
		}, []string{"reason"}),
		UpstreamFramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_frames_total",
			Help:      "Media frames sent to the upstream session",
		}, []string{"mime_type"}),
		OutboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Messages written to clients by frame kind",
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		m.ConnectionsActive,
		m.ConnectionsTotal,
		m.ConnectionDuration,
		m.ClientMessagesTotal,
		m.DecodeErrorsTotal,
		m.UpstreamFramesTotal,
		m.OutboundTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Inc()
}

// ConnectionClosed records the end of a connection with its outcome
func (m *Metrics) ConnectionClosed(result string, seconds float64) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
	m.ConnectionsTotal.WithLabelValues(result).Inc()
	m.ConnectionDuration.Observe(seconds)
}

func (m *Metrics) ClientMessage(kind string) {
	if m == nil {
		return
	}
	m.ClientMessagesTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) DecodeError(reason string) {
	if m == nil {
		return
	}
	m.DecodeErrorsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) UpstreamFrame(mimeType string) {
	if m == nil {
		return
	}
	m.UpstreamFramesTotal.WithLabelValues(mimeType).Inc()
}

func (m *Metrics) Outbound(kind string) {
	if m == nil {
		return
	}
	m.OutboundTotal.WithLabelValues(kind).Inc()
}
