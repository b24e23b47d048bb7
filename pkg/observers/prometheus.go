package observers

import (
	"github.com/harunnryd/wajah/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusObserver turns metrics events into Prometheus series.
type PrometheusObserver struct {
	connects       *prometheus.CounterVec
	connectLatency *prometheus.HistogramVec
	activeSessions prometheus.Gauge
	messages       *prometheus.CounterVec
	listening      *prometheus.CounterVec
	signals        *prometheus.CounterVec
	errors         *prometheus.CounterVec
	viewUpdates    prometheus.Counter
	clients        prometheus.Gauge
}

// NewPrometheusObserver registers the wajah collectors on reg.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	factory := promauto.With(reg)
	return &PrometheusObserver{
		connects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wajah_session_connects_total",
				Help: "Session connect attempts by outcome",
			},
			[]string{"provider", "outcome"},
		),
		connectLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wajah_session_connect_seconds",
				Help:    "Time from connect request to a connected session",
				Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
			},
			[]string{"provider"},
		),
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "wajah_sessions_active",
				Help: "Number of connected avatar sessions",
			},
		),
		messages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wajah_session_messages_total",
				Help: "Messages handed to the avatar for speech",
			},
			[]string{"provider"},
		),
		listening: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wajah_session_listening_total",
				Help: "Listening toggles by direction",
			},
			[]string{"state"},
		),
		signals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wajah_provider_signals_total",
				Help: "Provider signals received by kind",
			},
			[]string{"kind"},
		),
		errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wajah_session_errors_total",
				Help: "Session errors by reason",
			},
			[]string{"reason"},
		),
		viewUpdates: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "wajah_view_updates_total",
				Help: "View snapshots produced by the presenter",
			},
		),
		clients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "wajah_ws_clients",
				Help: "Attached websocket clients",
			},
		),
	}
}

func (o *PrometheusObserver) RecordEvent(ev metrics.MetricsEvent) {
	provider := tag(ev, metrics.TagProvider)
	switch ev.Name {
	case metrics.EventConnected:
		o.connects.WithLabelValues(provider, "connected").Inc()
		o.activeSessions.Inc()
		if ms := intField(ev.Fields, "latency_ms"); ms > 0 {
			o.connectLatency.WithLabelValues(provider).Observe(float64(ms) / 1000)
		}
	case metrics.EventConnectFailed:
		o.connects.WithLabelValues(provider, "failed").Inc()
		o.errors.WithLabelValues(reasonLabel(ev)).Inc()
	case metrics.EventDisconnected:
		if from, _ := ev.Fields["from_state"].(string); from == "CONNECTED" {
			o.activeSessions.Dec()
		}
	case metrics.EventMessageSent:
		o.messages.WithLabelValues(provider).Inc()
	case metrics.EventListening:
		state := "stopped"
		if on, _ := ev.Fields["listening"].(bool); on {
			state = "started"
		}
		o.listening.WithLabelValues(state).Inc()
	case metrics.EventSignal:
		o.signals.WithLabelValues(tag(ev, metrics.TagKind)).Inc()
	case metrics.EventError:
		o.errors.WithLabelValues(reasonLabel(ev)).Inc()
	case metrics.EventViewUpdate:
		o.viewUpdates.Inc()
	case metrics.EventClientConnected, metrics.EventClientClosed:
		o.clients.Set(ev.Value)
	}
}

func tag(ev metrics.MetricsEvent, key string) string {
	if ev.Tags == nil {
		return ""
	}
	return ev.Tags[key]
}

func reasonLabel(ev metrics.MetricsEvent) string {
	if r := tag(ev, metrics.TagReason); r != "" {
		return r
	}
	return "unknown"
}

var _ metrics.Observer = (*PrometheusObserver)(nil)
