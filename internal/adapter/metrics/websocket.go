package metrics

import "github.com/prometheus/client_golang/prometheus"

// Subscription outcomes used as label values.
const (
	SubscriptionAttached = "attached"
	SubscriptionRejected = "rejected"
	SubscriptionLimited  = "rate_limited"
)

// WebSocketMetrics holds Prometheus metrics for the subscription gateway.
type WebSocketMetrics struct {
	ActiveConnections  prometheus.Gauge
	ActiveChannels     prometheus.Gauge
	Subscriptions      *prometheus.CounterVec
	MessagesDelivered  prometheus.Counter
	SlowClientsEvicted prometheus.Counter
	PingFailures       prometheus.Counter
	ConnectionsRefused *prometheus.CounterVec
}

// NewWebSocketMetrics creates and registers WebSocket metrics on the given registry.
func NewWebSocketMetrics(reg prometheus.Registerer) *WebSocketMetrics {
	m := &WebSocketMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "Number of active WebSocket connections.",
		}),
		ActiveChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_channels",
			Help:      "Number of channels with at least one attached connection.",
		}),
		Subscriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "subscriptions_total",
			Help:      "Subscribe attempts by outcome.",
		}, []string{"outcome"}),
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "messages_delivered_total",
			Help:      "Frames queued for delivery to attached connections.",
		}),
		SlowClientsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "slow_clients_evicted_total",
			Help:      "Connections dropped because their send buffer was full.",
		}),
		PingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "ping_failures_total",
			Help:      "Heartbeat writes that failed.",
		}),
		ConnectionsRefused: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connections_refused_total",
			Help:      "Upgrade requests refused before the handshake, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(m.ActiveConnections, m.ActiveChannels, m.Subscriptions, m.MessagesDelivered, m.SlowClientsEvicted, m.PingFailures, m.ConnectionsRefused)
	return m
}

func NewNoopWebSocketMetrics() *WebSocketMetrics {
	return NewWebSocketMetrics(prometheus.NewRegistry())
}
