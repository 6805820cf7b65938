package mqtt

import "github.com/prometheus/client_golang/prometheus"

// clientMetrics mirrors the broker-side Stat counters in stat.go, scoped
// to a single Client instance instead of the process-wide server. Nil
// until WithMetrics is passed to New, in which case every counter is
// registered against the caller's Registerer so client and broker
// metrics can share one /metrics endpoint without name collisions.
type clientMetrics struct {
	PacketsSent     prometheus.Counter
	PacketsReceived prometheus.Counter
	BytesSent       prometheus.Counter
	BytesReceived   prometheus.Counter
	Reconnects      prometheus.Counter
	PendingPublish  prometheus.Gauge
}

func newClientMetrics(reg prometheus.Registerer, clientID string) *clientMetrics {
	labels := prometheus.Labels{"client_id": clientID}
	m := &clientMetrics{
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqtt_client_packets_sent_total", Help: "Total MQTT packets sent by this client.", ConstLabels: labels,
		}),
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqtt_client_packets_received_total", Help: "Total MQTT packets received by this client.", ConstLabels: labels,
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqtt_client_bytes_sent_total", Help: "Total MQTT bytes sent by this client.", ConstLabels: labels,
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqtt_client_bytes_received_total", Help: "Total MQTT bytes received by this client.", ConstLabels: labels,
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqtt_client_reconnects_total", Help: "Total reconnect attempts made by this client.", ConstLabels: labels,
		}),
		PendingPublish: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqtt_client_pending_publishes", Help: "Current number of unacknowledged QoS 1/2 publishes.", ConstLabels: labels,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.PacketsSent, m.PacketsReceived, m.BytesSent, m.BytesReceived, m.Reconnects, m.PendingPublish)
	}
	return m
}
