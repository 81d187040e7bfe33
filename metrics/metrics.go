// Package metrics holds the prometheus counters of the fan-out subsystem.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fanout"

// Metrics groups the counters shared by the publisher, the subscribers, the
// gateway and the rate limiter.
type Metrics struct {
	Published         *prometheus.CounterVec
	PublishFailures   *prometheus.CounterVec
	Received          *prometheus.CounterVec
	Dropped           *prometheus.CounterVec
	Deliveries        *prometheus.CounterVec
	DeliveryFailures  *prometheus.CounterVec
	RateLimitRejected *prometheus.CounterVec
	RateLimitErrors   *prometheus.CounterVec
	Connections       prometheus.Gauge
}

// New creates the counters and registers them with reg. A nil reg leaves them
// unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Events published to the broker.",
		}, []string{"class"}),
		PublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Events that could not be published.",
		}, []string{"class", "reason"}),
		Received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "received_total",
			Help:      "Broker messages received by subscribers.",
		}, []string{"class"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_total",
			Help:      "Broker messages dropped before delivery.",
		}, []string{"class", "reason"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Pushes handed to the gateway.",
		}, []string{"class"}),
		DeliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Pushes that failed for a single recipient.",
		}, []string{"class", "reason"}),
		RateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_rejections_total",
			Help:      "Requests rejected by the rate limiter.",
		}, []string{"action"}),
		RateLimitErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_store_errors_total",
			Help:      "Rate limiter store errors; the request was allowed.",
		}, []string{"action"}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live websocket connections in this process.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Published,
			m.PublishFailures,
			m.Received,
			m.Dropped,
			m.Deliveries,
			m.DeliveryFailures,
			m.RateLimitRejected,
			m.RateLimitErrors,
			m.Connections,
		)
	}
	return m
}
