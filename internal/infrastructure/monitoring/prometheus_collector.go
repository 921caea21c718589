package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Gauges
	connectionsLocal prometheus.Gauge
	nodeLinksOpen    prometheus.Gauge

	// Counters
	connectionsTotal  prometheus.Counter
	eventsRouted      *prometheus.CounterVec
	tokensIssued      prometheus.Counter
	relaysRejected    *prometheus.CounterVec
	fortuneCollisions prometheus.Counter

	// Histograms
	backplaneSendDuration prometheus.Histogram
	presenceOpDuration    *prometheus.HistogramVec
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		connectionsLocal: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "wiregate_connections_local",
			Help: "Live client connections registered on this node",
		}),

		nodeLinksOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "wiregate_node_links_open",
			Help: "Open backplane links to other nodes",
		}),

		connectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wiregate_connections_total",
			Help: "Total client connections accepted",
		}),

		eventsRouted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wiregate_events_routed_total",
			Help: "Routed events by delivery outcome",
		}, []string{"outcome"}),

		tokensIssued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wiregate_link_tokens_issued_total",
			Help: "Link tokens issued by the broker",
		}),

		relaysRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wiregate_relays_rejected_total",
			Help: "Rejected relay attempts by reason",
		}, []string{"reason"}),

		fortuneCollisions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wiregate_fortune_collisions_total",
			Help: "Node link races resolved by the fortune exchange",
		}),

		backplaneSendDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "wiregate_backplane_send_duration_seconds",
			Help:    "Time to hand an event to a node link",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		presenceOpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wiregate_presence_op_duration_seconds",
			Help:    "Presence store operation latency",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"op"}),
	}
}

func (p *PrometheusCollector) RecordConnectionOpened() {
	p.connectionsTotal.Inc()
	p.connectionsLocal.Inc()
}

func (p *PrometheusCollector) RecordConnectionClosed() {
	p.connectionsLocal.Dec()
}

func (p *PrometheusCollector) SetNodeLinksOpen(n int) {
	p.nodeLinksOpen.Set(float64(n))
}

func (p *PrometheusCollector) RecordEventRouted(delivered bool) {
	outcome := "dropped"
	if delivered {
		outcome = "delivered"
	}
	p.eventsRouted.WithLabelValues(outcome).Inc()
}

func (p *PrometheusCollector) RecordTokenIssued() {
	p.tokensIssued.Inc()
}

func (p *PrometheusCollector) RecordRelayRejected(reason string) {
	p.relaysRejected.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) RecordFortuneCollision() {
	p.fortuneCollisions.Inc()
}

func (p *PrometheusCollector) RecordBackplaneSend(duration time.Duration) {
	p.backplaneSendDuration.Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordPresenceOp(op string, duration time.Duration) {
	p.presenceOpDuration.WithLabelValues(op).Observe(duration.Seconds())
}
