package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type streamMetrics struct {
	published   *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	subscribers prometheus.Gauge
}

var (
	streamMetricsOnce sync.Once
	streamRegistry    *streamMetrics
)

// Stream returns the metrics registry tracking the deal event feed.
func Stream() *streamMetrics {
	streamMetricsOnce.Do(func() {
		streamRegistry = &streamMetrics{
			published: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "otc",
				Subsystem: "stream",
				Name:      "events_total",
				Help:      "Count of deal events delivered to subscribers segmented by action.",
			}, []string{"action"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "otc",
				Subsystem: "stream",
				Name:      "dropped_total",
				Help:      "Count of subscriber connections closed because they fell behind.",
			}, []string{"reason"}),
			subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "otc",
				Subsystem: "stream",
				Name:      "subscribers",
				Help:      "Number of live event feed subscribers.",
			}),
		}
		prometheus.MustRegister(
			streamRegistry.published,
			streamRegistry.dropped,
			streamRegistry.subscribers,
		)
	})
	return streamRegistry
}

// RecordEvent increments the delivery counter for the supplied action.
func (m *streamMetrics) RecordEvent(action string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(action))
	if normalized == "" {
		normalized = "unknown"
	}
	m.published.WithLabelValues(normalized).Inc()
}

// RecordDrop increments the dropped-subscriber counter.
func (m *streamMetrics) RecordDrop(reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.dropped.WithLabelValues(reason).Inc()
}

// SubscriberConnected bumps the live subscriber gauge.
func (m *streamMetrics) SubscriberConnected() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

// SubscriberDisconnected decrements the live subscriber gauge.
func (m *streamMetrics) SubscriberDisconnected() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}
