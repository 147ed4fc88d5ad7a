package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	InboundEvents    *prometheus.CounterVec
	DroppedEvents    *prometheus.CounterVec
	CoalescedTurns   prometheus.Counter
	OutgoingMessages *prometheus.CounterVec
	SearchRequests   *prometheus.CounterVec
	SearchLatency    *prometheus.HistogramVec
	GeminiRequests   *prometheus.CounterVec
	GeminiLatency    *prometheus.HistogramVec
	BreakerOpen      prometheus.Gauge
	OrdersCommitted  *prometheus.CounterVec
	Errors           *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			InboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inbound_events_total",
				Help:      "Total inbound transport events by payload type.",
			}, []string{"type"}),
			DroppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_events_total",
				Help:      "Events dropped before processing, by reason.",
			}, []string{"reason"}),
			CoalescedTurns: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "coalesced_turns_total",
				Help:      "Logical turns flushed by the event coalescer.",
			}),
			OutgoingMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outgoing_messages_total",
				Help:      "Total outgoing messages sent by type.",
			}, []string{"type"}),
			SearchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "search_requests_total",
				Help:      "Retrieval backend requests by kind and outcome.",
			}, []string{"kind", "status"}),
			SearchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "search_request_duration_seconds",
				Help:      "Latency distribution for retrieval backend calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"kind", "status"}),
			GeminiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gemini_requests_total",
				Help:      "Total Gemini API requests by outcome.",
			}, []string{"status"}),
			GeminiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gemini_request_duration_seconds",
				Help:      "Latency distribution for Gemini API calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"status"}),
			BreakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "breaker_open",
				Help:      "1 while the generative-backend circuit breaker is open.",
			}),
			OrdersCommitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orders_committed_total",
				Help:      "Order commit attempts by outcome.",
			}, []string{"status"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.InboundEvents,
			metricsInstance.DroppedEvents,
			metricsInstance.CoalescedTurns,
			metricsInstance.OutgoingMessages,
			metricsInstance.SearchRequests,
			metricsInstance.SearchLatency,
			metricsInstance.GeminiRequests,
			metricsInstance.GeminiLatency,
			metricsInstance.BreakerOpen,
			metricsInstance.OrdersCommitted,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
