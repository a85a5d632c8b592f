package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	WebhooksReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhooks_received_total",
			Help: "Webhook deliveries received, by event type and whether they were stored",
		},
		[]string{"event_type", "stored"},
	)

	ReconcileOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_outcomes_total",
			Help: "Reconciliation attempts by outcome",
		},
		[]string{"outcome"},
	)

	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_request_duration_seconds",
			Help:    "Duration of merchant order lookups against the payment provider",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Confirmation notifications by result",
		},
		[]string{"result"},
	)

	QueueDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reconcile_queue_dropped_total",
			Help: "Events not enqueued because the in-memory queue was full; the poller picks them up",
		},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func Register() {
	prometheus.MustRegister(WebhooksReceivedTotal)
	prometheus.MustRegister(ReconcileOutcomesTotal)
	prometheus.MustRegister(ProviderRequestDuration)
	prometheus.MustRegister(NotificationsTotal)
	prometheus.MustRegister(QueueDroppedTotal)
	prometheus.MustRegister(HTTPRequestDuration)
}
