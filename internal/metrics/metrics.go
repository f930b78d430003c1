package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	WebhookRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_requests_total",
			Help: "Total number of webhook deliveries received, by endpoint and result",
		},
		[]string{"endpoint", "result"},
	)

	SignatureFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "webhook_signature_failures_total",
			Help: "Total number of webhook deliveries rejected for a bad or missing signature",
		},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Total number of verified notifications dispatched, by event type",
		},
		[]string{"type"},
	)

	AlertsPostedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "alerts_posted_total",
			Help: "Total number of live alerts posted to the chat channel",
		},
	)

	AlertsDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "alerts_deleted_total",
			Help: "Total number of live alerts deleted from the chat channel",
		},
	)

	RoleOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "role_operations_total",
			Help: "Total number of role grant/revoke side effects, by operation and result",
		},
		[]string{"operation", "result"},
	)
)

// Register registers all collectors with the default registry.
func Register() {
	prometheus.MustRegister(WebhookRequestsTotal)
	prometheus.MustRegister(SignatureFailuresTotal)
	prometheus.MustRegister(NotificationsTotal)
	prometheus.MustRegister(AlertsPostedTotal)
	prometheus.MustRegister(AlertsDeletedTotal)
	prometheus.MustRegister(RoleOperationsTotal)
}
