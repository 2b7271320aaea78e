package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "app_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "app_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Auth Metrics
	AuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "app_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"method", "outcome"},
	)

	TokensIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "app_tokens_issued_total",
			Help: "Total number of session tokens issued",
		},
		[]string{"type"},
	)

	IdentityLinksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "app_identity_links_total",
			Help: "Third-party logins by linking outcome",
		},
		[]string{"provider", "outcome"},
	)

	// Ledger Metrics
	CreditsConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "app_credits_consumed_total",
			Help: "Total credits debited from accounts",
		},
		[]string{"task_category"},
	)

	CreditRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "app_credit_rejections_total",
			Help: "Consume calls rejected for insufficient credits",
		},
	)

	// Billing Metrics
	BillingEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "app_billing_events_total",
			Help: "Billing webhook events by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	BillingEventDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "app_billing_event_duration_seconds",
			Help:    "Time to verify and apply a billing event",
			Buckets: prometheus.DefBuckets,
		},
	)

	// External provider Metrics
	ProviderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "app_provider_requests_total",
			Help: "Calls to identity and billing providers",
		},
		[]string{"provider", "operation", "status"},
	)

	// Storage Metrics
	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "app_storage_operations_total",
			Help: "Total number of storage operations",
		},
		[]string{"operation", "status"},
	)

	StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "app_storage_operation_duration_seconds",
			Help:    "Storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Queue Metrics
	QueueMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "app_queue_messages_total",
			Help: "Queue messages by direction and status",
		},
		[]string{"queue", "direction", "status"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_queue_depth",
			Help: "Messages waiting per queue",
		},
		[]string{"queue"},
	)

	// Error Metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "app_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)

// Helper functions for recording metrics

// RecordHTTPRequest records an HTTP request
func RecordHTTPRequest(method, endpoint, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordAuthAttempt records a login, signup or refresh attempt
func RecordAuthAttempt(method, outcome string) {
	AuthAttemptsTotal.WithLabelValues(method, outcome).Inc()
}

// RecordTokenIssued records an issued token
func RecordTokenIssued(tokenType string) {
	TokensIssuedTotal.WithLabelValues(tokenType).Inc()
}

// RecordIdentityLink records the outcome of a third-party login
func RecordIdentityLink(provider, outcome string) {
	IdentityLinksTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordCreditsConsumed records a successful debit
func RecordCreditsConsumed(taskCategory string, amount int) {
	if taskCategory == "" {
		taskCategory = "unspecified"
	}
	CreditsConsumedTotal.WithLabelValues(taskCategory).Add(float64(amount))
}

// RecordCreditRejection records a debit refused for insufficient credits
func RecordCreditRejection() {
	CreditRejectionsTotal.Inc()
}

// RecordBillingEvent records a processed billing event
func RecordBillingEvent(eventType, outcome string, duration float64) {
	BillingEventsTotal.WithLabelValues(eventType, outcome).Inc()
	BillingEventDuration.Observe(duration)
}

// RecordProviderRequest records a call to an external provider
func RecordProviderRequest(provider, operation, status string) {
	ProviderRequestsTotal.WithLabelValues(provider, operation, status).Inc()
}

// RecordStorageOperation records a storage operation
func RecordStorageOperation(operation, status string, duration float64) {
	StorageOperationsTotal.WithLabelValues(operation, status).Inc()
	StorageOperationDuration.WithLabelValues(operation).Observe(duration)
}

// RecordQueueMessage records a published or consumed message
func RecordQueueMessage(queue, direction, status string) {
	QueueMessagesTotal.WithLabelValues(queue, direction, status).Inc()
}

// UpdateQueueDepth sets the depth gauge for queue
func UpdateQueueDepth(queue string, depth int) {
	QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordError records an error
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
