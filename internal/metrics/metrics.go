package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "seminarhall"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint and status code.",
		},
		[]string{"endpoint", "code"},
	)

	reservationsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_created_total",
			Help:      "Accepted reservation requests by initial status.",
		},
		[]string{"status"},
	)

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_transitions_total",
			Help:      "Applied status transitions.",
		},
		[]string{"from", "to"},
	)

	engineErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_errors_total",
			Help:      "Engine failures by operation and error kind.",
		},
		[]string{"operation", "kind"},
	)

	promotions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "waitlist_promotions_total",
			Help:      "Waitlisted reservations promoted after a slot was vacated.",
		},
	)

	storageRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_retries_total",
			Help:      "Retries of transient storage failures.",
		},
	)

	outboxDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_deliveries_total",
			Help:      "Outbox deliveries by sink and result.",
		},
		[]string{"sink", "result"},
	)

	engineLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_operation_seconds",
			Help:      "Latency of engine write operations.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			reservationsCreated,
			transitions,
			engineErrors,
			promotions,
			storageRetries,
			outboxDeliveries,
			engineLatency,
		)
	})
}

func IncHTTP(endpoint, code string) {
	httpRequests.WithLabelValues(endpoint, code).Inc()
}

func IncReservationCreated(status string) {
	reservationsCreated.WithLabelValues(status).Inc()
}

func IncTransition(from, to string) {
	transitions.WithLabelValues(from, to).Inc()
}

func IncEngineError(operation, kind string) {
	engineErrors.WithLabelValues(operation, kind).Inc()
}

func IncPromotion() {
	promotions.Inc()
}

func IncStorageRetry() {
	storageRetries.Inc()
}

func IncOutboxDelivery(sink, result string) {
	outboxDeliveries.WithLabelValues(sink, result).Inc()
}

// ObserveOperation records the duration since start.
func ObserveOperation(operation string, start time.Time) {
	engineLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
