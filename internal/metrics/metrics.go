package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "counselbook"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		},
		[]string{"route", "code"},
	)

	bookingOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_create_total",
			Help:      "Booking creation attempts by outcome.",
		},
		[]string{"outcome"},
	)

	bookingTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_transitions_total",
			Help:      "Booking status transitions by target status.",
		},
		[]string{"status"},
	)

	claimRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_claim_retries_total",
			Help:      "Slot claims lost to a concurrent booking and retried.",
		},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently tracked by the session registry.",
		},
	)

	connectedMembers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_connections",
			Help:      "Open real-time connections.",
		},
	)

	chatMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_messages_total",
			Help:      "Chat messages persisted to transcripts.",
		},
	)

	droppedDeliveries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_dropped_deliveries_total",
			Help:      "Events not delivered because a member's outbound queue was full.",
		},
	)

	extensionPhases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extension_handshake_total",
			Help:      "Extension handshake steps by phase reached.",
		},
		[]string{"phase"},
	)

	sweptSessions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeper_closed_sessions_total",
			Help:      "Sessions force-closed by the expiry sweeper.",
		},
	)

	taskResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_tasks_total",
			Help:      "Background tasks by type and result.",
		},
		[]string{"type", "result"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			bookingOutcomes,
			bookingTransitions,
			claimRetries,
			activeSessions,
			connectedMembers,
			chatMessages,
			droppedDeliveries,
			extensionPhases,
			sweptSessions,
			taskResults,
		)
	})
}

func IncHTTP(route, code string) {
	httpRequests.WithLabelValues(route, code).Inc()
}

func IncBookingOutcome(outcome string) {
	bookingOutcomes.WithLabelValues(outcome).Inc()
}

func IncTransition(status string) {
	bookingTransitions.WithLabelValues(status).Inc()
}

func IncClaimRetry() {
	claimRetries.Inc()
}

func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}

func AddConnections(delta int) {
	connectedMembers.Add(float64(delta))
}

func IncChatMessage() {
	chatMessages.Inc()
}

func IncDroppedDelivery() {
	droppedDeliveries.Inc()
}

func IncExtensionPhase(phase string) {
	extensionPhases.WithLabelValues(phase).Inc()
}

func IncSwept() {
	sweptSessions.Inc()
}

func IncTask(taskType, result string) {
	taskResults.WithLabelValues(taskType, result).Inc()
}
