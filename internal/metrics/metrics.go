package metrics

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ridebook"

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

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_transitions_total",
			Help:      "Status transition attempts by target, role and outcome.",
		},
		[]string{"to", "role", "result"},
	)

	otpVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pickup_otp_verifications_total",
			Help:      "Pickup code verifications by outcome.",
		},
		[]string{"result"},
	)

	payments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_total",
			Help:      "Payment settlement attempts by method and outcome.",
		},
		[]string{"method", "result"},
	)

	reviews = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reviews_total",
			Help:      "Review submissions by outcome.",
		},
		[]string{"result"},
	)

	viewerPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "viewer_polls_total",
			Help:      "Viewer poll ticks by outcome.",
		},
		[]string{"result"},
	)

	sheetsTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sheets_tasks_total",
			Help:      "Ledger export tasks by type and outcome.",
		},
		[]string{"type", "result"},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Telegram notifications by event and outcome.",
		},
		[]string{"event", "result"},
	)

	pushSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "push_subscribers",
			Help:      "Open websocket booking subscriptions.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests, transitions, otpVerifications, payments, reviews,
			viewerPolls, sheetsTasks, notifications, pushSubscribers,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func IncHTTP(endpoint string, code int) {
	httpRequests.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
}

func IncTransition(to, role, result string) {
	transitions.WithLabelValues(to, role, result).Inc()
}

func IncOTPVerification(result string) {
	otpVerifications.WithLabelValues(result).Inc()
}

func IncPayment(method, result string) {
	payments.WithLabelValues(method, result).Inc()
}

func IncReview(result string) {
	reviews.WithLabelValues(result).Inc()
}

func IncViewerPoll(result string) {
	viewerPolls.WithLabelValues(result).Inc()
}

func IncSheetsTask(taskType, result string) {
	sheetsTasks.WithLabelValues(taskType, result).Inc()
}

func IncNotification(event, result string) {
	notifications.WithLabelValues(event, result).Inc()
}

func SetPushSubscribers(n int) {
	pushSubscribers.Set(float64(n))
}

// Result maps an error to the outcome label used across counters.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
