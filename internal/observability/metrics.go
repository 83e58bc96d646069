package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshlink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meshlink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	sessionStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "meshlink",
			Subsystem: "session",
			Name:      "status",
			Help:      "1 for the current session status, 0 otherwise.",
		},
		[]string{"status"},
	)
	statusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshlink",
			Subsystem: "session",
			Name:      "status_transitions_total",
			Help:      "Session status transitions by destination status.",
		},
		[]string{"status"},
	)
	inboundEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshlink",
			Subsystem: "session",
			Name:      "events_total",
			Help:      "Protocol events received by kind.",
		},
		[]string{"kind"},
	)
	watchdogTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshlink",
			Subsystem: "watchdog",
			Name:      "transitions_total",
			Help:      "Liveness verdict changes by transport.",
		},
		[]string{"transport", "health"},
	)
	reconnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshlink",
			Subsystem: "reconnect",
			Name:      "attempts_total",
			Help:      "Reconnection attempts by transport and outcome.",
		},
		[]string{"transport", "success"},
	)
	messageOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshlink",
			Subsystem: "messages",
			Name:      "delivery_total",
			Help:      "Outgoing message delivery outcomes.",
		},
		[]string{"status", "reason"},
	)
	storeWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshlink",
			Subsystem: "store",
			Name:      "writes_total",
			Help:      "Persistence writes by operation.",
		},
		[]string{"op", "success"},
	)
	bridgePublishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshlink",
			Subsystem: "bridge",
			Name:      "publishes_total",
			Help:      "Bridge publishes by subject kind.",
		},
		[]string{"kind", "success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			sessionStatus,
			statusTransitions,
			inboundEvents,
			watchdogTransitions,
			reconnectAttempts,
			messageOutcomes,
			storeWrites,
			bridgePublishes,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordStatus marks status as current among all known statuses.
func RecordStatus(status string, all []string) {
	RegisterMetrics()
	for _, s := range all {
		v := 0.0
		if s == status {
			v = 1
		}
		sessionStatus.WithLabelValues(s).Set(v)
	}
	statusTransitions.WithLabelValues(status).Inc()
}

func RecordEvent(kind string) {
	RegisterMetrics()
	inboundEvents.WithLabelValues(kind).Inc()
}

func RecordWatchdog(transport, health string) {
	RegisterMetrics()
	watchdogTransitions.WithLabelValues(transport, health).Inc()
}

func RecordReconnectAttempt(transport string, success bool) {
	RegisterMetrics()
	reconnectAttempts.WithLabelValues(transport, strconv.FormatBool(success)).Inc()
}

func RecordDelivery(status, reason string) {
	RegisterMetrics()
	messageOutcomes.WithLabelValues(status, reason).Inc()
}

func RecordStoreWrite(op string, err error) {
	RegisterMetrics()
	storeWrites.WithLabelValues(op, strconv.FormatBool(err == nil)).Inc()
}

func RecordBridgePublish(kind string, err error) {
	RegisterMetrics()
	bridgePublishes.WithLabelValues(kind, strconv.FormatBool(err == nil)).Inc()
}
