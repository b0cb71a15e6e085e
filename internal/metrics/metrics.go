package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomcast_ws_active_connections",
			Help: "Number of open websocket connections.",
		},
	)
	identifiedUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomcast_online_users",
			Help: "Number of users with at least one registered connection.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomcast_ws_events_total",
			Help: "Client events processed, by type and outcome.",
		},
		[]string{"type", "outcome"},
	)
	fanoutTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomcast_fanout_deliveries_total",
			Help: "Outbound deliveries queued by the room broker.",
		},
		[]string{"event"},
	)
	droppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomcast_dropped_events_total",
			Help: "Ephemeral events dropped because an outbound queue was full.",
		},
		[]string{"event"},
	)
	slowConsumersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roomcast_slow_consumer_disconnects_total",
			Help: "Connections closed because a persisted delivery could not be queued.",
		},
	)
	appendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "roomcast_append_duration_seconds",
			Help:    "Latency of durable message appends including retries.",
			Buckets: prometheus.DefBuckets,
		},
	)
	appendRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roomcast_append_retries_total",
			Help: "Append attempts retried after a transient failure.",
		},
	)
	appendFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roomcast_append_failures_total",
			Help: "Appends that failed after all retries.",
		},
	)
	pushTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomcast_push_notifications_total",
			Help: "Web push notifications sent, by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		wsActiveConnections,
		identifiedUsers,
		wsEventsTotal,
		fanoutTotal,
		droppedTotal,
		slowConsumersTotal,
		appendDuration,
		appendRetriesTotal,
		appendFailuresTotal,
		pushTotal,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func IncWSActive() {
	wsActiveConnections.Inc()
}

func DecWSActive() {
	wsActiveConnections.Dec()
}

func SetOnlineUsers(n int) {
	identifiedUsers.Set(float64(n))
}

func IncWSEvent(eventType, outcome string) {
	wsEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func AddFanout(event string, n int) {
	fanoutTotal.WithLabelValues(event).Add(float64(n))
}

func IncDropped(event string) {
	droppedTotal.WithLabelValues(event).Inc()
}

func IncSlowConsumer() {
	slowConsumersTotal.Inc()
}

func ObserveAppend(start time.Time) {
	appendDuration.Observe(time.Since(start).Seconds())
}

func IncAppendRetry() {
	appendRetriesTotal.Inc()
}

func IncAppendFailure() {
	appendFailuresTotal.Inc()
}

func IncPush(outcome string) {
	pushTotal.WithLabelValues(outcome).Inc()
}
