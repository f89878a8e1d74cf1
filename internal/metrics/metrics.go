// Package metrics exposes Prometheus instrumentation for the alert pipeline.
package metrics

import (
	"net/http"

	"github.com/BTreeMap/SafeStatus/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	connectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "safestatus_feed_connection_state",
		Help: "1 for the feed connection's current state, 0 otherwise",
	}, []string{"state"})
	dialFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safestatus_feed_dial_failures_total",
		Help: "Failed feed dials by endpoint role",
	}, []string{"endpoint"})
	framesDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safestatus_feed_frames_total",
		Help: "Alert frames received from the feed by decode result",
	}, []string{"result"})
	alertsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safestatus_alerts_published_total",
		Help: "Alerts published on the bus by source",
	}, []string{"source"})
	promptsShown = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safestatus_prompts_shown_total",
		Help: "Prompts shown to the user by kind",
	}, []string{"kind"})
	statusRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safestatus_status_requests_total",
		Help: "Status update requests sent to the profile store",
	}, []string{"status", "result"})
	notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safestatus_platform_notifications_total",
		Help: "Best-effort platform notifications by result",
	}, []string{"result"})
)

var allStates = []models.ConnectionState{
	models.Disconnected,
	models.ConnectingPrimary,
	models.ConnectedPrimary,
	models.ConnectingFallback,
	models.ConnectedFallback,
	models.BackoffWait,
}

// SetConnectionState marks s as the current feed connection state.
func SetConnectionState(s models.ConnectionState) {
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		connectionState.WithLabelValues(st.String()).Set(v)
	}
}

// DialFailed counts a failed dial against the primary or fallback endpoint.
func DialFailed(endpoint string) {
	dialFailures.WithLabelValues(endpoint).Inc()
}

// FrameDecoded counts an alert frame; ok is false for malformed frames.
func FrameDecoded(ok bool) {
	if ok {
		framesDecoded.WithLabelValues("ok").Inc()
		return
	}
	framesDecoded.WithLabelValues("malformed").Inc()
}

func AlertPublished(source string) {
	alertsPublished.WithLabelValues(source).Inc()
}

func PromptShown(kind models.PromptKind) {
	promptsShown.WithLabelValues(string(kind)).Inc()
}

// StatusRequested counts a SetStatus request and whether it succeeded.
func StatusRequested(status models.UserStatus, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	statusRequests.WithLabelValues(string(status), result).Inc()
}

func NotificationSent(err error) {
	if err != nil {
		notifications.WithLabelValues("error").Inc()
		return
	}
	notifications.WithLabelValues("ok").Inc()
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
