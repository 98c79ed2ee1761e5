// Package metrics holds the Prometheus collectors for the clinic server and
// the echo glue that serves and feeds them.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ---------------------------------------------------------------------------
	// HTTP
	// ---------------------------------------------------------------------------

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clinic_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	HTTPActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clinic_http_active_requests",
			Help: "Number of HTTP requests currently being served",
		},
	)

	// ---------------------------------------------------------------------------
	// WebSocket gateway
	// ---------------------------------------------------------------------------

	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clinic_ws_connections",
			Help: "Current number of open notification WebSocket connections on this instance",
		},
	)

	WSConnectionsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clinic_ws_connections_rejected_total",
			Help: "WebSocket handshakes rejected for missing or invalid credentials",
		},
	)

	// ---------------------------------------------------------------------------
	// Relay
	// ---------------------------------------------------------------------------

	RelayPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinic_relay_published_total",
			Help: "Envelopes published to the relay channel",
		},
		[]string{"type"},
	)

	RelayPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clinic_relay_publish_errors_total",
			Help: "Relay publish attempts that failed or were short-circuited by the breaker",
		},
	)

	RelayReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinic_relay_received_total",
			Help: "Envelopes received from the relay channel",
		},
		[]string{"type"},
	)

	RelayHandlerErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clinic_relay_handler_errors_total",
			Help: "Relay handler invocations that returned an error or panicked",
		},
	)

	// ---------------------------------------------------------------------------
	// Notifications
	// ---------------------------------------------------------------------------

	NotificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinic_notifications_created_total",
			Help: "Notifications persisted",
		},
		[]string{"type"},
	)

	NotificationsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinic_notifications_suppressed_total",
			Help: "Notifications skipped because the recipient disabled the type",
		},
		[]string{"type"},
	)

	// ---------------------------------------------------------------------------
	// Analytics
	// ---------------------------------------------------------------------------

	AnalyticsCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinic_analytics_cache_hits_total",
			Help: "Analytics report cache hits",
		},
		[]string{"report"},
	)

	AnalyticsCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinic_analytics_cache_misses_total",
			Help: "Analytics report cache misses",
		},
		[]string{"report"},
	)

	AnalyticsReportDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clinic_analytics_report_duration_seconds",
			Help:    "Time to compute an analytics report from the database",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"report"},
	)
)

func ObserveReport(report string, start time.Time) {
	AnalyticsReportDuration.WithLabelValues(report).Observe(time.Since(start).Seconds())
}

// Middleware records request duration by route pattern.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			HTTPActiveRequests.Inc()
			start := time.Now()

			err := next(c)

			HTTPActiveRequests.Dec()
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			HTTPRequestDuration.
				WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the default registry in Prometheus text format.
func Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}
