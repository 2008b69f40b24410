// Package metrics holds the service-wide Prometheus collectors and the HTTP
// instrumentation middleware. Domain packages register their own collectors
// next to the code that updates them.
package metrics

import (
	"database/sql"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every distrokit metric.
const Namespace = "distrokit"

// unmatchedRoute labels requests that hit no route, keeping raw paths out
// of label values.
const unmatchedRoute = "unmatched"

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: Namespace, Name: name, Help: help}, labels)
}

var (
	HTTPRequestsTotal = counterVec("http_requests_total",
		"HTTP requests by method, route and status class.", "method", "route", "status")

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by method and route.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "route"})

	// NotificationDeliveriesTotal: ok, failed, blocked, dropped, disabled.
	NotificationDeliveriesTotal = counterVec("notification_deliveries_total",
		"Outbound notification webhook deliveries by result.", "result")

	BillingEventsTotal = counterVec("billing_events_total",
		"Inbound billing provider events by type and result.", "type", "result")

	InvitationsTotal = counterVec("invitations_total",
		"Invitation transitions by outcome.", "outcome")
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		NotificationDeliveriesTotal,
		BillingEventsTotal,
		InvitationsTotal,
	)
}

// RegisterDB exports connection pool statistics for db. Registering the
// same pool name twice is not an error.
func RegisterDB(db *sql.DB, name string) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, name))
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return nil
	}
	return err
}

// Middleware records request counts and latency by route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, route))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, statusClass(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// statusClass turns 404 into "4xx".
func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
