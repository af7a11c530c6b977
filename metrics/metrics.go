// Package metrics holds the prometheus instrumentation shared by the
// engines and the HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "davshare_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "davshare_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	propagationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "davshare_propagations_total",
		Help: "Item mutations mirrored into dependent subscriptions.",
	}, []string{"operation"})

	schedulingMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "davshare_scheduling_messages_total",
		Help: "iTIP messages delivered to scheduling inboxes.",
	}, []string{"method"})

	brokerEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "davshare_broker_events_total",
		Help: "Change events published to the broker.",
	}, []string{"routing_key"})

	suppressedEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "davshare_suppressed_events_total",
		Help: "Change events dropped because their path lies under a subscription.",
	})
)

// Propagated records one mirrored mutation.
func Propagated(operation string) {
	propagationsTotal.WithLabelValues(operation).Inc()
}

// SchedulingMessageDelivered records one delivered iTIP message.
func SchedulingMessageDelivered(method string) {
	schedulingMessagesTotal.WithLabelValues(method).Inc()
}

// BrokerEventPublished records one published change event.
func BrokerEventPublished(routingKey string) {
	brokerEventsTotal.WithLabelValues(routingKey).Inc()
}

// EventSuppressed records one filtered subscription-path event.
func EventSuppressed() {
	suppressedEventsTotal.Inc()
}

// Middleware records request counts and latencies labeled by chi route.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(ww, r)

			route := routePattern(r)
			httpRequestsTotal.WithLabelValues(r.Method, route).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(ww.status)).
				Observe(time.Since(start).Seconds())
		})
	}
}

// Handler exposes the prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
