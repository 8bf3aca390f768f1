package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_events_published_total",
			Help: "Total events accepted by the bus.",
		},
		[]string{"event_type", "priority"},
	)
	handlerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_handler_failures_total",
			Help: "Total failed handler delivery attempts.",
		},
		[]string{"event_type"},
	)
	handlerRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_handler_retries_total",
			Help: "Total handler retries scheduled.",
		},
		[]string{"event_type"},
	)
	deadLetters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_dead_letter_total",
			Help: "Total events moved to the dead-letter state.",
		},
		[]string{"event_type"},
	)
	handlerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bus_handler_duration_seconds",
			Help:    "Handler invocation latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event_type"},
	)
	deadLetterDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bus_dead_letter_depth",
			Help: "Current number of dead-lettered events in storage.",
		},
	)
	relayFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_relay_failures_total",
			Help: "Total failed Kafka relay publishes.",
		},
		[]string{"topic"},
	)
)

func Register() {
	prometheus.MustRegister(httpRequests, httpLatency, eventsPublished, handlerFailures, handlerRetries, deadLetters, handlerLatency, deadLetterDepth, relayFailures)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func IncEventPublished(eventType string, priority string) {
	eventsPublished.WithLabelValues(eventType, priority).Inc()
}

func IncHandlerFailure(eventType string) {
	handlerFailures.WithLabelValues(eventType).Inc()
}

func IncHandlerRetry(eventType string) {
	handlerRetries.WithLabelValues(eventType).Inc()
}

func IncDeadLetter(eventType string) {
	deadLetters.WithLabelValues(eventType).Inc()
}

func ObserveHandlerLatency(eventType string, d time.Duration) {
	handlerLatency.WithLabelValues(eventType).Observe(d.Seconds())
}

func SetDeadLetterDepth(depth int) {
	deadLetterDepth.Set(float64(depth))
}

func IncRelayFailure(topic string) {
	relayFailures.WithLabelValues(topic).Inc()
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
