package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Request metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_requests_total",
			Help: "Total number of incoming requests by request type",
		},
		[]string{"type"},
	)

	RepliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_replies_total",
			Help: "Total number of replies by status (ok, error, resource)",
		},
		[]string{"status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_request_duration_seconds",
			Help:    "Request handling duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// Event metrics
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_events_total",
			Help: "Total number of published resource events by event name",
		},
		[]string{"event"},
	)

	QueryEventsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_query_events_active",
			Help: "Number of query events currently awaiting expiration",
		},
	)

	// Worker metrics
	ResourceQueues = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_resource_queues",
			Help: "Number of resource work queues with pending or running tasks",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RepliesTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(EventsTotal)
	prometheus.MustRegister(QueryEventsActive)
	prometheus.MustRegister(ResourceQueues)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts an HTTP server exposing /metrics and /healthz on the given
// address
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(addr, mux)
}
