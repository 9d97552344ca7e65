package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawl_jobs_submitted_total",
			Help: "Total number of jobs submitted, by job type",
		},
		[]string{"type"},
	)
	JobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawl_jobs_running",
			Help: "Number of jobs currently executing on this worker",
		},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawl_jobs_completed_total",
			Help: "Total number of jobs finished, by outcome",
		},
		[]string{"outcome"},
	)
	JobStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawl_step_duration_seconds",
			Help:    "Crawl step duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"method"},
	)

	RetriesScheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawl_retries_scheduled_total",
			Help: "Total number of retries scheduled, by error category",
		},
		[]string{"category"},
	)
	DLQEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawl_dlq_entries_total",
			Help: "Total number of jobs quarantined, by error category",
		},
		[]string{"category"},
	)
	CancellationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawl_cancellations_total",
			Help: "Total number of cancellations, by job state at request time",
		},
		[]string{"state"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawl_queue_depth",
			Help: "Messages waiting in the work queue stream",
		},
	)
	LogStreamSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawl_log_stream_subscribers",
			Help: "Open websocket log streams",
		},
	)
	LogRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawl_log_records_total",
			Help: "Total log records ingested, by level",
		},
		[]string{"level"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobsRunning)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobStepDuration)
	prometheus.MustRegister(RetriesScheduledTotal)
	prometheus.MustRegister(DLQEntriesTotal)
	prometheus.MustRegister(CancellationsTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(LogStreamSubscribers)
	prometheus.MustRegister(LogRecordsTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
