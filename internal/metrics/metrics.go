// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesCommittedTotal        prometheus.Counter
	recordsWrittenTotal        prometheus.Counter
	pageFailuresTotal          *prometheus.CounterVec
	runsTotal                  *prometheus.CounterVec
	loginsTotal                *prometheus.CounterVec
	probesTotal                *prometheus.CounterVec
	activeRunners              prometheus.Gauge
	interPageDelaySeconds      prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesCommittedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "crawler_pages_committed_total",
			Help: "Total number of listing pages whose records and cursor were persisted.",
		})
		recordsWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "crawler_records_written_total",
			Help: "Total number of send records appended to job outputs.",
		})
		pageFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_page_failures_total",
			Help: "Total number of failed page attempts, labeled by reason.",
		}, []string{"reason"})
		runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_runs_total",
			Help: "Total number of finished runner invocations, labeled by outcome.",
		}, []string{"outcome"})
		loginsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_logins_total",
			Help: "Total number of upstream login attempts, labeled by result.",
		}, []string{"result"})
		probesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_health_probes_total",
			Help: "Total number of session liveness probes, labeled by result.",
		}, []string{"result"})
		activeRunners = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_active_runners",
			Help: "Number of job runners currently live.",
		})
		interPageDelaySeconds = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_inter_page_delay_seconds",
			Help: "Current delay applied between successful pages.",
		})
		rateLimitDelaysSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_rate_limit_delays_seconds",
			Help:    "Histogram of outbound rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"host"})
		httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"})
		httpRequestDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"})
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePageCommitted records a committed page and the number of records it carried.
func ObservePageCommitted(records int) {
	Init()
	pagesCommittedTotal.Inc()
	if records > 0 {
		recordsWrittenTotal.Add(float64(records))
	}
}

// ObservePageFailure records a failed page attempt.
func ObservePageFailure(reason string) {
	Init()
	pageFailuresTotal.WithLabelValues(reason).Inc()
}

// ObserveRun records how a runner invocation ended.
func ObserveRun(outcome string) {
	Init()
	runsTotal.WithLabelValues(outcome).Inc()
}

// ObserveLogin records a login attempt.
func ObserveLogin(success bool) {
	Init()
	loginsTotal.WithLabelValues(result(success)).Inc()
}

// ObserveProbe records a health probe.
func ObserveProbe(result string) {
	Init()
	probesTotal.WithLabelValues(result).Inc()
}

// IncActiveRunners increments the active runners gauge.
func IncActiveRunners() {
	Init()
	activeRunners.Inc()
}

// DecActiveRunners decrements the active runners gauge.
func DecActiveRunners() {
	Init()
	activeRunners.Dec()
}

// SetInterPageDelay publishes the current inter-page delay.
func SetInterPageDelay(d time.Duration) {
	Init()
	interPageDelaySeconds.Set(d.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
