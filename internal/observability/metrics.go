package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce         sync.Once
	apiRequestsTotal     *prometheus.CounterVec
	apiLatencySeconds    *prometheus.HistogramVec
	apiErrorsTotal       *prometheus.CounterVec
	gradesTotal          *prometheus.CounterVec
	gradeDuration        prometheus.Histogram
	learnedFallbackTotal *prometheus.CounterVec
	retrainsTotal        *prometheus.CounterVec
	activeModelVersion   *prometheus.GaugeVec
	correctionsTotal     prometheus.Counter
)

// RegisterMetrics initialises the Prometheus collectors used by the grader.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grader",
			Name:      "api_requests_total",
			Help:      "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "grader",
			Name:      "api_latency_seconds",
			Help:      "Latency distribution for API requests.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 30.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grader",
			Name:      "api_errors_total",
			Help:      "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		gradesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grader",
			Name:      "grades_total",
			Help:      "Number of scores produced, by provenance and status.",
		}, []string{"source", "status"})

		gradeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "grader",
			Name:      "grade_duration_seconds",
			Help:      "End-to-end time to grade one submission.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		})

		learnedFallbackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grader",
			Name:      "learned_fallback_total",
			Help:      "Grades that fell back to the rubric because the learned predictor could not be used.",
		}, []string{"reason"})

		retrainsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grader",
			Name:      "retrains_total",
			Help:      "Retrain attempts by outcome.",
		}, []string{"outcome"})

		activeModelVersion = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "grader",
			Name:      "active_model_version",
			Help:      "Version of the active learned model per assignment.",
		}, []string{"assignment"})

		correctionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "grader",
			Name:      "corrections_total",
			Help:      "Number of instructor corrections recorded.",
		})

		prometheus.MustRegister(
			apiRequestsTotal, apiLatencySeconds, apiErrorsTotal,
			gradesTotal, gradeDuration, learnedFallbackTotal,
			retrainsTotal, activeModelVersion, correctionsTotal,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// Grades exposes the counter of produced scores.
func Grades() *prometheus.CounterVec {
	RegisterMetrics()
	return gradesTotal
}

// GradeDuration exposes the grading latency histogram.
func GradeDuration() prometheus.Histogram {
	RegisterMetrics()
	return gradeDuration
}

// LearnedFallbacks exposes the counter of rubric fallbacks.
func LearnedFallbacks() *prometheus.CounterVec {
	RegisterMetrics()
	return learnedFallbackTotal
}

// Retrains exposes the counter of retrain outcomes.
func Retrains() *prometheus.CounterVec {
	RegisterMetrics()
	return retrainsTotal
}

// ActiveModelVersion exposes the per-assignment model version gauge.
func ActiveModelVersion() *prometheus.GaugeVec {
	RegisterMetrics()
	return activeModelVersion
}

// Corrections exposes the counter of recorded corrections.
func Corrections() prometheus.Counter {
	RegisterMetrics()
	return correctionsTotal
}
