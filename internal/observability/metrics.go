package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce       sync.Once
	requestsTotal      *prometheus.CounterVec
	latencySeconds     *prometheus.HistogramVec
	errorsTotal        *prometheus.CounterVec
	gradeCyclesTotal   *prometheus.CounterVec
	settlementFailures prometheus.Counter
)

// RegisterMetrics initialises the Prometheus collectors for the grading API.
func RegisterMetrics() {
	registerOnce.Do(func() {
		requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "markm8_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		latencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "markm8_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "markm8_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		gradeCyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "markm8_grade_cycles_total",
			Help: "Grading cycles reaching a terminal state, by outcome.",
		}, []string{"status"})

		settlementFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "markm8_settlement_failures_total",
			Help: "Ledger settlements that exhausted their retry budget.",
		})

		prometheus.MustRegister(requestsTotal, latencySeconds, errorsTotal, gradeCyclesTotal, settlementFailures)
	})
}

// Requests exposes the counter for API requests.
func Requests() *prometheus.CounterVec {
	RegisterMetrics()
	return requestsTotal
}

// Latency exposes the latency histogram for API requests.
func Latency() *prometheus.HistogramVec {
	RegisterMetrics()
	return latencySeconds
}

// Errors exposes the counter for API error responses.
func Errors() *prometheus.CounterVec {
	RegisterMetrics()
	return errorsTotal
}

// GradeCycles exposes the terminal grading cycle counter.
func GradeCycles() *prometheus.CounterVec {
	RegisterMetrics()
	return gradeCyclesTotal
}

// SettlementFailures exposes the settlement failure counter.
func SettlementFailures() prometheus.Counter {
	RegisterMetrics()
	return settlementFailures
}
