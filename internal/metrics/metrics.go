// Package metrics exposes the ledger's Prometheus collectors. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "famledger"

// Payment outcomes.
const (
	OutcomeApplied  = "applied"
	OutcomeReplayed = "replayed"
	OutcomePartial  = "partial"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

type Metrics struct {
	registry *prometheus.Registry

	payments        *prometheus.CounterVec
	partialFailures *prometheus.CounterVec
	conflictRetries prometheus.Counter
	reconcileRuns   *prometheus.CounterVec
	reconcileDrift  prometheus.Counter
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "debt_payments_total",
			Help:      "Debt payment attempts by outcome.",
		}, []string{"outcome"}),
		partialFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partial_failures_total",
			Help:      "Multi-step operations that stopped after some steps committed, by failed step.",
		}, []string{"step"}),
		conflictRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflict_retries_total",
			Help:      "Compare-and-set writes retried after a concurrent modification.",
		}),
		reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_accounts_total",
			Help:      "Accounts reconciled, by result.",
		}, []string{"result"}),
		reconcileDrift: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_drift_detected_total",
			Help:      "Accounts whose stored balance differed from their history.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}

	m.registry.MustRegister(
		m.payments, m.partialFailures, m.conflictRetries,
		m.reconcileRuns, m.reconcileDrift,
		m.httpRequests, m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry for tests and custom handlers.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Payment(outcome string) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PartialFailure(step string) {
	if m == nil {
		return
	}
	m.partialFailures.WithLabelValues(step).Inc()
}

func (m *Metrics) ConflictRetry() {
	if m == nil {
		return
	}
	m.conflictRetries.Inc()
}

// Reconciled records one account check. drift reports a mismatch and fixed
// whether it was corrected.
func (m *Metrics) Reconciled(drift, fixed bool) {
	if m == nil {
		return
	}
	result := "clean"
	switch {
	case drift && fixed:
		result = "fixed"
	case drift:
		result = "drift"
	}
	m.reconcileRuns.WithLabelValues(result).Inc()
	if drift {
		m.reconcileDrift.Inc()
	}
}

func (m *Metrics) HTTPRequest(method string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// WatchCache exports a cache's hit and miss counters and its size. The
// functions are read at scrape time.
func (m *Metrics) WatchCache(name string, stats func() (hits, misses uint64), size func() int) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"cache": name}
	m.register(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "cache_hits_total",
			Help:        "Cache lookups served from the cache.",
			ConstLabels: labels,
		}, func() float64 {
			hits, _ := stats()
			return float64(hits)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "cache_misses_total",
			Help:        "Cache lookups that fell through to the store.",
			ConstLabels: labels,
		}, func() float64 {
			_, misses := stats()
			return float64(misses)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "cache_entries",
			Help:        "Entries currently cached.",
			ConstLabels: labels,
		}, func() float64 { return float64(size()) }),
	)
}

// WatchRateLimiter exports the limiter's rejection count and the number of
// clients it tracks.
func (m *Metrics) WatchRateLimiter(rejected func() int64, clients func() int) {
	if m == nil {
		return
	}
	m.register(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_requests_total",
			Help:      "Requests refused by the rate limiter.",
		}, func() float64 { return float64(rejected()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rate_limit_clients",
			Help:      "Clients with an open rate limit window.",
		}, func() float64 { return float64(clients()) }),
	)
}

// register adds collectors, keeping the first one when a name is watched
// twice.
func (m *Metrics) register(cs ...prometheus.Collector) {
	for _, c := range cs {
		var are prometheus.AlreadyRegisteredError
		if err := m.registry.Register(c); err != nil && !errors.As(err, &are) {
			panic(err)
		}
	}
}
