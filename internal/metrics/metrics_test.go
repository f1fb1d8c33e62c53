package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Payment(OutcomeApplied)
		m.PartialFailure("debt_remaining")
		m.ConflictRetry()
		m.Reconciled(true, false)
		m.HTTPRequest(http.MethodGet, 200, time.Millisecond)
		m.WatchCache("c", func() (uint64, uint64) { return 0, 0 }, func() int { return 0 })
		m.WatchRateLimiter(func() int64 { return 0 }, func() int { return 0 })
	})
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()
	m.Payment(OutcomeApplied)
	m.Payment(OutcomeApplied)
	m.Payment(OutcomePartial)
	m.Reconciled(true, true)
	m.Reconciled(false, false)

	body := scrape(t, m)
	assert.Contains(t, body, `famledger_debt_payments_total{outcome="applied"} 2`)
	assert.Contains(t, body, `famledger_debt_payments_total{outcome="partial"} 1`)
	assert.Contains(t, body, `famledger_reconcile_drift_detected_total 1`)
	assert.Contains(t, body, `famledger_reconcile_accounts_total{result="fixed"} 1`)
	assert.Contains(t, body, `famledger_reconcile_accounts_total{result="clean"} 1`)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.HTTPRequest(http.MethodPost, 201, 5*time.Millisecond)

	body := scrape(t, m)
	assert.True(t, strings.Contains(body, `famledger_http_requests_total{code="201",method="POST"} 1`), body)
	assert.Contains(t, body, "famledger_http_request_duration_seconds_count")
}

func TestWatchedCollectorsReadAtScrape(t *testing.T) {
	m := New()
	var hits uint64 = 3
	m.WatchCache("categories", func() (uint64, uint64) { return hits, 1 }, func() int { return 2 })
	m.WatchRateLimiter(func() int64 { return 4 }, func() int { return 1 })
	// A second watch of the same name keeps the first collector.
	m.WatchRateLimiter(func() int64 { return 99 }, func() int { return 99 })

	hits = 5
	body := scrape(t, m)
	assert.Contains(t, body, `famledger_cache_hits_total{cache="categories"} 5`)
	assert.Contains(t, body, `famledger_cache_misses_total{cache="categories"} 1`)
	assert.Contains(t, body, `famledger_cache_entries{cache="categories"} 2`)
	assert.Contains(t, body, `famledger_rate_limited_requests_total 4`)
	assert.Contains(t, body, `famledger_rate_limit_clients 1`)
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}
