package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveSearch("matched", "miss", time.Millisecond, []string{"fused"}, true)
		m.ObserveCache(true)
		m.ObserveReload("success", time.Second, 10, 1)
		m.SetBreakerState("encoder", "open")
	})
}

func TestInstancesDoNotCollide(t *testing.T) {
	a, b := New(), New()
	a.ObserveSearch("matched", "miss", time.Millisecond, []string{"fused", "lexical"}, true)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.SearchQueriesTotal.WithLabelValues("matched")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.SearchResultSources.WithLabelValues("lexical")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.DegradedSearches))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.DegradedSearches))
}

func TestReloadGaugesOnlyMoveOnSuccess(t *testing.T) {
	m := New()
	m.ObserveReload("success", time.Second, 42, 3)
	m.ObserveReload("format_error", time.Second, 0, 0)

	assert.Equal(t, 42.0, testutil.ToFloat64(m.CorpusRecords))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.CorpusVersion))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReloadsTotal.WithLabelValues("format_error")))
}

func TestBreakerState(t *testing.T) {
	m := New()
	m.SetBreakerState("encoder", "half-open")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("encoder")))
	m.SetBreakerState("encoder", "closed")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("encoder")))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.ObserveCache(false)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "qa_cache_misses_total 1"))
}
