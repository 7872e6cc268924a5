package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kangjinkui/katokbot/internal/analytics"
	"github.com/kangjinkui/katokbot/internal/audit"
	"github.com/kangjinkui/katokbot/internal/auth/apikey"
	"github.com/kangjinkui/katokbot/internal/corpus"
	"github.com/kangjinkui/katokbot/internal/gateway/middleware"
	"github.com/kangjinkui/katokbot/internal/indexer"
	"github.com/kangjinkui/katokbot/internal/searcher/cache"
	"github.com/kangjinkui/katokbot/internal/searcher/ranker"
	"github.com/kangjinkui/katokbot/pkg/config"
	"github.com/kangjinkui/katokbot/pkg/logger"
)

const faq = `### 직원용 FAQ
| 질문 | 답변 | 출처 |
|---|---|---|
| 식권 정산은 어떻게 하나요? | 월말에 자동 정산됩니다. | 가이드 |
| 식권을 분실했어요 | 앱에서 재발급하세요. | 가이드 |
| QR 코드가 안 떠요 | 앱을 다시 시작하세요. | 가이드 |
`

type fakeAudit struct {
	entries []audit.Entry
	err     error
	limit   int
}

func (f *fakeAudit) ListReloads(_ context.Context, limit int) ([]audit.Entry, error) {
	f.limit = limit
	return f.entries, f.err
}

type fixture struct {
	coord   *indexer.Coordinator
	handler *Handler
	agg     *analytics.Aggregator
	source  corpus.Source
	mux     *http.ServeMux
}

func newFixture(t *testing.T, reload bool) *fixture {
	t.Helper()
	f := &fixture{
		coord:  indexer.NewCoordinator(indexer.Options{Logger: logger.Discard()}),
		agg:    analytics.NewAggregator(),
		source: corpus.BytesSource{Label: "faq.md", Data: []byte(faq)},
	}
	if reload {
		_, err := f.coord.Reload(context.Background(), f.source)
		require.NoError(t, err)
	}
	collector := analytics.NewCollector(f.agg, nil, config.KafkaTopics{}, 0)
	f.handler = New(Deps{
		Ranker:    ranker.New(f.coord, ranker.DefaultOptions()),
		Index:     f.coord,
		Source:    func() corpus.Source { return f.source },
		Cache:     cache.New(cache.NewMemoryStore(64, time.Minute)),
		Collector: collector,
	}, Options{DefaultTopK: 3, MaxTopK: 10, MaxQueryChars: 200})

	f.mux = http.NewServeMux()
	passthrough := func(next http.Handler) http.Handler { return next }
	f.handler.Register(f.mux, passthrough)
	return f
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestSearchPost(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(t, http.MethodPost, "/api/v1/qa/search", `{"query":"식권 정산","top_k":2}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[searchResponse](t, rec)
	assert.True(t, resp.Success)
	assert.True(t, resp.Matched)
	assert.False(t, resp.Degraded)
	assert.Equal(t, uint64(1), resp.Version)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, 1, resp.Results[0].ID)
	assert.Equal(t, 1.0, resp.Results[0].Score)
	assert.Equal(t, "lexical", resp.Results[0].Source)
	assert.Equal(t, "월말에 자동 정산됩니다.", resp.Results[0].Answer)
	assert.LessOrEqual(t, resp.Total, 2)
	assert.NotEmpty(t, resp.Expansion)

	stats := f.agg.Stats()
	assert.EqualValues(t, 1, stats.TotalQueries)
	assert.EqualValues(t, 1, stats.Matched)
}

func TestSearchGetUsesDefaultTopK(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(t, http.MethodGet, "/api/v1/qa/search?q=QR+코드", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[searchResponse](t, rec)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, 3, resp.Results[0].ID)
}

func TestSearchNoMatchIsNotAnError(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(t, http.MethodPost, "/api/v1/qa/search", `{"query":"주차 등록"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[searchResponse](t, rec)
	assert.False(t, resp.Matched)
	assert.Empty(t, resp.Results)
	assert.Equal(t, []analytics.QueryCount{{Query: "주차 등록", Count: 1}}, f.agg.Stats().UnmatchedQueries)
}

func TestSearchValidation(t *testing.T) {
	f := newFixture(t, true)
	cases := []struct {
		name   string
		method string
		target string
		body   string
	}{
		{"empty query", http.MethodPost, "/api/v1/qa/search", `{"query":"   "}`},
		{"missing body", http.MethodPost, "/api/v1/qa/search", ""},
		{"bad json", http.MethodPost, "/api/v1/qa/search", `{"query":`},
		{"too long", http.MethodPost, "/api/v1/qa/search", `{"query":"` + strings.Repeat("가", 201) + `"}`},
		{"zero top_k", http.MethodPost, "/api/v1/qa/search", `{"query":"식권","top_k":0}`},
		{"top_k above max", http.MethodPost, "/api/v1/qa/search", `{"query":"식권","top_k":11}`},
		{"non numeric top_k", http.MethodGet, "/api/v1/qa/search?q=식권&top_k=many", ""},
		{"missing q", http.MethodGet, "/api/v1/qa/search", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, tc.method, tc.target, tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestSearchAcceptsMaxLengthQuery(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(t, http.MethodPost, "/api/v1/qa/search", `{"query":"`+strings.Repeat("가", 200)+`"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSearchBeforeFirstReload(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodPost, "/api/v1/qa/search", `{"query":"식권"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "index not ready")

	rec = f.do(t, http.MethodGet, "/api/v1/qa/index", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSearchCachesPerVersion(t *testing.T) {
	f := newFixture(t, true)
	body := `{"query":"식권 정산"}`

	first := decode[searchResponse](t, f.do(t, http.MethodPost, "/api/v1/qa/search", body))
	second := decode[searchResponse](t, f.do(t, http.MethodPost, "/api/v1/qa/search", body))
	assert.False(t, first.CacheHit)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Results, second.Results)

	_, err := f.coord.Reload(context.Background(), f.source)
	require.NoError(t, err)
	third := decode[searchResponse](t, f.do(t, http.MethodPost, "/api/v1/qa/search", body))
	assert.False(t, third.CacheHit)
	assert.Equal(t, uint64(2), third.Version)

	stats := decode[map[string]any](t, f.do(t, http.MethodGet, "/api/v1/cache/stats", ""))
	assert.EqualValues(t, 1, stats["hits"])

	rec := f.do(t, http.MethodDelete, "/api/v1/cache", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode[map[string]any](t, rec)["keys_deleted"])
}

func TestReloadEndpoint(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(t, http.MethodPost, "/api/v1/admin/reload", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[reloadResponse](t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, 3, resp.Loaded)
	assert.Equal(t, uint64(2), resp.Version)
	assert.NotEmpty(t, resp.ReloadID)
	assert.Len(t, resp.Checksum, 64)
	assert.Equal(t, "faq.md", resp.Source)

	info := decode[map[string]any](t, f.do(t, http.MethodGet, "/api/v1/qa/index", ""))
	assert.EqualValues(t, 2, info["version"])
	assert.EqualValues(t, 3, info["records"])
	assert.EqualValues(t, 0.5, info["threshold"])
}

func TestReloadFailuresKeepServing(t *testing.T) {
	f := newFixture(t, true)

	f.source = corpus.BytesSource{Label: "broken.md", Data: []byte("no table here")}
	rec := f.do(t, http.MethodPost, "/api/v1/admin/reload", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	assert.Equal(t, false, decode[map[string]any](t, rec)["success"])

	f.source = corpus.FileSource{Path: t.TempDir() + "/missing.md"}
	rec = f.do(t, http.MethodPost, "/api/v1/admin/reload", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())

	resp := decode[searchResponse](t, f.do(t, http.MethodPost, "/api/v1/qa/search", `{"query":"식권 정산"}`))
	assert.Equal(t, uint64(1), resp.Version)
	assert.True(t, resp.Matched)
}

func TestReloadsListing(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(t, http.MethodGet, "/api/v1/admin/reloads", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	lister := &fakeAudit{entries: []audit.Entry{{ReloadID: "r1", Status: "success", Version: 1}}}
	f.handler.Audit = lister
	rec = f.do(t, http.MethodGet, "/api/v1/admin/reloads?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, lister.limit)
	assert.EqualValues(t, 1, decode[map[string]any](t, rec)["count"])

	rec = f.do(t, http.MethodGet, "/api/v1/admin/reloads?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	lister.err = errors.New("connection reset")
	rec = f.do(t, http.MethodGet, "/api/v1/admin/reloads", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 50, lister.limit)
}

func TestAdminRoutesRequireKey(t *testing.T) {
	f := newFixture(t, true)
	mux := http.NewServeMux()
	f.handler.Register(mux, middleware.AdminKey(apikey.NewValidator([]string{"secret"})))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/reload", bytes.NewReader(nil))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/admin/reload", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/qa/search", strings.NewReader(`{"query":"식권"}`))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
