package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCountsOutcomes(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/qa/search", r.URL.Path)
		var req map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		n := calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"matched":   req["query"] == "hit",
			"cache_hit": n > 1,
		})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	stats := Run(ctx, Config{
		BaseURL:     srv.URL,
		Concurrency: 1,
		RPS:         20,
		TopK:        3,
		Queries:     []string{"hit", "miss"},
	}, srv.Client())

	total := stats.total.Load()
	require.Positive(t, total)
	assert.Zero(t, stats.failed.Load())
	assert.Equal(t, total, stats.matched.Load()+stats.noMatch.Load())
	assert.InDelta(t, stats.matched.Load(), stats.noMatch.Load(), 1)

	var out bytes.Buffer
	assert.True(t, stats.Report(&out, time.Second))
	assert.Contains(t, out.String(), "No-match Rate")
	assert.Contains(t, out.String(), "200:")
}

func TestReportWithoutRequests(t *testing.T) {
	var out bytes.Buffer
	assert.False(t, NewStats().Report(&out, time.Second))
}

func TestPercentile(t *testing.T) {
	sorted := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, time.Duration(5), percentile(sorted, 50))
	assert.Equal(t, time.Duration(10), percentile(sorted, 99))
	assert.Equal(t, time.Duration(1), percentile(sorted, 0))
}

func TestReadQueries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.txt")
	require.NoError(t, os.WriteFile(path, []byte("# comment\n식권 정산\n\nQR 코드\n"), 0o644))
	qs, err := readQueries(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"식권 정산", "QR 코드"}, qs)
}
