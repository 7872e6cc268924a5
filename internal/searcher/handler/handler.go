// Package handler exposes the QA search, index and admin endpoints.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kangjinkui/katokbot/internal/analytics"
	"github.com/kangjinkui/katokbot/internal/audit"
	"github.com/kangjinkui/katokbot/internal/corpus"
	"github.com/kangjinkui/katokbot/internal/indexer"
	"github.com/kangjinkui/katokbot/internal/searcher/cache"
	"github.com/kangjinkui/katokbot/internal/searcher/ranker"
	apperrors "github.com/kangjinkui/katokbot/pkg/errors"
	"github.com/kangjinkui/katokbot/pkg/logger"
	"github.com/kangjinkui/katokbot/pkg/metrics"
)

// Index is implemented by indexer.Coordinator.
type Index interface {
	Snapshot() *indexer.Snapshot
	Reload(ctx context.Context, src corpus.Source) (*indexer.ReloadResult, error)
}

type ReloadLister interface {
	ListReloads(ctx context.Context, limit int) ([]audit.Entry, error)
}

// Deps wires the handler. Cache, Collector, Audit and Metrics are optional.
type Deps struct {
	Ranker    *ranker.Ranker
	Index     Index
	Source    func() corpus.Source
	Cache     *cache.QueryCache
	Collector *analytics.Collector
	Audit     ReloadLister
	Metrics   *metrics.Metrics
}

type Options struct {
	DefaultTopK   int
	MaxTopK       int
	MaxQueryChars int
	ReloadTimeout time.Duration
}

type Handler struct {
	Deps
	opts   Options
	logger *slog.Logger
}

func New(deps Deps, opts Options) *Handler {
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = 3
	}
	if opts.MaxTopK < opts.DefaultTopK {
		opts.MaxTopK = max(opts.DefaultTopK, 10)
	}
	if opts.MaxQueryChars <= 0 {
		opts.MaxQueryChars = 200
	}
	return &Handler{
		Deps:   deps,
		opts:   opts,
		logger: slog.Default().With("component", "qa-handler"),
	}
}

// Register mounts the routes. admin wraps every route that needs an admin
// key.
func (h *Handler) Register(mux *http.ServeMux, admin func(http.Handler) http.Handler) {
	mux.HandleFunc("POST /api/v1/qa/search", h.Search)
	mux.HandleFunc("GET /api/v1/qa/search", h.Search)
	mux.HandleFunc("GET /api/v1/qa/index", h.IndexInfo)
	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)
	mux.Handle("POST /api/v1/admin/reload", admin(http.HandlerFunc(h.Reload)))
	mux.Handle("GET /api/v1/admin/reloads", admin(http.HandlerFunc(h.Reloads)))
	mux.Handle("DELETE /api/v1/cache", admin(http.HandlerFunc(h.CacheInvalidate)))
}

type searchRequest struct {
	Query string `json:"query"`
	TopK  *int   `json:"top_k"`
}

type resultView struct {
	ID       int     `json:"id"`
	Section  string  `json:"section"`
	Question string  `json:"question"`
	Answer   string  `json:"answer"`
	Origin   string  `json:"origin"`
	Score    float64 `json:"score"`
	Source   string  `json:"source"`
}

type searchResponse struct {
	Success   bool         `json:"success"`
	Query     string       `json:"query"`
	Results   []resultView `json:"results"`
	Total     int          `json:"total"`
	Matched   bool         `json:"matched"`
	Degraded  bool         `json:"degraded"`
	Version   uint64       `json:"version"`
	Expansion string       `json:"expansion,omitempty"`
	CacheHit  bool         `json:"cache_hit"`
	TookMs    int64        `json:"took_ms"`
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	log := logger.FromContext(ctx)

	req, err := h.parseSearch(w, r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, cacheStatus, err := h.answer(ctx, req.Query, *req.TopK)
	took := time.Since(start)
	if err != nil {
		h.Metrics.ObserveSearch("error", cacheStatus, took, nil, false)
		status := apperrors.HTTPStatusCode(err)
		if status >= http.StatusInternalServerError {
			log.Error("search failed", "query", req.Query, "error", err)
		}
		h.writeError(w, status, publicMessage(err, status))
		return
	}

	outcome := "no_match"
	if resp.Matched() {
		outcome = "matched"
	}
	sources := resp.Sources()
	h.Metrics.ObserveSearch(outcome, cacheStatus, took, sources, resp.Degraded)

	out := searchResponse{
		Success:   true,
		Query:     resp.Query,
		Results:   make([]resultView, len(resp.Results)),
		Total:     len(resp.Results),
		Matched:   resp.Matched(),
		Degraded:  resp.Degraded,
		Version:   resp.Version,
		Expansion: resp.Expansion,
		CacheHit:  cacheStatus == "hit",
		TookMs:    took.Milliseconds(),
	}
	var topScore float64
	for i, res := range resp.Results {
		out.Results[i] = resultView{
			ID:       res.Record.ID,
			Section:  res.Record.Section,
			Question: res.Record.Question,
			Answer:   res.Record.Answer,
			Origin:   res.Record.Origin,
			Score:    res.Score,
			Source:   string(res.Source),
		}
		topScore = max(topScore, res.Score)
	}

	log.Info("search completed",
		"query", resp.Query,
		"top_k", *req.TopK,
		"returned", out.Total,
		"degraded", resp.Degraded,
		"cache", cacheStatus,
		"version", resp.Version,
		"latency_ms", out.TookMs,
	)
	if h.Collector != nil {
		h.Collector.TrackQuery(analytics.QueryEvent{
			Query:     resp.Query,
			TopK:      *req.TopK,
			Returned:  out.Total,
			TopScore:  topScore,
			Sources:   sources,
			Degraded:  resp.Degraded,
			CacheHit:  out.CacheHit,
			Version:   resp.Version,
			LatencyMs: out.TookMs,
			Timestamp: time.Now().UTC(),
			RequestID: logger.RequestID(ctx),
		})
	}
	h.writeJSON(w, http.StatusOK, out)
}

// answer consults the cache for the current snapshot version before ranking.
func (h *Handler) answer(ctx context.Context, query string, topK int) (*ranker.Response, string, error) {
	compute := func() (*ranker.Response, error) {
		return h.Ranker.Search(ctx, query, topK)
	}
	snap := h.Index.Snapshot()
	if h.Cache == nil || snap == nil {
		resp, err := compute()
		return resp, "disabled", err
	}

	key := cache.Key(snap.Corpus.Number, query, topK, h.Ranker.Threshold())
	resp, hit, err := h.Cache.GetOrCompute(ctx, key, compute)
	h.Metrics.ObserveCache(hit)
	status := "miss"
	if hit {
		status = "hit"
	}
	return resp, status, err
}

func (h *Handler) parseSearch(w http.ResponseWriter, r *http.Request) (*searchRequest, error) {
	req := &searchRequest{}
	if r.Method == http.MethodGet {
		req.Query = r.URL.Query().Get("q")
		if raw := r.URL.Query().Get("top_k"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return nil, errors.New("top_k must be an integer")
			}
			req.TopK = &n
		}
	} else {
		body := http.MaxBytesReader(w, r.Body, 16<<10)
		if err := json.NewDecoder(body).Decode(req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("request body is required")
			}
			return nil, fmt.Errorf("invalid request body: %v", err)
		}
	}

	if strings.TrimSpace(req.Query) == "" {
		return nil, errors.New("query is required")
	}
	if n := utf8.RuneCountInString(req.Query); n > h.opts.MaxQueryChars {
		return nil, fmt.Errorf("query must be at most %d characters, got %d", h.opts.MaxQueryChars, n)
	}
	if req.TopK == nil {
		k := h.opts.DefaultTopK
		req.TopK = &k
	}
	if *req.TopK < 1 || *req.TopK > h.opts.MaxTopK {
		return nil, fmt.Errorf("top_k must be between 1 and %d", h.opts.MaxTopK)
	}
	return req, nil
}

func (h *Handler) IndexInfo(w http.ResponseWriter, r *http.Request) {
	snap := h.Index.Snapshot()
	if snap == nil {
		h.writeError(w, http.StatusServiceUnavailable, "index not ready")
		return
	}
	info := snap.Describe()
	info["threshold"] = h.Ranker.Threshold()
	h.writeJSON(w, http.StatusOK, info)
}

type reloadResponse struct {
	Success    bool   `json:"success"`
	Loaded     int    `json:"loaded"`
	Version    uint64 `json:"version"`
	ReloadID   string `json:"reload_id"`
	Checksum   string `json:"checksum"`
	Source     string `json:"source"`
	DurationMs int64  `json:"duration_ms"`
}

func (h *Handler) Reload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.opts.ReloadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.ReloadTimeout)
		defer cancel()
	}

	res, err := h.Index.Reload(ctx, h.Source())
	if err != nil {
		status := apperrors.HTTPStatusCode(err)
		h.writeJSON(w, status, map[string]any{"success": false, "error": err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, reloadResponse{
		Success:    true,
		Loaded:     res.Records,
		Version:    res.Version,
		ReloadID:   res.ID,
		Checksum:   res.Checksum,
		Source:     res.Source,
		DurationMs: res.Duration.Milliseconds(),
	})
}

func (h *Handler) Reloads(w http.ResponseWriter, r *http.Request) {
	if h.Audit == nil {
		h.writeError(w, http.StatusServiceUnavailable, "reload audit is disabled")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := h.Audit.ListReloads(r.Context(), limit)
	if err != nil {
		h.logger.Error("listing reloads failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "listing reloads failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"reloads": entries, "count": len(entries)})
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.Cache == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}
	hits, misses := h.Cache.Stats()
	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"hits":     hits,
		"misses":   misses,
		"total":    total,
		"hit_rate": fmt.Sprintf("%.1f%%", hitRate),
	})
}

func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.Cache == nil {
		h.writeError(w, http.StatusServiceUnavailable, "caching is disabled")
		return
	}
	deleted, err := h.Cache.Invalidate(r.Context())
	if err != nil {
		h.logger.Error("cache invalidation failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "cache invalidation failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "invalidated", "keys_deleted": deleted})
}

func publicMessage(err error, status int) string {
	switch {
	case errors.Is(err, apperrors.ErrNotReady):
		return "index not ready"
	case status >= http.StatusInternalServerError:
		return "search failed"
	default:
		return err.Error()
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
