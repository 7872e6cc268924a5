package analytics

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

const maxListLimit = 100

// Handler serves the in-process aggregate. ?limit=N trims the top and
// unmatched query lists, which is what threshold tuning reads.
type Handler struct {
	aggregator *Aggregator
	logger     *slog.Logger
}

func NewHandler(aggregator *Aggregator) *Handler {
	return &Handler{
		aggregator: aggregator,
		logger:     slog.Default().With("component", "analytics-handler"),
	}
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	limit := -1
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > maxListLimit {
			h.write(w, http.StatusBadRequest, map[string]any{
				"success": false,
				"error":   "limit must be between 0 and 100",
			})
			return
		}
		limit = n
	}

	stats := h.aggregator.Stats()
	if limit >= 0 {
		stats.TopQueries = trim(stats.TopQueries, limit)
		stats.UnmatchedQueries = trim(stats.UnmatchedQueries, limit)
	}
	h.write(w, http.StatusOK, stats)
}

func trim(xs []QueryCount, n int) []QueryCount {
	if len(xs) > n {
		return xs[:n]
	}
	return xs
}

func (h *Handler) write(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to write analytics response", "error", err)
	}
}
