package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kangjinkui/katokbot/pkg/kafka"
)

const latencyWindow = 10000

type Stats struct {
	TotalQueries     int64          `json:"total_queries"`
	Matched          int64          `json:"matched"`
	NoMatchRate      float64        `json:"no_match_rate"`
	DegradedRate     float64        `json:"degraded_rate"`
	CacheHitRate     float64        `json:"cache_hit_rate"`
	AvgLatencyMs     float64        `json:"avg_latency_ms"`
	P50LatencyMs     int64          `json:"p50_latency_ms"`
	P95LatencyMs     int64          `json:"p95_latency_ms"`
	P99LatencyMs     int64          `json:"p99_latency_ms"`
	QueriesPerMinute float64        `json:"queries_per_minute"`
	ScoreHistogram   map[string]int `json:"top_score_histogram"`
	Sources          map[string]int `json:"sources"`
	TopQueries       []QueryCount   `json:"top_queries"`
	UnmatchedQueries []QueryCount   `json:"unmatched_queries"`
	Reloads          ReloadSummary  `json:"reloads"`
	LastReload       *ReloadEvent   `json:"last_reload,omitempty"`
}

type ReloadSummary struct {
	Total    int64            `json:"total"`
	ByStatus map[string]int64 `json:"by_status"`
}

type QueryCount struct {
	Query string `json:"query"`
	Count int64  `json:"count"`
}

// Aggregator keeps running totals over query and reload events. Unmatched
// queries are the raw material for tuning the acceptance threshold and the
// synonym table.
type Aggregator struct {
	mu             sync.Mutex
	totalQueries   int64
	matched        int64
	degraded       int64
	cacheHits      int64
	latencies      []int64
	next           int
	queryCounts    map[string]int64
	unmatched      map[string]int64
	scoreBuckets   [10]int
	sources        map[string]int
	reloadStatuses map[string]int64
	reloads        int64
	lastReload     *ReloadEvent
	startTime      time.Time
	now            func() time.Time
	logger         *slog.Logger
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		latencies:      make([]int64, 0, 1024),
		queryCounts:    make(map[string]int64),
		unmatched:      make(map[string]int64),
		sources:        make(map[string]int),
		reloadStatuses: make(map[string]int64),
		startTime:      time.Now(),
		now:            time.Now,
		logger:         slog.Default().With("component", "analytics-aggregator"),
	}
}

// HandleMessage decodes events from either analytics topic.
func HandleMessage(agg *Aggregator) kafka.MessageHandler {
	return func(_ context.Context, msg kafka.Message) error {
		head, err := kafka.DecodeJSON[struct {
			Type EventType `json:"type"`
		}](msg.Value)
		if err != nil {
			agg.logger.Error("dropping undecodable analytics event", "topic", msg.Topic, "error", err)
			return nil
		}
		switch head.Type {
		case EventQuery:
			e, err := kafka.DecodeJSON[QueryEvent](msg.Value)
			if err != nil {
				return err
			}
			agg.RecordQuery(e)
		case EventReload:
			e, err := kafka.DecodeJSON[ReloadEvent](msg.Value)
			if err != nil {
				return err
			}
			agg.RecordReload(e)
		default:
			agg.logger.Warn("unknown analytics event type", "topic", msg.Topic, "type", head.Type)
		}
		return nil
	}
}

func (a *Aggregator) RecordQuery(e QueryEvent) {
	key := strings.ToLower(strings.TrimSpace(e.Query))

	a.mu.Lock()
	defer a.mu.Unlock()
	a.totalQueries++
	if e.Matched() {
		a.matched++
		bucket := int(math.Floor(e.TopScore * 10))
		a.scoreBuckets[min(max(bucket, 0), 9)]++
	} else {
		a.unmatched[key]++
	}
	if e.Degraded {
		a.degraded++
	}
	if e.CacheHit {
		a.cacheHits++
	}
	for _, s := range e.Sources {
		a.sources[s]++
	}
	a.queryCounts[key]++
	if len(a.latencies) < latencyWindow {
		a.latencies = append(a.latencies, e.LatencyMs)
	} else {
		a.latencies[a.next] = e.LatencyMs
		a.next = (a.next + 1) % latencyWindow
	}
}

func (a *Aggregator) RecordReload(e ReloadEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reloads++
	a.reloadStatuses[e.Status]++
	a.lastReload = &e
}

func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats := Stats{
		TotalQueries:     a.totalQueries,
		Matched:          a.matched,
		ScoreHistogram:   make(map[string]int, len(a.scoreBuckets)),
		Sources:          make(map[string]int, len(a.sources)),
		TopQueries:       topN(a.queryCounts, 10),
		UnmatchedQueries: topN(a.unmatched, 20),
		Reloads: ReloadSummary{
			Total:    a.reloads,
			ByStatus: make(map[string]int64, len(a.reloadStatuses)),
		},
	}
	if a.totalQueries > 0 {
		total := float64(a.totalQueries)
		stats.NoMatchRate = float64(a.totalQueries-a.matched) / total
		stats.DegradedRate = float64(a.degraded) / total
		stats.CacheHitRate = float64(a.cacheHits) / total
	}
	for i, n := range a.scoreBuckets {
		if n > 0 {
			stats.ScoreHistogram[fmt.Sprintf("%.1f-%.1f", float64(i)/10, float64(i+1)/10)] = n
		}
	}
	for s, n := range a.sources {
		stats.Sources[s] = n
	}
	for s, n := range a.reloadStatuses {
		stats.Reloads.ByStatus[s] = n
	}
	if a.lastReload != nil {
		last := *a.lastReload
		stats.LastReload = &last
	}
	if len(a.latencies) > 0 {
		sorted := append([]int64(nil), a.latencies...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		var sum int64
		for _, l := range sorted {
			sum += l
		}
		stats.AvgLatencyMs = float64(sum) / float64(len(sorted))
		stats.P50LatencyMs = percentile(sorted, 50)
		stats.P95LatencyMs = percentile(sorted, 95)
		stats.P99LatencyMs = percentile(sorted, 99)
	}
	if elapsed := a.now().Sub(a.startTime).Minutes(); elapsed > 0 {
		stats.QueriesPerMinute = float64(a.totalQueries) / elapsed
	}
	return stats
}

func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (pct * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// topN orders by count descending, then query ascending.
func topN(counts map[string]int64, n int) []QueryCount {
	result := make([]QueryCount, 0, len(counts))
	for query, count := range counts {
		result = append(result, QueryCount{Query: query, Count: count})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].Query < result[j].Query
	})
	if len(result) > n {
		result = result[:n]
	}
	return result
}
