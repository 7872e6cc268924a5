package main

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Stats accumulates per-request outcomes across workers.
type Stats struct {
	total     atomic.Int64
	failed    atomic.Int64
	matched   atomic.Int64
	noMatch   atomic.Int64
	degraded  atomic.Int64
	cacheHits atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration
	codes     map[int]int64
}

func NewStats() *Stats {
	return &Stats{
		latencies: make([]time.Duration, 0, 100000),
		codes:     make(map[int]int64),
	}
}

// searchOutcome is the subset of the search response the report needs.
type searchOutcome struct {
	Matched  bool `json:"matched"`
	Degraded bool `json:"degraded"`
	CacheHit bool `json:"cache_hit"`
}

// Record stores one request. status is 0 when the request never completed.
func (s *Stats) Record(took time.Duration, status int, outcome *searchOutcome) {
	s.total.Add(1)
	if status < 200 || status >= 300 {
		s.failed.Add(1)
	}
	if outcome != nil {
		if outcome.Matched {
			s.matched.Add(1)
		} else {
			s.noMatch.Add(1)
		}
		if outcome.Degraded {
			s.degraded.Add(1)
		}
		if outcome.CacheHit {
			s.cacheHits.Add(1)
		}
	}
	if status == 0 {
		return
	}
	s.mu.Lock()
	s.latencies = append(s.latencies, took)
	s.codes[status]++
	s.mu.Unlock()
}

// Report prints the summary and returns false when nothing completed.
func (s *Stats) Report(w io.Writer, elapsed time.Duration) bool {
	total := s.total.Load()
	failed := s.failed.Load()
	answered := s.matched.Load() + s.noMatch.Load()

	fmt.Fprintln(w, "=== Results ===")
	fmt.Fprintf(w, "Total Requests:  %d\n", total)
	fmt.Fprintf(w, "Failed:          %d\n", failed)
	if total > 0 {
		fmt.Fprintf(w, "Error Rate:      %.2f%%\n", float64(failed)/float64(total)*100)
		fmt.Fprintf(w, "Requests/sec:    %.2f\n", float64(total)/elapsed.Seconds())
	}
	if answered > 0 {
		fmt.Fprintf(w, "No-match Rate:   %.2f%%\n", float64(s.noMatch.Load())/float64(answered)*100)
		fmt.Fprintf(w, "Degraded:        %d\n", s.degraded.Load())
		fmt.Fprintf(w, "Cache Hits:      %d\n", s.cacheHits.Load())
	}

	s.mu.Lock()
	latencies := append([]time.Duration(nil), s.latencies...)
	codes := make([]int, 0, len(s.codes))
	for code := range s.codes {
		codes = append(codes, code)
	}
	counts := make(map[int]int64, len(s.codes))
	for code, n := range s.codes {
		counts[code] = n
	}
	s.mu.Unlock()

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		avg := sum / time.Duration(len(latencies))
		fmt.Fprintln(w)
		fmt.Fprintln(w, "=== Latency ===")
		fmt.Fprintf(w, "Min:    %s\n", latencies[0])
		fmt.Fprintf(w, "Avg:    %s\n", avg)
		fmt.Fprintf(w, "P50:    %s\n", percentile(latencies, 50))
		fmt.Fprintf(w, "P95:    %s\n", percentile(latencies, 95))
		fmt.Fprintf(w, "P99:    %s\n", percentile(latencies, 99))
		fmt.Fprintf(w, "Max:    %s\n", latencies[len(latencies)-1])
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Status Codes ===")
	sort.Ints(codes)
	for _, code := range codes {
		fmt.Fprintf(w, "  %d: %d\n", code, counts[code])
	}
	return total > 0
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	idx = min(max(idx, 0), len(sorted)-1)
	return sorted[idx]
}
