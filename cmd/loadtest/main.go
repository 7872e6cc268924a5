// Command loadtest drives concurrent searches against a running QA service
// and reports latency percentiles and the no-match ratio.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var defaultQueries = []string{
	"식권 정산은 어떻게 하나요",
	"식권을 분실했어요",
	"QR 코드가 안 떠요",
	"쿠폰 사용 기간",
	"정산 보고서 출력",
	"식당 결제 오류",
	"월말 마감 일정",
	"재발급 신청",
	"meal ticket settlement",
	"주차 등록",
}

type Config struct {
	BaseURL     string
	Concurrency int
	Duration    time.Duration
	RPS         float64
	TopK        int
	Queries     []string
}

func main() {
	baseURL := flag.String("url", "http://localhost:8000", "base URL of the QA service")
	concurrency := flag.Int("concurrency", 10, "number of concurrent workers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	rps := flag.Float64("rps", 0, "overall request rate limit, 0 for unlimited")
	topK := flag.Int("top-k", 3, "top_k sent with each search")
	queryFile := flag.String("queries", "", "file with one query per line (built-in set when empty)")
	flag.Parse()

	queries := defaultQueries
	if *queryFile != "" {
		loaded, err := readQueries(*queryFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "reading queries: %v\n", err)
			os.Exit(1)
		}
		queries = loaded
	}

	cfg := Config{
		BaseURL:     strings.TrimRight(*baseURL, "/"),
		Concurrency: *concurrency,
		Duration:    *duration,
		RPS:         *rps,
		TopK:        *topK,
		Queries:     queries,
	}

	fmt.Println("=== QA Search Load Test ===")
	fmt.Printf("Target:      %s\n", cfg.BaseURL)
	fmt.Printf("Concurrency: %d\n", cfg.Concurrency)
	fmt.Printf("Duration:    %s\n", cfg.Duration)
	fmt.Printf("Queries:     %d unique\n", len(cfg.Queries))
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()
	start := time.Now()
	stats := Run(ctx, cfg, nil)
	if !stats.Report(os.Stdout, time.Since(start)) {
		fmt.Println()
		fmt.Println("WARNING: No requests completed. Is the service running?")
		os.Exit(1)
	}
}

func readQueries(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" && !strings.HasPrefix(line, "#") {
			out = append(out, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s contains no queries", path)
	}
	return out, nil
}

// Run issues searches until ctx ends. client may be nil.
func Run(ctx context.Context, cfg Config, client *http.Client) *Stats {
	if client == nil {
		client = &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        cfg.Concurrency * 2,
				MaxIdleConnsPerHost: cfg.Concurrency * 2,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), max(1, cfg.Concurrency))
	}

	stats := NewStats()
	searchURL := cfg.BaseURL + "/api/v1/qa/search"
	var wg sync.WaitGroup
	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func(next int) {
			defer wg.Done()
			for {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				query := cfg.Queries[next%len(cfg.Queries)]
				next++

				took, status, outcome := search(ctx, client, searchURL, query, cfg.TopK)
				if ctx.Err() != nil && status == 0 {
					return
				}
				stats.Record(took, status, outcome)
			}
		}(w)
	}
	wg.Wait()
	return stats
}

func search(ctx context.Context, client *http.Client, url, query string, topK int) (time.Duration, int, *searchOutcome) {
	body, _ := json.Marshal(map[string]any{"query": query, "top_k": topK})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, 0, nil
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := client.Do(req)
	took := time.Since(start)
	if err != nil {
		return took, 0, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return took, resp.StatusCode, nil
	}
	var outcome searchOutcome
	if err := json.NewDecoder(resp.Body).Decode(&outcome); err != nil {
		return took, resp.StatusCode, nil
	}
	return took, resp.StatusCode, &outcome
}
