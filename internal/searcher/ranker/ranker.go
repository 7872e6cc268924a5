// Package ranker answers queries against the published snapshot by fusing
// lexical and vector candidates and refusing anything below the acceptance
// threshold.
package ranker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/kangjinkui/katokbot/internal/corpus"
	"github.com/kangjinkui/katokbot/internal/encoder"
	"github.com/kangjinkui/katokbot/internal/indexer"
	"github.com/kangjinkui/katokbot/internal/indexer/vector"
	apperrors "github.com/kangjinkui/katokbot/pkg/errors"
	"github.com/kangjinkui/katokbot/pkg/logger"
)

type Source string

const (
	SourceLexical Source = "lexical"
	SourceVector  Source = "vector"
	SourceFused   Source = "fused"
)

type Result struct {
	Record corpus.Record `json:"record"`
	Score  float64       `json:"score"`
	Source Source        `json:"source"`
}

type Response struct {
	Query   string   `json:"query"`
	Results []Result `json:"results"`
	Version uint64   `json:"version"`
	// Degraded is set when the encoder failed and only lexical evidence was
	// used.
	Degraded  bool   `json:"degraded"`
	Expansion string `json:"expansion,omitempty"`
}

// Matched reports whether anything cleared the threshold.
func (r *Response) Matched() bool { return len(r.Results) > 0 }

// Sources lists the provenance of each result in order.
func (r *Response) Sources() []string {
	out := make([]string, len(r.Results))
	for i, res := range r.Results {
		out[i] = string(res.Source)
	}
	return out
}

// Snapshots is implemented by indexer.Coordinator.
type Snapshots interface {
	Snapshot() *indexer.Snapshot
}

type Options struct {
	Threshold     float64
	Overfetch     int
	MaxQueryRunes int
	// QueryTimeout bounds the per-query encoder call.
	QueryTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		Threshold:     0.5,
		Overfetch:     3,
		MaxQueryRunes: 200,
		QueryTimeout:  3 * time.Second,
	}
}

type Ranker struct {
	snaps Snapshots
	opts  Options
}

func New(snaps Snapshots, opts Options) *Ranker {
	if opts.Overfetch < 1 {
		opts.Overfetch = 1
	}
	return &Ranker{snaps: snaps, opts: opts}
}

// WithThreshold returns a ranker sharing the same snapshots but gating on t.
func (r *Ranker) WithThreshold(t float64) *Ranker {
	opts := r.opts
	opts.Threshold = t
	return &Ranker{snaps: r.snaps, opts: opts}
}

func (r *Ranker) Threshold() float64 { return r.opts.Threshold }

// Search returns at most topK records whose fused score reaches the
// threshold, best first and record ID ascending on ties. An empty result
// means no confident match and is not an error. topK <= 0 is
// ErrInvalidQuery; a coordinator without a published snapshot is
// ErrNotReady.
func (r *Ranker) Search(ctx context.Context, query string, topK int) (*Response, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("%w: topK must be positive, got %d", apperrors.ErrInvalidQuery, topK)
	}
	snap := r.snaps.Snapshot()
	if snap == nil {
		return nil, apperrors.ErrNotReady
	}
	log := logger.FromContext(ctx).With("component", "ranker")

	q := Sanitize(query, r.opts.MaxQueryRunes)
	resp := &Response{Query: q, Results: []Result{}, Version: snap.Corpus.Number}
	if q == "" {
		log.Warn("query empty after sanitization", "raw_len", len(query))
		return resp, nil
	}

	fetch := fetchLimit(topK, r.opts.Overfetch, snap.Corpus.Len())
	expr := snap.Lexical.Expand(q)
	resp.Expansion = expr.String()
	if expr.Empty() {
		log.Warn("query has no indexable terms", "query", q)
	}
	lexHits := snap.Lexical.Search(expr, fetch)

	candidates := make(map[int]Result, len(lexHits))
	for _, h := range lexHits {
		candidates[h.RecordID] = Result{Score: h.Score, Source: SourceLexical}
	}

	if snap.Vector != nil && snap.Encoder != nil {
		vecHits, err := r.vectorSearch(ctx, snap, q, fetch)
		if err != nil {
			resp.Degraded = true
			log.Warn("encoder unavailable, answering lexically", "error", err, "version", snap.Corpus.Number)
		}
		for _, h := range vecHits {
			source := SourceVector
			if _, ok := candidates[h.RecordID]; ok {
				source = SourceFused
			}
			candidates[h.RecordID] = Result{Score: h.Score, Source: source}
		}
	}

	for id, c := range candidates {
		// NaN fails every comparison, so the gate is written to reject it.
		if !(c.Score >= r.opts.Threshold) {
			continue
		}
		rec, ok := snap.Corpus.Record(id)
		if !ok {
			continue
		}
		c.Record = rec
		resp.Results = append(resp.Results, c)
	}
	sort.Slice(resp.Results, func(i, j int) bool {
		a, b := resp.Results[i], resp.Results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.Record.ID < b.Record.ID
	})
	if len(resp.Results) > topK {
		resp.Results = resp.Results[:topK]
	}
	log.Debug("search ranked",
		"query", q,
		"lexical", len(lexHits),
		"candidates", len(candidates),
		"accepted", len(resp.Results),
		"degraded", resp.Degraded,
	)
	return resp, nil
}

func (r *Ranker) vectorSearch(ctx context.Context, snap *indexer.Snapshot, q string, limit int) ([]vector.Hit, error) {
	if r.opts.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.QueryTimeout)
		defer cancel()
	}
	vec, err := encoder.EncodeOne(ctx, snap.Encoder, q)
	if err != nil {
		return nil, err
	}
	return snap.Vector.Search(vec, limit)
}

// fetchLimit is the per-source candidate count: topK times overfetch, never
// more than the corpus holds and never overflowing.
func fetchLimit(topK, overfetch, corpusLen int) int {
	if corpusLen <= 0 {
		return 0
	}
	n := min(topK, corpusLen)
	if n > corpusLen/overfetch {
		return corpusLen
	}
	return min(n*overfetch, corpusLen)
}

// Sanitize replaces control characters with spaces, collapses whitespace and
// keeps at most maxRunes runes. Invalid UTF-8 is dropped.
func Sanitize(query string, maxRunes int) string {
	var b strings.Builder
	b.Grow(len(query))
	for _, r := range query {
		if r == utf8.RuneError || unicode.IsControl(r) {
			r = ' '
		}
		b.WriteRune(r)
	}
	q := strings.Join(strings.Fields(b.String()), " ")
	if maxRunes > 0 && utf8.RuneCountInString(q) > maxRunes {
		q = strings.TrimSpace(string([]rune(q)[:maxRunes]))
	}
	return q
}
