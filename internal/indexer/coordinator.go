// Package indexer owns the published index snapshot. A reload builds a new
// corpus version with its lexical and vector indexes off to the side and
// swaps it in with one atomic store, so readers never see a half-built
// index and never take a lock.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kangjinkui/katokbot/internal/corpus"
	"github.com/kangjinkui/katokbot/internal/encoder"
	"github.com/kangjinkui/katokbot/internal/indexer/lexical"
	"github.com/kangjinkui/katokbot/internal/indexer/tokenizer"
	"github.com/kangjinkui/katokbot/internal/indexer/vector"
	apperrors "github.com/kangjinkui/katokbot/pkg/errors"
	"github.com/kangjinkui/katokbot/pkg/metrics"
	"github.com/kangjinkui/katokbot/pkg/tracing"
)

// Snapshot is one published, immutable set of indexes. Vector and Encoder
// are nil when semantic search is disabled.
type Snapshot struct {
	Corpus   *corpus.Version
	Lexical  *lexical.Index
	Vector   *vector.Index
	Encoder  encoder.Encoder
	ReloadID string
}

type ReloadResult struct {
	ID       string           `json:"reload_id"`
	Version  uint64           `json:"version"`
	Records  int              `json:"records"`
	Checksum string           `json:"checksum"`
	Source   string           `json:"source"`
	Duration time.Duration    `json:"duration"`
	Stages   map[string]int64 `json:"stages_ms"`
}

// ReloadFailure describes a reload that left the previous snapshot in place.
type ReloadFailure struct {
	ID       string
	Source   string
	Stage    string
	Records  int
	Duration time.Duration
	Err      error
}

// Status classifies the failure for metrics and audit rows.
func (f ReloadFailure) Status() string {
	return reloadStatus(f.Err)
}

type (
	PublishListener func(ctx context.Context, snap *Snapshot, res ReloadResult) error
	FailureListener func(ctx context.Context, failure ReloadFailure)
)

type Options struct {
	Loader    *corpus.Loader
	Tokenizer *tokenizer.Tokenizer
	// SynonymsPath is re-read on every reload; empty uses the built-in table.
	SynonymsPath string
	// Encoder is optional; without it only the lexical index is built.
	Encoder encoder.Encoder
	Vector  vector.Options
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Coordinator struct {
	mu       sync.Mutex
	current  atomic.Pointer[Snapshot]
	version  uint64
	opts     Options
	logger   *slog.Logger
	onPub    []PublishListener
	onFail   []FailureListener
	lastFail atomic.Pointer[ReloadFailure]
}

func NewCoordinator(opts Options) *Coordinator {
	if opts.Loader == nil {
		opts.Loader = corpus.NewLoader()
	}
	if opts.Tokenizer == nil {
		opts.Tokenizer = tokenizer.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		opts:   opts,
		logger: logger.With("component", "index-coordinator"),
	}
}

// OnPublish registers a listener called after each successful swap, in
// registration order. Register listeners before the first reload.
func (c *Coordinator) OnPublish(l PublishListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPub = append(c.onPub, l)
}

func (c *Coordinator) OnFailure(l FailureListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFail = append(c.onFail, l)
}

// Snapshot returns the published snapshot, or nil before the first
// successful reload.
func (c *Coordinator) Snapshot() *Snapshot {
	return c.current.Load()
}

// Ready reports whether a snapshot has been published.
func (c *Coordinator) Ready() bool {
	return c.current.Load() != nil
}

// LastFailure returns the most recent failure since the last success.
func (c *Coordinator) LastFailure() *ReloadFailure {
	return c.lastFail.Load()
}

// Tokenizer is shared by indexing and querying.
func (c *Coordinator) Tokenizer() *tokenizer.Tokenizer {
	return c.opts.Tokenizer
}

// Reload rebuilds every index from src and publishes the result. Reloads are
// serialized. On any error the previously published snapshot stays current
// and the version number does not move.
func (c *Coordinator) Reload(ctx context.Context, src corpus.Source) (*ReloadResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := uuid.NewString()
	start := time.Now()
	log := c.logger.With("reload_id", id, "source", src.Name())
	ctx, span := tracing.StartSpan(ctx, "reload", id)
	defer span.Log(log)

	snap, stage, records, err := c.build(ctx, src)
	if err != nil {
		span.End(err)
		failure := ReloadFailure{
			ID:       id,
			Source:   src.Name(),
			Stage:    stage,
			Records:  records,
			Duration: time.Since(start),
			Err:      err,
		}
		attrs := []any{"stage", stage, "records", records, "error", err}
		var encErr *vector.EncodingError
		if errors.As(err, &encErr) {
			attrs = append(attrs, "encoder", encErr.Model, "record_id", encErr.RecordID)
		}
		log.Error("reload failed, keeping previous snapshot", attrs...)
		c.opts.Metrics.ObserveReload(failure.Status(), failure.Duration, 0, 0)
		c.lastFail.Store(&failure)
		// A reload that failed on its deadline still has to be audited.
		lctx := context.WithoutCancel(ctx)
		for _, l := range c.onFail {
			l(lctx, failure)
		}
		return nil, err
	}

	c.version++
	snap.Corpus.Number = c.version
	snap.ReloadID = id
	c.current.Store(snap)
	c.lastFail.Store(nil)
	span.End(nil)

	res := ReloadResult{
		ID:       id,
		Version:  c.version,
		Records:  snap.Corpus.Len(),
		Checksum: snap.Corpus.Checksum,
		Source:   src.Name(),
		Duration: time.Since(start),
		Stages:   span.Stages(),
	}
	c.opts.Metrics.ObserveReload("success", res.Duration, res.Records, res.Version)
	log.Info("snapshot published",
		"version", res.Version,
		"records", res.Records,
		"checksum", res.Checksum,
		"vector", snap.Vector != nil,
		"duration_ms", res.Duration.Milliseconds(),
	)

	lctx := context.WithoutCancel(ctx)
	for _, l := range c.onPub {
		if err := l(lctx, snap, res); err != nil {
			log.Warn("publish listener failed", "error", err)
		}
	}
	return &res, nil
}

// build returns the failing stage and the record count reached on error.
func (c *Coordinator) build(ctx context.Context, src corpus.Source) (*Snapshot, string, int, error) {
	stageCtx, span := tracing.StartChildSpan(ctx, "load")
	version, err := c.opts.Loader.Load(stageCtx, src)
	span.End(err)
	if err != nil {
		return nil, "load", 0, err
	}
	n := version.Len()

	_, span = tracing.StartChildSpan(ctx, "lexical")
	table, err := lexical.LoadSynonyms(c.opts.SynonymsPath, c.opts.Tokenizer)
	if err != nil {
		err = &corpus.FormatError{Source: c.opts.SynonymsPath, Reason: "invalid synonym table", Err: err}
		span.End(err)
		return nil, "lexical", n, err
	}
	for _, term := range table.Overlaps() {
		c.logger.Debug("synonym term belongs to several groups", "term", term)
	}
	lex := lexical.Build(version.Records, c.opts.Tokenizer, table)
	span.SetAttr("terms", lex.Terms())
	span.SetAttr("synonym_groups", table.Groups())
	span.End(nil)

	snap := &Snapshot{Corpus: version, Lexical: lex}
	if c.opts.Encoder == nil {
		return snap, "", n, nil
	}

	stageCtx, span = tracing.StartChildSpan(ctx, "vector")
	vec, err := vector.Build(stageCtx, version.Records, c.opts.Encoder, c.opts.Vector)
	span.End(err)
	if err != nil {
		return nil, "vector", n, err
	}
	span.SetAttr("dims", vec.Dimensions())
	span.SetAttr("ann", vec.ANN())
	snap.Vector = vec
	snap.Encoder = c.opts.Encoder
	return snap, "", n, nil
}

func reloadStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, apperrors.ErrCorpusFormat):
		return "format_error"
	case errors.Is(err, apperrors.ErrEncoding):
		return "encoding_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

// Describe summarizes the snapshot for the index info endpoint.
func (s *Snapshot) Describe() map[string]any {
	info := map[string]any{
		"version":   s.Corpus.Number,
		"records":   s.Corpus.Len(),
		"sections":  s.Corpus.Sections(),
		"built_at":  s.Corpus.BuiltAt,
		"source":    s.Corpus.Source,
		"checksum":  s.Corpus.Checksum,
		"reload_id": s.ReloadID,
		"lexical": map[string]any{
			"terms":          s.Lexical.Terms(),
			"synonym_groups": s.Lexical.Synonyms().Groups(),
		},
	}
	if s.Vector != nil {
		info["vector"] = map[string]any{
			"model":      s.Vector.Model(),
			"dimensions": s.Vector.Dimensions(),
			"ann":        s.Vector.ANN(),
		}
	}
	return info
}

func (r ReloadResult) String() string {
	return fmt.Sprintf("reload %s: version %d, %d records from %s in %s", r.ID, r.Version, r.Records, r.Source, r.Duration.Round(time.Millisecond))
}
