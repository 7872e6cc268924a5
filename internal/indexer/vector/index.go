// Package vector stores question embeddings and answers cosine
// nearest-neighbour queries. An Index is immutable once built.
package vector

import (
	"context"
	"fmt"
	"math"

	"github.com/coder/hnsw"

	"github.com/kangjinkui/katokbot/internal/corpus"
	"github.com/kangjinkui/katokbot/internal/encoder"
	apperrors "github.com/kangjinkui/katokbot/pkg/errors"
)

type Hit struct {
	RecordID int
	Score    float64
}

// EncodingError reports an encoder failure or inconsistent encoder output
// during a build. It matches ErrEncoding with errors.Is.
type EncodingError struct {
	Model    string
	Records  int
	RecordID int
	Reason   string
	Err      error
}

func (e *EncodingError) Error() string {
	msg := fmt.Sprintf("encoding %d records with %s: %s", e.Records, e.Model, e.Reason)
	if e.RecordID > 0 {
		msg += fmt.Sprintf(" (record %d)", e.RecordID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EncodingError) Unwrap() []error {
	if e.Err == nil {
		return []error{apperrors.ErrEncoding}
	}
	return []error{apperrors.ErrEncoding, e.Err}
}

// ANNOptions enable an HNSW candidate graph for large corpora. Candidates
// are always rescored with exact cosine similarity.
type ANNOptions struct {
	Enabled         bool
	MinRecords      int
	CandidateFactor int
	M               int
	EfSearch        int
}

type Options struct {
	ANN ANNOptions
}

type Index struct {
	model string
	dims  int
	ids   []int
	// data holds unit-length vectors back to back, dims floats per record.
	data            []float32
	graph           *hnsw.Graph[int]
	candidateFactor int
}

// Build encodes every question once and stores unit-normalized vectors keyed
// by record ID. Any count mismatch, dimension mismatch, non-finite component
// or zero-norm vector is an EncodingError and no index is returned.
func Build(ctx context.Context, records []corpus.Record, enc encoder.Encoder, opts Options) (*Index, error) {
	texts := make([]string, len(records))
	for i, r := range records {
		texts[i] = r.Question
	}
	newErr := func(reason string, recordID int, err error) error {
		return &EncodingError{Model: enc.Model(), Records: len(records), RecordID: recordID, Reason: reason, Err: err}
	}

	vecs, err := enc.Encode(ctx, texts)
	if err != nil {
		return nil, newErr("encoder failed", 0, err)
	}
	if len(vecs) != len(records) {
		return nil, newErr(fmt.Sprintf("encoder returned %d vectors", len(vecs)), 0, nil)
	}
	if len(vecs) == 0 {
		return nil, newErr("nothing to encode", 0, nil)
	}

	dims := len(vecs[0])
	if dims == 0 {
		return nil, newErr("encoder returned empty vectors", records[0].ID, nil)
	}
	idx := &Index{
		model: enc.Model(),
		dims:  dims,
		ids:   make([]int, len(records)),
		data:  make([]float32, 0, dims*len(records)),
	}
	for i, v := range vecs {
		if len(v) != dims {
			return nil, newErr(fmt.Sprintf("dimension %d differs from %d", len(v), dims), records[i].ID, nil)
		}
		if !finite(v) {
			return nil, newErr("non-finite component", records[i].ID, nil)
		}
		norm := l2(v)
		if norm == 0 || math.IsInf(norm, 0) {
			return nil, newErr("zero-norm vector", records[i].ID, nil)
		}
		inv := float32(1 / norm)
		for _, x := range v {
			idx.data = append(idx.data, x*inv)
		}
		idx.ids[i] = records[i].ID
	}

	if opts.ANN.Enabled && len(records) >= opts.ANN.MinRecords {
		idx.buildGraph(opts.ANN)
	}
	return idx, nil
}

func (idx *Index) buildGraph(opts ANNOptions) {
	g := hnsw.NewGraph[int]()
	g.Distance = hnsw.CosineDistance
	if opts.M > 0 {
		g.M = opts.M
	}
	if opts.EfSearch > 0 {
		g.EfSearch = opts.EfSearch
	}
	g.Ml = 0.25
	nodes := make([]hnsw.Node[int], len(idx.ids))
	for i := range idx.ids {
		nodes[i] = hnsw.MakeNode(i, idx.vector(i))
	}
	g.Add(nodes...)
	idx.graph = g
	idx.candidateFactor = max(opts.CandidateFactor, 1)
}

// Search returns the limit records most similar to query, similarity
// descending and record ID ascending on ties. Similarity is cosine clipped to
// [0,1]. A zero query vector matches nothing; a non-finite one is an
// ErrEncoding error like a dimension mismatch.
func (idx *Index) Search(query []float32, limit int) ([]Hit, error) {
	if len(query) != idx.dims {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, index has %d", apperrors.ErrEncoding, len(query), idx.dims)
	}
	if !finite(query) {
		return nil, fmt.Errorf("%w: query vector has non-finite components", apperrors.ErrEncoding)
	}
	if limit <= 0 {
		return nil, nil
	}
	norm := l2(query)
	if norm == 0 {
		return nil, nil
	}
	q := make([]float32, len(query))
	inv := float32(1 / norm)
	for i, x := range query {
		q[i] = x * inv
	}

	top := newTopK(min(limit, len(idx.ids)))
	if idx.graph != nil {
		for _, n := range idx.graph.Search(q, limit*idx.candidateFactor) {
			top.offer(Hit{RecordID: idx.ids[n.Key], Score: idx.score(n.Key, q)})
		}
	} else {
		for i := range idx.ids {
			top.offer(Hit{RecordID: idx.ids[i], Score: idx.score(i, q)})
		}
	}
	return top.sorted(), nil
}

func (idx *Index) vector(i int) []float32 {
	return idx.data[i*idx.dims : (i+1)*idx.dims : (i+1)*idx.dims]
}

func (idx *Index) score(i int, q []float32) float64 {
	v := idx.vector(i)
	var dot float64
	for k := range v {
		dot += float64(v[k]) * float64(q[k])
	}
	return clamp01(dot)
}

func (idx *Index) Dimensions() int { return idx.dims }

func (idx *Index) Len() int { return len(idx.ids) }

func (idx *Index) Model() string { return idx.model }

// ANN reports whether the HNSW candidate graph is in use.
func (idx *Index) ANN() bool { return idx.graph != nil }

func finite(v []float32) bool {
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return false
		}
	}
	return true
}

func l2(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func clamp01(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
