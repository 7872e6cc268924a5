package encoder

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kangjinkui/katokbot/pkg/config"
	apperrors "github.com/kangjinkui/katokbot/pkg/errors"
	"github.com/kangjinkui/katokbot/pkg/resilience"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// countingEncoder maps the decimal text n to {n, 1} and counts calls.
type countingEncoder struct {
	calls atomic.Int32
	texts atomic.Int32
	fail  error
}

func (c *countingEncoder) Model() string { return "counting" }

func (c *countingEncoder) Encode(_ context.Context, texts []string) ([][]float32, error) {
	c.calls.Add(1)
	c.texts.Add(int32(len(texts)))
	if c.fail != nil {
		return nil, c.fail
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		n, _ := strconv.Atoi(t)
		out[i] = []float32{float32(n), 1}
	}
	return out, nil
}

func TestStaticIsDeterministicAndNormalized(t *testing.T) {
	s := NewStatic(512)
	a, err := s.Encode(context.Background(), []string{"meal-ticket settlement procedure"})
	require.NoError(t, err)
	b, err := s.Encode(context.Background(), []string{"meal-ticket settlement procedure"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a[0], 512)
	assert.InDelta(t, 1.0, cosine(a[0], a[0]), 1e-6)
}

func TestStaticSimilarity(t *testing.T) {
	s := NewStatic(512)
	vecs, err := s.Encode(context.Background(), []string{
		"meal-ticket settlement procedure",
		"meal ticket settlement",
		"unrelated topic about weather",
	})
	require.NoError(t, err)
	assert.Greater(t, cosine(vecs[0], vecs[1]), 0.6)
	assert.Less(t, cosine(vecs[0], vecs[2]), 0.4)
}

func TestStaticEmptyTextIsZeroVector(t *testing.T) {
	vecs, err := NewStatic(8).Encode(context.Background(), []string{"?!"})
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 8), vecs[0])
}

func TestCachedSkipsKnownTexts(t *testing.T) {
	inner := &countingEncoder{}
	c := NewCached(inner, 16)

	out, err := c.Encode(context.Background(), []string{"1", "2", "1"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 1}, {2, 1}, {1, 1}}, out)
	assert.EqualValues(t, 2, inner.texts.Load(), "duplicate text encoded once")

	out, err = c.Encode(context.Background(), []string{"2", "3"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{2, 1}, {3, 1}}, out)
	assert.EqualValues(t, 3, inner.texts.Load())

	vec, err := EncodeOne(context.Background(), c, "3")
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 1}, vec)
	assert.EqualValues(t, 2, inner.calls.Load())

	hits, misses := c.Stats()
	assert.EqualValues(t, 2, hits)
	assert.EqualValues(t, 4, misses)
}

func TestCachedDoesNotCacheErrors(t *testing.T) {
	inner := &countingEncoder{fail: errors.New("down")}
	c := NewCached(inner, 16)
	_, err := c.Encode(context.Background(), []string{"1"})
	require.Error(t, err)
	inner.fail = nil
	_, err = c.Encode(context.Background(), []string{"1"})
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())
}

func TestBatchedKeepsOrder(t *testing.T) {
	inner := &countingEncoder{}
	b, err := NewBatched(inner, 3, 4)
	require.NoError(t, err)
	defer b.Close()

	texts := make([]string, 10)
	for i := range texts {
		texts[i] = strconv.Itoa(i)
	}
	out, err := b.Encode(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, out, 10)
	for i, v := range out {
		assert.Equal(t, float32(i), v[0])
	}
	assert.EqualValues(t, 4, inner.calls.Load())
}

func TestBatchedCountMismatchIsEncodingError(t *testing.T) {
	short := Func{Name: "short", Fn: func(_ context.Context, texts []string) ([][]float32, error) {
		return make([][]float32, len(texts)-1), nil
	}}
	b, err := NewBatched(short, 2, 2)
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Encode(context.Background(), []string{"a", "b", "c", "d"})
	assert.ErrorIs(t, err, apperrors.ErrEncoding)
}

func TestGuardedRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	flaky := Func{Name: "flaky", Fn: func(_ context.Context, texts []string) ([][]float32, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("temporary")
		}
		return [][]float32{{1}}, nil
	}}
	g := NewGuarded(flaky, GuardOptions{
		Timeout: time.Second,
		Retry:   resilience.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond},
	})
	out, err := g.Encode(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1}}, out)
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, "", g.BreakerState())
	assert.EqualValues(t, 1, g.Retries())
}

func TestGuardedBreakerFailsFast(t *testing.T) {
	var calls atomic.Int32
	down := Func{Name: "down", Fn: func(context.Context, []string) ([][]float32, error) {
		calls.Add(1)
		return nil, errors.New("connection refused")
	}}
	g := NewGuarded(down, GuardOptions{
		Retry:   resilience.RetryConfig{MaxAttempts: 1},
		Breaker: resilience.NewCircuitBreaker("test", resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute}),
	})
	for i := 0; i < 2; i++ {
		_, err := g.Encode(context.Background(), []string{"x"})
		require.Error(t, err)
	}
	assert.Equal(t, "open", g.BreakerState())

	_, err := g.Encode(context.Background(), []string{"x"})
	assert.True(t, resilience.IsCircuitOpen(err))
	assert.EqualValues(t, 2, calls.Load())
}

func TestOllamaEncode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		var req ollamaEmbedRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "bge-m3", req.Model)
		resp := ollamaEmbedResponse{}
		for range req.Input {
			resp.Embeddings = append(resp.Embeddings, []float32{0.1, 0.2})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	o := NewOllama(OllamaConfig{BaseURL: srv.URL + "/", Model: "bge-m3"})
	out, err := o.Encode(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0.1, 0.2}, {0.1, 0.2}}, out)
}

func TestOllamaHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllama(OllamaConfig{BaseURL: srv.URL, Model: "nope"}).Encode(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")
}

func TestNewStack(t *testing.T) {
	none, err := New(config.EncoderConfig{Provider: "none"})
	require.NoError(t, err)
	assert.False(t, none.Enabled())
	assert.NoError(t, none.Close())

	cfg := config.Default().Encoder
	stack, err := New(cfg)
	require.NoError(t, err)
	defer stack.Close()
	assert.True(t, stack.Enabled())
	assert.Equal(t, "static-hash", stack.Encoder.Model())
	assert.Equal(t, "closed", stack.BreakerState())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := EncodeOne(context.Background(), stack.Encoder, "식권 정산")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	_, err = New(config.EncoderConfig{Provider: "bert"})
	assert.Error(t, err)
}
