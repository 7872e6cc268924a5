package cache

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kangjinkui/katokbot/internal/corpus"
	"github.com/kangjinkui/katokbot/internal/searcher/ranker"
	"github.com/kangjinkui/katokbot/pkg/config"
	pkgredis "github.com/kangjinkui/katokbot/pkg/redis"
)

func response(degraded bool) *ranker.Response {
	return &ranker.Response{
		Query:   "식권 정산",
		Version: 3,
		Results: []ranker.Result{{
			Record: corpus.Record{ID: 1, Section: "직원", Question: "식권 정산은?", Answer: "월말", Origin: "가이드"},
			Score:  0.8,
			Source: ranker.SourceFused,
		}},
		Degraded: degraded,
	}
}

func TestKey(t *testing.T) {
	assert.Equal(t, Key(1, "식권  정산", 3, 0.5), Key(1, "식권 정산", 3, 0.5))
	assert.Equal(t, Key(1, "QR", 3, 0.5), Key(1, "qr", 3, 0.5))
	assert.NotEqual(t, Key(1, "식권", 3, 0.5), Key(2, "식권", 3, 0.5))
	assert.NotEqual(t, Key(1, "식권", 3, 0.5), Key(1, "식권", 5, 0.5))
	assert.NotEqual(t, Key(1, "식권", 3, 0.5), Key(1, "식권", 3, 0.6))
}

func TestGetOrComputeCachesHealthyResponses(t *testing.T) {
	c := New(NewMemoryStore(16, time.Minute))
	var calls atomic.Int32
	compute := func() (*ranker.Response, error) {
		calls.Add(1)
		return response(false), nil
	}
	key := Key(3, "식권 정산", 3, 0.5)

	first, hit, err := c.GetOrCompute(context.Background(), key, compute)
	require.NoError(t, err)
	assert.False(t, hit)
	second, hit, err := c.GetOrCompute(context.Background(), key, compute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, calls.Load())

	hits, misses := c.Stats()
	assert.EqualValues(t, 1, hits)
	assert.EqualValues(t, 1, misses)
}

func TestDegradedResponsesAreNotCached(t *testing.T) {
	c := New(NewMemoryStore(16, time.Minute))
	var calls atomic.Int32
	compute := func() (*ranker.Response, error) {
		calls.Add(1)
		return response(true), nil
	}
	key := Key(3, "식권", 3, 0.5)
	for i := 0; i < 2; i++ {
		_, hit, err := c.GetOrCompute(context.Background(), key, compute)
		require.NoError(t, err)
		assert.False(t, hit)
	}
	assert.EqualValues(t, 2, calls.Load())
}

func TestErrorsAreNotCached(t *testing.T) {
	c := New(NewMemoryStore(16, time.Minute))
	_, _, err := c.GetOrCompute(context.Background(), "k", func() (*ranker.Response, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)
	_, ok := c.Get(context.Background(), "k")
	assert.False(t, ok)
}

func TestConcurrentIdenticalRequestsComputeOnce(t *testing.T) {
	c := New(NewMemoryStore(16, time.Minute))
	var calls atomic.Int32
	release := make(chan struct{})
	compute := func() (*ranker.Response, error) {
		calls.Add(1)
		<-release
		return response(false), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := c.GetOrCompute(context.Background(), "same", compute)
			assert.NoError(t, err)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.EqualValues(t, 1, calls.Load())
}

func TestInvalidate(t *testing.T) {
	c := New(NewMemoryStore(16, time.Minute))
	c.Set(context.Background(), "a", response(false))
	c.Set(context.Background(), "b", response(false))
	n, err := c.Invalidate(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	_, ok := c.Get(context.Background(), "a")
	assert.False(t, ok)
}

func TestMemoryStoreExpires(t *testing.T) {
	s := NewMemoryStore(4, 20*time.Millisecond)
	require.NoError(t, s.Set(context.Background(), "k", []byte("v")))
	_, ok, _ := s.Get(context.Background(), "k")
	assert.True(t, ok)
	time.Sleep(60 * time.Millisecond)
	_, ok, _ = s.Get(context.Background(), "k")
	assert.False(t, ok)
}

// Runs against a live Redis when QA_TEST_REDIS_ADDR is set.
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("QA_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("QA_TEST_REDIS_ADDR not set")
	}
	client, err := pkgredis.NewClient(context.Background(), config.RedisConfig{Addr: addr, PoolSize: 2})
	if err != nil {
		t.Skipf("redis unreachable: %v", err)
	}
	defer client.Close()

	c := New(NewRedisStore(client, time.Minute))
	ctx := context.Background()
	_, _ = c.Invalidate(ctx)

	key := Key(9, "식권", 3, 0.5)
	_, ok := c.Get(ctx, key)
	assert.False(t, ok)
	c.Set(ctx, key, response(false))
	got, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, response(false), got)

	n, err := c.Invalidate(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
