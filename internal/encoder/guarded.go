package encoder

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kangjinkui/katokbot/pkg/resilience"
)

type GuardOptions struct {
	Timeout time.Duration
	Retry   resilience.RetryConfig
	// Breaker is optional; nil disables it.
	Breaker *resilience.CircuitBreaker
}

// Guarded applies a per-call timeout, retries with jittered backoff and an
// optional circuit breaker around a provider. An open breaker fails fast
// without retrying.
type Guarded struct {
	inner   Encoder
	opts    GuardOptions
	retries atomic.Int64
}

func NewGuarded(inner Encoder, opts GuardOptions) *Guarded {
	g := &Guarded{inner: inner, opts: opts}
	next := opts.Retry.OnRetry
	g.opts.Retry.OnRetry = func(attempt int, err error, wait time.Duration) {
		g.retries.Add(1)
		if next != nil {
			next(attempt, err, wait)
		}
	}
	return g
}

// Retries is the number of provider calls that were retried since start.
func (g *Guarded) Retries() int64 { return g.retries.Load() }

func (g *Guarded) Model() string { return g.inner.Model() }

func (g *Guarded) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	op := "encode:" + g.inner.Model()
	err := resilience.Retry(ctx, op, g.opts.Retry, func() error {
		call := func() error {
			vecs, err := resilience.Call(ctx, g.opts.Timeout, op, func(ctx context.Context) ([][]float32, error) {
				return g.inner.Encode(ctx, texts)
			})
			out = vecs
			return err
		}
		if g.opts.Breaker == nil {
			return call()
		}
		return g.opts.Breaker.Execute(call)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BreakerState reports "closed", "open", "half-open", or "" without a
// breaker.
func (g *Guarded) BreakerState() string {
	if g.opts.Breaker == nil {
		return ""
	}
	return g.opts.Breaker.State()
}

func (g *Guarded) Close() error {
	if closer, ok := g.inner.(Closer); ok {
		return closer.Close()
	}
	return nil
}
