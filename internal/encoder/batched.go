package encoder

import (
	"context"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"

	apperrors "github.com/kangjinkui/katokbot/pkg/errors"
)

// Batched splits large inputs into batches of at most size texts and encodes
// them concurrently on a bounded worker pool. Output order matches input
// order. Inputs that fit in one batch go straight to the inner encoder.
type Batched struct {
	inner Encoder
	size  int
	pool  *ants.Pool
}

func NewBatched(inner Encoder, size, workers int) (*Batched, error) {
	if size <= 0 {
		size = 32
	}
	if workers <= 0 {
		workers = 1
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("creating encoder pool: %w", err)
	}
	return &Batched{inner: inner, size: size, pool: pool}, nil
}

func (b *Batched) Model() string { return b.inner.Model() }

func (b *Batched) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) <= b.size {
		return b.inner.Encode(ctx, texts)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make([][]float32, len(texts))
	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for start := 0; start < len(texts); start += b.size {
		end := min(start+b.size, len(texts))
		chunk := texts[start:end]
		offset := start
		wg.Add(1)
		err := b.pool.Submit(func() {
			defer wg.Done()
			if ctx.Err() != nil {
				return
			}
			vecs, err := b.inner.Encode(ctx, chunk)
			if err != nil {
				fail(fmt.Errorf("batch %d-%d: %w", offset, offset+len(chunk), err))
				return
			}
			if len(vecs) != len(chunk) {
				fail(fmt.Errorf("%w: batch %d-%d returned %d vectors for %d texts",
					apperrors.ErrEncoding, offset, offset+len(chunk), len(vecs), len(chunk)))
				return
			}
			copy(out[offset:], vecs)
		})
		if err != nil {
			wg.Done()
			fail(fmt.Errorf("submitting encode batch: %w", err))
			break
		}
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Batched) Close() error {
	b.pool.Release()
	if closer, ok := b.inner.(Closer); ok {
		return closer.Close()
	}
	return nil
}
