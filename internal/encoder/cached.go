package encoder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/kangjinkui/katokbot/pkg/errors"
)

const defaultCacheSize = 4096

// Cached keeps recent vectors in an LRU keyed by model and text, so repeated
// queries and unchanged questions across reloads skip the provider. Callers
// must not modify returned vectors.
type Cached struct {
	inner  Encoder
	cache  *lru.Cache[string, []float32]
	group  singleflight.Group
	hits   atomic.Int64
	misses atomic.Int64
}

func NewCached(inner Encoder, size int) *Cached {
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, _ := lru.New[string, []float32](size)
	return &Cached{inner: inner, cache: cache}
}

func (c *Cached) Model() string { return c.inner.Model() }

func (c *Cached) key(text string) string {
	sum := sha256.Sum256([]byte(c.inner.Model() + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

func (c *Cached) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 1 {
		vec, err := c.encodeOne(ctx, texts[0])
		if err != nil {
			return nil, err
		}
		return [][]float32{vec}, nil
	}

	out := make([][]float32, len(texts))
	missIdx := make(map[string][]int)
	var missTexts []string
	for i, text := range texts {
		k := c.key(text)
		if vec, ok := c.cache.Get(k); ok {
			out[i] = vec
			c.hits.Add(1)
			continue
		}
		c.misses.Add(1)
		if _, seen := missIdx[k]; !seen {
			missTexts = append(missTexts, text)
		}
		missIdx[k] = append(missIdx[k], i)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.inner.Encode(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("%w: %s returned %d vectors for %d texts", apperrors.ErrEncoding, c.inner.Model(), len(vecs), len(missTexts))
	}
	for j, text := range missTexts {
		k := c.key(text)
		c.cache.Add(k, vecs[j])
		for _, i := range missIdx[k] {
			out[i] = vecs[j]
		}
	}
	return out, nil
}

// encodeOne collapses concurrent identical queries into one provider call.
func (c *Cached) encodeOne(ctx context.Context, text string) ([]float32, error) {
	k := c.key(text)
	if vec, ok := c.cache.Get(k); ok {
		c.hits.Add(1)
		return vec, nil
	}
	c.misses.Add(1)
	v, err, _ := c.group.Do(k, func() (any, error) {
		vec, err := EncodeOne(ctx, c.inner, text)
		if err != nil {
			return nil, err
		}
		c.cache.Add(k, vec)
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// Stats returns hit and miss counters.
func (c *Cached) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *Cached) Len() int { return c.cache.Len() }

// Purge drops every cached vector.
func (c *Cached) Purge() { c.cache.Purge() }

func (c *Cached) Close() error {
	if closer, ok := c.inner.(Closer); ok {
		return closer.Close()
	}
	return nil
}
