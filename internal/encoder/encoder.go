// Package encoder turns text into fixed-dimension embedding vectors. The
// retrieval core only depends on the Encoder interface; providers (an offline
// hashing encoder, Ollama, OpenAI-compatible endpoints) and decorators
// (cache, batching, timeout/retry/breaker) are swapped in by configuration.
package encoder

import (
	"context"
	"fmt"
	"math"

	apperrors "github.com/kangjinkui/katokbot/pkg/errors"
)

// Encoder embeds a batch of texts. Implementations return exactly one
// vector per input text, in input order, all with the same dimension.
type Encoder interface {
	Encode(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// Func adapts a plain function into an Encoder; handy in tests.
type Func struct {
	Name string
	Fn   func(ctx context.Context, texts []string) ([][]float32, error)
}

func (f Func) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	return f.Fn(ctx, texts)
}

func (f Func) Model() string { return f.Name }

// Closer is implemented by encoders holding pools or connections.
type Closer interface {
	Close() error
}

// EncodeOne embeds a single text.
func EncodeOne(ctx context.Context, enc Encoder, text string) ([]float32, error) {
	vecs, err := enc.Encode(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("%w: %s returned %d vectors for 1 text", apperrors.ErrEncoding, enc.Model(), len(vecs))
	}
	return vecs[0], nil
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
	return v
}
