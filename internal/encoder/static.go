package encoder

import (
	"context"
	"hash/fnv"

	"github.com/kangjinkui/katokbot/internal/indexer/tokenizer"
)

const (
	staticTokenWeight = 0.7
	staticGramWeight  = 0.3
	staticGramSize    = 3
	defaultStaticDims = 256
)

// Static is an offline hashing encoder: words and character trigrams are
// hashed into buckets, each feature family is L2-normalized and the two are
// blended 0.7/0.3. It needs no network or model files and is deterministic,
// at the cost of only capturing surface similarity. Text without any word
// characters encodes to the zero vector.
type Static struct {
	dims int
}

func NewStatic(dims int) *Static {
	if dims <= 0 {
		dims = defaultStaticDims
	}
	return &Static{dims: dims}
}

func (s *Static) Model() string { return "static-hash" }

func (s *Static) Dimensions() int { return s.dims }

func (s *Static) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = s.vector(text)
	}
	return out, nil
}

func (s *Static) vector(text string) []float32 {
	words := tokenizer.Words(text)
	tokens := make([]float32, s.dims)
	grams := make([]float32, s.dims)
	for _, w := range words {
		tokens[s.bucket("w:"+w)]++
		runes := []rune(" " + w + " ")
		for i := 0; i+staticGramSize <= len(runes); i++ {
			grams[s.bucket("g:"+string(runes[i:i+staticGramSize]))]++
		}
	}
	normalize(tokens)
	normalize(grams)
	vec := make([]float32, s.dims)
	for i := range vec {
		vec[i] = staticTokenWeight*tokens[i] + staticGramWeight*grams[i]
	}
	return normalize(vec)
}

func (s *Static) bucket(feature string) int {
	h := fnv.New64a()
	h.Write([]byte(feature))
	return int(h.Sum64() % uint64(s.dims))
}
