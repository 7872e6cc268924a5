package encoder

import (
	"fmt"

	"github.com/kangjinkui/katokbot/pkg/config"
	"github.com/kangjinkui/katokbot/pkg/resilience"
)

// Stack is the configured encoder chain: Cached(Batched(Guarded(provider))).
// Encoder is nil when the provider is "none", which disables the vector
// index.
type Stack struct {
	Encoder Encoder
	Cache   *Cached
	Guard   *Guarded
}

func New(cfg config.EncoderConfig) (*Stack, error) {
	var provider Encoder
	switch cfg.Provider {
	case "none", "":
		return &Stack{}, nil
	case "static":
		provider = NewStatic(cfg.Dimensions)
	case "ollama":
		provider = NewOllama(OllamaConfig{BaseURL: cfg.BaseURL, Model: cfg.Model, Timeout: cfg.Timeout})
	case "openai":
		oa, err := NewOpenAI(OpenAIConfig{BaseURL: cfg.BaseURL, APIKey: cfg.APIKey, Model: cfg.Model, BatchSize: cfg.BatchSize})
		if err != nil {
			return nil, err
		}
		provider = oa
	default:
		return nil, fmt.Errorf("unknown encoder provider %q", cfg.Provider)
	}

	guardOpts := GuardOptions{
		Timeout: cfg.Timeout,
		Retry: resilience.RetryConfig{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.BaseDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
		},
	}
	if cfg.Breaker.Enabled {
		guardOpts.Breaker = resilience.NewCircuitBreaker("encoder-"+cfg.Provider, resilience.CircuitBreakerConfig{
			FailureThreshold:    cfg.Breaker.FailureThreshold,
			ResetTimeout:        cfg.Breaker.OpenTimeout,
			HalfOpenMaxRequests: cfg.Breaker.HalfOpenRequests,
		})
	}
	guard := NewGuarded(provider, guardOpts)

	batched, err := NewBatched(guard, cfg.BatchSize, cfg.Workers)
	if err != nil {
		return nil, err
	}
	cache := NewCached(batched, cfg.CacheSize)
	return &Stack{Encoder: cache, Cache: cache, Guard: guard}, nil
}

// Enabled reports whether a vector index should be built.
func (s *Stack) Enabled() bool { return s.Encoder != nil }

// BreakerState is "" when no breaker is configured.
func (s *Stack) BreakerState() string {
	if s.Guard == nil {
		return ""
	}
	return s.Guard.BreakerState()
}

func (s *Stack) Close() error {
	if closer, ok := s.Encoder.(Closer); ok {
		return closer.Close()
	}
	return nil
}
