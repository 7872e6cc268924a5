package encoder

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

type OpenAIConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	BatchSize int
}

// OpenAI embeds through any OpenAI-compatible embeddings API (OpenAI itself,
// vLLM, LM Studio, text-embeddings-inference).
type OpenAI struct {
	model    string
	embedder embeddings.Embedder
	logger   *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	token := cfg.APIKey
	if token == "" {
		// local OpenAI-compatible servers accept any token
		token = "none"
	}
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	embOpts := []embeddings.Option{embeddings.WithStripNewLines(true)}
	if cfg.BatchSize > 0 {
		embOpts = append(embOpts, embeddings.WithBatchSize(cfg.BatchSize))
	}
	embedder, err := embeddings.NewEmbedder(client, embOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai embedder: %w", err)
	}
	return &OpenAI{
		model:    cfg.Model,
		embedder: embedder,
		logger:   slog.Default().With("component", "openai-encoder"),
	}, nil
}

func (o *OpenAI) Model() string { return o.model }

func (o *OpenAI) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	o.logger.Debug("generating embeddings", "count", len(texts))
	vecs, err := o.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	return vecs, nil
}
