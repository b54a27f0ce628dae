package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/episodic-memory/pkg/memory"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	DefaultModel     = "text-embedding-3-small"
	DefaultDimension = 384
)

var _ memory.EmbeddingProvider = (*OpenAIProvider)(nil)

// OpenAIConfig configures an OpenAI-compatible embeddings endpoint.
type OpenAIConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	Dimension int
	// MaxRetries overrides the client's retry count when positive. Negative
	// disables retries.
	MaxRetries int
}

// OpenAIProvider implements memory.EmbeddingProvider over the OpenAI
// embeddings API or any server speaking the same protocol.
type OpenAIProvider struct {
	client    openai.Client
	model     string
	dimension int
}

// NewOpenAIProvider creates a new OpenAI embeddings provider
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Dimension == 0 {
		cfg.Dimension = DefaultDimension
	}
	if cfg.Dimension < 0 {
		return nil, fmt.Errorf("invalid embedding dimension %d", cfg.Dimension)
	}

	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	switch {
	case cfg.MaxRetries > 0:
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	case cfg.MaxRetries < 0:
		opts = append(opts, option.WithMaxRetries(0))
	}

	return &OpenAIProvider{
		client:    openai.NewClient(opts...),
		model:     cfg.Model,
		dimension: cfg.Dimension,
	}, nil
}

// Dimension returns the vector length requested from the API.
func (p *OpenAIProvider) Dimension() int {
	return p.dimension
}

// GenerateEmbedding embeds a single text.
func (p *OpenAIProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.GenerateEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// GenerateEmbeddings embeds texts in one request. Results are returned in
// input order.
func (p *OpenAIProvider) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errors.New("no texts to embed")
	}

	resp, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model:          openai.EmbeddingModel(p.model),
		Dimensions:     openai.Int(int64(p.dimension)),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings request failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings response has %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || int(item.Index) >= len(texts) {
			return nil, fmt.Errorf("embeddings response index %d out of range", item.Index)
		}
		vec := make([]float32, len(item.Embedding))
		for i, v := range item.Embedding {
			vec[i] = float32(v)
		}
		vectors[item.Index] = vec
	}
	for i, vec := range vectors {
		if vec == nil {
			return nil, fmt.Errorf("embeddings response missing vector %d", i)
		}
	}
	return vectors, nil
}
