package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/episodic-memory/internal/observability"
)

// ErrNoEmbeddingProvider is returned when an operation needs embeddings but
// the store was configured without a provider.
var ErrNoEmbeddingProvider = errors.New("no embedding provider configured")

// EmbeddingProvider generates vector embeddings from text
type EmbeddingProvider interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

type embeddingResult struct {
	vec []float32
	err error
}

// generateEmbedding calls the provider with an enforced deadline. The call
// fails when the deadline passes even if the provider ignores ctx.
func (s *Store) generateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if s.embedder == nil {
		return nil, ErrNoEmbeddingProvider
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.EmbeddingTimeout)
	defer cancel()

	done := make(chan embeddingResult, 1)
	go func() {
		vec, err := s.embedder.GenerateEmbedding(ctx, text)
		done <- embeddingResult{vec: vec, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			observability.RecordEmbedding(time.Since(start), false)
			return nil, fmt.Errorf("failed to generate embedding: %w", res.err)
		}
		if len(res.vec) != s.cfg.EmbeddingDimension {
			observability.RecordEmbedding(time.Since(start), false)
			return nil, fmt.Errorf("embedding has dimension %d, expected %d", len(res.vec), s.cfg.EmbeddingDimension)
		}
		observability.RecordEmbedding(time.Since(start), true)
		return res.vec, nil
	case <-ctx.Done():
		observability.RecordEmbedding(time.Since(start), false)
		return nil, fmt.Errorf("embedding timed out after %s: %w", s.cfg.EmbeddingTimeout, ctx.Err())
	}
}

// EmbeddingText is the text embedded for an exchange. Indexers and repair
// must agree on it.
func EmbeddingText(ex Exchange) string {
	return "User: " + ex.UserMessage + "\n\nAssistant: " + ex.AssistantMessage
}

// Embed generates an embedding for text through the configured provider
// with the store's timeout and dimension checks applied.
func (s *Store) Embed(ctx context.Context, text string) ([]float32, error) {
	return s.generateEmbedding(ctx, text)
}

// HasEmbeddingProvider reports whether a provider is configured.
func (s *Store) HasEmbeddingProvider() bool {
	return s.embedder != nil
}
