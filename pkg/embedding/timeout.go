package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/episodic-memory/pkg/memory"
)

// DefaultTimeout bounds a single embedding call.
const DefaultTimeout = 30 * time.Second

type timeoutProvider struct {
	next    memory.EmbeddingProvider
	timeout time.Duration
}

// WithTimeout wraps p so every call gives up after timeout, even when p does
// not watch its context.
func WithTimeout(p memory.EmbeddingProvider, timeout time.Duration) memory.EmbeddingProvider {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &timeoutProvider{next: p, timeout: timeout}
}

func (t *timeoutProvider) Dimension() int {
	return t.next.Dimension()
}

func (t *timeoutProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	type result struct {
		vec []float32
		err error
	}
	done := make(chan result, 1)
	go func() {
		vec, err := t.next.GenerateEmbedding(ctx, text)
		done <- result{vec, err}
	}()

	select {
	case r := <-done:
		return r.vec, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("embedding timed out after %s: %w", t.timeout, ctx.Err())
	}
}
