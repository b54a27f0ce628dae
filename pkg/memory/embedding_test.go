package memory

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockEmbeddingProvider hashes words into buckets and normalizes, so texts
// sharing words are close in vector space.
type MockEmbeddingProvider struct {
	dimension int
	calls     atomic.Int64
}

func NewMockEmbeddingProvider(dimension int) *MockEmbeddingProvider {
	return &MockEmbeddingProvider{dimension: dimension}
}

func (p *MockEmbeddingProvider) Dimension() int {
	return p.dimension
}

func (p *MockEmbeddingProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	p.calls.Add(1)
	embedding := make([]float32, p.dimension)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(word))
		embedding[int(h.Sum32())%p.dimension] += 1
	}

	var norm float64
	for _, v := range embedding {
		norm += float64(v * v)
	}
	if norm == 0 {
		embedding[0] = 1
		return embedding, nil
	}
	norm = math.Sqrt(norm)
	for i := range embedding {
		embedding[i] = float32(float64(embedding[i]) / norm)
	}
	return embedding, nil
}

// slowEmbeddingProvider ignores ctx and sleeps.
type slowEmbeddingProvider struct {
	dimension int
	delay     time.Duration
}

func (p *slowEmbeddingProvider) Dimension() int { return p.dimension }

func (p *slowEmbeddingProvider) GenerateEmbedding(_ context.Context, _ string) ([]float32, error) {
	time.Sleep(p.delay)
	return make([]float32, p.dimension), nil
}

type failingEmbeddingProvider struct {
	dimension int
}

func (p *failingEmbeddingProvider) Dimension() int { return p.dimension }

func (p *failingEmbeddingProvider) GenerateEmbedding(_ context.Context, _ string) ([]float32, error) {
	return nil, errors.New("model offline")
}

func TestGenerateEmbedding_NoProvider(t *testing.T) {
	s := newTestStore(t, func(cfg *Config) { cfg.EmbeddingProvider = nil })

	_, err := s.Embed(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrNoEmbeddingProvider)
	assert.False(t, s.HasEmbeddingProvider())
}

func TestGenerateEmbedding_EnforcesTimeout(t *testing.T) {
	s := newTestStore(t, func(cfg *Config) {
		cfg.EmbeddingProvider = &slowEmbeddingProvider{dimension: testDimension, delay: 2 * time.Second}
		cfg.EmbeddingTimeout = 50 * time.Millisecond
	})

	start := time.Now()
	_, err := s.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestGenerateEmbedding_DimensionMismatch(t *testing.T) {
	s := newTestStore(t, func(cfg *Config) {
		cfg.EmbeddingProvider = NewMockEmbeddingProvider(testDimension + 1)
	})

	_, err := s.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 8")
}

func TestEmbeddingText(t *testing.T) {
	text := EmbeddingText(Exchange{UserMessage: "how?", AssistantMessage: "like this"})
	assert.Equal(t, "User: how?\n\nAssistant: like this", text)
}
