package embedding

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
	"github.com/harun/episodic-memory/pkg/memory"
)

// DefaultCacheEntries is the cache size used when none is configured.
const DefaultCacheEntries = 1024

// CachedProvider memoizes embeddings by text.
type CachedProvider struct {
	next  memory.EmbeddingProvider
	cache *ristretto.Cache
}

// NewCachedProvider wraps next with a cache holding about maxEntries vectors.
func NewCachedProvider(next memory.EmbeddingProvider, maxEntries int64) (*CachedProvider, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultCacheEntries
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}

	return &CachedProvider{next: next, cache: cache}, nil
}

func (c *CachedProvider) Dimension() int {
	return c.next.Dimension()
}

// GenerateEmbedding returns a cached vector or asks the wrapped provider.
// Errors are not cached. Callers get a copy they may modify.
func (c *CachedProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		if vec, ok := v.([]float32); ok {
			return append([]float32(nil), vec...), nil
		}
	}

	vec, err := c.next.GenerateEmbedding(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(text, append([]float32(nil), vec...), 1)
	return vec, nil
}

// Wait blocks until buffered writes are visible to Get.
func (c *CachedProvider) Wait() {
	c.cache.Wait()
}

// Close releases the cache's background goroutines.
func (c *CachedProvider) Close() {
	c.cache.Close()
}
