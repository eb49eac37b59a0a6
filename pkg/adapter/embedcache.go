package adapter

import (
	"context"

	"github.com/dgraph-io/ristretto"
	"github.com/m-mizutani/goerr/v2"
)

// CachedEmbedder wraps an Embedder with an in-process ristretto cache so
// identical texts (repeated queries, re-uploaded chunks) are embedded
// only once per process.
type CachedEmbedder struct {
	inner Embedder
	cache *ristretto.Cache
}

func NewCachedEmbedder(inner Embedder) (*CachedEmbedder, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10000,
		MaxCost:     32 << 20, // 32MiB of vectors
		BufferItems: 64,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create embedding cache")
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(text, vec, int64(len(vec)*4))
	return vec, nil
}

func (c *CachedEmbedder) Dimension() int {
	return c.inner.Dimension()
}

func (c *CachedEmbedder) Close() {
	c.cache.Close()
}
