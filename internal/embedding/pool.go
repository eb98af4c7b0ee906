package embedding

import (
	"context"
	"sync"

	"github.com/recordguard/recordguard/internal/domain"
)

// PooledEmbedder wraps a slower, CPU- or model-bound Embedder and bounds
// how many Embed calls run concurrently, using a buffered-channel
// semaphore. HashEmbedder itself is cheap enough not to need this; it
// exists for a future Embedder backed by a local model runtime.
type PooledEmbedder struct {
	inner Embedder
	sem   chan struct{}
}

// NewPooledEmbedder wraps inner so at most maxConcurrent Embed calls run
// at once; additional callers block until a slot frees up.
func NewPooledEmbedder(inner Embedder, maxConcurrent int) *PooledEmbedder {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &PooledEmbedder{
		inner: inner,
		sem:   make(chan struct{}, maxConcurrent),
	}
}

// Embed acquires a pool slot, delegates to inner, and releases the slot.
// It respects ctx cancellation both while waiting for a slot and while the
// inner call runs.
func (p *PooledEmbedder) Embed(ctx context.Context, signature string) (domain.Embedding, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.sem }()

	return p.inner.Embed(ctx, signature)
}

// EmbedBatch embeds many signatures concurrently, bounded by the pool's
// capacity, and returns results in the same order as signatures.
func (p *PooledEmbedder) EmbedBatch(ctx context.Context, signatures []string) ([]domain.Embedding, error) {
	results := make([]domain.Embedding, len(signatures))
	errs := make([]error, len(signatures))

	var wg sync.WaitGroup
	for i, sig := range signatures {
		wg.Add(1)
		go func(i int, sig string) {
			defer wg.Done()
			vec, err := p.Embed(ctx, sig)
			results[i] = vec
			errs[i] = err
		}(i, sig)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}
