// Package embedding turns a canonicalized pattern signature string into a
// fixed-dimension vector, so the learning substrate can compare patterns by
// cosine similarity instead of string equality.
package embedding

import (
	"context"

	"github.com/recordguard/recordguard/internal/domain"
)

// Dimension is the fixed vector size every Embedder must produce. It is a
// build-time constant rather than a runtime config value: vectors of
// different dimensions are never comparable, and the vector store indexes
// assume one dimension for the life of a deployment.
const Dimension = 384

// Embedder turns a canonical signature string into a fixed-dimension
// vector. Implementations must be deterministic: the same input string
// always produces the byte-identical vector, since the learning substrate
// relies on that to recognize a previously-seen signature.
type Embedder interface {
	Embed(ctx context.Context, signature string) (domain.Embedding, error)
}
