// Package vectorstore persists PatternRecords and answers similarity
// queries over them, namespaced by collection (one per domain.PatternKind).
// It has two implementations: MemoryStore for tests and small deployments,
// and SQLiteStore for durable, file-backed storage — selected by
// config.VectorStoreConfig.Backend.
package vectorstore

import (
	"context"
	"math"

	"github.com/recordguard/recordguard/internal/domain"
)

// Store is the persistence and similarity-search contract the learning
// substrate builds on.
type Store interface {
	// Upsert inserts or replaces rec within collection.
	Upsert(ctx context.Context, collection string, rec *domain.PatternRecord) error

	// Get fetches a single record by ID, or domain.ErrNotFound.
	Get(ctx context.Context, collection, id string) (*domain.PatternRecord, error)

	// Query returns up to k records from collection whose cosine similarity
	// to queryVector is at least minSimilarity, ordered by similarity
	// descending.
	Query(ctx context.Context, collection string, queryVector domain.Embedding, k int, minSimilarity float64) ([]ScoredRecord, error)

	// All returns every record in collection, for the decay/cleanup tick.
	All(ctx context.Context, collection string) ([]*domain.PatternRecord, error)

	// Delete removes a record by ID. It is not an error to delete an
	// absent ID.
	Delete(ctx context.Context, collection, id string) error
}

// ScoredRecord pairs a stored pattern with its similarity to a query
// vector.
type ScoredRecord struct {
	Record     *domain.PatternRecord
	Similarity float64
}

// cosineSimilarity returns the cosine of the angle between a and b, or 0 if
// either vector has zero magnitude. Vectors must be the same length; a
// length mismatch also returns 0 rather than panicking, since it signals a
// caller bug the store would rather report as "no similarity" than crash
// on.
func cosineSimilarity(a, b domain.Embedding) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
