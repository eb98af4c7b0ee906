package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/recordguard/recordguard/internal/domain"
)

// MemoryStore is an in-process Store backed by plain maps, with a linear
// scan for similarity queries. It is the default for tests and for
// deployments small enough not to need durability.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]*domain.PatternRecord
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]map[string]*domain.PatternRecord)}
}

// collectionForWrite returns (creating if necessary) the named
// collection's map. Callers must hold s.mu for writing.
func (s *MemoryStore) collectionForWrite(name string) map[string]*domain.PatternRecord {
	c, ok := s.collections[name]
	if !ok {
		c = make(map[string]*domain.PatternRecord)
		s.collections[name] = c
	}
	return c
}

// Upsert implements Store.
func (s *MemoryStore) Upsert(_ context.Context, collection string, rec *domain.PatternRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collectionForWrite(collection)[rec.ID] = rec
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, collection, id string) (*domain.PatternRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.collections[collection][id]
	if !ok {
		return nil, domain.NewError(domain.ErrNotFound, "vectorstore", fmt.Sprintf("no record %q in collection %q", id, collection), nil)
	}
	return rec, nil
}

// Query implements Store.
func (s *MemoryStore) Query(_ context.Context, collection string, queryVector domain.Embedding, k int, minSimilarity float64) ([]ScoredRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var scored []ScoredRecord
	for _, rec := range s.collections[collection] {
		sim := cosineSimilarity(queryVector, rec.SignatureVector)
		if sim >= minSimilarity {
			scored = append(scored, ScoredRecord{Record: rec, Similarity: sim})
		}
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Similarity > scored[j].Similarity })
	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// All implements Store.
func (s *MemoryStore) All(_ context.Context, collection string) ([]*domain.PatternRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.PatternRecord, 0, len(s.collections[collection]))
	for _, rec := range s.collections[collection] {
		out = append(out, rec)
	}
	return out, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections[collection], id)
	return nil
}
