package vectorstore

import (
	"context"
	"testing"

	"github.com/recordguard/recordguard/internal/domain"
)

func TestMemoryStore_UpsertGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := &domain.PatternRecord{ID: "p1", SignatureVector: domain.Embedding{1, 0, 0}}
	if err := s.Upsert(ctx, "prompt", rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.Get(ctx, "prompt", "p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != "p1" {
		t.Errorf("got ID %q, want p1", got.ID)
	}
}

func TestMemoryStore_Get_NotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "prompt", "missing")
	if err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestMemoryStore_Query_OrdersBySimilarity(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_ = s.Upsert(ctx, "prompt", &domain.PatternRecord{ID: "exact", SignatureVector: domain.Embedding{1, 0, 0}})
	_ = s.Upsert(ctx, "prompt", &domain.PatternRecord{ID: "close", SignatureVector: domain.Embedding{0.9, 0.1, 0}})
	_ = s.Upsert(ctx, "prompt", &domain.PatternRecord{ID: "far", SignatureVector: domain.Embedding{0, 1, 0}})

	results, err := s.Query(ctx, "prompt", domain.Embedding{1, 0, 0}, 2, 0.5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results (k=2), got %d", len(results))
	}
	if results[0].Record.ID != "exact" {
		t.Errorf("expected closest match first, got %q", results[0].Record.ID)
	}
	if results[0].Similarity < results[1].Similarity {
		t.Error("expected descending similarity order")
	}
}

func TestMemoryStore_Query_RespectsMinSimilarity(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Upsert(ctx, "prompt", &domain.PatternRecord{ID: "orthogonal", SignatureVector: domain.Embedding{0, 1, 0}})

	results, err := s.Query(ctx, "prompt", domain.Embedding{1, 0, 0}, 10, 0.5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected orthogonal vector to be excluded, got %d results", len(results))
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Upsert(ctx, "prompt", &domain.PatternRecord{ID: "p1", SignatureVector: domain.Embedding{1, 0}})

	if err := s.Delete(ctx, "prompt", "p1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "prompt", "p1"); err == nil {
		t.Error("expected record to be gone after Delete")
	}
}

func TestMemoryStore_Delete_UnknownIsNotAnError(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Delete(context.Background(), "prompt", "missing"); err != nil {
		t.Errorf("expected deleting an unknown id to be a no-op, got %v", err)
	}
}

func TestMemoryStore_CollectionsAreIsolated(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Upsert(ctx, "prompt", &domain.PatternRecord{ID: "same-id", SignatureVector: domain.Embedding{1, 0}})
	_ = s.Upsert(ctx, "analysis", &domain.PatternRecord{ID: "same-id", SignatureVector: domain.Embedding{0, 1}})

	all, err := s.All(ctx, "prompt")
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected collection isolation, got %d records in 'prompt'", len(all))
	}
}
