package enrichment

import (
	"context"
	"testing"
	"time"

	"github.com/recordguard/recordguard/internal/domain"
	"github.com/recordguard/recordguard/internal/enrichment/mock"
	"github.com/recordguard/recordguard/internal/httpx"
)

func TestAugment_Success(t *testing.T) {
	srv := mock.New()
	defer srv.Close()

	c := New(srv.URL, "", 2*time.Second, httpx.NewRegistry(5, time.Minute, 1), true)
	record := domain.Record{"merchant_name": "Acme Corp"}

	result := c.Augment(context.Background(), record, "banking")
	if result.Status != StatusOK {
		t.Fatalf("expected StatusOK, got %v", result.Status)
	}
	if result.Summary == "" {
		t.Error("expected a non-empty summary on success")
	}
}

func TestAugment_Disabled(t *testing.T) {
	c := New("http://unused.invalid", "", time.Second, httpx.NewRegistry(5, time.Minute, 1), false)
	result := c.Augment(context.Background(), domain.Record{}, "generic")
	if result.Status != StatusDisabled {
		t.Fatalf("expected StatusDisabled, got %v", result.Status)
	}
}

func TestAugment_DegradesOnBackendFailure(t *testing.T) {
	srv := mock.New()
	defer srv.Close()
	srv.SetFailing(true)

	c := New(srv.URL, "", 2*time.Second, httpx.NewRegistry(5, time.Minute, 1), true)
	result := c.Augment(context.Background(), domain.Record{}, "generic")
	if result.Status != StatusDegraded {
		t.Fatalf("expected StatusDegraded, got %v", result.Status)
	}
	if result.Summary != "" {
		t.Errorf("expected an empty summary on degraded status, got %q", result.Summary)
	}
}

func TestAugment_DegradesOnTimeout(t *testing.T) {
	srv := mock.New()
	defer srv.Close()

	c := New(srv.URL, "", 2*time.Second, httpx.NewRegistry(5, time.Minute, 1), true)
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()

	result := c.Augment(ctx, domain.Record{}, "generic")
	if result.Status != StatusDegraded {
		t.Fatalf("expected StatusDegraded on an already-expired context, got %v", result.Status)
	}
}

func TestAugment_OpenCircuitSkipsCall(t *testing.T) {
	srv := mock.New()
	defer srv.Close()
	srv.SetFailing(true)

	registry := httpx.NewRegistry(1, time.Hour, 1)
	c := New(srv.URL, "", 2*time.Second, registry, true)

	// First call trips the breaker (failureThreshold=1).
	_ = c.Augment(context.Background(), domain.Record{}, "generic")

	srv.SetFailing(false)
	result := c.Augment(context.Background(), domain.Record{}, "generic")
	if result.Status != StatusDegraded {
		t.Fatalf("expected the open circuit to short-circuit the call even though the backend recovered, got %v", result.Status)
	}
}

func TestExtractEntities_OnlyConfiguredFields(t *testing.T) {
	record := domain.Record{
		"merchant_name": "Acme Corp",
		"customer_name":  "USER_abc123",
		"nested": map[string]any{
			"product_name": "Widget",
		},
	}
	entities := ExtractEntities(record)
	if len(entities) != 2 {
		t.Fatalf("expected 2 entities, got %v", entities)
	}
}

func TestExtractEntities_Deduplicates(t *testing.T) {
	record := domain.Record{
		"merchant_name": "Acme Corp",
		"nested": map[string]any{
			"product_name": "Acme Corp",
		},
	}
	entities := ExtractEntities(record)
	if len(entities) != 1 {
		t.Errorf("expected duplicate entity values to collapse to one, got %v", entities)
	}
}

func TestExtractEntities_EmptyRecord(t *testing.T) {
	if entities := ExtractEntities(domain.Record{}); len(entities) != 0 {
		t.Errorf("expected no entities from an empty record, got %v", entities)
	}
}
