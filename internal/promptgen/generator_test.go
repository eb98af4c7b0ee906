package promptgen

import (
	"context"
	"testing"

	"github.com/recordguard/recordguard/internal/domain"
	"github.com/recordguard/recordguard/internal/enrichment"
)

type fakePatterns struct {
	bestOfRec *domain.PatternRecord
	bestOfSim float64
}

func (f *fakePatterns) Signature(_ context.Context, record domain.Record, contextTag string) (string, domain.Embedding, error) {
	return contextTag, domain.Embedding{1, 0}, nil
}

func (f *fakePatterns) BestOf(_ context.Context, _ domain.PatternKind, _ domain.Embedding, _ float64) (*domain.PatternRecord, float64, error) {
	return f.bestOfRec, f.bestOfSim, nil
}

type fakeImproved struct {
	rec *domain.PatternRecord
	sim float64
}

func (f *fakeImproved) GetImproved(_ context.Context, _ domain.Embedding, _ float64) (*domain.PatternRecord, float64, error) {
	return f.rec, f.sim, nil
}

type fakeEnricher struct {
	result enrichment.Result
}

func (f *fakeEnricher) Augment(_ context.Context, _ domain.Record, _ string) enrichment.Result {
	return f.result
}

func testTemplates() map[string]string {
	return map[string]string{
		"generic": "Analyze: {{.Record}} ({{.GenerationType}})",
		"banking": "Banking analysis: {{.Record}} ({{.GenerationType}})",
	}
}

func TestGenerate_UsesImprovedTemplateWhenPresent(t *testing.T) {
	improved := &fakeImproved{rec: &domain.PatternRecord{ID: "imp1", Payload: map[string]any{"template": "Improved: {{.GenerationType}}"}}, sim: 0.95}
	g := New(testTemplates(), "generic", &fakePatterns{}, improved, nil, false)

	prompt, meta, err := g.Generate(context.Background(), domain.Record{"name": "x"}, "banking", "summary", 0.80)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if meta.Source != domain.SourceImproved {
		t.Errorf("expected source=improved, got %v", meta.Source)
	}
	if meta.PatternID != "imp1" {
		t.Errorf("expected pattern_id=imp1, got %v", meta.PatternID)
	}
	if prompt == "" {
		t.Error("expected non-empty prompt")
	}
}

func TestGenerate_FallsBackToReusedWhenNoImproved(t *testing.T) {
	patterns := &fakePatterns{bestOfRec: &domain.PatternRecord{ID: "reused1", Payload: map[string]any{"template": "Reused: {{.GenerationType}}"}}, bestOfSim: 0.85}
	g := New(testTemplates(), "generic", patterns, &fakeImproved{}, nil, false)

	_, meta, err := g.Generate(context.Background(), domain.Record{}, "banking", "summary", 0.80)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if meta.Source != domain.SourceReused {
		t.Errorf("expected source=reused, got %v", meta.Source)
	}
	if meta.PatternID != "reused1" {
		t.Errorf("expected pattern_id=reused1, got %v", meta.PatternID)
	}
}

func TestGenerate_FallsBackToFreshTemplate(t *testing.T) {
	g := New(testTemplates(), "generic", &fakePatterns{}, &fakeImproved{}, nil, false)

	prompt, meta, err := g.Generate(context.Background(), domain.Record{"amount": 10}, "banking", "summary", 0.80)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if meta.Source != domain.SourceFresh {
		t.Errorf("expected source=fresh, got %v", meta.Source)
	}
	if meta.PatternID != "" {
		t.Errorf("expected empty pattern_id on a fresh template, got %q", meta.PatternID)
	}
	if !containsAll(prompt, "Banking analysis", "summary") {
		t.Errorf("expected the banking template to be selected, got %q", prompt)
	}
	if meta.PromptTokens <= 0 {
		t.Errorf("expected a positive prompt token count, got %d", meta.PromptTokens)
	}
}

func TestGenerate_UnknownContextFallsBackToGeneric(t *testing.T) {
	g := New(testTemplates(), "generic", &fakePatterns{}, &fakeImproved{}, nil, false)

	prompt, _, err := g.Generate(context.Background(), domain.Record{}, "unknown-tag", "summary", 0.80)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !containsAll(prompt, "Analyze") {
		t.Errorf("expected the generic template as fallback, got %q", prompt)
	}
}

func TestGenerate_EnrichesFreshTemplateWhenEnabled(t *testing.T) {
	enricher := &fakeEnricher{result: enrichment.Result{Summary: "extra context", Status: enrichment.StatusOK}}
	g := New(testTemplates(), "generic", &fakePatterns{}, &fakeImproved{}, enricher, true)

	prompt, meta, err := g.Generate(context.Background(), domain.Record{}, "generic", "summary", 0.80)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if meta.EnrichmentStatus != enrichment.StatusOK {
		t.Errorf("expected enrichment_status=ok, got %v", meta.EnrichmentStatus)
	}
	if !containsAll(prompt, "extra context") {
		t.Errorf("expected the enrichment summary appended to the prompt, got %q", prompt)
	}
}

func TestGenerate_SkipsEnrichmentForImprovedTemplate(t *testing.T) {
	improved := &fakeImproved{rec: &domain.PatternRecord{ID: "imp1", Payload: map[string]any{"template": "Improved"}}, sim: 0.99}
	enricher := &fakeEnricher{result: enrichment.Result{Summary: "should not appear", Status: enrichment.StatusOK}}
	g := New(testTemplates(), "generic", &fakePatterns{}, improved, enricher, true)

	prompt, meta, err := g.Generate(context.Background(), domain.Record{}, "generic", "summary", 0.80)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if meta.EnrichmentStatus != enrichment.StatusDisabled {
		t.Errorf("expected enrichment to be skipped for an improved template, got %v", meta.EnrichmentStatus)
	}
	if containsAll(prompt, "should not appear") {
		t.Error("expected improved templates to never receive an enrichment summary")
	}
}

func TestGenerate_DegradedEnrichmentLeavesPromptUnchanged(t *testing.T) {
	enricher := &fakeEnricher{result: enrichment.Result{Status: enrichment.StatusDegraded}}
	g := New(testTemplates(), "generic", &fakePatterns{}, &fakeImproved{}, enricher, true)

	prompt, meta, err := g.Generate(context.Background(), domain.Record{}, "generic", "summary", 0.80)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if meta.EnrichmentStatus != enrichment.StatusDegraded {
		t.Errorf("expected enrichment_status=degraded, got %v", meta.EnrichmentStatus)
	}
	if containsAll(prompt, "Additional context") {
		t.Error("expected no augmentation text appended on a degraded enrichment result")
	}
}

func containsAll(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if !contains(s, sub) {
			return false
		}
	}
	return true
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && (sub == "" || indexOf(s, sub) >= 0)
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
