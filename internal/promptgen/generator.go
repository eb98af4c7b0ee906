// Package promptgen implements the Prompt Generator: it turns a redacted
// record and a requested generation type into a prompt, preferring an
// improved template, then a reused pattern, and only synthesizing a fresh
// template as a last resort.
package promptgen

import (
	"context"
	"fmt"
	"time"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/recordguard/recordguard/internal/domain"
	"github.com/recordguard/recordguard/internal/enrichment"
)

// tokenEncoding is the cl100k_base BPE used across the generation-metadata
// token count; it's an estimate against the external LLM backend's actual
// tokenizer, which is explicitly out of scope, so exact parity isn't a
// goal here — just a consistent, comparable figure across prompts.
var tokenEncoding = mustEncoding()

func mustEncoding() *tiktoken.Tiktoken {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		panic(fmt.Sprintf("promptgen: load token encoding: %v", err))
	}
	return enc
}

func countTokens(prompt string) int {
	return len(tokenEncoding.Encode(prompt, nil, nil))
}

// enrichmentDeadline is the per-call deadline spec.md §4.5 step 5 applies
// at the Prompt Generator's call site (distinct from the 30-second hard
// client deadline enforced inside the Enrichment Client itself).
const enrichmentDeadline = 10 * time.Second

// PatternSource is the narrow slice of internal/learning.Substrate the
// generator depends on: signature computation and reused-pattern lookup.
type PatternSource interface {
	Signature(ctx context.Context, record domain.Record, contextTag string) (string, domain.Embedding, error)
	BestOf(ctx context.Context, kind domain.PatternKind, queryVector domain.Embedding, minSimilarity float64) (*domain.PatternRecord, float64, error)
}

// ImprovedSource is the narrow slice of internal/quality.Engine the
// generator depends on.
type ImprovedSource interface {
	GetImproved(ctx context.Context, signatureVector domain.Embedding, minSimilarity float64) (*domain.PatternRecord, float64, error)
}

// Enricher is the narrow slice of internal/enrichment.Client the generator
// depends on.
type Enricher interface {
	Augment(ctx context.Context, record domain.Record, contextTag string) enrichment.Result
}

// Metadata is returned alongside the generated prompt text, per spec.md
// §4.5.
type Metadata struct {
	Source           domain.PromptSource
	Similarity       *float64
	PatternID        string
	EnrichmentStatus enrichment.Status
	GenerationTime   time.Duration
	PromptTokens     int
}

// Generator implements the Prompt Generator.
type Generator struct {
	templates       map[string]string
	defaultTemplate string

	patterns PatternSource
	improved ImprovedSource
	enricher Enricher
	enrich   bool
}

// New constructs a Generator. templates maps context tag to a
// text/template source string; defaultTemplate (normally "generic") is
// used for any tag not present in templates. enricher/enrich may be
// nil/false to disable augmentation entirely.
func New(templates map[string]string, defaultTemplate string, patterns PatternSource, improved ImprovedSource, enricher Enricher, enrich bool) *Generator {
	return &Generator{
		templates:       templates,
		defaultTemplate: defaultTemplate,
		patterns:        patterns,
		improved:        improved,
		enricher:        enricher,
		enrich:          enrich,
	}
}

// Generate implements spec.md §4.5's generate(record, context) →
// (prompt_text, metadata) contract. contextTag selects the context
// template family; generationType is echoed into every template's
// {{.GenerationType}} placeholder.
func (g *Generator) Generate(ctx context.Context, record domain.Record, contextTag, generationType string, similarityMatch float64) (string, Metadata, error) {
	start := time.Now()

	_, vec, err := g.patterns.Signature(ctx, record, contextTag)
	if err != nil {
		return "", Metadata{}, fmt.Errorf("promptgen: compute signature: %w", err)
	}

	if g.improved != nil {
		if rec, sim, err := g.improved.GetImproved(ctx, vec, similarityMatch); err != nil {
			return "", Metadata{}, fmt.Errorf("promptgen: get_improved: %w", err)
		} else if rec != nil {
			prompt, err := g.fillPayloadTemplate(rec, record, generationType)
			if err != nil {
				return "", Metadata{}, err
			}
			return prompt, Metadata{
				Source:           domain.SourceImproved,
				Similarity:       &sim,
				PatternID:        rec.ID,
				EnrichmentStatus: enrichment.StatusDisabled,
				GenerationTime:   time.Since(start),
				PromptTokens:     countTokens(prompt),
			}, nil
		}
	}

	if rec, sim, err := g.patterns.BestOf(ctx, domain.PatternPrompt, vec, similarityMatch); err != nil {
		return "", Metadata{}, fmt.Errorf("promptgen: best_of: %w", err)
	} else if rec != nil {
		prompt, err := g.fillPayloadTemplate(rec, record, generationType)
		if err != nil {
			return "", Metadata{}, err
		}
		prompt, status := g.maybeEnrich(ctx, prompt, record, contextTag)
		return prompt, Metadata{
			Source:           domain.SourceReused,
			Similarity:       &sim,
			PatternID:        rec.ID,
			EnrichmentStatus: status,
			GenerationTime:   time.Since(start),
			PromptTokens:     countTokens(prompt),
		}, nil
	}

	raw, ok := resolveContextTemplate(g.templates, contextTag, g.defaultTemplate)
	if !ok {
		return "", Metadata{}, fmt.Errorf("promptgen: no template for context %q and no default template configured", contextTag)
	}
	prompt, err := renderTemplate(raw, record, generationType)
	if err != nil {
		return "", Metadata{}, err
	}
	prompt, status := g.maybeEnrich(ctx, prompt, record, contextTag)
	return prompt, Metadata{
		Source:           domain.SourceFresh,
		EnrichmentStatus: status,
		GenerationTime:   time.Since(start),
		PromptTokens:     countTokens(prompt),
	}, nil
}

// fillPayloadTemplate renders a stored pattern's template payload against
// the current record, so a reused or improved pattern's parameters are
// re-filled rather than replayed verbatim.
func (g *Generator) fillPayloadTemplate(rec *domain.PatternRecord, record domain.Record, generationType string) (string, error) {
	raw, _ := rec.Payload["template"].(string)
	if raw == "" {
		return "", fmt.Errorf("promptgen: pattern %q has no template payload", rec.ID)
	}
	return renderTemplate(raw, record, generationType)
}

// maybeEnrich requests augmentation and appends its summary to prompt, per
// spec.md §4.5 step 5. Any non-OK result leaves prompt untouched and
// reports the resulting status as enrichment_status.
func (g *Generator) maybeEnrich(ctx context.Context, prompt string, record domain.Record, contextTag string) (string, enrichment.Status) {
	if !g.enrich || g.enricher == nil {
		return prompt, enrichment.StatusDisabled
	}

	ctx, cancel := context.WithTimeout(ctx, enrichmentDeadline)
	defer cancel()

	result := g.enricher.Augment(ctx, record, contextTag)
	if result.Status != enrichment.StatusOK || result.Summary == "" {
		return prompt, result.Status
	}
	return prompt + "\n\nAdditional context: " + result.Summary, result.Status
}
