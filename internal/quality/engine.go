// Package quality implements the Quality Improvement Engine: it watches
// validation verdicts and either reinforces a successful prompt pattern or
// derives an amended template for the criteria that scored poorly.
package quality

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/recordguard/recordguard/internal/domain"
)

// exactSignatureSimilarity is the minimum similarity BestOf requires to
// treat a stored pattern as "the same signature" rather than merely
// similar. Signature vectors are deterministic per canonical signature, so
// an exact match scores 1.0; a small tolerance absorbs floating-point
// noise from the embedder.
const exactSignatureSimilarity = 0.999

// criterionThreshold is the default per-criterion acceptance floor. A
// criterion scoring at or above this is never amended, even when the
// overall verdict falls below quality_gate.
const criterionThreshold = 0.70

// SubstrateWriter is the narrow slice of internal/learning.Substrate the
// Quality Improvement Engine depends on. Depending on this interface
// instead of the full substrate keeps the dependency one-way: learning
// never imports quality.
type SubstrateWriter interface {
	Record(ctx context.Context, kind domain.PatternKind, signatureVector domain.Embedding, payload map[string]any, initialStats domain.Stats) (*domain.PatternRecord, error)
	RecordOutcome(ctx context.Context, kind domain.PatternKind, id string, approved bool, overallScore float64) error
	BestOf(ctx context.Context, kind domain.PatternKind, queryVector domain.Embedding, minSimilarity float64) (*domain.PatternRecord, float64, error)
	BestImproved(ctx context.Context, kind domain.PatternKind, queryVector domain.Embedding, minSimilarity float64) (*domain.PatternRecord, float64, error)
	Upsert(ctx context.Context, kind domain.PatternKind, rec *domain.PatternRecord) error
}

// Engine implements spec.md §4.6's algorithm.
type Engine struct {
	writer SubstrateWriter
}

// New constructs an Engine over writer.
func New(writer SubstrateWriter) *Engine {
	return &Engine{writer: writer}
}

// OnVerdict is called by the Orchestrator after each validation verdict.
// qualityGate is the current adaptive threshold (internal/learning's
// Thresholds.QualityGate at call time), passed in rather than read from a
// shared global so the engine has no dependency beyond SubstrateWriter.
func (e *Engine) OnVerdict(ctx context.Context, signatureVector domain.Embedding, promptText string, verdict domain.ValidationVerdict, qualityGate float64) error {
	if verdict.OverallScore >= qualityGate {
		return e.recordSuccess(ctx, signatureVector, promptText, verdict)
	}
	return e.recordImprovement(ctx, signatureVector, promptText, verdict)
}

func (e *Engine) recordSuccess(ctx context.Context, signatureVector domain.Embedding, promptText string, verdict domain.ValidationVerdict) error {
	existing, sim, err := e.writer.BestOf(ctx, domain.PatternPrompt, signatureVector, exactSignatureSimilarity)
	if err != nil {
		return fmt.Errorf("quality: find existing pattern for success: %w", err)
	}
	if existing != nil && sim >= exactSignatureSimilarity {
		return e.writer.RecordOutcome(ctx, domain.PatternPrompt, existing.ID, true, verdict.OverallScore)
	}

	_, err = e.writer.Record(ctx, domain.PatternPrompt, signatureVector,
		map[string]any{"template": promptText, "source": string(domain.SourceFresh)},
		domain.Stats{Uses: 1, Successes: 1, QualitySum: verdict.OverallScore, QualityN: 1},
	)
	if err != nil {
		return fmt.Errorf("quality: record success pattern: %w", err)
	}
	return nil
}

func (e *Engine) recordImprovement(ctx context.Context, signatureVector domain.Embedding, promptText string, verdict domain.ValidationVerdict) error {
	failing := failingCriteria(verdict)
	if len(failing) == 0 {
		// Below quality_gate overall but no single criterion under its own
		// threshold: nothing deterministic to amend. Still record the
		// attempt as a (failed) success-pattern outcome so its
		// reinforcement reflects reality.
		return e.recordFailedOutcome(ctx, signatureVector, verdict)
	}

	improved := buildImprovedTemplate(promptText, failing)

	_, err := e.writer.Record(ctx, domain.PatternPrompt, signatureVector,
		map[string]any{"template": improved, "source": string(domain.SourceImproved), "amended_criteria": criterionStrings(failing)},
		domain.Stats{Uses: 1, Successes: 0, QualitySum: verdict.OverallScore, QualityN: 1},
	)
	if err != nil {
		return fmt.Errorf("quality: record improved_template pattern: %w", err)
	}
	return nil
}

func (e *Engine) recordFailedOutcome(ctx context.Context, signatureVector domain.Embedding, verdict domain.ValidationVerdict) error {
	existing, sim, err := e.writer.BestOf(ctx, domain.PatternPrompt, signatureVector, exactSignatureSimilarity)
	if err != nil {
		return fmt.Errorf("quality: find existing pattern for failed outcome: %w", err)
	}
	if existing == nil || sim < exactSignatureSimilarity {
		return nil
	}
	return e.writer.RecordOutcome(ctx, domain.PatternPrompt, existing.ID, false, verdict.OverallScore)
}

// GetImproved returns the highest-reinforcement improved_template pattern
// for signatureVector whose similarity is at least minSimilarity, per
// spec.md §4.6's get_improved. It ranks only among source=improved_template
// records, so a higher-weighted fresh or reused pattern sharing the same
// signature neighborhood never shadows a qualifying improvement. Returns
// (nil, 0, nil) on no qualifying match — not finding one is not an error.
func (e *Engine) GetImproved(ctx context.Context, signatureVector domain.Embedding, minSimilarity float64) (*domain.PatternRecord, float64, error) {
	rec, sim, err := e.writer.BestImproved(ctx, domain.PatternPrompt, signatureVector, minSimilarity)
	if err != nil {
		return nil, 0, fmt.Errorf("quality: get_improved: %w", err)
	}
	if rec == nil {
		return nil, 0, nil
	}
	return rec, sim, nil
}

func failingCriteria(verdict domain.ValidationVerdict) []domain.CriterionName {
	var failing []domain.CriterionName
	for criterion, score := range verdict.PerCriterion {
		if score < criterionThreshold {
			if _, ok := amendmentFor(criterion); ok {
				failing = append(failing, criterion)
			}
		}
	}
	sort.Slice(failing, func(i, j int) bool { return failing[i] < failing[j] })
	return failing
}

func buildImprovedTemplate(base string, failing []domain.CriterionName) string {
	var b strings.Builder
	b.WriteString(base)
	for _, criterion := range failing {
		block, ok := amendmentFor(criterion)
		if !ok {
			continue
		}
		b.WriteString("\n\n")
		b.WriteString(block)
	}
	return b.String()
}

func criterionStrings(criteria []domain.CriterionName) []string {
	out := make([]string, len(criteria))
	for i, c := range criteria {
		out[i] = string(c)
	}
	return out
}
