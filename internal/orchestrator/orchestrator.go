// Package orchestrator implements the Pipeline Orchestrator: it sequences
// pseudonymization, prompt generation, the external LLM call, blocking
// validation with a bounded regeneration retry, and learning feedback, per
// spec.md §4.8. It is the one component allowed to depend on every other
// component's concrete type directly — the one-way dependency chain runs
// Orchestrator → {Pseudonymizer, PromptGenerator, Validator, Substrate,
// QualityEngine}, never the reverse.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/recordguard/recordguard/internal/domain"
	"github.com/recordguard/recordguard/internal/learning"
	"github.com/recordguard/recordguard/internal/promptgen"
	"github.com/recordguard/recordguard/internal/quality"
	"github.com/recordguard/recordguard/internal/tracing"
)

const phase = "orchestrator"

// cancellationGraceWindow bounds how quickly cooperative cancellation is
// expected to release a pipeline's concurrency slot once the caller's
// context ends (spec.md §4.8 cancellation clause).
const cancellationGraceWindow = 250 * time.Millisecond

// Pseudonymizer is the narrow slice of internal/pseudonymize.Pseudonymizer
// the Orchestrator depends on.
type Pseudonymizer interface {
	Pseudonymize(ctx context.Context, record domain.Record) (domain.Record, *domain.PseudonymMapping, error)
	Repersonalize(ctx context.Context, redacted domain.Record, pseudonymID string) (domain.Record, error)
}

// PromptGenerator is the narrow slice of internal/promptgen.Generator the
// Orchestrator depends on.
type PromptGenerator interface {
	Generate(ctx context.Context, record domain.Record, contextTag, generationType string, similarityMatch float64) (string, promptgen.Metadata, error)
}

// Validator is the narrow slice of internal/validator.Gate the Orchestrator
// depends on.
type Validator interface {
	Validate(ctx context.Context, prompt string, record domain.Record, response string) (domain.ValidationVerdict, error)
}

// Substrate is the narrow slice of internal/learning.Substrate the
// Orchestrator depends on directly for the feedback stage's raw-interaction
// append (separate from the Quality Improvement Engine's own prompt-pattern
// bookkeeping, which it reaches through its own SubstrateWriter).
type Substrate interface {
	Signature(ctx context.Context, record domain.Record, contextTag string) (string, domain.Embedding, error)
	Record(ctx context.Context, kind domain.PatternKind, signatureVector domain.Embedding, payload map[string]any, initialStats domain.Stats) (*domain.PatternRecord, error)
}

// ThresholdSource is the narrow slice of internal/learning.ThresholdManager
// used to read the current adaptive thresholds.
type ThresholdSource interface {
	Current() learning.Thresholds
}

// QualityEngine is the narrow slice of internal/quality.Engine the
// Orchestrator depends on.
type QualityEngine interface {
	OnVerdict(ctx context.Context, signatureVector domain.Embedding, promptText string, verdict domain.ValidationVerdict, qualityGate float64) error
}

// Orchestrator implements spec.md §4.8's single-request sequence with
// semaphore-based admission control for backpressure.
type Orchestrator struct {
	pseudonymizer Pseudonymizer
	promptGen     PromptGenerator
	backend       Backend
	validator     Validator
	substrate     Substrate
	thresholds    ThresholdSource
	quality       QualityEngine

	admission chan struct{} // sized maxConcurrent+queueSize; overflow is immediate overloaded
	running   chan struct{} // sized maxConcurrent; the actual concurrency gate
}

// New constructs an Orchestrator. maxConcurrent bounds pipelines running at
// once; queueSize bounds pipelines waiting for a slot before the caller
// receives `overloaded`.
func New(
	pseudonymizer Pseudonymizer,
	promptGen PromptGenerator,
	backend Backend,
	v Validator,
	substrate Substrate,
	thresholds ThresholdSource,
	qualityEngine QualityEngine,
	maxConcurrent, queueSize int,
) *Orchestrator {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Orchestrator{
		pseudonymizer: pseudonymizer,
		promptGen:     promptGen,
		backend:       backend,
		validator:     v,
		substrate:     substrate,
		thresholds:    thresholds,
		quality:       qualityEngine,
		admission:     make(chan struct{}, maxConcurrent+queueSize),
		running:       make(chan struct{}, maxConcurrent),
	}
}

// Analyze implements the POST /analyze contract: pseudonymize → prompt
// generation → LLM call → blocking validation (+ retry) → learning
// feedback → optional repersonalize.
func (o *Orchestrator) Analyze(ctx context.Context, req domain.PipelineRequest) (domain.PipelineResult, error) {
	select {
	case o.admission <- struct{}{}:
	default:
		return domain.PipelineResult{}, domain.NewError(domain.ErrOverloaded, phase, "max concurrency and queue depth exceeded", nil)
	}
	defer func() { <-o.admission }()

	select {
	case o.running <- struct{}{}:
	case <-ctx.Done():
		return domain.PipelineResult{}, ctx.Err()
	}
	defer func() { <-o.running }()

	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	ctx, span := tracing.StartPipelineSpan(ctx, req.RequestID)
	defer span.End()
	tracing.SetRequestAttributes(ctx, req.RequestID, req.Config.ContextTag, req.Config.EnableEnrichment)

	return o.runRecovered(ctx, req)
}

// runRecovered wraps run with panic recovery so a misbehaving dependency
// cannot take down the caller's goroutine; a recovered panic surfaces as a
// dependency_unavailable error.
func (o *Orchestrator) runRecovered(ctx context.Context, req domain.PipelineRequest) (result domain.PipelineResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			tracing.RecordError(ctx, fmt.Errorf("panic: %v", r))
			err = domain.NewError(domain.ErrDependencyUnavailable, phase, fmt.Sprintf("recovered panic: %v", r), nil)
		}
	}()
	return o.run(ctx, req)
}

func (o *Orchestrator) run(ctx context.Context, req domain.PipelineRequest) (domain.PipelineResult, error) {
	start := time.Now()
	result := domain.PipelineResult{RequestID: req.RequestID}

	redacted, mapping, err := o.pseudonymize(ctx, req, &result)
	if err != nil {
		return result, err
	}

	thresholds := o.thresholds.Current()

	promptText, verdict, attempts, err := o.generateAndValidate(ctx, req, redacted, thresholds, &result)
	if err != nil {
		return result, err
	}

	result.Verdict = &verdict
	tracing.SetResultAttributes(ctx, verdict.Approved, verdict.OverallScore, result.Provenance.CacheHit)

	o.recordFeedback(ctx, req, redacted, promptText, verdict, thresholds, &result)

	if !verdict.Approved {
		result.Analysis = ""
		return result, domain.NewError(domain.ErrValidationRejected, phase, fmt.Sprintf("rejected after %d attempt(s): %s", attempts, verdict.Rationale), nil)
	}

	if req.Config.RepersonalizeOnExit {
		o.repersonalize(ctx, mapping.PseudonymID, redacted, &result)
	}

	result.Timings.TotalMS = time.Since(start).Milliseconds()
	return result, nil
}

func (o *Orchestrator) pseudonymize(ctx context.Context, req domain.PipelineRequest, result *domain.PipelineResult) (domain.Record, *domain.PseudonymMapping, error) {
	stageCtx, span := tracing.StartStageSpan(ctx, "pseudonymize")
	defer span.End()

	stageStart := time.Now()
	redacted, mapping, err := o.pseudonymizer.Pseudonymize(stageCtx, req.Input)
	result.Timings.PseudonymizeMS = time.Since(stageStart).Milliseconds()
	if err != nil {
		tracing.RecordError(stageCtx, err)
		return nil, nil, domain.NewError(domain.ErrPIIFailure, phase, "pseudonymization failed", err)
	}

	result.PseudonymID = mapping.PseudonymID
	result.RedactedData = redacted
	return redacted, mapping, nil
}

// generateAndValidate runs spec.md §4.8 steps 3-5: prompt generation, the
// LLM call, and blocking validation, looping on a rejected verdict with the
// weakest-criterion amendment hint folded into the regenerated prompt, up
// to req.Config.RetryPolicy.MaxAttempts total attempts sharing the original
// deadline.
func (o *Orchestrator) generateAndValidate(ctx context.Context, req domain.PipelineRequest, redacted domain.Record, thresholds learning.Thresholds, result *domain.PipelineResult) (string, domain.ValidationVerdict, int, error) {
	maxAttempts := req.Config.RetryPolicy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var (
		promptText    string
		verdict       domain.ValidationVerdict
		amendmentHint string
	)

	attempts := 0
	for {
		attempts++

		prompt, meta, err := o.generatePrompt(ctx, req, redacted, thresholds, result)
		if err != nil {
			return "", domain.ValidationVerdict{}, attempts, err
		}
		promptText = prompt
		if amendmentHint != "" {
			promptText = promptText + "\n\n" + amendmentHint
		}
		result.Provenance = provenanceFromMetadata(meta)

		response, err := o.invokeBackend(ctx, promptText, result)
		if err != nil {
			return "", domain.ValidationVerdict{}, attempts, err
		}

		if !req.Config.EnableBlockingValidation {
			result.Analysis = response
			return promptText, skippedVerdict(), attempts, nil
		}

		verdict, err = o.validate(ctx, promptText, redacted, response, result)
		if err != nil {
			return "", domain.ValidationVerdict{}, attempts, err
		}
		result.Analysis = response

		if verdict.Approved || attempts >= maxAttempts {
			return promptText, verdict, attempts, nil
		}

		_, hint, ok := quality.WeakestCriterion(verdict)
		if !ok {
			return promptText, verdict, attempts, nil
		}
		amendmentHint = hint

		if ctx.Err() != nil {
			return promptText, verdict, attempts, nil
		}
	}
}

// skippedVerdict is the synthesized verdict for requests that opt out of
// blocking validation: they are treated as approved without ever calling
// the Validator Gate.
func skippedVerdict() domain.ValidationVerdict {
	return domain.ValidationVerdict{
		Approved:     true,
		QualityLevel: domain.QualityAcceptable,
		Rationale:    "validation_disabled",
	}
}

func provenanceFromMetadata(meta promptgen.Metadata) domain.Provenance {
	p := domain.Provenance{
		Source:           meta.Source,
		PatternID:        meta.PatternID,
		EnrichmentStatus: domain.EnrichmentStatus(meta.EnrichmentStatus),
	}
	if meta.Similarity != nil {
		p.Similarity = *meta.Similarity
	}
	p.CacheHit = meta.Source == domain.SourceReused || meta.Source == domain.SourceImproved
	return p
}

func (o *Orchestrator) generatePrompt(ctx context.Context, req domain.PipelineRequest, redacted domain.Record, thresholds learning.Thresholds, result *domain.PipelineResult) (string, promptgen.Metadata, error) {
	stageCtx, span := tracing.StartStageSpan(ctx, "prompt_generate")
	defer span.End()

	start := time.Now()
	prompt, meta, err := o.promptGen.Generate(stageCtx, redacted, req.Config.ContextTag, req.Config.GenerationType, thresholds.SimilarityMatch)
	result.Timings.PromptGenMS += time.Since(start).Milliseconds()
	if err != nil {
		tracing.RecordError(stageCtx, err)
		return "", promptgen.Metadata{}, domain.NewError(domain.ErrDependencyUnavailable, phase, "prompt generation failed", err)
	}
	return prompt, meta, nil
}

func (o *Orchestrator) invokeBackend(ctx context.Context, promptText string, result *domain.PipelineResult) (string, error) {
	stageCtx, span := tracing.StartStageSpan(ctx, "generate")
	defer span.End()

	start := time.Now()
	response, err := o.backend.Generate(stageCtx, promptText)
	result.Timings.GenerationMS += time.Since(start).Milliseconds()
	if err != nil {
		tracing.RecordError(stageCtx, err)
		return "", domain.NewError(domain.ErrTimeout, phase, "generation call failed", err)
	}
	return response, nil
}

func (o *Orchestrator) validate(ctx context.Context, promptText string, redacted domain.Record, response string, result *domain.PipelineResult) (domain.ValidationVerdict, error) {
	stageCtx, span := tracing.StartStageSpan(ctx, "validate")
	defer span.End()

	start := time.Now()
	verdict, err := o.validator.Validate(stageCtx, promptText, redacted, response)
	result.Timings.ValidationMS += time.Since(start).Milliseconds()
	if err != nil {
		tracing.RecordError(stageCtx, err)
		return domain.ValidationVerdict{}, domain.NewError(domain.ErrDependencyUnavailable, phase, "validation call failed", err)
	}
	return verdict, nil
}

// recordFeedback implements spec.md §4.8 step 6: Quality Improvement Engine
// invocation and Learning Substrate append run in parallel; failures are
// non-fatal and are attached to the result as metadata.
func (o *Orchestrator) recordFeedback(ctx context.Context, req domain.PipelineRequest, redacted domain.Record, promptText string, verdict domain.ValidationVerdict, thresholds learning.Thresholds, result *domain.PipelineResult) {
	stageCtx, span := tracing.StartStageSpan(ctx, "feedback")
	defer span.End()
	start := time.Now()
	defer func() { result.Timings.FeedbackMS = time.Since(start).Milliseconds() }()

	if !req.Config.EnableLearning {
		return
	}

	_, sigVec, err := o.substrate.Signature(stageCtx, redacted, req.Config.ContextTag)
	if err != nil {
		result.FeedbackErr = fmt.Sprintf("signature: %v", err)
		return
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := o.quality.OnVerdict(stageCtx, sigVec, promptText, verdict, thresholds.QualityGate); err != nil {
			errs <- fmt.Errorf("quality engine: %w", err)
		}
	}()
	go func() {
		defer wg.Done()
		stats := domain.Stats{Uses: 1, QualitySum: verdict.OverallScore, QualityN: 1}
		if verdict.Approved {
			stats.Successes = 1
		}
		payload := map[string]any{"overall_score": verdict.OverallScore, "approved": verdict.Approved}
		if _, err := o.substrate.Record(stageCtx, domain.PatternValidation, sigVec, payload, stats); err != nil {
			errs <- fmt.Errorf("substrate append: %w", err)
		}
	}()
	wg.Wait()
	close(errs)

	var messages []string
	for err := range errs {
		tracing.RecordError(stageCtx, err)
		messages = append(messages, err.Error())
	}
	if len(messages) > 0 {
		result.FeedbackErr = strings.Join(messages, "; ")
	}
}

func (o *Orchestrator) repersonalize(ctx context.Context, pseudonymID string, redacted domain.Record, result *domain.PipelineResult) {
	stageCtx, span := tracing.StartStageSpan(ctx, "repersonalize")
	defer span.End()

	original, err := o.pseudonymizer.Repersonalize(stageCtx, redacted, pseudonymID)
	if err != nil {
		tracing.RecordError(stageCtx, err)
		return
	}
	result.RedactedData = original
}

// IsOverloaded reports whether err is the domain.PipelineError signaling
// admission overflow.
func IsOverloaded(err error) bool {
	var pe *domain.PipelineError
	return errors.As(err, &pe) && pe.Kind == domain.ErrOverloaded
}
