package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/recordguard/recordguard/internal/domain"
	"github.com/recordguard/recordguard/internal/httpx"
	"github.com/recordguard/recordguard/internal/learning"
	"github.com/recordguard/recordguard/internal/orchestrator/mock"
	"github.com/recordguard/recordguard/internal/promptgen"
)

type stubPseudonymizer struct {
	failPseudonymize bool
	repersonalizeN   int
}

func (s *stubPseudonymizer) Pseudonymize(ctx context.Context, record domain.Record) (domain.Record, *domain.PseudonymMapping, error) {
	if s.failPseudonymize {
		return nil, nil, errors.New("boom")
	}
	redacted := record.Clone()
	redacted["account_id"] = "PSEUDO-1"
	return redacted, &domain.PseudonymMapping{PseudonymID: "pseudo-1"}, nil
}

func (s *stubPseudonymizer) Repersonalize(ctx context.Context, redacted domain.Record, pseudonymID string) (domain.Record, error) {
	s.repersonalizeN++
	out := redacted.Clone()
	out["account_id"] = "ACC-ORIGINAL"
	return out, nil
}

type stubPromptGen struct {
	fail   bool
	prompt string
}

func (s *stubPromptGen) Generate(ctx context.Context, record domain.Record, contextTag, generationType string, similarityMatch float64) (string, promptgen.Metadata, error) {
	if s.fail {
		return "", promptgen.Metadata{}, errors.New("no template")
	}
	p := s.prompt
	if p == "" {
		p = "analyze this record"
	}
	return p, promptgen.Metadata{Source: domain.SourceFresh}, nil
}

type stubValidator struct {
	fail      bool
	responses []domain.ValidationVerdict
	calls     int
	seenTexts []string
}

func (s *stubValidator) Validate(ctx context.Context, prompt string, record domain.Record, response string) (domain.ValidationVerdict, error) {
	s.seenTexts = append(s.seenTexts, prompt)
	if s.fail {
		return domain.ValidationVerdict{}, errors.New("validator down")
	}
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	return s.responses[idx], nil
}

type stubSubstrate struct {
	failSignature bool
	failRecord    bool
	recordCalls   int
	mu            sync.Mutex
}

func (s *stubSubstrate) Signature(ctx context.Context, record domain.Record, contextTag string) (string, domain.Embedding, error) {
	if s.failSignature {
		return "", nil, errors.New("embed failure")
	}
	return "sig", domain.Embedding{0.1, 0.2, 0.3}, nil
}

func (s *stubSubstrate) Record(ctx context.Context, kind domain.PatternKind, signatureVector domain.Embedding, payload map[string]any, initialStats domain.Stats) (*domain.PatternRecord, error) {
	s.mu.Lock()
	s.recordCalls++
	s.mu.Unlock()
	if s.failRecord {
		return nil, errors.New("substrate write failed")
	}
	return &domain.PatternRecord{ID: "rec-1"}, nil
}

type stubThresholds struct{}

func (stubThresholds) Current() learning.Thresholds { return learning.DefaultThresholds() }

type stubQualityEngine struct {
	fail  bool
	calls int
	mu    sync.Mutex
}

func (q *stubQualityEngine) OnVerdict(ctx context.Context, signatureVector domain.Embedding, promptText string, verdict domain.ValidationVerdict, qualityGate float64) error {
	q.mu.Lock()
	q.calls++
	q.mu.Unlock()
	if q.fail {
		return errors.New("quality engine failed")
	}
	return nil
}

func approvedVerdict() domain.ValidationVerdict {
	return domain.ValidationVerdict{
		OverallScore: 0.90,
		Approved:     true,
		QualityLevel: domain.QualityHigh,
		Rationale:    "scored",
		PerCriterion: map[domain.CriterionName]float64{
			domain.CriterionAccuracy:     0.9,
			domain.CriterionCompleteness: 0.9,
			domain.CriterionClarity:      0.9,
			domain.CriterionRelevance:    0.9,
			domain.CriterionStructural:   0.9,
		},
	}
}

func rejectedVerdict(weakest domain.CriterionName) domain.ValidationVerdict {
	v := approvedVerdict()
	v.Approved = false
	v.OverallScore = 0.40
	v.QualityLevel = domain.QualityPoor
	for c := range v.PerCriterion {
		v.PerCriterion[c] = 0.80
	}
	v.PerCriterion[weakest] = 0.10
	return v
}

func sampleRecord() domain.Record {
	return domain.Record{"account_id": "ACC-1", "amount": 42.0}
}

func newOrchestrator(t *testing.T, backend Backend, v Validator, pg PromptGenerator, ps Pseudonymizer, sub Substrate, qe QualityEngine, maxConcurrent, queueSize int) *Orchestrator {
	t.Helper()
	return New(ps, pg, backend, v, sub, stubThresholds{}, qe, maxConcurrent, queueSize)
}

func TestAnalyze_HappyPath(t *testing.T) {
	srv := mock.New()
	defer srv.Close()
	backend := NewHTTPBackend(srv.URL, "", 5*time.Second, httpx.NewRegistry(5, time.Minute, 1))

	ps := &stubPseudonymizer{}
	pg := &stubPromptGen{}
	v := &stubValidator{responses: []domain.ValidationVerdict{approvedVerdict()}}
	sub := &stubSubstrate{}
	qe := &stubQualityEngine{}

	o := newOrchestrator(t, backend, v, pg, ps, sub, qe, 4, 4)

	req := domain.PipelineRequest{
		RequestID: "req-1",
		Input:     sampleRecord(),
		Config: domain.PipelineConfig{
			EnableLearning:           true,
			EnableBlockingValidation: true,
			ContextTag:               "fraud_review",
			RetryPolicy:              domain.RetryPolicy{MaxAttempts: 3},
		},
		Deadline: time.Now().Add(5 * time.Second),
	}

	result, err := o.Analyze(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Verdict == nil || !result.Verdict.Approved {
		t.Fatalf("expected an approved verdict, got %+v", result.Verdict)
	}
	if result.Analysis == "" {
		t.Error("expected a non-empty analysis")
	}
	if sub.recordCalls != 1 {
		t.Errorf("expected exactly one substrate record call, got %d", sub.recordCalls)
	}
	if qe.calls != 1 {
		t.Errorf("expected exactly one quality engine call, got %d", qe.calls)
	}
	if result.FeedbackErr != "" {
		t.Errorf("expected no feedback error, got %q", result.FeedbackErr)
	}
}

func TestAnalyze_RetriesWithWeakestCriterionHint(t *testing.T) {
	srv := mock.New()
	defer srv.Close()
	srv.SetOmitSections(true)
	backend := NewHTTPBackend(srv.URL, "", 5*time.Second, httpx.NewRegistry(5, time.Minute, 1))

	ps := &stubPseudonymizer{}
	pg := &stubPromptGen{}
	v := &stubValidator{responses: []domain.ValidationVerdict{
		rejectedVerdict(domain.CriterionStructural),
		approvedVerdict(),
	}}
	sub := &stubSubstrate{}
	qe := &stubQualityEngine{}

	o := newOrchestrator(t, backend, v, pg, ps, sub, qe, 4, 4)

	req := domain.PipelineRequest{
		RequestID: "req-2",
		Input:     sampleRecord(),
		Config: domain.PipelineConfig{
			EnableBlockingValidation: true,
			RetryPolicy:              domain.RetryPolicy{MaxAttempts: 3},
		},
		Deadline: time.Now().Add(5 * time.Second),
	}

	result, err := o.Analyze(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Verdict.Approved {
		t.Fatal("expected the retry to eventually be approved")
	}
	if v.calls != 2 {
		t.Fatalf("expected exactly 2 validation calls, got %d", v.calls)
	}
	if !strings.Contains(v.seenTexts[1], "explicit section markers") {
		t.Error("expected the second validation attempt's prompt to carry the structural amendment hint")
	}
}

func TestAnalyze_ExhaustsRetriesAndRejects(t *testing.T) {
	srv := mock.New()
	defer srv.Close()
	backend := NewHTTPBackend(srv.URL, "", 5*time.Second, httpx.NewRegistry(5, time.Minute, 1))

	ps := &stubPseudonymizer{}
	pg := &stubPromptGen{}
	v := &stubValidator{responses: []domain.ValidationVerdict{
		rejectedVerdict(domain.CriterionAccuracy),
		rejectedVerdict(domain.CriterionAccuracy),
	}}
	sub := &stubSubstrate{}
	qe := &stubQualityEngine{}

	o := newOrchestrator(t, backend, v, pg, ps, sub, qe, 4, 4)

	req := domain.PipelineRequest{
		RequestID: "req-3",
		Input:     sampleRecord(),
		Config: domain.PipelineConfig{
			EnableBlockingValidation: true,
			RetryPolicy:              domain.RetryPolicy{MaxAttempts: 2},
		},
		Deadline: time.Now().Add(5 * time.Second),
	}

	result, err := o.Analyze(context.Background(), req)
	if err == nil {
		t.Fatal("expected a validation_rejected error")
	}
	var pe *domain.PipelineError
	if !errors.As(err, &pe) || pe.Kind != domain.ErrValidationRejected {
		t.Fatalf("expected ErrValidationRejected, got %v", err)
	}
	if result.Verdict == nil || result.Verdict.Approved {
		t.Error("expected the result to still carry the final rejected verdict")
	}
	if result.Analysis != "" {
		t.Error("expected analysis to be absent on a rejected result")
	}
	if v.calls != 2 {
		t.Errorf("expected exactly 2 attempts (MaxAttempts), got %d", v.calls)
	}
}

func TestAnalyze_PseudonymizeFailureReturnsPIIFailure(t *testing.T) {
	srv := mock.New()
	defer srv.Close()
	backend := NewHTTPBackend(srv.URL, "", 5*time.Second, httpx.NewRegistry(5, time.Minute, 1))

	ps := &stubPseudonymizer{failPseudonymize: true}
	pg := &stubPromptGen{}
	v := &stubValidator{}
	sub := &stubSubstrate{}
	qe := &stubQualityEngine{}

	o := newOrchestrator(t, backend, v, pg, ps, sub, qe, 4, 4)

	req := domain.PipelineRequest{
		RequestID: "req-4",
		Input:     sampleRecord(),
		Config:    domain.PipelineConfig{EnableBlockingValidation: true, RetryPolicy: domain.RetryPolicy{MaxAttempts: 1}},
		Deadline:  time.Now().Add(5 * time.Second),
	}

	_, err := o.Analyze(context.Background(), req)
	var pe *domain.PipelineError
	if !errors.As(err, &pe) || pe.Kind != domain.ErrPIIFailure {
		t.Fatalf("expected ErrPIIFailure, got %v", err)
	}
}

func TestAnalyze_PromptGenerationFailureReturnsDependencyUnavailable(t *testing.T) {
	srv := mock.New()
	defer srv.Close()
	backend := NewHTTPBackend(srv.URL, "", 5*time.Second, httpx.NewRegistry(5, time.Minute, 1))

	ps := &stubPseudonymizer{}
	pg := &stubPromptGen{fail: true}
	v := &stubValidator{}
	sub := &stubSubstrate{}
	qe := &stubQualityEngine{}

	o := newOrchestrator(t, backend, v, pg, ps, sub, qe, 4, 4)

	req := domain.PipelineRequest{
		RequestID: "req-5",
		Input:     sampleRecord(),
		Config:    domain.PipelineConfig{EnableBlockingValidation: true, RetryPolicy: domain.RetryPolicy{MaxAttempts: 1}},
		Deadline:  time.Now().Add(5 * time.Second),
	}

	_, err := o.Analyze(context.Background(), req)
	var pe *domain.PipelineError
	if !errors.As(err, &pe) || pe.Kind != domain.ErrDependencyUnavailable {
		t.Fatalf("expected ErrDependencyUnavailable, got %v", err)
	}
}

func TestAnalyze_GenerationFailureReturnsTimeout(t *testing.T) {
	srv := mock.New()
	defer srv.Close()
	srv.SetFailing(true)
	backend := NewHTTPBackend(srv.URL, "", 5*time.Second, httpx.NewRegistry(5, time.Minute, 1))

	ps := &stubPseudonymizer{}
	pg := &stubPromptGen{}
	v := &stubValidator{}
	sub := &stubSubstrate{}
	qe := &stubQualityEngine{}

	o := newOrchestrator(t, backend, v, pg, ps, sub, qe, 4, 4)

	req := domain.PipelineRequest{
		RequestID: "req-6",
		Input:     sampleRecord(),
		Config:    domain.PipelineConfig{EnableBlockingValidation: true, RetryPolicy: domain.RetryPolicy{MaxAttempts: 1}},
		Deadline:  time.Now().Add(5 * time.Second),
	}

	_, err := o.Analyze(context.Background(), req)
	var pe *domain.PipelineError
	if !errors.As(err, &pe) || pe.Kind != domain.ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestAnalyze_ValidationCallFailureReturnsDependencyUnavailable(t *testing.T) {
	srv := mock.New()
	defer srv.Close()
	backend := NewHTTPBackend(srv.URL, "", 5*time.Second, httpx.NewRegistry(5, time.Minute, 1))

	ps := &stubPseudonymizer{}
	pg := &stubPromptGen{}
	v := &stubValidator{fail: true}
	sub := &stubSubstrate{}
	qe := &stubQualityEngine{}

	o := newOrchestrator(t, backend, v, pg, ps, sub, qe, 4, 4)

	req := domain.PipelineRequest{
		RequestID: "req-7",
		Input:     sampleRecord(),
		Config:    domain.PipelineConfig{EnableBlockingValidation: true, RetryPolicy: domain.RetryPolicy{MaxAttempts: 1}},
		Deadline:  time.Now().Add(5 * time.Second),
	}

	_, err := o.Analyze(context.Background(), req)
	var pe *domain.PipelineError
	if !errors.As(err, &pe) || pe.Kind != domain.ErrDependencyUnavailable {
		t.Fatalf("expected ErrDependencyUnavailable, got %v", err)
	}
}

func TestAnalyze_SkipsValidationWhenBlockingValidationDisabled(t *testing.T) {
	srv := mock.New()
	defer srv.Close()
	backend := NewHTTPBackend(srv.URL, "", 5*time.Second, httpx.NewRegistry(5, time.Minute, 1))

	ps := &stubPseudonymizer{}
	pg := &stubPromptGen{}
	v := &stubValidator{}
	sub := &stubSubstrate{}
	qe := &stubQualityEngine{}

	o := newOrchestrator(t, backend, v, pg, ps, sub, qe, 4, 4)

	req := domain.PipelineRequest{
		RequestID: "req-8",
		Input:     sampleRecord(),
		Config:    domain.PipelineConfig{EnableBlockingValidation: false, RetryPolicy: domain.RetryPolicy{MaxAttempts: 1}},
		Deadline:  time.Now().Add(5 * time.Second),
	}

	result, err := o.Analyze(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.calls != 0 {
		t.Errorf("expected the validator never to be called, got %d calls", v.calls)
	}
	if result.Verdict == nil || result.Verdict.Rationale != "validation_disabled" {
		t.Errorf("expected a validation_disabled synthesized verdict, got %+v", result.Verdict)
	}
}

func TestAnalyze_FeedbackFailureIsNonFatal(t *testing.T) {
	srv := mock.New()
	defer srv.Close()
	backend := NewHTTPBackend(srv.URL, "", 5*time.Second, httpx.NewRegistry(5, time.Minute, 1))

	ps := &stubPseudonymizer{}
	pg := &stubPromptGen{}
	v := &stubValidator{responses: []domain.ValidationVerdict{approvedVerdict()}}
	sub := &stubSubstrate{failRecord: true}
	qe := &stubQualityEngine{fail: true}

	o := newOrchestrator(t, backend, v, pg, ps, sub, qe, 4, 4)

	req := domain.PipelineRequest{
		RequestID: "req-9",
		Input:     sampleRecord(),
		Config:    domain.PipelineConfig{EnableLearning: true, EnableBlockingValidation: true, RetryPolicy: domain.RetryPolicy{MaxAttempts: 1}},
		Deadline:  time.Now().Add(5 * time.Second),
	}

	result, err := o.Analyze(context.Background(), req)
	if err != nil {
		t.Fatalf("expected feedback failures to be non-fatal, got error: %v", err)
	}
	if result.FeedbackErr == "" {
		t.Error("expected FeedbackErr to carry both failures' detail")
	}
	if !strings.Contains(result.FeedbackErr, "quality engine") || !strings.Contains(result.FeedbackErr, "substrate append") {
		t.Errorf("expected both feedback failures attached, got %q", result.FeedbackErr)
	}
}

func TestAnalyze_RepersonalizesOnExit(t *testing.T) {
	srv := mock.New()
	defer srv.Close()
	backend := NewHTTPBackend(srv.URL, "", 5*time.Second, httpx.NewRegistry(5, time.Minute, 1))

	ps := &stubPseudonymizer{}
	pg := &stubPromptGen{}
	v := &stubValidator{responses: []domain.ValidationVerdict{approvedVerdict()}}
	sub := &stubSubstrate{}
	qe := &stubQualityEngine{}

	o := newOrchestrator(t, backend, v, pg, ps, sub, qe, 4, 4)

	req := domain.PipelineRequest{
		RequestID: "req-10",
		Input:     sampleRecord(),
		Config: domain.PipelineConfig{
			EnableBlockingValidation: true,
			RepersonalizeOnExit:      true,
			RetryPolicy:              domain.RetryPolicy{MaxAttempts: 1},
		},
		Deadline: time.Now().Add(5 * time.Second),
	}

	result, err := o.Analyze(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ps.repersonalizeN != 1 {
		t.Errorf("expected exactly one repersonalize call, got %d", ps.repersonalizeN)
	}
	if result.RedactedData["account_id"] != "ACC-ORIGINAL" {
		t.Errorf("expected the repersonalized record in the result, got %+v", result.RedactedData)
	}
}

func TestAnalyze_OverloadedWhenAdmissionQueueIsFull(t *testing.T) {
	srv := mock.New()
	defer srv.Close()
	backend := NewHTTPBackend(srv.URL, "", 5*time.Second, httpx.NewRegistry(5, time.Minute, 1))

	ps := &stubPseudonymizer{}
	pg := &stubPromptGen{}
	sub := &stubSubstrate{}
	qe := &stubQualityEngine{}

	// Saturate the single concurrency slot with a request blocked on a
	// context that never completes until we release it.
	blockCtx, release := context.WithCancel(context.Background())
	blockingValidator := &blockingValidatorStub{unblock: blockCtx}
	blocked := New(ps, pg, backend, blockingValidator, sub, stubThresholds{}, qe, 1, 0)

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		close(started)
		_, _ = blocked.Analyze(context.Background(), domain.PipelineRequest{
			RequestID: "blocker",
			Input:     sampleRecord(),
			Config:    domain.PipelineConfig{EnableBlockingValidation: true, RetryPolicy: domain.RetryPolicy{MaxAttempts: 1}},
			Deadline:  time.Now().Add(5 * time.Second),
		})
		close(done)
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	_, err := blocked.Analyze(context.Background(), domain.PipelineRequest{
		RequestID: "overflow",
		Input:     sampleRecord(),
		Config:    domain.PipelineConfig{EnableBlockingValidation: true, RetryPolicy: domain.RetryPolicy{MaxAttempts: 1}},
		Deadline:  time.Now().Add(5 * time.Second),
	})
	if !IsOverloaded(err) {
		t.Fatalf("expected overloaded error, got %v", err)
	}

	release()
	<-done
}

// blockingValidatorStub blocks Validate until unblock's context is canceled,
// simulating an in-flight request holding its concurrency slot.
type blockingValidatorStub struct {
	unblock context.Context
}

func (b *blockingValidatorStub) Validate(ctx context.Context, prompt string, record domain.Record, response string) (domain.ValidationVerdict, error) {
	select {
	case <-b.unblock.Done():
		return approvedVerdict(), nil
	case <-ctx.Done():
		return domain.ValidationVerdict{}, ctx.Err()
	}
}

func TestAnalyze_CancellationReleasesSlotPromptly(t *testing.T) {
	srv := mock.New()
	defer srv.Close()
	backend := NewHTTPBackend(srv.URL, "", 5*time.Second, httpx.NewRegistry(5, time.Minute, 1))

	ps := &stubPseudonymizer{}
	pg := &stubPromptGen{}
	sub := &stubSubstrate{}
	qe := &stubQualityEngine{}

	neverCtx, cancelNever := context.WithCancel(context.Background())
	defer cancelNever()
	v := &blockingValidatorStub{unblock: neverCtx}

	o := newOrchestrator(t, backend, v, pg, ps, sub, qe, 1, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := o.Analyze(ctx, domain.PipelineRequest{
		RequestID: "cancel-me",
		Input:     sampleRecord(),
		Config:    domain.PipelineConfig{EnableBlockingValidation: true, RetryPolicy: domain.RetryPolicy{MaxAttempts: 1}},
	})
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected an error from the canceled context")
	}
	if elapsed > cancellationGraceWindow+500*time.Millisecond {
		t.Errorf("expected cancellation to unwind promptly, took %v", elapsed)
	}

	// Unblocks the stub validator so a subsequent call on the SAME
	// orchestrator proves its concurrency slot was actually released, not
	// merely that a fresh orchestrator has its own free slot.
	cancelNever()

	if _, err := o.Analyze(context.Background(), domain.PipelineRequest{
		RequestID: "after-cancel",
		Input:     sampleRecord(),
		Config:    domain.PipelineConfig{EnableBlockingValidation: true, RetryPolicy: domain.RetryPolicy{MaxAttempts: 1}},
		Deadline:  time.Now().Add(5 * time.Second),
	}); err != nil {
		t.Fatalf("expected the same orchestrator's slot to have been released, got %v", err)
	}
}
