package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/recordguard/recordguard/internal/domain"
	"github.com/recordguard/recordguard/internal/enrichment"
	"github.com/recordguard/recordguard/internal/promptgen"
)

func zerologDiscard() zerolog.Logger {
	return zerolog.New(io.Discard)
}

type stubAnalyzer struct {
	result domain.PipelineResult
	err    error
}

func (s *stubAnalyzer) Analyze(_ context.Context, _ domain.PipelineRequest) (domain.PipelineResult, error) {
	return s.result, s.err
}

type stubPseudonymizer struct {
	mapping *domain.PseudonymMapping
	redact  domain.Record
	original domain.Record
	pErr    error
	rErr    error
}

func (s *stubPseudonymizer) Pseudonymize(_ context.Context, _ domain.Record) (domain.Record, *domain.PseudonymMapping, error) {
	return s.redact, s.mapping, s.pErr
}

func (s *stubPseudonymizer) Repersonalize(_ context.Context, _ domain.Record, _ string) (domain.Record, error) {
	return s.original, s.rErr
}

type stubPromptGen struct {
	prompt string
	meta   promptgen.Metadata
	err    error
}

func (s *stubPromptGen) Generate(_ context.Context, _ domain.Record, _, _ string, _ float64) (string, promptgen.Metadata, error) {
	return s.prompt, s.meta, s.err
}

type stubValidator struct {
	verdict domain.ValidationVerdict
	err     error
}

func (s *stubValidator) Validate(_ context.Context, _ string, _ domain.Record, _ string) (domain.ValidationVerdict, error) {
	return s.verdict, s.err
}

type stubSubstrate struct {
	vec domain.Embedding
	err error
}

func (s *stubSubstrate) Signature(_ context.Context, _ domain.Record, _ string) (string, domain.Embedding, error) {
	return "sig", s.vec, s.err
}

type stubQualityEngine struct {
	err error
}

func (s *stubQualityEngine) OnVerdict(_ context.Context, _ domain.Embedding, _ string, _ domain.ValidationVerdict, _ float64) error {
	return s.err
}

func newTestHandler(t *testing.T, analyzer Analyzer) *Handler {
	t.Helper()
	return New(
		analyzer,
		&stubPseudonymizer{mapping: &domain.PseudonymMapping{PseudonymID: "pm_1"}, redact: domain.Record{"a": "b"}},
		nil,
		&stubPromptGen{prompt: "generated prompt", meta: promptgen.Metadata{Source: domain.SourceFresh, EnrichmentStatus: enrichment.StatusDisabled}},
		&stubValidator{verdict: domain.ValidationVerdict{Approved: true, OverallScore: 0.9}},
		&stubSubstrate{vec: domain.Embedding{0.1, 0.2}},
		&stubQualityEngine{},
		nil,
		0, 4, 4,
		zerologDiscard(),
	)
}

func doJSON(t *testing.T, h http.HandlerFunc, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestHandleAnalyze_Success(t *testing.T) {
	verdict := domain.ValidationVerdict{Approved: true, OverallScore: 0.95}
	analyzer := &stubAnalyzer{result: domain.PipelineResult{
		RequestID: "req-1",
		Analysis:  "insights...\nrecommendations...",
		Verdict:   &verdict,
		Provenance: domain.Provenance{
			Source:   domain.SourceFresh,
			CacheHit: false,
		},
	}}
	h := newTestHandler(t, analyzer)

	rec := doJSON(t, h.HandleAnalyze, http.MethodPost, "/analyze", analyzeRequest{
		InputData: domain.Record{"customer_id": "c1"},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp analyzeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Analysis == "" {
		t.Error("expected a non-empty analysis")
	}
	if resp.Validation == nil || !resp.Validation.Approved {
		t.Error("expected an approved validation verdict")
	}
}

func TestHandleAnalyze_MissingInputDataIsInputError(t *testing.T) {
	h := newTestHandler(t, &stubAnalyzer{})

	rec := doJSON(t, h.HandleAnalyze, http.MethodPost, "/analyze", analyzeRequest{})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.ErrorKind != domain.ErrInputError {
		t.Errorf("expected input_error, got %q", body.ErrorKind)
	}
}

func TestHandleAnalyze_ValidationRejectedKeepsVerdictDropsAnalysis(t *testing.T) {
	verdict := domain.ValidationVerdict{Approved: false, OverallScore: 0.4, Rationale: "too vague"}
	result := domain.PipelineResult{RequestID: "req-2", Verdict: &verdict}
	analyzer := &stubAnalyzer{
		result: result,
		err:    domain.NewError(domain.ErrValidationRejected, "orchestrator", "rejected after 2 attempt(s): too vague", nil),
	}
	h := newTestHandler(t, analyzer)

	rec := doJSON(t, h.HandleAnalyze, http.MethodPost, "/analyze", analyzeRequest{
		InputData: domain.Record{"customer_id": "c1"},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 (validation_rejected still returns a body), got %d", rec.Code)
	}
	var resp analyzeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Analysis != "" {
		t.Error("expected no analysis on a rejected result")
	}
	if resp.Validation == nil || resp.Validation.Approved {
		t.Error("expected the rejected verdict to be present")
	}
	if resp.ErrorKind != domain.ErrValidationRejected {
		t.Errorf("expected validation_rejected error_kind, got %q", resp.ErrorKind)
	}
}

func TestHandleAnalyze_OverloadedMapsTo429(t *testing.T) {
	analyzer := &stubAnalyzer{err: domain.NewError(domain.ErrOverloaded, "orchestrator", "max concurrency exceeded", nil)}
	h := newTestHandler(t, analyzer)

	rec := doJSON(t, h.HandleAnalyze, http.MethodPost, "/analyze", analyzeRequest{
		InputData: domain.Record{"customer_id": "c1"},
	})

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected a Retry-After header")
	}
}

func TestHandleAnalyze_PIIFailureMapsTo422(t *testing.T) {
	analyzer := &stubAnalyzer{err: domain.NewError(domain.ErrPIIFailure, "orchestrator", "pseudonymization failed", errors.New("boom"))}
	h := newTestHandler(t, analyzer)

	rec := doJSON(t, h.HandleAnalyze, http.MethodPost, "/analyze", analyzeRequest{
		InputData: domain.Record{"customer_id": "c1"},
	})

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestHandlePseudonymize_ReturnsSummary(t *testing.T) {
	mapping := &domain.PseudonymMapping{
		PseudonymID: "pm_1",
		FieldTransforms: []domain.FieldTransform{
			{Path: "email", Kind: domain.PIIEmail, TokenValue: "EMAIL_abc123"},
		},
	}
	ps := &stubPseudonymizer{mapping: mapping, redact: domain.Record{"email": "EMAIL_abc123"}}
	h := New(&stubAnalyzer{}, ps, nil, &stubPromptGen{}, &stubValidator{}, &stubSubstrate{}, &stubQualityEngine{}, nil, 0, 4, 4, zerologDiscard())

	rec := doJSON(t, h.HandlePseudonymize, http.MethodPost, "/pseudonymize", pseudonymizeRequest{
		Record: domain.Record{"email": "jane@example.com"},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp pseudonymizeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.PseudonymID != "pm_1" {
		t.Errorf("expected pseudonym_id pm_1, got %q", resp.PseudonymID)
	}
	if resp.PIISummary.CountsByKind[domain.PIIEmail] != 1 {
		t.Errorf("expected one email PII hit, got %d", resp.PIISummary.CountsByKind[domain.PIIEmail])
	}
}

func TestHandleRepersonalize_NotFoundMapsTo404(t *testing.T) {
	ps := &stubPseudonymizer{rErr: domain.NewError(domain.ErrNotFound, "pseudonymize", "unknown pseudonym", nil)}
	h := New(&stubAnalyzer{}, ps, nil, &stubPromptGen{}, &stubValidator{}, &stubSubstrate{}, &stubQualityEngine{}, nil, 0, 4, 4, zerologDiscard())

	rec := doJSON(t, h.HandleRepersonalize, http.MethodPost, "/repersonalize", repersonalizeRequest{
		PseudonymID: "pm_unknown",
	})

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleRepersonalize_IntegrityMismatchMapsTo409(t *testing.T) {
	ps := &stubPseudonymizer{rErr: domain.NewError(domain.ErrIntegrityError, "pseudonymize", "token mismatch", nil)}
	h := New(&stubAnalyzer{}, ps, nil, &stubPromptGen{}, &stubValidator{}, &stubSubstrate{}, &stubQualityEngine{}, nil, 0, 4, 4, zerologDiscard())

	rec := doJSON(t, h.HandleRepersonalize, http.MethodPost, "/repersonalize", repersonalizeRequest{
		PseudonymID: "pm_1",
	})

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleRepersonalize_SuccessReturnsOriginal(t *testing.T) {
	ps := &stubPseudonymizer{original: domain.Record{"email": "jane@example.com"}}
	h := New(&stubAnalyzer{}, ps, nil, &stubPromptGen{}, &stubValidator{}, &stubSubstrate{}, &stubQualityEngine{}, nil, 0, 4, 4, zerologDiscard())

	rec := doJSON(t, h.HandleRepersonalize, http.MethodPost, "/repersonalize", repersonalizeRequest{
		PseudonymID:  "pm_1",
		RedactedData: domain.Record{"email": "EMAIL_abc"},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp repersonalizeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Verified {
		t.Error("expected verified=true")
	}
}

func TestHandleGenerate_ReturnsPromptAndMetadata(t *testing.T) {
	pg := &stubPromptGen{prompt: "a generated prompt", meta: promptgen.Metadata{Source: domain.SourceFresh, EnrichmentStatus: enrichment.StatusDisabled}}
	h := New(&stubAnalyzer{}, &stubPseudonymizer{}, nil, pg, &stubValidator{}, &stubSubstrate{}, &stubQualityEngine{}, nil, 0, 4, 4, zerologDiscard())

	rec := doJSON(t, h.HandleGenerate, http.MethodPost, "/generate", generateRequest{
		Record:  domain.Record{"x": "y"},
		Context: "fraud_review",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp generateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Prompt != "a generated prompt" {
		t.Errorf("unexpected prompt: %q", resp.Prompt)
	}
}

func TestHandleLearn_RecordsFeedback(t *testing.T) {
	qe := &stubQualityEngine{}
	h := New(&stubAnalyzer{}, &stubPseudonymizer{}, nil, &stubPromptGen{}, &stubValidator{}, &stubSubstrate{}, qe, nil, 0, 4, 4, zerologDiscard())

	rec := doJSON(t, h.HandleLearn, http.MethodPost, "/learn", learnRequest{
		Record:           domain.Record{"x": "y"},
		Prompt:           "p",
		ValidationResult: domain.ValidationVerdict{Approved: true, OverallScore: 0.9},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp learnResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.QualityImprovementActive {
		t.Error("expected quality_improvement_active=true")
	}
}

func TestHandleValidate_ReturnsVerdict(t *testing.T) {
	v := &stubValidator{verdict: domain.ValidationVerdict{Approved: true, OverallScore: 0.88}}
	h := New(&stubAnalyzer{}, &stubPseudonymizer{}, nil, &stubPromptGen{}, v, &stubSubstrate{}, &stubQualityEngine{}, nil, 0, 4, 4, zerologDiscard())

	rec := doJSON(t, h.HandleValidate, http.MethodPost, "/validate/response", validateRequest{
		Prompt:       "p",
		Record:       domain.Record{"x": "y"},
		ResponseData: "some analysis",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var verdict domain.ValidationVerdict
	if err := json.Unmarshal(rec.Body.Bytes(), &verdict); err != nil {
		t.Fatalf("decode verdict: %v", err)
	}
	if !verdict.Approved {
		t.Error("expected an approved verdict")
	}
}

type failingHealthChecker struct{ err error }

func (f failingHealthChecker) Health(_ context.Context) error { return f.err }

func TestHandleHealth_AllHealthyReportsOK(t *testing.T) {
	h := New(&stubAnalyzer{}, &stubPseudonymizer{}, nil, &stubPromptGen{}, &stubValidator{}, &stubSubstrate{}, &stubQualityEngine{},
		map[string]HealthChecker{"model_backend": failingHealthChecker{}}, 0, 4, 4, zerologDiscard())

	rec := doJSON(t, h.HandleHealth, http.MethodGet, "/health", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected ok, got %q", resp.Status)
	}
}

func TestHandleHealth_DegradedDependencyListedButStill200(t *testing.T) {
	h := New(&stubAnalyzer{}, &stubPseudonymizer{}, nil, &stubPromptGen{}, &stubValidator{}, &stubSubstrate{}, &stubQualityEngine{},
		map[string]HealthChecker{"vector_index": failingHealthChecker{err: errors.New("unreachable")}}, 0, 4, 4, zerologDiscard())

	rec := doJSON(t, h.HandleHealth, http.MethodGet, "/health", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 even when degraded, got %d", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "degraded" {
		t.Errorf("expected degraded, got %q", resp.Status)
	}
	if len(resp.Degraded) != 1 || resp.Degraded[0] != "vector_index" {
		t.Errorf("expected vector_index listed as degraded, got %v", resp.Degraded)
	}
}

func TestHandleStatus_ReportsUptimeAndLimits(t *testing.T) {
	h := newTestHandler(t, &stubAnalyzer{})
	time.Sleep(5 * time.Millisecond)

	rec := doJSON(t, h.HandleStatus, http.MethodGet, "/status", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.MaxConcurrent != 4 || resp.QueueSize != 4 {
		t.Errorf("unexpected limits: %+v", resp)
	}
}
