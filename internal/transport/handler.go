// Package transport exposes every component's HTTP JSON surface described
// in spec.md §6 from a single chi router: the pseudonymization service, the
// prompt generator, the validator gate, and the orchestrator's own
// POST /analyze. Request-ID tagging, structured logging, and error-kind
// branching follow internal/proxy/handler.go's conventions.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/recordguard/recordguard/internal/domain"
	"github.com/recordguard/recordguard/internal/enrichment"
	"github.com/recordguard/recordguard/internal/promptgen"
	"github.com/recordguard/recordguard/internal/tokenstore"
)

// defaultAnalyzeDeadline bounds a POST /analyze request when the caller
// supplies no deadline_ms.
const defaultAnalyzeDeadline = 30 * time.Second

// defaultSimilarityThreshold is used by POST /generate when the caller
// supplies no similarity_threshold.
const defaultSimilarityThreshold = 0.85

// defaultQualityGate is used by POST /learn when the caller supplies no
// quality_gate.
const defaultQualityGate = 0.75

// healthCheckTimeout bounds each dependency's health probe, per spec.md §6's
// "respond to their own health endpoints within 5s".
const healthCheckTimeout = 5 * time.Second

// Analyzer is the narrow slice of internal/orchestrator.Orchestrator the
// transport layer depends on.
type Analyzer interface {
	Analyze(ctx context.Context, req domain.PipelineRequest) (domain.PipelineResult, error)
}

// Pseudonymizer is the narrow slice of internal/pseudonymize.Pseudonymizer
// the transport layer depends on.
type Pseudonymizer interface {
	Pseudonymize(ctx context.Context, record domain.Record) (domain.Record, *domain.PseudonymMapping, error)
	Repersonalize(ctx context.Context, redacted domain.Record, pseudonymID string) (domain.Record, error)
}

// PromptGenerator is the narrow slice of internal/promptgen.Generator the
// transport layer depends on.
type PromptGenerator interface {
	Generate(ctx context.Context, record domain.Record, contextTag, generationType string, similarityMatch float64) (string, promptgen.Metadata, error)
}

// Validator is the narrow slice of internal/validator.Gate the transport
// layer depends on.
type Validator interface {
	Validate(ctx context.Context, prompt string, record domain.Record, response string) (domain.ValidationVerdict, error)
}

// Substrate is the narrow slice of internal/learning.Substrate the
// transport layer depends on for the standalone POST /learn surface.
type Substrate interface {
	Signature(ctx context.Context, record domain.Record, contextTag string) (string, domain.Embedding, error)
}

// QualityEngine is the narrow slice of internal/quality.Engine the
// transport layer depends on for the standalone POST /learn surface.
type QualityEngine interface {
	OnVerdict(ctx context.Context, signatureVector domain.Embedding, promptText string, verdict domain.ValidationVerdict, qualityGate float64) error
}

// HealthChecker is a named dependency probed by GET /health.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Handler implements every HTTP JSON surface named by spec.md §6. A single
// Handler backs a single chi router (internal/transport's Server) because
// this module runs every component in one process.
type Handler struct {
	orchestrator  Analyzer
	pseudonymizer Pseudonymizer
	tokenStore    *tokenstore.Store // optional: nil when running with the in-memory fallback only
	promptGen     PromptGenerator
	validator     Validator
	substrate     Substrate
	quality       QualityEngine

	healthCheckers map[string]HealthChecker
	logger         zerolog.Logger
	startedAt      time.Time
	maxBodySize    int64
	maxConcurrent  int
	queueSize      int
}

// New constructs a Handler. healthCheckers names the dependencies GET
// /health probes (e.g. "vector_index", "validator_backend",
// "model_backend"); tokenStore may be nil if the deployment runs the
// in-memory vector/token fallback only.
func New(
	orchestrator Analyzer,
	pseudonymizer Pseudonymizer,
	tokenStore *tokenstore.Store,
	promptGen PromptGenerator,
	validatorGate Validator,
	substrate Substrate,
	qualityEngine QualityEngine,
	healthCheckers map[string]HealthChecker,
	maxBodySize int64,
	maxConcurrent, queueSize int,
	logger zerolog.Logger,
) *Handler {
	return &Handler{
		orchestrator:   orchestrator,
		pseudonymizer:  pseudonymizer,
		tokenStore:     tokenStore,
		promptGen:      promptGen,
		validator:      validatorGate,
		substrate:      substrate,
		quality:        qualityEngine,
		healthCheckers: healthCheckers,
		logger:         logger,
		startedAt:      time.Now(),
		maxBodySize:    maxBodySize,
		maxConcurrent:  maxConcurrent,
		queueSize:      queueSize,
	}
}

// decodeJSON reads and decodes r's body into dst, applying the handler's
// configured max body size.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if h.maxBodySize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return errBodyTooLarge
		}
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, dst)
}

var errBodyTooLarge = errors.New("transport: request body too large")

// requestLogger returns a logger tagged with a fresh request ID and the
// request's method/path, mirroring internal/proxy/handler.go's pattern.
func (h *Handler) requestLogger(r *http.Request) (zerolog.Logger, string) {
	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	logger := h.logger.With().
		Str("request_id", requestID).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Logger()
	return logger, requestID
}

// ---- POST /analyze (orchestrator's own primary surface) ----

type analyzeRequest struct {
	InputData     domain.Record     `json:"input_data"`
	RequestConfig *requestConfigDTO `json:"request_config,omitempty"`
}

type requestConfigDTO struct {
	EnableEnrichment         bool   `json:"enable_enrichment"`
	EnableLearning           bool   `json:"enable_learning"`
	EnableBlockingValidation *bool  `json:"enable_blocking_validation,omitempty"`
	RepersonalizeOnExit      bool   `json:"repersonalize_on_exit"`
	ContextTag               string `json:"context_tag"`
	GenerationType           string `json:"generation_type"`
	ValidatorMode            string `json:"validator_mode"`
	MaxAttempts              int    `json:"max_attempts"`
	DeadlineMS               int64  `json:"deadline_ms"`
}

func (dto *requestConfigDTO) toDomain() domain.PipelineConfig {
	cfg := domain.PipelineConfig{
		EnableBlockingValidation: true,
		GenerationType:           "standard",
		ValidatorMode:            domain.ValidatorStrict,
		RetryPolicy:              domain.RetryPolicy{MaxAttempts: 1},
	}
	if dto == nil {
		return cfg
	}
	cfg.EnableEnrichment = dto.EnableEnrichment
	cfg.EnableLearning = dto.EnableLearning
	if dto.EnableBlockingValidation != nil {
		cfg.EnableBlockingValidation = *dto.EnableBlockingValidation
	}
	cfg.RepersonalizeOnExit = dto.RepersonalizeOnExit
	cfg.ContextTag = dto.ContextTag
	if dto.GenerationType != "" {
		cfg.GenerationType = dto.GenerationType
	}
	if dto.ValidatorMode != "" {
		cfg.ValidatorMode = domain.ValidatorMode(dto.ValidatorMode)
	}
	if dto.MaxAttempts > 0 {
		cfg.RetryPolicy.MaxAttempts = dto.MaxAttempts
	}
	return cfg
}

func (dto *requestConfigDTO) deadline() time.Duration {
	if dto == nil || dto.DeadlineMS <= 0 {
		return defaultAnalyzeDeadline
	}
	return time.Duration(dto.DeadlineMS) * time.Millisecond
}

type analyzeMetadata struct {
	RAGHits   int            `json:"rag_hits"`
	PatternID string         `json:"pattern_id,omitempty"`
	CacheHit  bool           `json:"cache_hit"`
	Timings   domain.Timings `json:"timings"`
}

type analyzeResponse struct {
	RequestID     string                    `json:"request_id"`
	Analysis      string                    `json:"analysis,omitempty"`
	Validation    *domain.ValidationVerdict `json:"validation,omitempty"`
	Metadata      analyzeMetadata           `json:"metadata"`
	PseudonymID   string                    `json:"pseudonym_id,omitempty"`
	FeedbackError string                    `json:"feedback_error,omitempty"`
	ErrorKind     domain.ErrorKind          `json:"error_kind,omitempty"`
	Error         string                    `json:"error,omitempty"`
}

func metadataFromResult(result domain.PipelineResult) analyzeMetadata {
	ragHits := 0
	if result.Provenance.Source == domain.SourceReused || result.Provenance.Source == domain.SourceImproved {
		ragHits = 1
	}
	return analyzeMetadata{
		RAGHits:   ragHits,
		PatternID: result.Provenance.PatternID,
		CacheHit:  result.Provenance.CacheHit,
		Timings:   result.Timings,
	}
}

// HandleAnalyze implements POST /analyze. Response is only written after
// the orchestrator's blocking validation completes.
func (h *Handler) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	logger, requestID := h.requestLogger(r)

	var req analyzeRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		logger.Warn().Err(err).Msg("invalid analyze request body")
		writeJSONError(w, http.StatusBadRequest, domain.ErrInputError, "invalid request body")
		return
	}
	if len(req.InputData) == 0 {
		writeJSONError(w, http.StatusBadRequest, domain.ErrInputError, "input_data is required")
		return
	}

	pipeReq := domain.PipelineRequest{
		RequestID: requestID,
		Input:     req.InputData,
		Config:    req.RequestConfig.toDomain(),
		Deadline:  time.Now().Add(req.RequestConfig.deadline()),
	}

	result, err := h.orchestrator.Analyze(r.Context(), pipeReq)
	if err != nil {
		h.writeAnalyzeError(w, logger, requestID, result, err)
		return
	}

	writeJSON(w, http.StatusOK, analyzeResponse{
		RequestID:     result.RequestID,
		Analysis:      result.Analysis,
		Validation:    result.Verdict,
		Metadata:      metadataFromResult(result),
		PseudonymID:   result.PseudonymID,
		FeedbackError: result.FeedbackErr,
	})
}

func (h *Handler) writeAnalyzeError(w http.ResponseWriter, logger zerolog.Logger, requestID string, result domain.PipelineResult, err error) {
	var pe *domain.PipelineError
	if !errors.As(err, &pe) {
		logger.Error().Err(err).Msg("analyze failed with an unrecognized error")
		writeJSON(w, http.StatusInternalServerError, analyzeResponse{
			RequestID: requestID,
			ErrorKind: domain.ErrDependencyUnavailable,
			Error:     err.Error(),
		})
		return
	}

	status := statusForErrorKind(pe.Kind)
	if pe.Kind == domain.ErrOverloaded {
		w.Header().Set("Retry-After", "1")
	}

	logger.Warn().Str("error_kind", string(pe.Kind)).Str("phase", pe.Phase).Msg(pe.Reason)

	// validation_rejected carries the verdict but never the analysis text,
	// per spec.md §7's caller-visible contract.
	writeJSON(w, status, analyzeResponse{
		RequestID:   requestID,
		Validation:  result.Verdict,
		Metadata:    metadataFromResult(result),
		PseudonymID: result.PseudonymID,
		ErrorKind:   pe.Kind,
		Error:       pe.Reason,
	})
}

// ---- GET /status and GET /health (orchestrator surface) ----

type statusResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	MaxConcurrent int    `json:"max_concurrent"`
	QueueSize     int    `json:"queue_size"`
}

// HandleStatus implements GET /status.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		MaxConcurrent: h.maxConcurrent,
		QueueSize:     h.queueSize,
	})
}

type healthResponse struct {
	Status   string   `json:"status"`
	Degraded []string `json:"degraded,omitempty"`
}

// HandleHealth implements GET /health for every surface this module
// exposes: 200 with "ok" when every dependency answers within
// healthCheckTimeout, 200 with "degraded" and the failing subsystem names
// otherwise (spec.md §6's degraded-mode contract — a process that can
// still serve traffic is never a failing health check).
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	var degraded []string
	for name, checker := range h.healthCheckers {
		if err := checker.Health(ctx); err != nil {
			degraded = append(degraded, name)
		}
	}
	if h.tokenStore != nil {
		if err := h.tokenStore.Ping(); err != nil {
			degraded = append(degraded, "token_store")
		}
	}

	if len(degraded) == 0 {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "degraded", Degraded: degraded})
}

// ---- POST /pseudonymize, POST /repersonalize, GET /stats ----

type pseudonymizeRequest struct {
	Record domain.Record `json:"record"`
}

type piiField struct {
	Path         string        `json:"path"`
	Kind         domain.PIIKind `json:"kind"`
	TokenPreview string        `json:"token_preview"`
}

type piiSummary struct {
	CountsByKind map[domain.PIIKind]int `json:"counts_by_kind"`
	Fields       []piiField             `json:"fields"`
}

type pseudonymizeResponse struct {
	PseudonymID  string        `json:"pseudonym_id"`
	RedactedData domain.Record `json:"redacted_data"`
	PIISummary   piiSummary    `json:"pii_summary"`
}

// HandlePseudonymize implements POST /pseudonymize.
func (h *Handler) HandlePseudonymize(w http.ResponseWriter, r *http.Request) {
	logger, _ := h.requestLogger(r)

	var req pseudonymizeRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, domain.ErrInputError, "invalid request body")
		return
	}

	redacted, mapping, err := h.pseudonymizer.Pseudonymize(r.Context(), req.Record)
	if err != nil {
		writeErrorForDomainErr(w, logger, err)
		return
	}

	summary := piiSummary{CountsByKind: map[domain.PIIKind]int{}}
	for _, ft := range mapping.FieldTransforms {
		summary.CountsByKind[ft.Kind]++
		summary.Fields = append(summary.Fields, piiField{
			Path:         ft.Path,
			Kind:         ft.Kind,
			TokenPreview: ft.TokenValue,
		})
	}

	writeJSON(w, http.StatusOK, pseudonymizeResponse{
		PseudonymID:  mapping.PseudonymID,
		RedactedData: redacted,
		PIISummary:   summary,
	})
}

type repersonalizeRequest struct {
	PseudonymID string        `json:"pseudonym_id"`
	RedactedData domain.Record `json:"redacted_data"`
}

type repersonalizeResponse struct {
	OriginalData domain.Record `json:"original_data"`
	Verified     bool          `json:"verified"`
}

// HandleRepersonalize implements POST /repersonalize. 404 on unknown or
// expired mappings; 409 on an integrity mismatch.
func (h *Handler) HandleRepersonalize(w http.ResponseWriter, r *http.Request) {
	logger, _ := h.requestLogger(r)

	var req repersonalizeRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, domain.ErrInputError, "invalid request body")
		return
	}
	if req.PseudonymID == "" {
		writeJSONError(w, http.StatusBadRequest, domain.ErrInputError, "pseudonym_id is required")
		return
	}

	original, err := h.pseudonymizer.Repersonalize(r.Context(), req.RedactedData, req.PseudonymID)
	if err != nil {
		writeErrorForDomainErr(w, logger, err)
		return
	}

	writeJSON(w, http.StatusOK, repersonalizeResponse{OriginalData: original, Verified: true})
}

type statsResponse struct {
	Backend     string `json:"backend"`
	Total       int64  `json:"total"`
	Quarantined int64  `json:"quarantined"`
	Durable     int64  `json:"durable"`
}

// HandleStats implements GET /stats for the pseudonymization surface.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if h.tokenStore == nil {
		writeJSON(w, http.StatusOK, statsResponse{Backend: "memory-fallback"})
		return
	}
	st, err := h.tokenStore.Stats(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, domain.ErrDependencyUnavailable, "failed to read stats")
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Backend:     "sqlite",
		Total:       st.Total,
		Quarantined: st.Quarantined,
		Durable:     st.Durable,
	})
}

// ---- POST /generate, POST /learn (prompt generator surface) ----

type generateRequest struct {
	Record              domain.Record `json:"record"`
	Context             string        `json:"context"`
	GenerationType      string        `json:"generation_type"`
	SimilarityThreshold float64       `json:"similarity_threshold"`
}

type generateMetadataDTO struct {
	Source           domain.PromptSource `json:"source"`
	Similarity       *float64            `json:"similarity,omitempty"`
	PatternID        string              `json:"pattern_id,omitempty"`
	EnrichmentStatus enrichment.Status   `json:"enrichment_status"`
	PromptTokens     int                 `json:"prompt_tokens"`
}

type generateResponse struct {
	Prompt   string              `json:"prompt"`
	Metadata generateMetadataDTO `json:"metadata"`
}

// HandleGenerate implements POST /generate.
func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, domain.ErrInputError, "invalid request body")
		return
	}
	threshold := req.SimilarityThreshold
	if threshold <= 0 {
		threshold = defaultSimilarityThreshold
	}
	generationType := req.GenerationType
	if generationType == "" {
		generationType = "standard"
	}

	prompt, meta, err := h.promptGen.Generate(r.Context(), req.Record, req.Context, generationType, threshold)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, domain.ErrDependencyUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, generateResponse{
		Prompt: prompt,
		Metadata: generateMetadataDTO{
			Source:           meta.Source,
			Similarity:       meta.Similarity,
			PatternID:        meta.PatternID,
			EnrichmentStatus: meta.EnrichmentStatus,
			PromptTokens:     meta.PromptTokens,
		},
	})
}

type learnRequest struct {
	Record           domain.Record            `json:"record"`
	Prompt           string                   `json:"prompt"`
	Analysis         string                   `json:"analysis"`
	ContextTag       string                   `json:"context_tag"`
	ValidationResult domain.ValidationVerdict `json:"validation_result"`
	QualityGate      float64                  `json:"quality_gate"`
}

type learnResponse struct {
	Status                  string `json:"status"`
	QualityImprovementActive bool  `json:"quality_improvement_active"`
}

// HandleLearn implements POST /learn: a standalone feedback entry point for
// callers driving prompt generation outside the orchestrator's own
// retry loop.
func (h *Handler) HandleLearn(w http.ResponseWriter, r *http.Request) {
	var req learnRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, domain.ErrInputError, "invalid request body")
		return
	}

	qualityGate := req.QualityGate
	if qualityGate <= 0 {
		qualityGate = defaultQualityGate
	}

	_, sigVec, err := h.substrate.Signature(r.Context(), req.Record, req.ContextTag)
	if err != nil {
		writeJSON(w, http.StatusOK, learnResponse{Status: "degraded", QualityImprovementActive: false})
		return
	}

	err = h.quality.OnVerdict(r.Context(), sigVec, req.Prompt, req.ValidationResult, qualityGate)
	writeJSON(w, http.StatusOK, learnResponse{Status: "ok", QualityImprovementActive: err == nil})
}

// ---- POST /validate/response (validator gate surface) ----

type validateRequest struct {
	Prompt       string        `json:"prompt"`
	Record       domain.Record `json:"record"`
	ResponseData string        `json:"response_data"`
}

// HandleValidate implements POST /validate/response, returning a
// domain.ValidationVerdict directly as the response body per spec.md §6.
func (h *Handler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, domain.ErrInputError, "invalid request body")
		return
	}

	verdict, err := h.validator.Validate(r.Context(), req.Prompt, req.Record, req.ResponseData)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, domain.ErrDependencyUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}
