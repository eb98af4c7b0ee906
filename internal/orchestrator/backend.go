package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/recordguard/recordguard/internal/httpx"
)

const generationBackendName = "generation"

// Backend is the narrow interface the Orchestrator depends on for spec.md
// §4.8 step 4: invoking the external LLM with a generated prompt. The
// backend itself is out of scope for this module — this is only the call
// contract, satisfied in production by HTTPBackend and in tests by a
// stub implementing the same interface directly.
type Backend interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type generateRequest struct {
	Prompt string `json:"prompt"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// HTTPBackend is the default Backend: a JSON-over-HTTP client against a
// configured generation endpoint, circuit-breaker-protected like the
// enrichment and validator backends.
type HTTPBackend struct {
	http    *httpx.Client
	breaker *httpx.Breaker
}

// NewHTTPBackend constructs an HTTPBackend. hardDeadline bounds the
// underlying http.Client's Timeout; the per-call deadline actually applied
// is the request deadline carried by the context passed to Generate. No
// time is held back from that deadline for the validation stage.
func NewHTTPBackend(baseURL, apiKey string, hardDeadline time.Duration, breakers *httpx.Registry) *HTTPBackend {
	return &HTTPBackend{
		http:    httpx.New(baseURL, apiKey, hardDeadline),
		breaker: breakers.Get(generationBackendName),
	}
}

// Generate implements Backend.
func (b *HTTPBackend) Generate(ctx context.Context, prompt string) (string, error) {
	if !b.breaker.Allow() {
		return "", fmt.Errorf("orchestrator: generation backend circuit open")
	}

	var out generateResponse
	_, err := b.http.PostJSON(ctx, "/generate", generateRequest{Prompt: prompt}, &out)
	if err != nil {
		b.breaker.RecordFailure()
		return "", fmt.Errorf("orchestrator: generate: %w", err)
	}
	if out.Response == "" {
		b.breaker.RecordFailure()
		return "", fmt.Errorf("orchestrator: generate: empty response")
	}
	b.breaker.RecordSuccess()
	return out.Response, nil
}
