// Package enrichment calls the external /augment endpoint to fold
// additional context into a prompt before generation, and extracts the
// entity names a prompt's augmentation request is built from.
package enrichment

import (
	"context"
	"time"

	"github.com/recordguard/recordguard/internal/domain"
	"github.com/recordguard/recordguard/internal/httpx"
)

const backendName = "enrichment"

// augmentRequest is the wire shape POSTed to /augment.
type augmentRequest struct {
	Entities   []string `json:"entities"`
	ContextTag string   `json:"context_tag"`
}

// augmentResponse is the wire shape returned by /augment.
type augmentResponse struct {
	Summary string `json:"summary"`
}

// Result is what callers (internal/promptgen) get back from Augment.
type Result struct {
	Summary string
	Status  Status
}

// Status records how an augmentation attempt ended, surfaced in the Prompt
// Generator's result metadata as enrichment_status.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDisabled Status = "disabled"
)

// Client calls the external Enrichment backend.
type Client struct {
	http     *httpx.Client
	breakers *httpx.Registry
	enabled  bool
}

// New constructs a Client. baseURL/apiKey/hardDeadline configure the
// underlying httpx.Client; breakers is shared with other backends so all
// circuit state is visible from one /health surface.
func New(baseURL, apiKey string, hardDeadline time.Duration, breakers *httpx.Registry, enabled bool) *Client {
	return &Client{
		http:     httpx.New(baseURL, apiKey, hardDeadline),
		breakers: breakers,
		enabled:  enabled,
	}
}

// Augment requests augmentation for the entities found in record, bounded
// by the deadline already set on ctx (the Prompt Generator applies its own
// 10-second deadline per spec.md §4.5 step 5). Any failure — timeout,
// transport error, open circuit — degrades gracefully: the returned Result
// carries StatusDegraded and an empty Summary rather than an error, since
// enrichment is an optional enhancement the orchestrator must never block
// on.
func (c *Client) Augment(ctx context.Context, record domain.Record, contextTag string) Result {
	if !c.enabled {
		return Result{Status: StatusDisabled}
	}

	breaker := c.breakers.Get(backendName)
	if !breaker.Allow() {
		return Result{Status: StatusDegraded}
	}

	entities := ExtractEntities(record)
	var resp augmentResponse
	_, err := c.http.PostJSON(ctx, "/augment", augmentRequest{Entities: entities, ContextTag: contextTag}, &resp)
	if err != nil {
		breaker.RecordFailure()
		return Result{Status: StatusDegraded}
	}

	breaker.RecordSuccess()
	return Result{Summary: resp.Summary, Status: StatusOK}
}

// entityFieldNames lists the record field names ExtractEntities treats as
// business-identifier leaves — deliberately narrow, since this scan runs on
// the already-redacted record and must never accidentally forward a
// tokenized PII value as an "entity".
var entityFieldNames = map[string]bool{
	"company":       true,
	"company_name":  true,
	"merchant":      true,
	"merchant_name": true,
	"organization":  true,
	"product":       true,
	"product_name":  true,
	"department":    true,
	"category":      true,
	"account_type":  true,
}

// ExtractEntities walks record and returns the string values found at
// configured entity-like field names, deduplicated, in first-seen order.
// It runs on the redacted record, so any PII has already become an opaque
// token rather than a raw identifier.
func ExtractEntities(record domain.Record) []string {
	seen := make(map[string]bool)
	var out []string
	walkEntities(map[string]any(record), seen, &out)
	return out
}

func walkEntities(v any, seen map[string]bool, out *[]string) {
	switch val := v.(type) {
	case map[string]any:
		for key, sub := range val {
			if s, ok := sub.(string); ok && entityFieldNames[key] && s != "" {
				if !seen[s] {
					seen[s] = true
					*out = append(*out, s)
				}
				continue
			}
			walkEntities(sub, seen, out)
		}
	case []any:
		for _, sub := range val {
			walkEntities(sub, seen, out)
		}
	}
}
