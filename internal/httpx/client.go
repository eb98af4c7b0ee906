package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/recordguard/recordguard/internal/tracing"
)

// Client is a small JSON-over-HTTP client shared by the Enrichment Client
// and Validator Gate: it applies a hard per-call deadline, injects
// OpenTelemetry trace headers, and decodes JSON responses.
type Client struct {
	HTTP    *http.Client
	BaseURL string
	APIKey  string
}

// New creates a Client with the given hard deadline and base URL.
func New(baseURL, apiKey string, hardDeadline time.Duration) *Client {
	return &Client{
		HTTP:    &http.Client{Timeout: hardDeadline},
		BaseURL: baseURL,
		APIKey:  apiKey,
	}
}

// PostJSON POSTs body as JSON to path (relative to BaseURL) and decodes the
// JSON response into out. The call is bounded by ctx in addition to the
// client's own hard Timeout, whichever is shorter.
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("httpx: marshaling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("httpx: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	tracing.InjectHeaders(ctx, req)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpx: request to %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, fmt.Errorf("httpx: reading response body: %w", err)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp, fmt.Errorf("httpx: decoding response from %s: %w", path, err)
		}
	}

	return resp, nil
}

// Health performs a GET /health against the backend with the given timeout,
// returning nil only on a 200 response.
func (c *Client) Health(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("httpx: building health request: %w", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("httpx: health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("httpx: health check returned status %d", resp.StatusCode)
	}
	return nil
}
