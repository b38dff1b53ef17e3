package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"doodle-forge/backend/internal/flows"
)

// maxResponseBytes bounds a sidecar response; images arrive as data URIs.
const maxResponseBytes = 32 << 20

// HTTPModelClient is an HTTP implementation of the ModelClient interface.
type HTTPModelClient struct {
	url    string
	client *http.Client
}

var _ ModelClient = (*HTTPModelClient)(nil)

// NewHTTPModelClient creates a new HTTPModelClient. A zero timeout leaves
// deadlines to the caller's context.
func NewHTTPModelClient(baseURL string, timeout time.Duration) *HTTPModelClient {
	return &HTTPModelClient{
		url: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// RunFlow posts input to the sidecar's endpoint for flow and returns the raw
// output document.
func (c *HTTPModelClient) RunFlow(ctx context.Context, flow string, input json.RawMessage) (json.RawMessage, error) {
	endpoint := c.url + "/flows/" + url.PathEscape(flow)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(input))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Flow: flow, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("flow %s: sidecar returned malformed JSON", flow)
	}
	return body, nil
}

// Health checks that the sidecar is reachable.
func (c *HTTPModelClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sidecar health: status code %d", resp.StatusCode)
	}
	return nil
}

// Executor returns a flows.Executor that runs flow on the sidecar.
func (c *HTTPModelClient) Executor(flow string) flows.Executor {
	return flows.ExecutorFunc(func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		return c.RunFlow(ctx, flow, input)
	})
}

// StatusError is a non-200 answer from the sidecar.
type StatusError struct {
	Flow string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("flow %s: status code %d", e.Flow, e.Code)
	}
	if len(e.Body) > 200 {
		return fmt.Sprintf("flow %s: status code %d: %s...", e.Flow, e.Code, e.Body[:200])
	}
	return fmt.Sprintf("flow %s: status code %d: %s", e.Flow, e.Code, e.Body)
}
