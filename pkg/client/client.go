// Package client is a typed HTTP client for the Kernel and the Gate.
// Problem responses come back as *APIError, which matches the contracts
// sentinels with errors.Is.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/contracts"
)

// APIError is returned when a server responds with a non-2xx status.
type APIError struct {
	Status int
	Code   contracts.Code
	Detail string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("cda api %d: %s: %s", e.Status, e.Code, e.Detail)
	}
	return fmt.Sprintf("cda api %d: %s", e.Status, e.Detail)
}

// Unwrap exposes the protocol error so errors.Is(err, contracts.ErrReplayDetected)
// works across the wire.
func (e *APIError) Unwrap() error {
	if e.Code == "" {
		return nil
	}
	return &contracts.Error{Code: e.Code, Reason: e.Detail}
}

// Authorization is the Kernel's answer to an allowed intent.
type Authorization struct {
	Decision        contracts.Decision  `json:"decision"`
	Token           contracts.Token     `json:"token"`
	ManifestPreview *contracts.Manifest `json:"manifest_preview"`
}

// Result is the Gate's answer to a committed or replayed execution.
type Result struct {
	Status         string    `json:"status"`
	IntentID       string    `json:"intent_id"`
	EntityID       string    `json:"entity_id"`
	Action         string    `json:"action"`
	EntityVersion  int64     `json:"entity_version,omitempty"`
	ManifestDigest string    `json:"manifest_digest,omitempty"`
	ExecutedAt     time.Time `json:"executed_at"`
}

// Client talks to one server.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.HTTPClient = h }
}

// New creates a client for baseURL. Requests propagate trace context.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, application/problem+json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var problem struct {
			Code   contracts.Code `json:"code"`
			Detail string         `json:"detail"`
			Title  string         `json:"title"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problem); err == nil {
			detail := problem.Detail
			if detail == "" {
				detail = problem.Title
			}
			if detail == "" {
				detail = http.StatusText(resp.StatusCode)
			}
			return &APIError{Status: resp.StatusCode, Code: problem.Code, Detail: detail}
		}
		return &APIError{Status: resp.StatusCode, Detail: http.StatusText(resp.StatusCode)}
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Authorize calls the Kernel's POST /authorize.
func (c *Client) Authorize(ctx context.Context, intent *contracts.Intent, snap *contracts.ContextSnapshot) (*Authorization, error) {
	var out Authorization
	body := map[string]any{"intent": intent, "context": snap}
	if err := c.do(ctx, http.MethodPost, "/authorize", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Execute calls the Gate's POST /execute.
func (c *Client) Execute(ctx context.Context, token contracts.Token) (*Result, error) {
	var out Result
	if err := c.do(ctx, http.MethodPost, "/execute", map[string]contracts.Token{"token": token}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Snapshot calls the Gate's GET /entities/{id}.
func (c *Client) Snapshot(ctx context.Context, entityID string) (*contracts.ContextSnapshot, error) {
	var out contracts.ContextSnapshot
	if err := c.do(ctx, http.MethodGet, "/entities/"+url.PathEscape(entityID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PutEntity calls the Gate's PUT /entities/{id}.
func (c *Client) PutEntity(ctx context.Context, entityID string, version int64, attrs contracts.Attributes) (*contracts.EntityState, error) {
	var out contracts.EntityState
	body := map[string]any{"version": version, "attributes": attrs}
	if err := c.do(ctx, http.MethodPut, "/entities/"+url.PathEscape(entityID), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Records calls the Gate's GET /records.
func (c *Client) Records(ctx context.Context, limit int) ([]*contracts.ExecutedIntentRecord, error) {
	var out struct {
		Records []*contracts.ExecutedIntentRecord `json:"records"`
	}
	if err := c.do(ctx, http.MethodGet, "/records?limit="+strconv.Itoa(limit), nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// Record calls the Gate's GET /records/{intent_id}.
func (c *Client) Record(ctx context.Context, intentID string) (*contracts.ExecutedIntentRecord, error) {
	var out contracts.ExecutedIntentRecord
	if err := c.do(ctx, http.MethodGet, "/records/"+url.PathEscape(intentID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health calls GET /health on either server.
func (c *Client) Health(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}
