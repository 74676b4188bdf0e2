// Package taskbridge is the Go client for the taskbridge HTTP API. It lets
// other services manage integrations and drive sync passes without speaking
// the wire protocol by hand.
package taskbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a taskbridge server.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// New creates a client for the server at baseURL, authenticating with apiKey.
func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("baseURL is required")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// APIError is a non-2xx response from the server, carrying the RFC 7807
// problem fields.
type APIError struct {
	Status    int    `json:"status"`
	Title     string `json:"title"`
	Detail    string `json:"detail"`
	Retryable bool   `json:"retryable"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("taskbridge: %s (%d): %s", e.Title, e.Status, e.Detail)
}

// Ping checks connectivity to the server.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// TestConnection asks the server to probe tracker credentials. Nothing is
// persisted.
func (c *Client) TestConnection(ctx context.Context, creds Credentials) (*ConnectionResult, error) {
	var result ConnectionResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/integrations/test", creds, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateIntegration creates an integration. The server probes the
// credentials first and rejects the request if the tracker refuses them.
func (c *Client) CreateIntegration(ctx context.Context, params CreateIntegrationParams) (*Integration, error) {
	var integ Integration
	if err := c.do(ctx, http.MethodPost, "/api/v1/integrations", params, &integ); err != nil {
		return nil, err
	}
	return &integ, nil
}

// DeactivateIntegration stops syncing without deleting history.
func (c *Client) DeactivateIntegration(ctx context.Context, integrationID string) error {
	return c.do(ctx, http.MethodPost, c.integrationPath(integrationID, "deactivate"), nil, nil)
}

// ReactivateIntegration resumes a deactivated integration.
func (c *Client) ReactivateIntegration(ctx context.Context, integrationID string) error {
	return c.do(ctx, http.MethodPost, c.integrationPath(integrationID, "reactivate"), nil, nil)
}

// Sync triggers one reconciliation pass and waits for it to complete.
// A nil opts means the server's full bidirectional defaults.
func (c *Client) Sync(ctx context.Context, integrationID string, opts *SyncOptions, resetFailed bool) (*SyncResult, error) {
	body := struct {
		Options     *SyncOptions `json:"options,omitempty"`
		ResetFailed bool         `json:"resetFailed"`
	}{Options: opts, ResetFailed: resetFailed}

	var resp struct {
		Success bool       `json:"success"`
		Message string     `json:"message"`
		Data    SyncResult `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, c.integrationPath(integrationID, "sync"), body, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// Status returns the sync ledger summary for one integration.
func (c *Client) Status(ctx context.Context, integrationID string) (*SyncStatus, error) {
	var status SyncStatus
	if err := c.do(ctx, http.MethodGet, c.integrationPath(integrationID, "sync/status"), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ResolveConflict marks a pending conflict as manually resolved.
func (c *Client) ResolveConflict(ctx context.Context, integrationID, conflictKey string) error {
	path := c.integrationPath(integrationID, "conflicts/"+url.PathEscape(conflictKey)+"/resolve")
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) integrationPath(integrationID, suffix string) string {
	return "/api/v1/integrations/" + url.PathEscape(integrationID) + "/" + suffix
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
