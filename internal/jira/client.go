// Package jira provides a stateless Jira Cloud REST client for the sync
// engine. It normalizes wire responses into engine-facing types and maps
// responses onto the engine's error taxonomy: ErrAuthFailed, RateLimitError,
// and APIError. Transient network and 5xx failures are retried in-client
// with capped fibonacci backoff; rate-limit and auth responses surface to
// the caller untouched.
package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	searchPageSize   = 50
	transientRetries = 3
	transientBackoff = 500 * time.Millisecond
)

// Credentials identifies one Jira Cloud site and API token.
type Credentials struct {
	Domain   string `json:"domain"`
	Email    string `json:"email"`
	APIToken string `json:"apiToken"`
}

// BaseURL returns the site root, accepting either a bare site name
// ("acme") or a full domain ("acme.atlassian.net").
func (c Credentials) BaseURL() string {
	domain := strings.TrimRight(c.Domain, "/")
	if strings.HasPrefix(domain, "http://") || strings.HasPrefix(domain, "https://") {
		return domain
	}
	if !strings.Contains(domain, ".") {
		domain += ".atlassian.net"
	}
	return "https://" + domain
}

// Client issues authenticated requests against one Jira site.
type Client struct {
	baseURL    string
	email      string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for the given credentials.
func NewClient(creds Credentials, timeout time.Duration) *Client {
	return &Client{
		baseURL:    creds.BaseURL(),
		email:      creds.Email,
		token:      creds.APIToken,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// NewClientWithBaseURL creates a client with an explicit base URL (for testing).
func NewClientWithBaseURL(creds Credentials, baseURL string, timeout time.Duration) *Client {
	c := NewClient(creds, timeout)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// TestConnection probes GET /myself. Auth rejection is a negative result,
// not an error; only transport-level failures return an error.
func (c *Client) TestConnection(ctx context.Context) (bool, error) {
	var me wireUser
	err := c.get(ctx, "/rest/api/2/myself", nil, &me)
	if err != nil {
		if errors.Is(err, ErrAuthFailed) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListProjects returns all projects visible to the credential.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var wire []wireProject
	if err := c.get(ctx, "/rest/api/2/project", nil, &wire); err != nil {
		return nil, err
	}
	projects := make([]Project, len(wire))
	for i, p := range wire {
		projects[i] = Project{ID: p.ID, Key: p.Key, Name: p.Name}
	}
	return projects, nil
}

// ListIssues returns issues in projectKey, optionally restricted to those
// updated at or after since (the continuation token for incremental fetch).
// Pages through the search endpoint until exhausted.
func (c *Client) ListIssues(ctx context.Context, projectKey string, since *time.Time) ([]Issue, error) {
	jql := fmt.Sprintf("project = %q", projectKey)
	if since != nil {
		// Jira's JQL timestamps have minute precision; round down so a
		// boundary change is re-fetched rather than missed.
		jql += fmt.Sprintf(" AND updated >= %q", since.UTC().Format("2006-01-02 15:04"))
	}
	jql += " ORDER BY updated ASC"

	var issues []Issue
	startAt := 0
	for {
		params := url.Values{}
		params.Set("jql", jql)
		params.Set("startAt", strconv.Itoa(startAt))
		params.Set("maxResults", strconv.Itoa(searchPageSize))

		var page wireSearchResponse
		if err := c.get(ctx, "/rest/api/2/search", params, &page); err != nil {
			return nil, err
		}
		for _, w := range page.Issues {
			issues = append(issues, w.normalize())
		}

		startAt += len(page.Issues)
		if startAt >= page.Total || len(page.Issues) == 0 {
			return issues, nil
		}
	}
}

// GetIssue fetches one issue by external id.
func (c *Client) GetIssue(ctx context.Context, externalID string) (*Issue, error) {
	var wire wireIssue
	if err := c.get(ctx, "/rest/api/2/issue/"+url.PathEscape(externalID), nil, &wire); err != nil {
		return nil, err
	}
	issue := wire.normalize()
	return &issue, nil
}

// ListStatuses returns the flattened, deduplicated status catalog for a
// project.
func (c *Client) ListStatuses(ctx context.Context, projectKey string) ([]Status, error) {
	var wire []wireProjectStatuses
	path := "/rest/api/2/project/" + url.PathEscape(projectKey) + "/statuses"
	if err := c.get(ctx, path, nil, &wire); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var statuses []Status
	for _, issueType := range wire {
		for _, s := range issueType.Statuses {
			if seen[s.ID] {
				continue
			}
			seen[s.ID] = true
			statuses = append(statuses, Status{
				ID:       s.ID,
				Name:     s.Name,
				Category: s.StatusCategory.Key,
			})
		}
	}
	return statuses, nil
}

// ListIssueTypes returns the site-wide issue type catalog.
func (c *Client) ListIssueTypes(ctx context.Context) ([]IssueType, error) {
	var wire []wireIssueType
	if err := c.get(ctx, "/rest/api/2/issuetype", nil, &wire); err != nil {
		return nil, err
	}
	out := make([]IssueType, len(wire))
	for i, t := range wire {
		out[i] = IssueType{ID: t.ID, Name: t.Name, Subtask: t.Subtask}
	}
	return out, nil
}

// ListPriorities returns the site-wide priority catalog.
func (c *Client) ListPriorities(ctx context.Context) ([]Priority, error) {
	var wire []wirePriority
	if err := c.get(ctx, "/rest/api/2/priority", nil, &wire); err != nil {
		return nil, err
	}
	out := make([]Priority, len(wire))
	for i, p := range wire {
		out[i] = Priority{ID: p.ID, Name: p.Name}
	}
	return out, nil
}

// CreateIssue creates an issue in projectKey and returns its normalized form.
// Status cannot be set at creation time; callers transition afterwards via
// UpdateIssue if needed.
func (c *Client) CreateIssue(ctx context.Context, projectKey string, fields IssueFields) (*Issue, error) {
	body := map[string]any{
		"fields": c.buildFields(projectKey, fields),
	}

	var created wireIssueRef
	if err := c.do(ctx, http.MethodPost, "/rest/api/2/issue", nil, body, &created); err != nil {
		return nil, err
	}

	var fetched wireIssue
	if err := c.get(ctx, "/rest/api/2/issue/"+url.PathEscape(created.ID), nil, &fetched); err != nil {
		return nil, err
	}
	issue := fetched.normalize()
	return &issue, nil
}

// UpdateIssue applies field edits to an existing issue. A status change is
// applied as a workflow transition, which Jira keeps separate from field
// updates.
func (c *Client) UpdateIssue(ctx context.Context, externalID string, fields IssueFields) error {
	update := map[string]any{}
	if fields.Summary != "" {
		update["summary"] = fields.Summary
	}
	if fields.Description != "" {
		update["description"] = fields.Description
	}
	if fields.Priority != "" {
		update["priority"] = map[string]string{"name": fields.Priority}
	}

	path := "/rest/api/2/issue/" + url.PathEscape(externalID)
	if len(update) > 0 {
		body := map[string]any{"fields": update}
		if err := c.do(ctx, http.MethodPut, path, nil, body, nil); err != nil {
			return err
		}
	}

	if fields.Status != "" {
		if err := c.transitionIssue(ctx, externalID, fields.Status); err != nil {
			return err
		}
	}
	return nil
}

// DeleteIssue deletes an issue by external id.
func (c *Client) DeleteIssue(ctx context.Context, externalID string) error {
	path := "/rest/api/2/issue/" + url.PathEscape(externalID)
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

// transitionIssue moves an issue to the named status via the transitions
// endpoint. No-op error if the workflow offers no transition to that status.
func (c *Client) transitionIssue(ctx context.Context, externalID, statusName string) error {
	path := "/rest/api/2/issue/" + url.PathEscape(externalID) + "/transitions"

	var available wireTransitionsResponse
	if err := c.get(ctx, path, nil, &available); err != nil {
		return err
	}

	for _, t := range available.Transitions {
		if strings.EqualFold(t.To.Name, statusName) {
			body := map[string]any{"transition": map[string]string{"id": t.ID}}
			return c.do(ctx, http.MethodPost, path, nil, body, nil)
		}
	}
	return fmt.Errorf("jira: no transition to status %q for issue %s", statusName, externalID)
}

func (c *Client) buildFields(projectKey string, fields IssueFields) map[string]any {
	out := map[string]any{
		"project": map[string]string{"key": projectKey},
		"summary": fields.Summary,
	}
	if fields.Description != "" {
		out["description"] = fields.Description
	}
	issueType := fields.IssueType
	if issueType == "" {
		issueType = "Task"
	}
	out["issuetype"] = map[string]string{"name": issueType}
	if fields.Priority != "" {
		out["priority"] = map[string]string{"name": fields.Priority}
	}
	return out
}

func (c *Client) get(ctx context.Context, path string, params url.Values, result any) error {
	return c.do(ctx, http.MethodGet, path, params, nil, result)
}

// do issues one API call with transient retry. Auth failures and rate
// limits are never retried here; the orchestrator owns that policy.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, result any) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		payload = data
	}

	backoff := retry.WithMaxRetries(transientRetries, retry.NewFibonacci(transientBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.SetBasicAuth(c.email, c.token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// Network blips are retryable; context expiry is not.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return retry.RetryableError(fmt.Errorf("execute %s %s: %w", method, path, err))
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("read response: %w", err))
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%s %s: %w", method, path, ErrAuthFailed)
		case resp.StatusCode == http.StatusTooManyRequests:
			return &RateLimitError{RetryAfter: parseRetryAfter(resp)}
		case resp.StatusCode >= 500:
			return retry.RetryableError(&APIError{StatusCode: resp.StatusCode, Body: truncate(respBody)})
		case resp.StatusCode >= 400:
			return &APIError{StatusCode: resp.StatusCode, Body: truncate(respBody)}
		}

		if result != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, result); err != nil {
				return fmt.Errorf("decode response from %s: %w", path, err)
			}
		}
		return nil
	})
}

// parseRetryAfter reads the Retry-After header as delay seconds. Zero when
// absent or malformed; the orchestrator substitutes its default backoff.
func parseRetryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func truncate(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
