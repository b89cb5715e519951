package gateway

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

	"github.com/MEKXH/signoff/internal/approval"
	"github.com/MEKXH/signoff/internal/bus"
)

// APIError is a non-2xx gateway response.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("gateway returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Client talks to a running gateway. It satisfies rendezvous.Submitter.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client for baseURL. A nil httpClient uses one with a
// 30 second timeout.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		http:    httpClient,
	}
}

// Submit posts req and returns the gateway's prompt result.
func (c *Client) Submit(ctx context.Context, req approval.Request) (approval.SubmitResult, error) {
	var res approval.SubmitResult
	err := c.do(ctx, http.MethodPost, "/approvals", req, &res)
	return res, err
}

// SubmitAndWait posts req in wait mode and blocks until the decision, or
// the request deadline, arrives. The client timeout must exceed the deadline.
func (c *Client) SubmitAndWait(ctx context.Context, req approval.Request) (approval.Decision, error) {
	var d approval.Decision
	err := c.do(ctx, http.MethodPost, "/approvals?wait=1", req, &d)
	return d, err
}

// Status fetches the current record for id.
func (c *Client) Status(ctx context.Context, id string) (approval.State, error) {
	var st approval.State
	err := c.do(ctx, http.MethodGet, "/approvals/"+url.PathEscape(strings.TrimSpace(id)), nil, &st)
	return st, err
}

// Activity lists the tenant's latest finished requests.
func (c *Client) Activity(ctx context.Context, tenantID string, limit int) ([]approval.ActivityEntry, error) {
	q := url.Values{}
	q.Set("tenant_id", tenantID)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Entries []approval.ActivityEntry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, "/activity?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if rid := bus.RequestIDFromContext(ctx); rid != "" {
		req.Header.Set("X-Request-ID", rid)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRequestBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(raw, apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
