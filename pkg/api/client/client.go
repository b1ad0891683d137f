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
)

// Client provides typed access to the buildboard API for command line tools.
type Client struct {
	baseURL    string
	writeKey   string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithWriteKey sets the bearer key used for webhook deliveries.
func WithWriteKey(key string) Option {
	return func(c *Client) {
		c.writeKey = strings.TrimSpace(key)
	}
}

// WithTimeout overrides the request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:8000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// Retryable reports whether the server asked the caller to try again later.
func (e APIError) Retryable() bool {
	return e.Status == http.StatusServiceUnavailable || e.Status == http.StatusTooManyRequests
}

// do sends body as JSON, or verbatim when it is a []byte.
func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		payload, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// WebhookResult is the API's classification of one delivery.
type WebhookResult struct {
	Status    string   `json:"status"`
	Run       string   `json:"run"`
	Rejection string   `json:"rejection"`
	Warnings  []string `json:"warnings"`
}

// SendWebhook delivers a raw provider payload.
func (c *Client) SendWebhook(ctx context.Context, provider string, payload []byte) (WebhookResult, error) {
	if strings.TrimSpace(provider) == "" {
		provider = "generic"
	}
	path := fmt.Sprintf("/api/webhook/%s", url.PathEscape(provider))
	var resp WebhookResult
	if err := c.do(ctx, http.MethodPost, path, payload, c.writeKey, &resp); err != nil {
		return WebhookResult{}, err
	}
	return resp, nil
}

// Duration summarises terminal run durations in seconds.
type Duration struct {
	Count int64    `json:"count"`
	Mean  *float64 `json:"mean_seconds"`
	P50   *float64 `json:"p50_seconds"`
	P95   *float64 `json:"p95_seconds"`
}

// Partition is one (repository, branch) row of a summary breakdown.
type Partition struct {
	Repository      string   `json:"repository"`
	Branch          string   `json:"branch"`
	TotalBuilds     int64    `json:"total_builds"`
	SuccessRate     float64  `json:"success_rate"`
	FailedBuilds    int64    `json:"failed_builds"`
	SuccessCount    int64    `json:"success_count"`
	InProgressCount int64    `json:"in_progress_count"`
	QueuedCount     int64    `json:"queued_count"`
	CancelledCount  int64    `json:"cancelled_count"`
	Duration        Duration `json:"duration"`
}

// Summary is the aggregate metrics payload.
type Summary struct {
	Repository      string      `json:"repository"`
	Branch          string      `json:"branch"`
	Window          string      `json:"window"`
	TotalBuilds     int64       `json:"total_builds"`
	SuccessRate     float64     `json:"success_rate"`
	FailedBuilds    int64       `json:"failed_builds"`
	SuccessCount    int64       `json:"success_count"`
	InProgressCount int64       `json:"in_progress_count"`
	QueuedCount     int64       `json:"queued_count"`
	CancelledCount  int64       `json:"cancelled_count"`
	Duration        Duration    `json:"duration"`
	Breakdown       []Partition `json:"breakdown"`
	GeneratedAt     time.Time   `json:"generated_at"`
}

// SummaryQuery filters a summary request. Zero values match everything.
type SummaryQuery struct {
	Repository string
	Branch     string
	Window     string
	Breakdown  bool
}

// Summary fetches aggregate build metrics.
func (c *Client) Summary(ctx context.Context, q SummaryQuery) (Summary, error) {
	values := url.Values{}
	setIf(values, "repository", q.Repository)
	setIf(values, "branch", q.Branch)
	setIf(values, "window", q.Window)
	if q.Breakdown {
		values.Set("breakdown", "true")
	}
	var summary Summary
	if err := c.do(ctx, http.MethodGet, withQuery("/api/metrics/summary", values), nil, "", &summary); err != nil {
		return Summary{}, err
	}
	return summary, nil
}

// Run mirrors the API's build run payload.
type Run struct {
	Provider        string     `json:"provider"`
	ProviderRunID   string     `json:"provider_run_id"`
	Attempt         int        `json:"attempt"`
	RunNumber       int        `json:"run_number"`
	Repository      string     `json:"repository"`
	Branch          string     `json:"branch"`
	CommitSHA       string     `json:"commit_sha"`
	Status          string     `json:"status"`
	WorkflowName    string     `json:"workflow_name"`
	Actor           string     `json:"actor"`
	URL             string     `json:"url"`
	CreatedAt       time.Time  `json:"created_at"`
	LastUpdatedAt   time.Time  `json:"last_updated_at"`
	StartedAt       *time.Time `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at"`
	DurationSeconds *float64   `json:"duration_seconds"`
}

// BuildQuery filters and pages a run listing.
type BuildQuery struct {
	Repository string
	Branch     string
	Status     string
	Cursor     string
	Limit      int
}

// BuildPage is one page of runs.
type BuildPage struct {
	Runs       []Run  `json:"runs"`
	NextCursor string `json:"next_cursor"`
}

// ListBuilds returns runs newest first.
func (c *Client) ListBuilds(ctx context.Context, q BuildQuery) (BuildPage, error) {
	values := url.Values{}
	setIf(values, "repository", q.Repository)
	setIf(values, "branch", q.Branch)
	setIf(values, "status", q.Status)
	setIf(values, "cursor", q.Cursor)
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	var page BuildPage
	if err := c.do(ctx, http.MethodGet, withQuery("/api/builds", values), nil, "", &page); err != nil {
		return BuildPage{}, err
	}
	return page, nil
}

// GetBuild fetches one run. Attempt 0 means the first attempt.
func (c *Client) GetBuild(ctx context.Context, runID string, attempt int) (Run, error) {
	values := url.Values{}
	if attempt > 0 {
		values.Set("attempt", strconv.Itoa(attempt))
	}
	path := withQuery(fmt.Sprintf("/api/builds/%s", url.PathEscape(runID)), values)
	var run Run
	if err := c.do(ctx, http.MethodGet, path, nil, "", &run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// Alert is one fired alert.
type Alert struct {
	ID          string    `json:"id"`
	Kind        string    `json:"alert_type"`
	Repository  string    `json:"repository"`
	Branch      string    `json:"branch"`
	Message     string    `json:"message"`
	Value       float64   `json:"value"`
	Threshold   float64   `json:"threshold"`
	RunID       string    `json:"provider_run_id"`
	Attempt     int       `json:"attempt"`
	TriggeredAt time.Time `json:"triggered_at"`
}

// ListAlerts returns recent alerts, newest first.
func (c *Client) ListAlerts(ctx context.Context, limit int) ([]Alert, error) {
	values := url.Values{}
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Alerts []Alert `json:"alerts"`
	}
	if err := c.do(ctx, http.MethodGet, withQuery("/api/alerts", values), nil, "", &resp); err != nil {
		return nil, err
	}
	return resp.Alerts, nil
}

// Health calls the liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, "", nil)
}

func setIf(values url.Values, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		values.Set(key, v)
	}
}

func withQuery(path string, values url.Values) string {
	if len(values) == 0 {
		return path
	}
	return path + "?" + values.Encode()
}
