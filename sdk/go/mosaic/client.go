package mosaic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Synchronous runs may take longer; pass a client with a larger timeout for
// RunTask and ExecuteQuote.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the Mosaic daemon REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("mosaic api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("mosaic api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the daemon API. When httpClient is nil, a
// default client with a short timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// AccessToken returns the bearer token sent with every request.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken sets the bearer token configured on the daemon.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// SubmitTask queues a task for asynchronous execution.
func (c *Client) SubmitTask(ctx context.Context, submission TaskSubmission) (Task, error) {
	var task Task
	if err := c.send(ctx, http.MethodPost, "/api/v1/tasks", submission, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// GetTask fetches task details by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	if taskID == "" {
		return Task{}, errors.New("mosaic: task id is required")
	}
	var task Task
	if err := c.send(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(taskID), nil, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// Stats returns aggregated task counters.
func (c *Client) Stats(ctx context.Context) (TaskStats, error) {
	var stats TaskStats
	if err := c.send(ctx, http.MethodGet, "/api/v1/tasks/stats", nil, &stats); err != nil {
		return TaskStats{}, err
	}
	return stats, nil
}

// WaitForTask polls the task until it reaches a terminal status or ctx ends.
func (c *Client) WaitForTask(ctx context.Context, taskID string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task, err := c.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if task.Finished() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunTask executes a task synchronously. A failed run is returned as a result
// with Success=false rather than an error.
func (c *Client) RunTask(ctx context.Context, req RunRequest) (RunResult, error) {
	if req.Task == "" {
		return RunResult{}, errors.New("mosaic: task is required")
	}
	return c.run(ctx, "/api/v1/runs", req)
}

// ExecuteQuote executes a previously accepted quote synchronously.
func (c *Client) ExecuteQuote(ctx context.Context, quote Quote, wallet string) (RunResult, error) {
	return c.run(ctx, "/api/v1/quotes/execute", RunRequest{Quote: &quote, Wallet: wallet})
}

func (c *Client) run(ctx context.Context, endpoint string, req RunRequest) (RunResult, error) {
	var result RunResult
	err := c.send(ctx, http.MethodPost, endpoint, req, &result)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity && result.RunID != "" {
		return result, nil
	}
	if err != nil {
		return RunResult{}, err
	}
	return result, nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
			// failed runs carry the run result in the body
			if out != nil && resp.StatusCode == http.StatusUnprocessableEntity {
				_ = json.Unmarshal(data, out)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
