// Package client is a thin HTTP client over the Control Surface (spec
// §4.7, §6.1), grounded on sdk/client.go's Option-pattern Client and
// APIError/responseError shape.
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

	"github.com/taskforge/taskforge/internal/store"
)

type Client struct {
	baseURL    string
	credential string
	httpClient *http.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

func WithCredential(credential string) Option {
	return func(c *Client) { c.credential = credential }
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:    "http://127.0.0.1:4621",
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" && e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("unexpected status: %d", e.StatusCode)
}

type errorResponse struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) Health(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	return nil
}

type CreateTaskRequest struct {
	Title     string   `json:"title"`
	Prompt    string   `json:"prompt"`
	Mode      string   `json:"mode,omitempty"`
	Priority  string   `json:"priority,omitempty"`
	DependsOn []int64  `json:"depends_on,omitempty"`
	RepoPath  string   `json:"repo_path,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (*store.Task, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.doRequest(ctx, http.MethodPost, "/tasks/", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, responseError(resp)
	}
	var task store.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) ListTasks(ctx context.Context, status string) ([]*store.Task, error) {
	path := "/tasks/"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}
	var tasks []*store.Task
	if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (c *Client) GetTask(ctx context.Context, id int64) (*store.Task, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/tasks/"+strconv.FormatInt(id, 10), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}
	var task store.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) CancelTask(ctx context.Context, id int64) (*store.Task, error) {
	return c.postAction(ctx, id, "cancel")
}

func (c *Client) RetryTask(ctx context.Context, id int64) (*store.Task, error) {
	return c.postAction(ctx, id, "retry")
}

func (c *Client) ApprovePlan(ctx context.Context, id int64) (*store.Task, error) {
	return c.postAction(ctx, id, "approve-plan")
}

func (c *Client) DeleteTask(ctx context.Context, id int64) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, "/tasks/"+strconv.FormatInt(id, 10), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return responseError(resp)
	}
	return nil
}

func (c *Client) postAction(ctx context.Context, id int64, action string) (*store.Task, error) {
	path := "/tasks/" + strconv.FormatInt(id, 10) + "/" + action
	resp, err := c.doRequest(ctx, http.MethodPost, path, bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}
	var task store.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.credential != "" {
		req.Header.Set("X-API-Credential", c.credential)
	}
	return c.httpClient.Do(req)
}

func responseError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}
	var payload errorResponse
	if err := json.Unmarshal(body, &payload); err == nil && payload.Code != "" {
		return &APIError{StatusCode: resp.StatusCode, Code: payload.Code, Message: payload.Message}
	}
	return fmt.Errorf("unexpected status: %s", resp.Status)
}
