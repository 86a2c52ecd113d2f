package taskapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotConfigured is returned by every call when the remote API has no
// base URL or access token.
var ErrNotConfigured = errors.New("task api not configured")

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("task api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Task is the remote task model (partial).
type Task struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Notes        string            `json:"notes,omitempty"`
	Completed    bool              `json:"completed"`
	Assignee     string            `json:"assignee,omitempty"`
	DueOn        string            `json:"due_on,omitempty"`
	Projects     []string          `json:"projects,omitempty"`
	CustomFields map[string]string `json:"custom_fields,omitempty"`
	ModifiedAt   string            `json:"modified_at,omitempty"`
}

type CreateTaskInput struct {
	Name         string            `json:"name"`
	Notes        string            `json:"notes,omitempty"`
	Assignee     string            `json:"assignee,omitempty"`
	DueOn        string            `json:"due_on,omitempty"`
	Projects     []string          `json:"projects,omitempty"`
	Workspace    string            `json:"workspace,omitempty"`
	CustomFields map[string]string `json:"custom_fields,omitempty"`
}

// UpdateTaskInput carries only the fields to change.
type UpdateTaskInput struct {
	Name      *string `json:"name,omitempty"`
	Notes     *string `json:"notes,omitempty"`
	Completed *bool   `json:"completed,omitempty"`
	DueOn     *string `json:"due_on,omitempty"`
}

// Identity is the account behind the access token.
type Identity struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// Gateway is the remote task tracker as seen by the sync coordinator.
type Gateway interface {
	Enabled() bool
	CreateTask(ctx context.Context, in CreateTaskInput) (Task, error)
	GetTask(ctx context.Context, id string) (Task, error)
	UpdateTask(ctx context.Context, id string, in UpdateTaskInput) (Task, error)
	DeleteTask(ctx context.Context, id string) error
	AddDependencies(ctx context.Context, taskID string, dependencyIDs []string) int
	RemoveDependencies(ctx context.Context, taskID string, dependencyIDs []string) int
	Me(ctx context.Context) (Identity, error)
}

// Client is the HTTP implementation of Gateway.
type Client struct {
	BaseURL            string
	Token              string
	WorkspaceID        string
	DefaultContainerID string
	HTTPClient         *http.Client
	Timeout            time.Duration
	Logger             *slog.Logger
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Client) Enabled() bool {
	return c != nil && strings.TrimSpace(c.BaseURL) != "" && strings.TrimSpace(c.Token) != ""
}

// CreateTask creates a task, placing it in the default container when the
// input names none.
func (c *Client) CreateTask(ctx context.Context, in CreateTaskInput) (Task, error) {
	if len(in.Projects) == 0 && c.DefaultContainerID != "" {
		in.Projects = []string{c.DefaultContainerID}
	}
	if in.Workspace == "" {
		in.Workspace = c.WorkspaceID
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", in, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) UpdateTask(ctx context.Context, id string, in UpdateTaskInput) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPut, "tasks/"+url.PathEscape(id), in, &resp)
	return resp, err
}

func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "tasks/"+url.PathEscape(id), nil, nil)
}

// AddDependencies makes taskID depend on each of dependencyIDs, one call per
// dependency. Failures are logged and skipped; the count applied is returned.
func (c *Client) AddDependencies(ctx context.Context, taskID string, dependencyIDs []string) int {
	return c.eachDependency(ctx, taskID, "addDependencies", dependencyIDs)
}

// RemoveDependencies is the inverse of AddDependencies.
func (c *Client) RemoveDependencies(ctx context.Context, taskID string, dependencyIDs []string) int {
	return c.eachDependency(ctx, taskID, "removeDependencies", dependencyIDs)
}

func (c *Client) eachDependency(ctx context.Context, taskID, action string, dependencyIDs []string) int {
	applied := 0
	for _, dep := range dependencyIDs {
		body := map[string]any{"dependencies": []string{dep}}
		endpoint := fmt.Sprintf("tasks/%s/%s", url.PathEscape(taskID), action)
		if err := c.do(ctx, http.MethodPost, endpoint, body, nil); err != nil {
			c.logger().Warn("task dependency call failed", "action", action, "task_id", taskID, "dependency_id", dep, "error", err)
			continue
		}
		applied++
	}
	return applied
}

// Me returns the identity behind the token.
func (c *Client) Me(ctx context.Context) (Identity, error) {
	var resp Identity
	err := c.do(ctx, http.MethodGet, "users/me", nil, &resp)
	return resp, err
}

type envelope struct {
	Data json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if !c.Enabled() {
		return ErrNotConfigured
	}
	httpClient := c.HTTPClient
	if httpClient == nil {
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	target := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(map[string]any{"data": body}); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Token)
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out == nil {
		return nil
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	if len(env.Data) == 0 {
		return fmt.Errorf("decode %s response: missing data", endpoint)
	}
	return json.Unmarshal(env.Data, out)
}
