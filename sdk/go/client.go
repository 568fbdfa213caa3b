package deptracksdk

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
)

// Client is a minimal Deptrack HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID                     string  `json:"id"`
	ProjectID              string  `json:"project_id"`
	Title                  string  `json:"title"`
	Description            string  `json:"description,omitempty"`
	AssigneeID             *string `json:"assignee_id,omitempty"`
	RequestingDepartmentID string  `json:"requesting_department_id"`
	ExecutingDepartmentID  string  `json:"executing_department_id"`
	CreatorID              string  `json:"creator_id"`
	Status                 string  `json:"status"`
	KanbanStage            string  `json:"kanban_stage"`
	Progress               int     `json:"progress"`
	Priority               string  `json:"priority"`
	DueDate                *string `json:"due_date,omitempty"`
	StartDate              *string `json:"start_date,omitempty"`
	CompletedDate          *string `json:"completed_date,omitempty"`
	Remark                 string  `json:"remark,omitempty"`
	CreatedAt              string  `json:"created_at"`
	UpdatedAt              string  `json:"updated_at"`
}

// Project represents the API project model.
type Project struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	DepartmentID     string   `json:"department_id"`
	TeamID           *string  `json:"team_id,omitempty"`
	CreatorID        string   `json:"creator_id"`
	Status           string   `json:"status"`
	Progress         int      `json:"progress"`
	ManualAdjustment int      `json:"manual_adjustment"`
	StartDate        string   `json:"start_date"`
	Deadline         string   `json:"deadline"`
	Members          []string `json:"members"`
	TaskIDs          []string `json:"task_ids"`
}

// NewTask holds the fields accepted when creating a task.
type NewTask struct {
	ID                     string `json:"id,omitempty"`
	ProjectID              string `json:"project_id"`
	Title                  string `json:"title"`
	Description            string `json:"description,omitempty"`
	AssigneeID             string `json:"assignee_id,omitempty"`
	RequestingDepartmentID string `json:"requesting_department_id"`
	ExecutingDepartmentID  string `json:"executing_department_id"`
	Priority               string `json:"priority,omitempty"`
	KanbanStage            string `json:"kanban_stage,omitempty"`
	DueDate                string `json:"due_date,omitempty"`
	Remark                 string `json:"remark,omitempty"`
}

// MoveResult is returned by MoveStage.
type MoveResult struct {
	Task Task   `json:"task"`
	From string `json:"from"`
	To   string `json:"to"`
}

// APIError wraps non-2xx responses. Code and Message are filled from the
// error envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, task NewTask) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", task, &resp)
	return resp, err
}

// GetTask fetches a task.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, taskPath(id, ""), nil, &resp)
	return resp, err
}

// MoveStage moves a task to another kanban stage.
func (c *Client) MoveStage(ctx context.Context, id, stage string) (MoveResult, error) {
	var resp MoveResult
	err := c.do(ctx, http.MethodPost, taskPath(id, "stage"), map[string]string{"stage": stage}, &resp)
	return resp, err
}

// Approve closes a task that is in Review.
func (c *Client) Approve(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, "approve"), nil, &resp)
	return resp, err
}

// Reject sends a task in Review back to In Progress.
func (c *Client) Reject(ctx context.Context, id, reason string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, "reject"), map[string]string{"reason": reason}, &resp)
	return resp, err
}

// DeleteTask removes a task.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, taskPath(id, ""), nil, nil)
}

// GetProject fetches a project with its current progress.
func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func taskPath(id, action string) string {
	p := "tasks/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
