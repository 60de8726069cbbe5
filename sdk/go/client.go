package stagelinesdk

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

// Client is a minimal Stageline HTTP API client. Build progress is read by
// polling; callers should back off between polls and stop once the project
// status is terminal.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Project mirrors the API project model.
type Project struct {
	ID                 string  `json:"id"`
	Name               string  `json:"name"`
	Requirement        string  `json:"requirement"`
	Status             string  `json:"status"`
	CurrentStage       *string `json:"current_stage,omitempty"`
	ProgressPercentage int     `json:"progress_percentage"`
	Stages             []Stage `json:"stages_snapshot"`
	LatestTaskID       *string `json:"latest_task_id,omitempty"`
	CreatedAt          string  `json:"created_at"`
	UpdatedAt          string  `json:"updated_at"`
}

// Stage mirrors one stage record.
type Stage struct {
	Name            string         `json:"name"`
	DisplayName     string         `json:"display_name"`
	Order           int            `json:"order"`
	Status          string         `json:"status"`
	StartedAt       *string        `json:"started_at,omitempty"`
	CompletedAt     *string        `json:"completed_at,omitempty"`
	DurationSeconds *float64       `json:"duration_seconds,omitempty"`
	Metrics         StageMetrics   `json:"metrics"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Error           *string        `json:"error,omitempty"`
	Description     string         `json:"description,omitempty"`
}

type StageMetrics struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	ToolCalls    int `json:"tool_calls"`
}

// Task mirrors a build task record.
type Task struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// BuildView mirrors the dashboard response.
type BuildView struct {
	ProjectID          string   `json:"project_id"`
	Name               string   `json:"name"`
	Status             string   `json:"status"`
	ProgressPercentage int      `json:"progress_percentage"`
	CurrentStage       *string  `json:"current_stage,omitempty"`
	ActiveStage        *string  `json:"active_stage,omitempty"`
	Stages             []Stage  `json:"stages"`
	Task               *Task    `json:"task,omitempty"`
	Alerts             []string `json:"alerts,omitempty"`
	UpdatedAt          string   `json:"updated_at"`
}

// ControlResult mirrors the control endpoint response.
type ControlResult struct {
	ProjectID string  `json:"project_id"`
	Action    string  `json:"action"`
	Status    string  `json:"status"`
	TaskID    *string `json:"task_id,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProject creates a project and dispatches its first build.
func (c *Client) CreateProject(ctx context.Context, name, requirement string) (Project, error) {
	body := map[string]any{
		"name":        name,
		"requirement": requirement,
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects", body, &resp)
	return resp, err
}

// Project fetches one project snapshot.
func (c *Client) Project(ctx context.Context, projectID string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, ""), nil, &resp)
	return resp, err
}

// Projects lists all projects.
func (c *Client) Projects(ctx context.Context) ([]Project, error) {
	var resp []Project
	err := c.do(ctx, http.MethodGet, "v0/projects", nil, &resp)
	return resp, err
}

// Build fetches the dashboard view for a project.
func (c *Client) Build(ctx context.Context, projectID string) (BuildView, error) {
	var resp BuildView
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "build"), nil, &resp)
	return resp, err
}

// Stages lists stage records with catalog display metadata.
func (c *Client) Stages(ctx context.Context, projectID string) ([]Stage, error) {
	var resp []Stage
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "stages"), nil, &resp)
	return resp, err
}

// Stage fetches one stage detail. It returns an APIError with status 404
// until the stage has been started.
func (c *Client) Stage(ctx context.Context, projectID, name string) (Stage, error) {
	var resp Stage
	endpoint := c.projectPath(projectID, "stages/"+url.PathEscape(name))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Control applies pause, resume, cancel or retry to a project's build.
func (c *Client) Control(ctx context.Context, projectID, action string) (ControlResult, error) {
	var resp ControlResult
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "control"), map[string]any{"action": action}, &resp)
	return resp, err
}

// Task fetches a build task record.
func (c *Client) Task(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(taskID), nil, &resp)
	return resp, err
}

// Events returns recent events for a project.
func (c *Client) Events(ctx context.Context, projectID string, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, projectID, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, projectID string, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.projectPath(projectID, "events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Delete removes a project and its task history.
func (c *Client) Delete(ctx context.Context, projectID string) error {
	return c.do(ctx, http.MethodDelete, c.projectPath(projectID, ""), nil, nil)
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
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(projectID, p string) string {
	base := "v0/projects/" + url.PathEscape(projectID)
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
