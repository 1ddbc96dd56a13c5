package approvalflowsdk

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

// Client is a minimal approval flow HTTP API client.
type Client struct {
	BaseURL  string
	BasePath string
	// UserID is sent as X-User-Id when no bearer token is set. The server
	// must allow that header.
	UserID      string
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

// As returns a copy of the client acting as another user.
func (c *Client) As(userID string) *Client {
	cp := *c
	cp.UserID = userID
	cp.BearerToken = ""
	return &cp
}

// Flow represents the API flow model (partial).
type Flow struct {
	ID          string `json:"id"`
	FlowNo      string `json:"flow_no"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	Version     int    `json:"version"`
	IsActive    bool   `json:"is_active"`
	IsPublished bool   `json:"is_published"`
}

// Step is one assignee's task at a node.
type Step struct {
	ID         string  `json:"id"`
	NodeID     string  `json:"node_id"`
	NodeName   string  `json:"node_name"`
	StepNo     string  `json:"step_no"`
	AssigneeID string  `json:"assignee_id"`
	Status     string  `json:"status"`
	Action     *string `json:"action"`
	Opinion    *string `json:"opinion"`
}

// Instance represents a running or finished approval.
type Instance struct {
	ID          string         `json:"id"`
	InstanceNo  string         `json:"instance_no"`
	FlowID      string         `json:"flow_id"`
	ApplicantID string         `json:"applicant_id"`
	Title       string         `json:"title"`
	Status      string         `json:"status"`
	FormData    map[string]any `json:"form_data,omitempty"`
	StartedAt   string         `json:"started_at"`
	EndedAt     *string        `json:"ended_at"`
	Steps       []Step         `json:"steps"`
}

// PendingFor returns the user's PENDING step, if any.
func (i Instance) PendingFor(userID string) (Step, bool) {
	for _, s := range i.Steps {
		if s.AssigneeID == userID && s.Status == "PENDING" {
			return s, true
		}
	}
	return Step{}, false
}

// TodoItem is an entry of the caller's inbox.
type TodoItem struct {
	StepID     string `json:"step_id"`
	InstanceID string `json:"instance_id"`
	InstanceNo string `json:"instance_no"`
	Title      string `json:"title"`
	FlowName   string `json:"flow_name"`
	NodeName   string `json:"node_name"`
	IsRead     bool   `json:"is_read"`
}

// Event represents a log entry.
type Event struct {
	ID         string         `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	InstanceID string         `json:"instance_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// ErrorBody is the server's error envelope.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
	// Err is set when Body holds the error envelope.
	Err *ErrorBody
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Err.Code, e.Err.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Code returns the envelope's error code.
func (e *APIError) Code() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Code
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// StartRequest holds the fields of a new instance.
type StartRequest struct {
	FlowID       string         `json:"flow_id"`
	Title        string         `json:"title"`
	FormData     map[string]any `json:"form_data,omitempty"`
	BusinessKey  string         `json:"business_key,omitempty"`
	BusinessType string         `json:"business_type,omitempty"`
	Urgency      string         `json:"urgency,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
}

// CreateFlow stores a flow document. definition is marshalled as JSON and
// must use node_no references for lines.
func (c *Client) CreateFlow(ctx context.Context, definition any) (Flow, error) {
	var resp Flow
	err := c.do(ctx, http.MethodPost, "flows", definition, &resp)
	return resp, err
}

// PublishFlow makes a flow available to new instances.
func (c *Client) PublishFlow(ctx context.Context, flowID string) (Flow, error) {
	var resp Flow
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("flows/%s/publish", url.PathEscape(flowID)), nil, &resp)
	return resp, err
}

// Start starts an instance as the client's user.
func (c *Client) Start(ctx context.Context, req StartRequest) (Instance, error) {
	var resp Instance
	err := c.do(ctx, http.MethodPost, "instances", req, &resp)
	return resp, err
}

// Instance fetches an instance with its steps.
func (c *Client) Instance(ctx context.Context, id string) (Instance, error) {
	var resp Instance
	err := c.do(ctx, http.MethodGet, "instances/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Cancel cancels a pending instance.
func (c *Client) Cancel(ctx context.Context, id string) (Instance, error) {
	var resp Instance
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("instances/%s/cancel", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Approve approves a step.
func (c *Client) Approve(ctx context.Context, stepID, opinion string) (Instance, error) {
	return c.Process(ctx, stepID, map[string]any{"action": "APPROVE", "opinion": opinion})
}

// Reject rejects a step.
func (c *Client) Reject(ctx context.Context, stepID, opinion string) (Instance, error) {
	return c.Process(ctx, stepID, map[string]any{"action": "REJECT", "opinion": opinion})
}

// Delegate hands a step to another user.
func (c *Client) Delegate(ctx context.Context, stepID, to, opinion string) (Instance, error) {
	return c.Process(ctx, stepID, map[string]any{"action": "DELEGATE", "delegate_to": to, "opinion": opinion})
}

// Process posts a raw process request.
func (c *Client) Process(ctx context.Context, stepID string, body map[string]any) (Instance, error) {
	var resp Instance
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("steps/%s/process", url.PathEscape(stepID)), body, &resp)
	return resp, err
}

// Todo returns the caller's pending steps.
func (c *Client) Todo(ctx context.Context) ([]TodoItem, error) {
	var resp []TodoItem
	err := c.do(ctx, http.MethodGet, "my/todo", nil, &resp)
	return resp, err
}

// EventsPage returns a page of an instance's events, newest first.
func (c *Client) EventsPage(ctx context.Context, instanceID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := fmt.Sprintf("instances/%s/events", url.PathEscape(instanceID))
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
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
	case c.UserID != "":
		req.Header.Set("X-User-Id", c.UserID)
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
			Error *ErrorBody `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Err = env.Error
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
