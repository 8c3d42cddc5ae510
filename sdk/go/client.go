package civicflowsdk

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

// Client is a minimal Civicflow HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client for the /v1 API.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type Standing struct {
	Status           string `json:"status"`
	SLAStatus        string `json:"sla_status"`
	Deadline         string `json:"deadline"`
	RemainingSeconds int64  `json:"remaining_seconds"`
	WindowSeconds    int64  `json:"window_seconds"`
	At               string `json:"at"`
}

type Complaint struct {
	ID                 string    `json:"id"`
	Type               string    `json:"type"`
	Title              string    `json:"title"`
	Description        string    `json:"description,omitempty"`
	Priority           string    `json:"priority"`
	Status             string    `json:"status"`
	WardID             string    `json:"ward_id"`
	SubmittedByID      string    `json:"submitted_by_id"`
	AssignedToID       string    `json:"assigned_to_id,omitempty"`
	CreatedAt          string    `json:"created_at"`
	UpdatedAt          string    `json:"updated_at"`
	Deadline           string    `json:"deadline"`
	ResolvedAt         string    `json:"resolved_at,omitempty"`
	ClosedAt           string    `json:"closed_at,omitempty"`
	SLA                *Standing `json:"sla,omitempty"`
	AllowedTransitions []string  `json:"allowed_transitions,omitempty"`
}

type StatusLogEntry struct {
	ID         string `json:"id"`
	ActorID    string `json:"actor_id"`
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status"`
	Comment    string `json:"comment,omitempty"`
	Timestamp  string `json:"timestamp"`
}

type Registration struct {
	ID          string `json:"id,omitempty"`
	Type        string `json:"type"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty"`
	WardID      string `json:"ward_id,omitempty"`
}

type Transition struct {
	ToStatus       string `json:"to_status"`
	Comment        string `json:"comment,omitempty"`
	AssigneeID     string `json:"assignee_id,omitempty"`
	ExpectedStatus string `json:"expected_status,omitempty"`
}

type TransitionResult struct {
	Complaint Complaint      `json:"complaint"`
	Entry     StatusLogEntry `json:"entry"`
}

// ListOptions filters ListComplaints. Zero values are ignored.
type ListOptions struct {
	Status       string
	WardID       string
	Type         string
	Priority     string
	AssignedToID string
	Limit        int
	Cursor       string
}

type ComplaintPage struct {
	Items      []Complaint `json:"items"`
	NextCursor string      `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
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

// IsConflict reports whether err is a 409 from a stale transition. Callers
// should re-read the complaint before trying again.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

func (c *Client) RegisterComplaint(ctx context.Context, in Registration) (Complaint, error) {
	var resp Complaint
	err := c.do(ctx, http.MethodPost, "complaints", in, &resp)
	return resp, err
}

func (c *Client) GetComplaint(ctx context.Context, id string) (Complaint, error) {
	var resp Complaint
	err := c.do(ctx, http.MethodGet, "complaints/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListComplaints returns one page of complaints visible to the caller.
func (c *Client) ListComplaints(ctx context.Context, opts ListOptions) (ComplaintPage, error) {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("status", opts.Status)
	set("ward_id", opts.WardID)
	set("type", opts.Type)
	set("priority", opts.Priority)
	set("assigned_to_id", opts.AssignedToID)
	set("cursor", opts.Cursor)
	if opts.Limit > 0 {
		q.Set("limit", fmt.Sprint(opts.Limit))
	}
	endpoint := "complaints"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp ComplaintPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Transition(ctx context.Context, id string, t Transition) (TransitionResult, error) {
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, "complaints/"+url.PathEscape(id)+"/transitions", t, &resp)
	return resp, err
}

// History returns the status log oldest first.
func (c *Client) History(ctx context.Context, id string) ([]StatusLogEntry, error) {
	var resp struct {
		Items []StatusLogEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "complaints/"+url.PathEscape(id)+"/history", nil, &resp)
	return resp.Items, err
}

func (c *Client) SLA(ctx context.Context, id string) (Standing, error) {
	var resp Standing
	err := c.do(ctx, http.MethodGet, "complaints/"+url.PathEscape(id)+"/sla", nil, &resp)
	return resp, err
}

// StatusReport returns complaint counts per status.
func (c *Client) StatusReport(ctx context.Context, wardID string) (map[string]int, error) {
	endpoint := "reports/status"
	if wardID != "" {
		endpoint += "?ward_id=" + url.QueryEscape(wardID)
	}
	var resp struct {
		Counts map[string]int `json:"counts"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Counts, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
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
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	basePath := c.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(basePath, "/")
}
