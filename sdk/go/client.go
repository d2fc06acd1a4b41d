package duelinesdk

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client is a minimal Dueline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set.
	ActorID string
	Timeout time.Duration

	rc *resty.Client
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// WorkItem represents the API work item model.
type WorkItem struct {
	ID              string    `json:"id"`
	Kind            string    `json:"kind"`
	Title           string    `json:"title,omitempty"`
	Status          string    `json:"status"`
	Severity        string    `json:"severity"`
	Owner           string    `json:"owner"`
	DueAt           time.Time `json:"due_at"`
	EscalationLevel int       `json:"escalation_level"`
	ExceptionID     *string   `json:"exception_id,omitempty"`
	Version         int64     `json:"version"`
}

type Status struct {
	WorkItemID       string    `json:"work_item_id"`
	LifecycleStatus  string    `json:"lifecycle_status"`
	SLAStatus        string    `json:"sla_status"`
	EscalationLevel  int       `json:"escalation_level"`
	Owner            string    `json:"owner"`
	DueAt            time.Time `json:"due_at"`
	RemainingSeconds int64     `json:"remaining_seconds"`
	Version          int64     `json:"version"`
	EvaluatedAt      time.Time `json:"evaluated_at"`
}

type Exception struct {
	ID          string     `json:"id"`
	WorkItemID  string     `json:"work_item_id"`
	Reason      string     `json:"reason"`
	ValidFrom   time.Time  `json:"valid_from"`
	ValidTo     time.Time  `json:"valid_to"`
	ExtendDueTo *time.Time `json:"extend_due_to,omitempty"`
	Status      string     `json:"status"`
	RequestedBy string     `json:"requested_by"`
	DecidedBy   *string    `json:"decided_by,omitempty"`
}

// AuditEntry represents one audit trail record.
type AuditEntry struct {
	Seq       int64          `json:"seq"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	FromState string         `json:"from_state,omitempty"`
	ToState   string         `json:"to_state,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}

type CreateItem struct {
	ID       string    `json:"id,omitempty"`
	Kind     string    `json:"kind"`
	Severity string    `json:"severity"`
	Title    string    `json:"title,omitempty"`
	DueAt    time.Time `json:"due_at"`
	Owner    string    `json:"owner,omitempty"`
}

type ExceptionRequest struct {
	Reason        string     `json:"reason"`
	Justification string     `json:"justification,omitempty"`
	ValidFrom     time.Time  `json:"valid_from"`
	ValidTo       time.Time  `json:"valid_to"`
	ExtendDueTo   *time.Time `json:"extend_due_to,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CreateItem creates a work item.
func (c *Client) CreateItem(ctx context.Context, in CreateItem) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, "POST", "items", nil, in, &resp)
	return resp, err
}

// GetItem fetches a work item.
func (c *Client) GetItem(ctx context.Context, id string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, "GET", "items/"+url.PathEscape(id), nil, nil, &resp)
	return resp, err
}

// Transition moves an item to another lifecycle status under an expected version.
func (c *Client) Transition(ctx context.Context, id, to string, expectedVersion int64) (WorkItem, error) {
	body := map[string]any{"to": to, "expected_version": expectedVersion}
	var resp WorkItem
	err := c.do(ctx, "POST", "items/"+url.PathEscape(id)+"/transition", nil, body, &resp)
	return resp, err
}

// Reassign changes the owner of an item under an expected version.
func (c *Client) Reassign(ctx context.Context, id, owner string, expectedVersion int64) (WorkItem, error) {
	body := map[string]any{"owner": owner, "expected_version": expectedVersion}
	var resp WorkItem
	err := c.do(ctx, "POST", "items/"+url.PathEscape(id)+"/reassign", nil, body, &resp)
	return resp, err
}

// Status evaluates an item at `at`; the zero time means now.
func (c *Client) Status(ctx context.Context, id string, at time.Time) (Status, error) {
	var resp Status
	err := c.do(ctx, "GET", "items/"+url.PathEscape(id)+"/status", atQuery(at), nil, &resp)
	return resp, err
}

// Audit returns the item's audit trail in append order.
func (c *Client) Audit(ctx context.Context, id string) ([]AuditEntry, error) {
	var resp struct {
		Entries []AuditEntry `json:"entries"`
	}
	err := c.do(ctx, "GET", "items/"+url.PathEscape(id)+"/audit", nil, nil, &resp)
	return resp.Entries, err
}

// RequestException opens a pending exception for an item.
func (c *Client) RequestException(ctx context.Context, itemID string, in ExceptionRequest) (Exception, error) {
	var resp Exception
	err := c.do(ctx, "POST", "items/"+url.PathEscape(itemID)+"/exceptions", nil, in, &resp)
	return resp, err
}

// DecideException approves or rejects a pending exception.
func (c *Client) DecideException(ctx context.Context, id string, approve bool) (Exception, error) {
	decision := "reject"
	if approve {
		decision = "approve"
	}
	var resp Exception
	err := c.do(ctx, "POST", "exceptions/"+url.PathEscape(id)+"/decision", nil, map[string]string{"decision": decision}, &resp)
	return resp, err
}

func atQuery(at time.Time) map[string]string {
	if at.IsZero() {
		return nil
	}
	return map[string]string{"at": at.UTC().Format(time.RFC3339)}
}

func (c *Client) client() *resty.Client {
	if c.rc == nil {
		c.rc = resty.New().
			SetBaseURL(strings.TrimRight(c.BaseURL, "/")).
			SetTimeout(c.Timeout).
			SetHeader("Content-Type", "application/json")
	}
	return c.rc
}

func (c *Client) do(ctx context.Context, method, endpoint string, query map[string]string, body any, out any) error {
	var apiErr errorEnvelope
	req := c.client().R().
		SetContext(ctx).
		SetQueryParams(query).
		SetError(&apiErr)
	switch {
	case c.BearerToken != "":
		req.SetAuthToken(c.BearerToken)
	case c.ActorID != "":
		req.SetHeader("X-Actor-Id", c.ActorID)
	}
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	path := strings.TrimRight(c.BasePath, "/") + "/" + strings.TrimLeft(endpoint, "/")
	resp, err := req.Execute(method, path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return &APIError{StatusCode: resp.StatusCode(), Code: apiErr.Error.Code, Message: apiErr.Error.Message}
	}
	return nil
}
