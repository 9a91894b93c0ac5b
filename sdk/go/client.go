package holonsdk

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

// Client is a minimal Holon HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Intent represents the API intent model (partial).
type Intent struct {
	ID        string  `json:"intent_id"`
	ParentID  *string `json:"parent_id"`
	Goal      string  `json:"goal"`
	State     string  `json:"state"`
	Branch    string  `json:"branch"`
	CreatedBy string  `json:"created_by"`
	Reactive  bool    `json:"reactive,omitempty"`
}

// IntentDetail is an intent with its budget and review status.
type IntentDetail struct {
	Intent         Intent         `json:"intent"`
	Budget         map[string]any `json:"budget,omitempty"`
	SelectedPlanID string         `json:"selected_plan_id,omitempty"`
	ReviewPending  bool           `json:"review_pending"`
	Abandoned      bool           `json:"abandoned"`
}

type Metrics struct {
	PSuccess float64 `json:"p_success"`
	Entropy  float64 `json:"entropy"`
	Impact   float64 `json:"impact"`
	Cost     float64 `json:"cost"`
	EV       float64 `json:"ev"`
}

// ReviewPackage is what a reviewer decides on.
type ReviewPackage struct {
	IntentID          string             `json:"intent_id"`
	Goal              string             `json:"goal"`
	Branch            string             `json:"branch"`
	Reason            string             `json:"reason"`
	PlanID            string             `json:"plan_id,omitempty"`
	Predicted         Metrics            `json:"predicted"`
	Actual            map[string]any     `json:"actual"`
	DiffSummary       []string           `json:"diff_summary,omitempty"`
	CalibrationErrors map[string]float64 `json:"calibration_errors,omitempty"`
}

// Review is the latest review of a root intent.
type Review struct {
	IntentID     string        `json:"intent_id"`
	Package      ReviewPackage `json:"package"`
	RequestedSeq int64         `json:"requested_seq"`
	Decision     string        `json:"decision,omitempty"`
	Reviewer     string        `json:"reviewer,omitempty"`
	Comment      string        `json:"comment,omitempty"`
	DecidedSeq   int64         `json:"decided_seq,omitempty"`
	Pending      bool          `json:"pending"`
}

// Event represents a ledger entry.
type Event struct {
	Seq      int64           `json:"seq"`
	Type     string          `json:"event_type"`
	TS       string          `json:"ts"`
	RunID    string          `json:"run_id"`
	AgentID  string          `json:"agent_id"`
	IntentID string          `json:"intent_id,omitempty"`
	Branch   string          `json:"branch,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// EventsQuery filters an events page. Zero values are omitted.
type EventsQuery struct {
	Cursor   string
	Limit    int
	Type     string
	IntentID string
}

type TrustState struct {
	AgentID    string  `json:"agent_id"`
	Level      string  `json:"trust_level"`
	Score      float64 `json:"trust_score"`
	Executions int     `json:"executions"`
	Violations int     `json:"violations"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// ListIntents returns intents, optionally filtered by state.
func (c *Client) ListIntents(ctx context.Context, state string) ([]Intent, error) {
	endpoint := "intents"
	if state != "" {
		endpoint += "?state=" + url.QueryEscape(state)
	}
	var resp struct {
		Items []Intent `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Intent fetches an intent by id.
func (c *Client) Intent(ctx context.Context, id string) (IntentDetail, error) {
	var resp IntentDetail
	err := c.do(ctx, http.MethodGet, "intents/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ReviewPackage returns the latest review of a root intent.
func (c *Client) ReviewPackage(ctx context.Context, id string) (Review, error) {
	var resp Review
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("intents/%s/review", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Decide records an approved or rejected decision on a pending review.
func (c *Client) Decide(ctx context.Context, id, decision, comment string) (Intent, error) {
	body := map[string]any{
		"decision": decision,
		"comment":  comment,
	}
	var resp Intent
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("intents/%s/review", url.PathEscape(id)), body, &resp)
	return resp, err
}

// Abandon discards an intent and its subtree.
func (c *Client) Abandon(ctx context.Context, id, reason string) (Intent, error) {
	body := map[string]any{"reason": reason}
	var resp Intent
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("intents/%s/abandon", url.PathEscape(id)), body, &resp)
	return resp, err
}

// EventsPage returns a page of ledger events after q.Cursor.
func (c *Client) EventsPage(ctx context.Context, q EventsQuery) (PaginatedEvents, error) {
	params := url.Values{}
	if q.Cursor != "" {
		params.Set("cursor", q.Cursor)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Type != "" {
		params.Set("type", q.Type)
	}
	if q.IntentID != "" {
		params.Set("intent_id", q.IntentID)
	}
	endpoint := "events"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Trust returns an agent's trust state.
func (c *Client) Trust(ctx context.Context, agentID string) (TrustState, error) {
	var resp TrustState
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("agents/%s/trust", url.PathEscape(agentID)), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
