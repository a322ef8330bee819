package opslinesdk

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

// Client is a minimal Ops control plane HTTP API client.
type Client struct {
	BaseURL string
	// Actor is sent as X-Ops-Actor and recorded on emitted events.
	Actor      string
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

type Gate struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// Proposal is a suggested action awaiting a decision.
type Proposal struct {
	ID           string     `json:"id"`
	CreatedAt    time.Time  `json:"createdAt"`
	Source       string     `json:"source"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Project      string     `json:"project,omitempty"`
	TaskKey      string     `json:"taskKey,omitempty"`
	Status       string     `json:"status"`
	Gate         Gate       `json:"gate"`
	ApprovedAt   *time.Time `json:"approvedAt,omitempty"`
	RejectedAt   *time.Time `json:"rejectedAt,omitempty"`
	RejectReason string     `json:"rejectReason,omitempty"`
}

type Mission struct {
	ID          string     `json:"id"`
	TS          time.Time  `json:"ts"`
	ProposalID  string     `json:"proposalId"`
	Title       string     `json:"title"`
	Project     string     `json:"project,omitempty"`
	TaskKey     string     `json:"taskKey,omitempty"`
	Status      string     `json:"status"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

type Step struct {
	ID          string     `json:"id"`
	TS          time.Time  `json:"ts"`
	MissionID   string     `json:"missionId"`
	Kind        string     `json:"kind"`
	Title       string     `json:"title"`
	Details     string     `json:"details,omitempty"`
	Args        []string   `json:"args,omitempty"`
	Status      string     `json:"status"`
	ClaimedBy   string     `json:"claimedBy,omitempty"`
	ReservedAt  *time.Time `json:"reservedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
	Output      string     `json:"output,omitempty"`
}

// Event is one timeline entry.
type Event struct {
	ID         string    `json:"id"`
	TS         time.Time `json:"ts"`
	Kind       string    `json:"kind"`
	Title      string    `json:"title"`
	Details    string    `json:"details,omitempty"`
	ProposalID string    `json:"proposalId,omitempty"`
	MissionID  string    `json:"missionId,omitempty"`
	StepID     string    `json:"stepId,omitempty"`
	Project    string    `json:"project,omitempty"`
	TaskKey    string    `json:"taskKey,omitempty"`
	Actor      string    `json:"actor,omitempty"`
}

type MissionDetail struct {
	Mission  Mission `json:"mission"`
	Steps    []Step  `json:"steps"`
	Timeline []Event `json:"timeline"`
}

type WorkerStatus struct {
	State      string     `json:"state"`
	PID        int        `json:"pid,omitempty"`
	WorkerID   string     `json:"workerId,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	LastTickAt *time.Time `json:"lastTickAt,omitempty"`
	LastStepID string     `json:"lastStepId,omitempty"`
	LastError  string     `json:"lastError,omitempty"`
}

type NewProposal struct {
	Source      string `json:"source,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Project     string `json:"project,omitempty"`
	TaskKey     string `json:"taskKey,omitempty"`
}

// ApproveOptions shape the initial step; the zero value queues a note step.
type ApproveOptions struct {
	StepKind  string   `json:"stepKind,omitempty"`
	StepTitle string   `json:"stepTitle,omitempty"`
	StepArgs  []string `json:"stepArgs,omitempty"`
}

type ApproveResult struct {
	Applied  bool     `json:"applied"`
	Proposal Proposal `json:"proposal"`
	Mission  *Mission `json:"mission,omitempty"`
	Step     *Step    `json:"step,omitempty"`
}

type RejectResult struct {
	Applied  bool     `json:"applied"`
	Proposal Proposal `json:"proposal"`
}

// EventQuery filters Events; zero fields are ignored.
type EventQuery struct {
	Kind       string
	MissionID  string
	ProposalID string
	Limit      int
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

// CreateProposal submits a proposal; a policy rejection comes back as a
// proposal with status "rejected", not as an error.
func (c *Client) CreateProposal(ctx context.Context, p NewProposal) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodPost, "proposals", p, &resp)
	return resp, err
}

// ListProposals returns proposals newest first, optionally by status.
func (c *Client) ListProposals(ctx context.Context, status string) ([]Proposal, error) {
	endpoint := "proposals"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []Proposal `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) GetProposal(ctx context.Context, id string) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodGet, "proposals/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ApproveProposal approves a pending proposal. Approving a decided proposal
// returns Applied=false.
func (c *Client) ApproveProposal(ctx context.Context, id string, opts ApproveOptions) (ApproveResult, error) {
	var resp ApproveResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("proposals/%s/approve", url.PathEscape(id)), opts, &resp)
	return resp, err
}

func (c *Client) RejectProposal(ctx context.Context, id, reason string) (RejectResult, error) {
	var resp RejectResult
	body := map[string]any{"reason": reason}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("proposals/%s/reject", url.PathEscape(id)), body, &resp)
	return resp, err
}

// Policies returns the raw policy document.
func (c *Client) Policies(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, "policies", nil, &resp)
	return resp, err
}

// SetPolicies replaces the whole policy document.
func (c *Client) SetPolicies(ctx context.Context, doc map[string]any) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodPut, "policies", doc, &resp)
	return resp, err
}

func (c *Client) Missions(ctx context.Context) ([]Mission, error) {
	var resp struct {
		Items []Mission `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "missions", nil, &resp)
	return resp.Items, err
}

func (c *Client) Mission(ctx context.Context, id string) (MissionDetail, error) {
	var resp MissionDetail
	err := c.do(ctx, http.MethodGet, "missions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// AddStep queues another step on a running mission.
func (c *Client) AddStep(ctx context.Context, missionID, kind, title string, args []string) (Step, error) {
	body := map[string]any{"kind": kind, "title": title}
	if len(args) > 0 {
		body["args"] = args
	}
	var resp Step
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("missions/%s/steps", url.PathEscape(missionID)), body, &resp)
	return resp, err
}

// Events returns recent events in log order.
func (c *Client) Events(ctx context.Context, q EventQuery) ([]Event, error) {
	params := url.Values{}
	if q.Kind != "" {
		params.Set("kind", q.Kind)
	}
	if q.MissionID != "" {
		params.Set("missionId", q.MissionID)
	}
	if q.ProposalID != "" {
		params.Set("proposalId", q.ProposalID)
	}
	if q.Limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", q.Limit))
	}
	endpoint := "events"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) WorkerStatus(ctx context.Context) (WorkerStatus, error) {
	var resp WorkerStatus
	err := c.do(ctx, http.MethodGet, "worker", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
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
	if c.Actor != "" {
		req.Header.Set("X-Ops-Actor", c.Actor)
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
	return strings.TrimRight(c.BaseURL, "/")
}
