package meterlinesdk

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

// Client is a minimal Meterline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Job represents the API job model (partial).
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	OrgID       *string         `json:"org_id,omitempty"`
	Status      string          `json:"status"`
	Progress    int             `json:"progress"`
	Queue       string          `json:"queue"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Error       *string         `json:"error,omitempty"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
}

// Balance is an org's credit position.
type Balance struct {
	OrgID       string `json:"org_id"`
	Total       int64  `json:"total"`
	Used        int64  `json:"used"`
	Remaining   int64  `json:"remaining"`
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
	Degraded    bool   `json:"degraded,omitempty"`
}

// SimulationOutcome is the result of a run-simulation call.
type SimulationOutcome struct {
	CacheHit  bool    `json:"cache_hit"`
	ResultRef string  `json:"result_ref,omitempty"`
	Stats     *string `json:"stats,omitempty"`
	Job       *Job    `json:"job,omitempty"`
	Credits   int64   `json:"credits_charged"`
}

// RunSimulationParams are the inputs to RunSimulation.
type RunSimulationParams struct {
	OrgID        string         `json:"org_id"`
	ModelID      string         `json:"model_id"`
	ModelVersion string         `json:"model_version,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Units        int64          `json:"units"`
	Seed         int64          `json:"seed,omitempty"`
	Mode         string         `json:"mode,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RunSimulation submits a simulation for execution or cache retrieval.
func (c *Client) RunSimulation(ctx context.Context, params RunSimulationParams) (SimulationOutcome, error) {
	var resp SimulationOutcome
	err := c.do(ctx, http.MethodPost, "v0/simulations", params, &resp)
	return resp, err
}

// CreateJob enqueues a job.
func (c *Client) CreateJob(ctx context.Context, jobType, orgID, idempotencyKey string, payload any) (Job, error) {
	body := map[string]any{
		"type":            jobType,
		"org_id":          orgID,
		"idempotency_key": idempotencyKey,
		"payload":         payload,
	}
	var resp struct {
		Job Job `json:"job"`
	}
	err := c.do(ctx, http.MethodPost, "v0/jobs", body, &resp)
	return resp.Job, err
}

// GetJob fetches a job's status.
func (c *Client) GetJob(ctx context.Context, jobID string) (Job, error) {
	var resp struct {
		Job Job `json:"job"`
	}
	err := c.do(ctx, http.MethodGet, "v0/jobs/"+url.PathEscape(jobID), nil, &resp)
	return resp.Job, err
}

// CancelJob cancels a queued or running job.
func (c *Client) CancelJob(ctx context.Context, jobID string) (Job, error) {
	var resp struct {
		Job Job `json:"job"`
	}
	err := c.do(ctx, http.MethodPost, "v0/jobs/"+url.PathEscape(jobID)+"/cancel", nil, &resp)
	return resp.Job, err
}

// NextJob claims the next job on a queue, returning an APIError with status
// 404 when the queue is empty.
func (c *Client) NextJob(ctx context.Context, queue string) (Job, error) {
	var resp struct {
		Job Job `json:"job"`
	}
	err := c.do(ctx, http.MethodPost, "v0/queues/"+url.PathEscape(queue)+"/next", nil, &resp)
	return resp.Job, err
}

// ReportProgress updates a running job's progress.
func (c *Client) ReportProgress(ctx context.Context, jobID string, progress int, message string) (Job, error) {
	body := map[string]any{"progress": progress, "message": message}
	var resp struct {
		Job Job `json:"job"`
	}
	err := c.do(ctx, http.MethodPost, "v0/jobs/"+url.PathEscape(jobID)+"/progress", body, &resp)
	return resp.Job, err
}

// CompleteJob reports success with the result location.
func (c *Client) CompleteJob(ctx context.Context, jobID, resultRef string, stats any) (Job, error) {
	body := map[string]any{"result_ref": resultRef, "stats": stats}
	var resp struct {
		Job Job `json:"job"`
	}
	err := c.do(ctx, http.MethodPost, "v0/jobs/"+url.PathEscape(jobID)+"/complete", body, &resp)
	return resp.Job, err
}

// FailJob reports a failure.
func (c *Client) FailJob(ctx context.Context, jobID, errMsg string) (Job, error) {
	body := map[string]any{"error": errMsg}
	var resp struct {
		Job Job `json:"job"`
	}
	err := c.do(ctx, http.MethodPost, "v0/jobs/"+url.PathEscape(jobID)+"/fail", body, &resp)
	return resp.Job, err
}

// GetBalance fetches an org's credit balance.
func (c *Client) GetBalance(ctx context.Context, orgID string) (Balance, error) {
	var resp struct {
		Balance Balance `json:"balance"`
	}
	err := c.do(ctx, http.MethodGet, "v0/orgs/"+url.PathEscape(orgID)+"/balance", nil, &resp)
	return resp.Balance, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
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
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
