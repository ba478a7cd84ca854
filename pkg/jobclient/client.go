// Package jobclient waits for generation jobs over the public HTTP API. It
// polls the job and nudges it when it looks stuck.
package jobclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrAborted is returned when the caller's context ends the wait.
var ErrAborted = errors.New("jobclient: aborted")

const (
	StatusProcessing = "processing"
	StatusSuccess    = "success"
	StatusFailed     = "failed"
)

// Job mirrors the API job view.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	CostAmount  int64           `json:"cost_amount"`
	ResultURL   string          `json:"result_url,omitempty"`
	ResultData  json.RawMessage `json:"result_data,omitempty"`
	Error       *APIError       `json:"error,omitempty"`
	TraceID     string          `json:"trace_id,omitempty"`
	ClientJobID string          `json:"client_job_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (j *Job) Terminal() bool {
	return j.Status == StatusSuccess || j.Status == StatusFailed
}

// APIError is the {code, message} pair of a failed job or request.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	// Token is sent as a bearer token. UserID is sent as X-User-ID for
	// development servers without JWT.
	Token        string
	UserID       string
	PollInterval time.Duration
	// NudgeAfter is how long a job may stay unchanged before it is nudged.
	NudgeAfter time.Duration
}

type Client struct {
	baseURL      string
	http         *http.Client
	token        string
	userID       string
	pollInterval time.Duration
	nudgeAfter   time.Duration
}

func New(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.NudgeAfter <= 0 {
		opts.NudgeAfter = 20 * time.Second
	}
	return &Client{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		http:         opts.HTTPClient,
		token:        opts.Token,
		userID:       opts.UserID,
		pollInterval: opts.PollInterval,
		nudgeAfter:   opts.NudgeAfter,
	}
}

// Get fetches the current job view.
func (c *Client) Get(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+jobID, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Nudge asks the server to re-dispatch the job and reports whether it did.
func (c *Client) Nudge(ctx context.Context, jobID string) (bool, error) {
	var resp struct {
		Nudged bool `json:"nudged"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/jobs/"+jobID+"/nudge", &resp); err != nil {
		return false, err
	}
	return resp.Nudged, nil
}

// Wait polls until the job is terminal. A failed job is returned together
// with its *APIError. Transient poll failures are retried; a canceled ctx
// returns ErrAborted.
func (c *Client) Wait(ctx context.Context, jobID string) (*Job, error) {
	lastChange := time.Now()
	var lastUpdate time.Time
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		job, err := c.Get(ctx, jobID)
		switch {
		case ctx.Err() != nil:
			return nil, fmt.Errorf("%w: %w", ErrAborted, ctx.Err())
		case err != nil:
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != http.StatusTooManyRequests {
				return nil, err
			}
		case job.Terminal():
			if job.Status == StatusFailed {
				if job.Error == nil {
					job.Error = &APIError{Code: "INTERNAL_ERROR"}
				}
				return job, job.Error
			}
			return job, nil
		default:
			if !job.UpdatedAt.Equal(lastUpdate) {
				lastUpdate = job.UpdatedAt
				lastChange = time.Now()
			} else if time.Since(lastChange) >= c.nudgeAfter {
				// A throttled or failed nudge is retried on the next window.
				_, _ = c.Nudge(ctx, jobID)
				lastChange = time.Now()
			}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrAborted, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var envelope struct {
			Error APIError `json:"error"`
		}
		_ = json.Unmarshal(body, &envelope)
		apiErr := envelope.Error
		if apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
		}
		apiErr.Status = resp.StatusCode
		return &apiErr
	}
	return json.Unmarshal(body, out)
}
