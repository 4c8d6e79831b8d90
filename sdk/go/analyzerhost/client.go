// Package analyzerhost is a typed client for the analyzerd REST API.
package analyzerhost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/CCC-MF/pluginworkshop20230216/pkg/onkostar"
	"github.com/CCC-MF/pluginworkshop20230216/pkg/plugin"
)

// DefaultHTTPTimeout applies to clients created without an http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with a development host.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Decision is the outcome of one analyzer for a trigger event.
type Decision struct {
	Analyzer string `json:"analyzer"`
	Name     string `json:"name"`
	Outcome  string `json:"outcome"`
	Reason   string `json:"reason,omitempty"`
	JobID    string `json:"job_id,omitempty"`
}

// TriggerResult lists the decisions of one trigger event.
type TriggerResult struct {
	Event     onkostar.TriggerEvent `json:"event"`
	Decisions []Decision            `json:"decisions"`
}

// JobIDs returns the ids of queued jobs.
func (r TriggerResult) JobIDs() []string {
	var ids []string
	for _, d := range r.Decisions {
		if d.JobID != "" {
			ids = append(ids, d.JobID)
		}
	}
	return ids
}

// Job is the status of an asynchronous analysis.
type Job struct {
	ID          string                `json:"id"`
	Analyzer    string                `json:"analyzer"`
	Event       onkostar.TriggerEvent `json:"event"`
	ProcedureID int64                 `json:"procedure_id,omitempty"`
	DiseaseID   int64                 `json:"disease_id,omitempty"`
	Status      string                `json:"status"`
	Attempts    int                   `json:"attempts"`
	MaxAttempts int                   `json:"max_attempts"`
	Retryable   bool                  `json:"retryable,omitempty"`
	LastError   string                `json:"last_error,omitempty"`
	ErrorCode   string                `json:"error_code,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// Done reports whether the job reached a final state.
func (j Job) Done() bool {
	return j.Status == "succeeded" || (j.Status == "failed" && !j.Retryable)
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("analyzerd api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("analyzerd api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient creates a client for baseURL. A nil httpClient gets DefaultHTTPTimeout.
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SaveProcedure stores p with form validation and returns the stored record.
func (c *Client) SaveProcedure(ctx context.Context, p *onkostar.Procedure) (*onkostar.Procedure, error) {
	var out onkostar.Procedure
	if err := c.post(ctx, "/api/v1/procedures", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetProcedure fetches a procedure by id.
func (c *Client) GetProcedure(ctx context.Context, id int64) (*onkostar.Procedure, error) {
	var out onkostar.Procedure
	if err := c.get(ctx, "/api/v1/procedures/"+strconv.FormatInt(id, 10), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Trigger fires event for the stored procedure id.
func (c *Client) Trigger(ctx context.Context, procedureID int64, event onkostar.TriggerEvent) (TriggerResult, error) {
	var out TriggerResult
	endpoint := "/api/v1/procedures/" + strconv.FormatInt(procedureID, 10) + "/events"
	if err := c.post(ctx, endpoint, map[string]string{"event": string(event)}, &out); err != nil {
		return TriggerResult{}, err
	}
	return out, nil
}

// ExecutePluginMethod calls method of pluginName with input, like a form
// script's executePluginMethod.
func (c *Client) ExecutePluginMethod(ctx context.Context, pluginName, method string, input map[string]any) (any, error) {
	var out struct {
		Result any `json:"result"`
	}
	if input == nil {
		input = map[string]any{}
	}
	endpoint := "/api/v1/plugins/" + url.PathEscape(pluginName) + "/methods/" + url.PathEscape(method)
	if err := c.post(ctx, endpoint, input, &out); err != nil {
		return nil, err
	}
	return out.Result, nil
}

// Hello calls the hello method of pluginName. An empty name greets an
// unknown user.
func (c *Client) Hello(ctx context.Context, pluginName, name string) (string, error) {
	input := map[string]any{}
	if name != "" {
		input["name"] = name
	}
	result, err := c.ExecutePluginMethod(ctx, pluginName, "hello", input)
	if err != nil {
		return "", err
	}
	greeting, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("hello returned %T, want string", result)
	}
	return greeting, nil
}

// GetJob fetches an asynchronous job.
func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var job Job
	if err := c.get(ctx, "/api/v1/jobs/"+url.PathEscape(id), &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// WaitJob polls GetJob until the job is done or ctx ends.
func (c *Client) WaitJob(ctx context.Context, id string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.GetJob(ctx, id)
		if err != nil {
			return Job{}, err
		}
		if job.Done() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// JobStats counts jobs per status.
type JobStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Retryable int `json:"retryable"`
}

// JobStats fetches job counters.
func (c *Client) JobStats(ctx context.Context) (JobStats, error) {
	var stats JobStats
	if err := c.get(ctx, "/api/v1/jobs/stats", &stats); err != nil {
		return JobStats{}, err
	}
	return stats, nil
}

// Plugins lists the registered analyzers.
func (c *Client) Plugins(ctx context.Context) ([]plugin.Info, error) {
	var infos []plugin.Info
	if err := c.get(ctx, "/api/v1/plugins", &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	raw := path.Join(c.baseURL.EscapedPath(), endpoint)
	unescaped, err := url.PathUnescape(raw)
	if err != nil {
		return nil, fmt.Errorf("build request path: %w", err)
	}
	u := *c.baseURL
	u.Path, u.RawPath = unescaped, raw
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
