package pollster

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

// Backend is the remote job API: submit a job, then ask for its status.
type Backend interface {
	// CreateJob submits a job. Any failure is a *TransportError.
	CreateJob(ctx context.Context, metadata map[string]any) (JobHandle, error)

	// GetStatus reports the job's status. Unknown ids are reported as
	// StatusError with a message, not as a failure.
	GetStatus(ctx context.Context, id JobHandle) (StatusResult, error)
}

// HTTPBackend talks to the backend over HTTP:
//
//	POST {base}/job          body: metadata   -> {"job_id": "..."}
//	GET  {base}/status/{id}                   -> {"result": "...", "message": "..."}
type HTTPBackend struct {
	baseURL string
	client  *http.Client
}

// NewHTTPBackend returns a backend rooted at baseURL. A nil client gets a
// default with a 30 second timeout.
func NewHTTPBackend(baseURL string, client *http.Client) *HTTPBackend {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

type createJobResponse struct {
	JobID string `json:"job_id"`
}

func (b *HTTPBackend) CreateJob(ctx context.Context, metadata map[string]any) (JobHandle, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	body, err := json.Marshal(metadata)
	if err != nil {
		return "", &TransportError{Op: "create", Err: fmt.Errorf("marshal metadata: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/job", bytes.NewReader(body))
	if err != nil {
		return "", &TransportError{Op: "create", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	var resp createJobResponse
	if err := b.do(req, "create", &resp); err != nil {
		return "", err
	}
	if resp.JobID == "" {
		return "", &TransportError{Op: "create", Err: errors.New("response carries no job_id")}
	}
	return JobHandle(resp.JobID), nil
}

func (b *HTTPBackend) GetStatus(ctx context.Context, id JobHandle) (StatusResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/status/"+url.PathEscape(string(id)), nil)
	if err != nil {
		return StatusResult{}, &TransportError{Op: "status", Err: err}
	}

	var resp StatusResult
	if err := b.do(req, "status", &resp); err != nil {
		return StatusResult{}, err
	}
	return resp, nil
}

// do sends req and decodes a 2xx JSON body into out.
func (b *HTTPBackend) do(req *http.Request, op string, out any) error {
	resp, err := b.client.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &TransportError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(msg))),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
