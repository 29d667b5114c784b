// Package orchestratorclient implements the Dispatcher -> Orchestrator
// HTTP contract. The orchestrator itself (the
// container/job scheduler) is an external collaborator, out of scope;
// this package is only the typed client the Dispatcher uses to talk to
// it. Each method makes a single HTTP attempt; retry and back-off are
// left to the Dispatcher, which branches on the classified error.
package orchestratorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/evalforge/corepipeline/internal/errclass"
	"github.com/evalforge/corepipeline/internal/logger"
)

// ExecuteRequest is the body of POST /execute.
type ExecuteRequest struct {
	EvalID     string `json:"eval_id"`
	Code       string `json:"code"`
	Language   string `json:"language"`
	TimeoutS   int    `json:"timeout_s"`
	MemoryMB   int    `json:"memory_limit"`
	CPUMillis  int    `json:"cpu_limit"`
}

// JobStatus mirrors GET /status/{job_name}'s response.
type JobStatus struct {
	Status      string     `json:"status"` // pending|running|succeeded|failed
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

// Client is the Dispatcher-facing contract. Every method returns a
// *errclass.Classified error so callers can branch on the Dispatcher's
// response taxonomy without re-inspecting HTTP status codes.
type Client interface {
	Execute(ctx context.Context, req ExecuteRequest) (jobName string, err error)
	Status(ctx context.Context, jobName string) (JobStatus, error)
	Logs(ctx context.Context, jobName string, maxBytes int) (string, bool, error) // bool = truncated
}

type httpClient struct {
	baseURL string
	hc      *http.Client
	log     *logger.Logger
}

func New(baseURL string, timeout time.Duration, log *logger.Logger) Client {
	return &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: timeout},
		log:     log.With("component", "OrchestratorClient"),
	}
}

func (c *httpClient) Execute(ctx context.Context, req ExecuteRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", errclass.New(errclass.ProtocolBug, "marshal execute request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return "", errclass.New(errclass.Transient, "build execute request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return "", errclass.New(errclass.Transient, errclass.ReasonOrchestratorUnavail, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var out struct {
			JobName string `json:"job_name"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", errclass.New(errclass.Transient, "decode execute response", err)
		}
		return out.JobName, nil
	case http.StatusForbidden:
		return "", errclass.New(errclass.Capacity, errclass.ReasonQuotaExhausted, fmt.Errorf("orchestrator quota exhausted"))
	case http.StatusTooManyRequests:
		return "", errclass.New(errclass.Capacity, errclass.ReasonCapacityExhausted, fmt.Errorf("orchestrator capacity exceeded"))
	case http.StatusServiceUnavailable:
		return "", errclass.New(errclass.Transient, errclass.ReasonOrchestratorUnavail, fmt.Errorf("orchestrator unavailable (503)"))
	default:
		if resp.StatusCode >= 500 {
			return "", errclass.New(errclass.Transient, errclass.ReasonOrchestratorUnavail, fmt.Errorf("orchestrator 5xx: %d", resp.StatusCode))
		}
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", errclass.New(errclass.Validation, errclass.ReasonNonRetryablePermanent, fmt.Errorf("orchestrator rejected execute (%d): %s", resp.StatusCode, msg))
	}
}

func (c *httpClient) Status(ctx context.Context, jobName string) (JobStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status/"+jobName, nil)
	if err != nil {
		return JobStatus{}, errclass.New(errclass.Transient, "build status request", err)
	}
	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return JobStatus{}, errclass.New(errclass.Transient, errclass.ReasonOrchestratorUnavail, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 {
			return JobStatus{}, errclass.New(errclass.Transient, errclass.ReasonOrchestratorUnavail, fmt.Errorf("status 5xx: %d", resp.StatusCode))
		}
		return JobStatus{}, errclass.New(errclass.Validation, errclass.ReasonNonRetryablePermanent, fmt.Errorf("status rejected (%d)", resp.StatusCode))
	}
	var out JobStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return JobStatus{}, errclass.New(errclass.Transient, "decode status response", err)
	}
	return out, nil
}

func (c *httpClient) Logs(ctx context.Context, jobName string, maxBytes int) (string, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/logs/"+jobName, nil)
	if err != nil {
		return "", false, errclass.New(errclass.Transient, "build logs request", err)
	}
	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return "", false, errclass.New(errclass.Transient, errclass.ReasonOrchestratorUnavail, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", false, errclass.New(errclass.Transient, errclass.ReasonOrchestratorUnavail, fmt.Errorf("logs fetch failed (%d)", resp.StatusCode))
	}
	var out struct {
		Logs string `json:"logs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", false, errclass.New(errclass.Transient, "decode logs response", err)
	}
	return TruncateBytes(out.Logs, maxBytes)
}

// TruncateBytes bounds s to maxBytes, appending a truncation marker if it
// had to cut: writes exceeding the bound are truncated with a marker. When
// maxBytes is shorter than the marker, s is cut to maxBytes without one.
func TruncateBytes(s string, maxBytes int) (string, bool, error) {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s, false, nil
	}
	const marker = "\n...[truncated]"
	cut := maxBytes - len(marker)
	if cut < 0 {
		return s[:maxBytes], true, nil
	}
	return s[:cut] + marker, true, nil
}
