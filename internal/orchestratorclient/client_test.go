package orchestratorclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/evalforge/corepipeline/internal/errclass"
	"github.com/evalforge/corepipeline/internal/logger"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, 5*time.Second, logger.NewNop()), srv
}

func classified(t *testing.T, err error) *errclass.Classified {
	t.Helper()
	var c *errclass.Classified
	if !errors.As(err, &c) {
		t.Fatalf("error %v does not wrap *errclass.Classified", err)
	}
	return c
}

func TestExecuteSuccess(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/execute" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"job_name": "job-123"}`))
	})

	jobName, err := client.Execute(context.Background(), ExecuteRequest{EvalID: "eval-1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if jobName != "job-123" {
		t.Fatalf("jobName = %q, want job-123", jobName)
	}
}

func TestExecuteQuotaExhausted(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := client.Execute(context.Background(), ExecuteRequest{EvalID: "eval-1"})
	if err == nil {
		t.Fatal("expected an error")
	}
	c := classified(t, err)
	if c.Class != errclass.Capacity || c.Reason != errclass.ReasonQuotaExhausted {
		t.Fatalf("classified = %+v, want Capacity/quota_exhausted", c)
	}
}

func TestExecuteCapacityExceeded(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.Execute(context.Background(), ExecuteRequest{EvalID: "eval-1"})
	c := classified(t, err)
	if c.Class != errclass.Capacity || c.Reason != errclass.ReasonCapacityExhausted {
		t.Fatalf("classified = %+v, want Capacity/capacity_exhausted", c)
	}
}

func TestExecuteOrchestratorUnavailable(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := client.Execute(context.Background(), ExecuteRequest{EvalID: "eval-1"})
	c := classified(t, err)
	if c.Class != errclass.Transient || c.Reason != errclass.ReasonOrchestratorUnavail {
		t.Fatalf("classified = %+v, want Transient/orchestrator_unavailable", c)
	}
}

func TestExecuteGeneric5xx(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.Execute(context.Background(), ExecuteRequest{EvalID: "eval-1"})
	c := classified(t, err)
	if c.Class != errclass.Transient || c.Reason != errclass.ReasonOrchestratorUnavail {
		t.Fatalf("classified = %+v, want Transient/orchestrator_unavailable", c)
	}
}

func TestExecutePermanentRejection(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("malformed payload"))
	})

	_, err := client.Execute(context.Background(), ExecuteRequest{EvalID: "eval-1"})
	c := classified(t, err)
	if c.Class != errclass.Validation || c.Reason != errclass.ReasonNonRetryablePermanent {
		t.Fatalf("classified = %+v, want Validation/permanent_rejection", c)
	}
}

func TestStatusSuccess(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status/job-123" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "running"}`))
	})

	status, err := client.Status(context.Background(), "job-123")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Status != "running" {
		t.Fatalf("status.Status = %q, want running", status.Status)
	}
}

func TestStatusError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.Status(context.Background(), "job-missing")
	c := classified(t, err)
	if c.Class != errclass.Validation || c.Reason != errclass.ReasonNonRetryablePermanent {
		t.Fatalf("classified = %+v, want Validation/permanent_rejection", c)
	}
}

func TestLogsSuccessAndTruncation(t *testing.T) {
	longLogs := "0123456789"
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/logs/job-123" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"logs": "` + longLogs + `"}`))
	})

	logs, truncated, err := client.Logs(context.Background(), "job-123", 5)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if !truncated {
		t.Fatal("expected truncated=true for a log body exceeding maxBytes")
	}
	if logs == longLogs {
		t.Fatal("expected logs to be cut down from the full body")
	}
}

func TestLogsFetchFailure(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, _, err := client.Logs(context.Background(), "job-123", 1024)
	c := classified(t, err)
	if c.Class != errclass.Transient || c.Reason != errclass.ReasonOrchestratorUnavail {
		t.Fatalf("classified = %+v, want Transient/orchestrator_unavailable", c)
	}
}

func TestTruncateBytes(t *testing.T) {
	cases := []struct {
		name      string
		s         string
		maxBytes  int
		wantTrunc bool
	}{
		{"under limit", "hello", 10, false},
		{"exact limit", "hello", 5, false},
		{"over limit", "hello world", 5, true},
		{"zero limit disables truncation", "hello", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, truncated, err := TruncateBytes(tc.s, tc.maxBytes)
			if err != nil {
				t.Fatalf("TruncateBytes: %v", err)
			}
			if truncated != tc.wantTrunc {
				t.Fatalf("truncated = %v, want %v", truncated, tc.wantTrunc)
			}
			if truncated && len(out) > tc.maxBytes+len("\n...[truncated]") {
				t.Fatalf("truncated output %q too long for maxBytes=%d", out, tc.maxBytes)
			}
		})
	}
}
