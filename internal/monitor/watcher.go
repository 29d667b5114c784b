// Package monitor implements the Job Lifecycle Monitor: a long-lived
// watch over the orchestrator's job events, translated into ordered
// lifecycle events on the event bus. The orchestrator is modeled as a
// Kubernetes batch Job controller — client-go's Watch semantics
// (ADDED/MODIFIED/DELETED) are exactly the job-event-stream-filtered-by-
// label contract this component needs, so this package wires
// k8s.io/client-go directly rather than invent a parallel watch
// abstraction.
package monitor

import (
	"context"
	"fmt"

	batchv1 "k8s.io/api/batch/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/evalforge/corepipeline/internal/orchestratorclient"
)

// evalLabel is the label key the orchestrator is expected to set on
// every Job it creates on the Dispatcher's behalf, carrying the
// evaluation id back for correlation.
const evalLabel = "evalcore.io/eval-id"

const jobNamespace = "evalcore-jobs"

// JobSource abstracts the orchestrator's job-event stream so tests can
// substitute a fake without a real cluster. The production implementation
// (k8sJobSource) wraps a kubernetes.Interface.
type JobSource interface {
	Watch(ctx context.Context) (watch.Interface, error)
	List(ctx context.Context) (*batchv1.JobList, error)
	Delete(ctx context.Context, jobName string) error
	FetchLogs(ctx context.Context, jobName string, maxBytes int) (string, bool, error)
}

type k8sJobSource struct {
	clientset kubernetes.Interface
	logs      orchestratorclient.Client
}

// NewK8sJobSource builds a JobSource backed by a real cluster connection.
// Log fetches are delegated to the same HTTP client the Dispatcher uses
// for orchestrator submission (GET /logs/{job_name}), since bounded log
// retrieval is part of that external contract, not a Kubernetes API
// concern.
func NewK8sJobSource(clientset kubernetes.Interface, logsClient orchestratorclient.Client) JobSource {
	return &k8sJobSource{clientset: clientset, logs: logsClient}
}

func (s *k8sJobSource) Watch(ctx context.Context) (watch.Interface, error) {
	w, err := s.clientset.BatchV1().Jobs(jobNamespace).Watch(ctx, metav1.ListOptions{
		LabelSelector: evalLabel,
	})
	if err != nil {
		return nil, fmt.Errorf("monitor: watch jobs: %w", err)
	}
	return w, nil
}

func (s *k8sJobSource) List(ctx context.Context) (*batchv1.JobList, error) {
	list, err := s.clientset.BatchV1().Jobs(jobNamespace).List(ctx, metav1.ListOptions{
		LabelSelector: evalLabel,
	})
	if err != nil {
		return nil, fmt.Errorf("monitor: list jobs: %w", err)
	}
	return list, nil
}

func (s *k8sJobSource) Delete(ctx context.Context, jobName string) error {
	policy := metav1.DeletePropagationBackground
	err := s.clientset.BatchV1().Jobs(jobNamespace).Delete(ctx, jobName, metav1.DeleteOptions{
		PropagationPolicy: &policy,
	})
	if err != nil {
		return fmt.Errorf("monitor: delete job %s: %w", jobName, err)
	}
	return nil
}

func (s *k8sJobSource) FetchLogs(ctx context.Context, jobName string, maxBytes int) (string, bool, error) {
	return s.logs.Logs(ctx, jobName, maxBytes)
}

func evalIDFromJob(job *batchv1.Job) (string, bool) {
	if job == nil || job.Labels == nil {
		return "", false
	}
	id, ok := job.Labels[evalLabel]
	return id, ok
}
