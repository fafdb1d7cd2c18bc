package services

import (
	"context"
	"fmt"
	"time"

	"runboard/internal/normalize"
)

// ExternalSource is the pull-side view of the upstream CI system's list
// APIs. Every call may fail transiently; rate-limit failures are marked so
// callers can back off and retry the one call.
type ExternalSource interface {
	// ListRepositories returns every repository accessible to org.
	ListRepositories(ctx context.Context, org string) ([]normalize.RepoPayload, error)
	// ListWorkflows returns the workflow definitions of a repository.
	ListWorkflows(ctx context.Context, repo string) ([]normalize.WorkflowPayload, error)
	// ListRuns returns one page of a workflow's historical runs, newest
	// first.
	ListRuns(ctx context.Context, repo string, workflowID int64, page, perPage int) ([]normalize.RunPayload, error)
	// ListJobs returns the jobs of a single run.
	ListJobs(ctx context.Context, repo string, runID int64) ([]normalize.JobPayload, error)
}

// ExternalSourceError reports a failed upstream call. RateLimited failures
// are recoverable: back off for RetryAfter and retry that call.
type ExternalSourceError struct {
	Op          string
	StatusCode  int
	RateLimited bool
	RetryAfter  time.Duration
	Err         error
}

func (e *ExternalSourceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("external source: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("external source: %s: status %d", e.Op, e.StatusCode)
}

func (e *ExternalSourceError) Unwrap() error { return e.Err }
