// Package repository implements the reconciliation store: idempotent
// upsert-by-run-id, point lookups, repository-grouped pagination and
// aggregate metrics over the persisted workflow run collection.
package repository

import (
	"context"
	"errors"
	"fmt"

	"runboard/internal/reconcile"
	"runboard/pkg/models"
)

// ErrNotFound is returned for point lookups that match nothing.
var ErrNotFound = errors.New("not found")

// StoreError wraps a persisted-store failure. The store never retries;
// callers decide retry policy.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}

// RunFilter narrows run queries. RepoSearch is a literal substring (the
// transport caps its length and the store escapes it before pattern use).
// A conclusion filter implies status = completed.
type RunFilter struct {
	RepoSearch string
	Status     models.RunStatus
	Conclusion models.RunConclusion
}

// RunStats are collection-wide aggregates.
type RunStats struct {
	TotalRuns         int64                      `json:"total_runs"`
	PerRepository     map[string]int64           `json:"per_repository"`
	AverageDurationMS *float64                   `json:"average_duration_ms,omitempty"`
	StatusHistogram   map[models.RunStatus]int64 `json:"status_histogram"`
}

// ActiveMetrics covers runs in a non-terminal status.
type ActiveMetrics struct {
	TotalActive int64                      `json:"total_active"`
	ByStatus    map[models.RunStatus]int64 `json:"by_status"`
}

// JobMetrics covers currently-running jobs across all runs.
type JobMetrics struct {
	RunningJobs      int64    `json:"running_jobs"`
	AverageRunningMS *float64 `json:"average_running_ms,omitempty"`
}

// RunStore is the reconciliation store contract for workflow runs. It owns
// the persisted representation and all concurrency control: UpsertRun for a
// given run id is serialized against concurrent callers.
type RunStore interface {
	// UpsertRun merges patch into the stored record (creating it when
	// absent) and returns the post-merge record and the merge outcome.
	UpsertRun(ctx context.Context, patch *models.WorkflowRun) (*models.WorkflowRun, reconcile.Outcome, error)
	FindByRunID(ctx context.Context, runID int64) (*models.WorkflowRun, error)
	// ListByRepository returns a repository's runs newest-created first,
	// optionally limited to one workflow name.
	ListByRepository(ctx context.Context, fullName, workflowName string) ([]*models.WorkflowRun, error)
	// QueryPage pages over distinct repositories first, then returns every
	// run of the page's repositories. The int result is the distinct
	// repository count, so page boundaries always fall on repository
	// boundaries.
	QueryPage(ctx context.Context, filter RunFilter, page, pageSize int) ([]*models.WorkflowRun, int, error)
	Stats(ctx context.Context) (*RunStats, error)
	ActiveMetrics(ctx context.Context) (*ActiveMetrics, error)
	JobMetrics(ctx context.Context) (*JobMetrics, error)
}

// SessionStore persists sync session audit records.
type SessionStore interface {
	CreateSession(ctx context.Context, s *models.SyncSession) error
	UpdateSession(ctx context.Context, s *models.SyncSession) error
	GetSession(ctx context.Context, id string) (*models.SyncSession, error)
	// ListSessions returns sessions newest-started first, at most limit.
	ListSessions(ctx context.Context, limit int) ([]*models.SyncSession, error)
}

// Store combines both collections; the Postgres and memory implementations
// satisfy it.
type Store interface {
	RunStore
	SessionStore
}
