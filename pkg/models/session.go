package models

import (
	"time"
)

// SyncStatus represents the lifecycle of a bulk sync session.
type SyncStatus string

const (
	SyncInProgress SyncStatus = "in_progress"
	SyncCompleted  SyncStatus = "completed"
	SyncFailed     SyncStatus = "failed"
)

// SyncItemError records one skipped item during a sync. Type names the
// granularity at which the failure occurred (repository, workflow, run).
type SyncItemError struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Error string `json:"error"`
}

// SyncResults accumulates counts of processed units and the errors of
// skipped ones. Counts reflect attempts for repositories and successful
// processing for workflows/runs.
type SyncResults struct {
	Repositories int             `json:"repositories"`
	Workflows    int             `json:"workflows"`
	Runs         int             `json:"runs"`
	Errors       []SyncItemError `json:"errors,omitempty"`
}

// SyncSession is the audit record of one bulk reconciliation attempt.
// It is created in_progress, mutated only by the orchestrator run that owns
// it, and terminal once status leaves in_progress.
type SyncSession struct {
	ID           string      `json:"id"`
	Organization string      `json:"organization"`
	Status       SyncStatus  `json:"status"`
	StartedAt    time.Time   `json:"started_at"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	Results      SyncResults `json:"results"`
}

// Terminal reports whether the session has reached a final status.
func (s *SyncSession) Terminal() bool {
	return s.Status != SyncInProgress
}
