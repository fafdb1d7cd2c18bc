// Package models defines the domain models for the run ingestion service.
package models

import (
	"fmt"
	"time"
)

// RunStatus represents the lifecycle state of a workflow run or job.
type RunStatus string

const (
	StatusQueued     RunStatus = "queued"
	StatusWaiting    RunStatus = "waiting"
	StatusPending    RunStatus = "pending"
	StatusInProgress RunStatus = "in_progress"
	StatusCompleted  RunStatus = "completed"
)

// RunConclusion represents the outcome of a completed run or job.
type RunConclusion string

const (
	ConclusionSuccess        RunConclusion = "success"
	ConclusionFailure        RunConclusion = "failure"
	ConclusionCancelled      RunConclusion = "cancelled"
	ConclusionSkipped        RunConclusion = "skipped"
	ConclusionTimedOut       RunConclusion = "timed_out"
	ConclusionActionRequired RunConclusion = "action_required"
	ConclusionNeutral        RunConclusion = "neutral"
	ConclusionStale          RunConclusion = "stale"
)

// IsValid reports whether s is one of the known run statuses.
func (s RunStatus) IsValid() bool {
	switch s {
	case StatusQueued, StatusWaiting, StatusPending, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal status. Once terminal, a run's
// conclusion is fixed.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted
}

// IsValid reports whether c is one of the known conclusions.
func (c RunConclusion) IsValid() bool {
	switch c {
	case ConclusionSuccess, ConclusionFailure, ConclusionCancelled, ConclusionSkipped,
		ConclusionTimedOut, ConclusionActionRequired, ConclusionNeutral, ConclusionStale:
		return true
	}
	return false
}

// WorkflowRef identifies a workflow definition within a repository.
type WorkflowRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
}

// RepositoryInfo carries the repository identity plus the accumulating
// catalogue of workflows ever observed for it. The catalogue only grows;
// a single run's event never prunes it.
type RepositoryInfo struct {
	FullName  string        `json:"full_name"`
	Workflows []WorkflowRef `json:"workflows,omitempty"`
}

// RunInfo holds the run-level state of a workflow run.
type RunInfo struct {
	Status     RunStatus     `json:"status"`
	Conclusion RunConclusion `json:"conclusion,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	Attempt    int           `json:"attempt,omitempty"`
	Actor      string        `json:"actor,omitempty"`
	Branch     string        `json:"branch,omitempty"`
	Event      string        `json:"event,omitempty"`
	// DurationMS is derived from run timestamps; nil when unknown.
	DurationMS *int64 `json:"duration_ms,omitempty"`
}

// Step is a single step inside a job.
type Step struct {
	Number     int           `json:"number"`
	Name       string        `json:"name"`
	Status     RunStatus     `json:"status"`
	Conclusion RunConclusion `json:"conclusion,omitempty"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// Job is a sub-unit of a run, composed of ordered steps. Jobs are keyed by
// JobID within a run; re-ingesting a job update upserts in place.
type Job struct {
	JobID       int64         `json:"job_id"`
	Name        string        `json:"name"`
	Status      RunStatus     `json:"status"`
	Conclusion  RunConclusion `json:"conclusion,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	DurationMS  *int64        `json:"duration_ms,omitempty"`
	Steps       []Step        `json:"steps,omitempty"`
	// EventTime orders competing updates for the same job. The source emits
	// no per-job update timestamp, so the normalizer derives one.
	EventTime time.Time `json:"event_time"`
}

// WorkflowRun is the root aggregate: one persisted record per external run
// identity. RunID is the natural key, assigned by the source system and
// immutable once seen.
type WorkflowRun struct {
	RunID      int64          `json:"run_id"`
	Repository RepositoryInfo `json:"repository"`
	Workflow   WorkflowRef    `json:"workflow"`
	Run        RunInfo        `json:"run"`
	Jobs       []Job          `json:"jobs,omitempty"`
}

// Validate checks the record against the controlled vocabularies and the
// status/conclusion coupling invariant.
func (w *WorkflowRun) Validate() error {
	if w.RunID <= 0 {
		return fmt.Errorf("workflow run: missing run id")
	}
	if w.Repository.FullName == "" {
		return fmt.Errorf("workflow run %d: missing repository full name", w.RunID)
	}
	if !w.Run.Status.IsValid() {
		return fmt.Errorf("workflow run %d: unknown status %q", w.RunID, w.Run.Status)
	}
	if w.Run.Conclusion != "" {
		if !w.Run.Conclusion.IsValid() {
			return fmt.Errorf("workflow run %d: unknown conclusion %q", w.RunID, w.Run.Conclusion)
		}
		if !w.Run.Status.Terminal() {
			return fmt.Errorf("workflow run %d: conclusion %q set while status is %q",
				w.RunID, w.Run.Conclusion, w.Run.Status)
		}
	} else if w.Run.Status.Terminal() {
		return fmt.Errorf("workflow run %d: completed without a conclusion", w.RunID)
	}
	for i := range w.Jobs {
		j := &w.Jobs[i]
		if j.JobID <= 0 {
			return fmt.Errorf("workflow run %d: job %d missing job id", w.RunID, i)
		}
		if !j.Status.IsValid() {
			return fmt.Errorf("workflow run %d: job %d unknown status %q", w.RunID, j.JobID, j.Status)
		}
	}
	return nil
}

// FindJob returns the job with the given id, or nil.
func (w *WorkflowRun) FindJob(jobID int64) *Job {
	for i := range w.Jobs {
		if w.Jobs[i].JobID == jobID {
			return &w.Jobs[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the record.
func (w *WorkflowRun) Clone() *WorkflowRun {
	if w == nil {
		return nil
	}
	out := *w
	out.Repository.Workflows = append([]WorkflowRef(nil), w.Repository.Workflows...)
	out.Run.DurationMS = cloneInt64(w.Run.DurationMS)
	out.Jobs = make([]Job, len(w.Jobs))
	for i, j := range w.Jobs {
		jc := j
		jc.StartedAt = cloneTime(j.StartedAt)
		jc.CompletedAt = cloneTime(j.CompletedAt)
		jc.DurationMS = cloneInt64(j.DurationMS)
		jc.Steps = make([]Step, len(j.Steps))
		for k, s := range j.Steps {
			sc := s
			sc.StartedAt = cloneTime(s.StartedAt)
			sc.CompletedAt = cloneTime(s.CompletedAt)
			jc.Steps[k] = sc
		}
		out.Jobs[i] = jc
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
