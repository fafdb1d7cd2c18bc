// Package normalize maps inbound event payloads onto the canonical
// WorkflowRun shape. It is pure: no I/O, no store access, so payload
// fixtures can be tested directly.
package normalize

import (
	"encoding/json"
	"fmt"
	"time"

	"runboard/pkg/models"
)

// EventKind tags the payload shape an inbound event carries.
type EventKind string

const (
	// KindRun is a pushed run event: run metadata only, no jobs.
	KindRun EventKind = "run"
	// KindJob is a pushed job event: a single job with steps, merged into
	// its run's jobs.
	KindJob EventKind = "job"
	// KindSyncItem is a bulk-sync item: a full run with nested jobs
	// assembled from the source's list APIs.
	KindSyncItem EventKind = "sync_item"
)

// ValidationError reports a malformed or incomplete payload. It is returned,
// never thrown fatally: callers skip the item and continue.
type ValidationError struct {
	Kind   EventKind
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s payload: %s", e.Kind, e.Reason)
}

func invalid(kind EventKind, format string, args ...any) error {
	return &ValidationError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Source payload shapes. Field names follow the upstream webhook wire format.

type RepoPayload struct {
	FullName string `json:"full_name"`
}

type WorkflowPayload struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

type ActorPayload struct {
	Login string `json:"login"`
}

type RunPayload struct {
	ID           int64        `json:"id"`
	Name         string       `json:"name"`
	WorkflowID   int64        `json:"workflow_id"`
	HeadBranch   string       `json:"head_branch"`
	Event        string       `json:"event"`
	Status       string       `json:"status"`
	Conclusion   string       `json:"conclusion"`
	RunAttempt   int          `json:"run_attempt"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	RunStartedAt *time.Time   `json:"run_started_at"`
	Actor        ActorPayload `json:"actor"`
	Path         string       `json:"path"`
}

type StepPayload struct {
	Number      int        `json:"number"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	Conclusion  string     `json:"conclusion"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

type JobPayload struct {
	ID          int64         `json:"id"`
	RunID       int64         `json:"run_id"`
	Name        string        `json:"name"`
	Status      string        `json:"status"`
	Conclusion  string        `json:"conclusion"`
	StartedAt   *time.Time    `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at"`
	Steps       []StepPayload `json:"steps"`
}

// RunEvent is the pushed run-event envelope.
type RunEvent struct {
	Action      string          `json:"action"`
	WorkflowRun RunPayload      `json:"workflow_run"`
	Workflow    WorkflowPayload `json:"workflow"`
	Repository  RepoPayload     `json:"repository"`
}

// JobEvent is the pushed job-event envelope.
type JobEvent struct {
	Action      string      `json:"action"`
	WorkflowJob JobPayload  `json:"workflow_job"`
	Repository  RepoPayload `json:"repository"`
}

// SyncItem is one assembled bulk-sync unit: a run with its jobs, as fetched
// from the source's list APIs.
type SyncItem struct {
	Repository RepoPayload     `json:"repository"`
	Workflow   WorkflowPayload `json:"workflow"`
	Run        RunPayload      `json:"workflow_run"`
	Jobs       []JobPayload    `json:"jobs"`
}

// Normalize decodes raw according to kind and returns a WorkflowRun-shaped
// patch. Patches from job events carry no run-level status claim; the merge
// layer treats the empty status as "unknown, leave alone".
func Normalize(kind EventKind, raw []byte) (*models.WorkflowRun, error) {
	switch kind {
	case KindRun:
		var ev RunEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, invalid(kind, "decode: %v", err)
		}
		return normalizeRun(kind, ev.Repository, ev.Workflow, ev.WorkflowRun, nil)
	case KindJob:
		var ev JobEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, invalid(kind, "decode: %v", err)
		}
		return normalizeJob(ev)
	case KindSyncItem:
		var item SyncItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, invalid(kind, "decode: %v", err)
		}
		return NormalizeSyncItem(&item)
	default:
		return nil, invalid(kind, "unknown event kind")
	}
}

// NormalizeSyncItem normalizes an already-decoded sync item. The sync
// orchestrator assembles items from separate list calls and comes through
// here rather than re-encoding to JSON.
func NormalizeSyncItem(item *SyncItem) (*models.WorkflowRun, error) {
	return normalizeRun(KindSyncItem, item.Repository, item.Workflow, item.Run, item.Jobs)
}

func normalizeRun(kind EventKind, repo RepoPayload, wf WorkflowPayload, run RunPayload, jobs []JobPayload) (*models.WorkflowRun, error) {
	if run.ID <= 0 {
		return nil, invalid(kind, "missing workflow_run.id")
	}
	if repo.FullName == "" {
		return nil, invalid(kind, "missing repository.full_name")
	}
	status := models.RunStatus(run.Status)
	if !status.IsValid() {
		return nil, invalid(kind, "run %d: unknown status %q", run.ID, run.Status)
	}
	conclusion := models.RunConclusion(run.Conclusion)
	if run.Conclusion != "" && !conclusion.IsValid() {
		return nil, invalid(kind, "run %d: unknown conclusion %q", run.ID, run.Conclusion)
	}
	if run.Conclusion != "" && !status.Terminal() {
		// Sources occasionally report a conclusion alongside a not-yet-final
		// status; the conclusion only becomes meaningful at completion.
		conclusion = ""
	}

	ref := workflowRef(wf, run)
	out := &models.WorkflowRun{
		RunID: run.ID,
		Repository: models.RepositoryInfo{
			FullName:  repo.FullName,
			Workflows: catalogueFor(ref),
		},
		Workflow: ref,
		Run: models.RunInfo{
			Status:     status,
			Conclusion: conclusion,
			CreatedAt:  run.CreatedAt,
			UpdatedAt:  run.UpdatedAt,
			Attempt:    run.RunAttempt,
			Actor:      run.Actor.Login,
			Branch:     run.HeadBranch,
			Event:      run.Event,
			DurationMS: runDuration(run, status),
		},
	}

	for _, j := range jobs {
		job, err := normalizeJobPayload(kind, j, run.UpdatedAt)
		if err != nil {
			return nil, err
		}
		out.Jobs = append(out.Jobs, job)
	}
	return out, nil
}

func normalizeJob(ev JobEvent) (*models.WorkflowRun, error) {
	j := ev.WorkflowJob
	if j.RunID <= 0 {
		return nil, invalid(KindJob, "missing workflow_job.run_id")
	}
	if ev.Repository.FullName == "" {
		return nil, invalid(KindJob, "missing repository.full_name")
	}
	job, err := normalizeJobPayload(KindJob, j, time.Time{})
	if err != nil {
		return nil, err
	}
	return &models.WorkflowRun{
		RunID:      j.RunID,
		Repository: models.RepositoryInfo{FullName: ev.Repository.FullName},
		// Run.Status left empty: a job event makes no claim about run state.
		Run:  models.RunInfo{UpdatedAt: job.EventTime},
		Jobs: []models.Job{job},
	}, nil
}

func normalizeJobPayload(kind EventKind, j JobPayload, runUpdated time.Time) (models.Job, error) {
	if j.ID <= 0 {
		return models.Job{}, invalid(kind, "missing workflow_job.id")
	}
	status := models.RunStatus(j.Status)
	if !status.IsValid() {
		return models.Job{}, invalid(kind, "job %d: unknown status %q", j.ID, j.Status)
	}
	conclusion := models.RunConclusion(j.Conclusion)
	if j.Conclusion != "" && !conclusion.IsValid() {
		return models.Job{}, invalid(kind, "job %d: unknown conclusion %q", j.ID, j.Conclusion)
	}

	job := models.Job{
		JobID:       j.ID,
		Name:        j.Name,
		Status:      status,
		Conclusion:  conclusion,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		DurationMS:  spanMS(j.StartedAt, j.CompletedAt),
		EventTime:   jobEventTime(j, runUpdated),
	}
	for _, s := range j.Steps {
		job.Steps = append(job.Steps, models.Step{
			Number:      s.Number,
			Name:        s.Name,
			Status:      models.RunStatus(s.Status),
			Conclusion:  models.RunConclusion(s.Conclusion),
			StartedAt:   s.StartedAt,
			CompletedAt: s.CompletedAt,
		})
	}
	return job, nil
}

// jobEventTime derives an ordering timestamp for a job update. The source
// emits no per-job updated_at, so the freshest timestamp on the payload
// stands in: completion, else start, else the enclosing run's update time.
func jobEventTime(j JobPayload, runUpdated time.Time) time.Time {
	if j.CompletedAt != nil {
		return *j.CompletedAt
	}
	if j.StartedAt != nil {
		return *j.StartedAt
	}
	return runUpdated
}

func runDuration(run RunPayload, status models.RunStatus) *int64 {
	if !status.Terminal() || run.RunStartedAt == nil || run.UpdatedAt.IsZero() {
		return nil
	}
	return spanMS(run.RunStartedAt, &run.UpdatedAt)
}

// spanMS returns the duration between two timestamps in milliseconds,
// omitted when either is missing, clamped to zero when clocks disagree.
func spanMS(start, end *time.Time) *int64 {
	if start == nil || end == nil {
		return nil
	}
	ms := end.Sub(*start).Milliseconds()
	if ms < 0 {
		ms = 0
	}
	return &ms
}

func workflowRef(wf WorkflowPayload, run RunPayload) models.WorkflowRef {
	ref := models.WorkflowRef{ID: wf.ID, Name: wf.Name, Path: wf.Path}
	if ref.ID == 0 {
		ref.ID = run.WorkflowID
	}
	if ref.Name == "" {
		ref.Name = run.Name
	}
	if ref.Path == "" {
		ref.Path = run.Path
	}
	return ref
}

func catalogueFor(ref models.WorkflowRef) []models.WorkflowRef {
	if ref.ID == 0 {
		return nil
	}
	return []models.WorkflowRef{ref}
}
