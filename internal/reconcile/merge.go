// Package reconcile implements the field-level merge rules for workflow run
// records. The merge is explicit and pure so the ordering and idempotency
// policies can be tested without any storage engine.
package reconcile

import (
	"reflect"
	"sort"

	"runboard/pkg/models"
)

// Outcome classifies what a merge did to the stored record.
type Outcome string

const (
	// OutcomeCreated means no record existed for the run id.
	OutcomeCreated Outcome = "created"
	// OutcomeUpdated means run-level state changed (possibly jobs too).
	OutcomeUpdated Outcome = "updated"
	// OutcomeJobsUpdated means only the jobs array changed.
	OutcomeJobsUpdated Outcome = "jobs_updated"
	// OutcomeUnchanged means the patch was fully redundant.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeStale means the patch carried older state that the ordering
	// policy discarded and nothing else changed. Not an error: the caller
	// observed an out-of-order delivery and dropped it.
	OutcomeStale Outcome = "stale"
)

// MergeRun merges patch into stored and returns the resulting record.
// Neither argument is mutated.
//
// Rules:
//   - run fields: a patch with a newer run.updated_at wins wholesale; an
//     older or equal patch only fills fields the stored record lacks and
//     never moves status, so a completed run cannot regress to a
//     non-terminal status on a late delivery.
//   - jobs: upserted by job id; per-job the newer event time wins, an older
//     one fills gaps only. Job sub-updates attach even when the run-level
//     patch is stale.
//   - repository.workflows: additive union by workflow id. The catalogue is
//     a running index for the repository and is never pruned here.
func MergeRun(stored, patch *models.WorkflowRun) (*models.WorkflowRun, Outcome) {
	if stored == nil {
		merged := patch.Clone()
		if merged.Run.Status == "" {
			// A job-only patch creates the run before any run event was
			// seen; an active job implies the run is at least underway.
			merged.Run.Status = models.StatusInProgress
		}
		sortJobs(merged)
		return merged, OutcomeCreated
	}

	merged := stored.Clone()
	runChanged := mergeRepository(merged, patch)
	stale := false

	if patch.Run.Status != "" {
		changed, discarded := mergeRunInfo(merged, patch)
		runChanged = runChanged || changed
		stale = stale || discarded
	} else {
		// Job-only patch: no run-level claim beyond filling identity gaps.
		if merged.Run.CreatedAt.IsZero() && !patch.Run.CreatedAt.IsZero() {
			merged.Run.CreatedAt = patch.Run.CreatedAt
			runChanged = true
		}
	}

	jobsChanged, jobsStale := mergeJobs(merged, patch.Jobs)
	stale = stale || jobsStale

	switch {
	case runChanged:
		return merged, OutcomeUpdated
	case jobsChanged:
		return merged, OutcomeJobsUpdated
	case stale:
		return merged, OutcomeStale
	default:
		return merged, OutcomeUnchanged
	}
}

func mergeRepository(merged, patch *models.WorkflowRun) bool {
	changed := false
	if merged.Repository.FullName == "" && patch.Repository.FullName != "" {
		merged.Repository.FullName = patch.Repository.FullName
		changed = true
	}
	if merged.Workflow.ID == 0 && patch.Workflow.ID != 0 {
		merged.Workflow = patch.Workflow
		changed = true
	}
	for _, ref := range patch.Repository.Workflows {
		if ref.ID == 0 || hasWorkflow(merged.Repository.Workflows, ref.ID) {
			continue
		}
		merged.Repository.Workflows = append(merged.Repository.Workflows, ref)
		changed = true
	}
	return changed
}

func hasWorkflow(refs []models.WorkflowRef, id int64) bool {
	for _, r := range refs {
		if r.ID == id {
			return true
		}
	}
	return false
}

// mergeRunInfo applies patch's run-level fields. Returns whether anything
// changed and whether a status claim was discarded as stale.
func mergeRunInfo(merged, patch *models.WorkflowRun) (changed, discarded bool) {
	cur := &merged.Run
	in := patch.Run

	if in.UpdatedAt.After(cur.UpdatedAt) {
		prevCreated := cur.CreatedAt
		*cur = in
		// Creation time is immutable once known. A newer patch without it
		// must not blank what an earlier event established.
		if cur.CreatedAt.IsZero() {
			cur.CreatedAt = prevCreated
		}
		if in.DurationMS != nil {
			v := *in.DurationMS
			cur.DurationMS = &v
		}
		return true, false
	}

	// Older or same-age patch: fill gaps only, never move status.
	if in.Status != cur.Status {
		discarded = true
	}
	if cur.CreatedAt.IsZero() && !in.CreatedAt.IsZero() {
		cur.CreatedAt, changed = in.CreatedAt, true
	}
	if cur.Actor == "" && in.Actor != "" {
		cur.Actor, changed = in.Actor, true
	}
	if cur.Branch == "" && in.Branch != "" {
		cur.Branch, changed = in.Branch, true
	}
	if cur.Event == "" && in.Event != "" {
		cur.Event, changed = in.Event, true
	}
	if cur.Attempt == 0 && in.Attempt != 0 {
		cur.Attempt, changed = in.Attempt, true
	}
	if cur.DurationMS == nil && in.DurationMS != nil {
		v := *in.DurationMS
		cur.DurationMS, changed = &v, true
	}
	return changed, discarded
}

func mergeJobs(merged *models.WorkflowRun, patchJobs []models.Job) (changed, stale bool) {
	for i := range patchJobs {
		in := &patchJobs[i]
		cur := merged.FindJob(in.JobID)
		if cur == nil {
			merged.Jobs = append(merged.Jobs, *cloneJob(in))
			changed = true
			continue
		}
		c, s := mergeJob(cur, in)
		changed = changed || c
		stale = stale || s
	}
	if changed {
		sortJobs(merged)
	}
	return changed, stale
}

func mergeJob(cur, in *models.Job) (changed, stale bool) {
	if in.EventTime.After(cur.EventTime) {
		next := *cloneJob(in)
		// Keep earlier facts the newer payload happens to omit.
		if next.StartedAt == nil {
			next.StartedAt = cur.StartedAt
		}
		if len(next.Steps) == 0 {
			next.Steps = cur.Steps
		}
		if reflect.DeepEqual(*cur, next) {
			return false, false
		}
		*cur = next
		return true, false
	}

	// Older or same-age job update: terminal status is sticky, gaps fill.
	if in.Status != cur.Status {
		stale = true
	}
	if cur.StartedAt == nil && in.StartedAt != nil {
		t := *in.StartedAt
		cur.StartedAt, changed = &t, true
	}
	if cur.CompletedAt == nil && in.CompletedAt != nil && cur.Status.Terminal() {
		t := *in.CompletedAt
		cur.CompletedAt, changed = &t, true
	}
	if cur.DurationMS == nil && in.DurationMS != nil {
		v := *in.DurationMS
		cur.DurationMS, changed = &v, true
	}
	if len(cur.Steps) == 0 && len(in.Steps) > 0 {
		cur.Steps = append([]models.Step(nil), in.Steps...)
		changed = true
	}
	if cur.Name == "" && in.Name != "" {
		cur.Name, changed = in.Name, true
	}
	return changed, stale
}

func cloneJob(j *models.Job) *models.Job {
	tmp := models.WorkflowRun{Jobs: []models.Job{*j}}
	return &tmp.Clone().Jobs[0]
}

func sortJobs(w *models.WorkflowRun) {
	// Jobs keep a stable order for consumers: by start time, then id.
	sort.SliceStable(w.Jobs, func(i, k int) bool {
		return jobLess(&w.Jobs[i], &w.Jobs[k])
	})
}

func jobLess(a, b *models.Job) bool {
	switch {
	case a.StartedAt == nil && b.StartedAt == nil:
		return a.JobID < b.JobID
	case a.StartedAt == nil:
		return false
	case b.StartedAt == nil:
		return true
	case a.StartedAt.Equal(*b.StartedAt):
		return a.JobID < b.JobID
	default:
		return a.StartedAt.Before(*b.StartedAt)
	}
}
