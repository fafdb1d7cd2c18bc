package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validRun() *WorkflowRun {
	now := time.Now().UTC()
	return &WorkflowRun{
		RunID:      42,
		Repository: RepositoryInfo{FullName: "acme/widgets"},
		Workflow:   WorkflowRef{ID: 7, Name: "CI"},
		Run: RunInfo{
			Status:    StatusQueued,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
}

func TestWorkflowRunValidate(t *testing.T) {
	t.Run("valid run", func(t *testing.T) {
		assert.NoError(t, validRun().Validate())
	})

	t.Run("missing run id", func(t *testing.T) {
		w := validRun()
		w.RunID = 0
		assert.Error(t, w.Validate())
	})

	t.Run("missing repository", func(t *testing.T) {
		w := validRun()
		w.Repository.FullName = ""
		assert.Error(t, w.Validate())
	})

	t.Run("unknown status", func(t *testing.T) {
		w := validRun()
		w.Run.Status = "exploded"
		assert.Error(t, w.Validate())
	})

	t.Run("conclusion on non-terminal status", func(t *testing.T) {
		w := validRun()
		w.Run.Status = StatusInProgress
		w.Run.Conclusion = ConclusionSuccess
		assert.Error(t, w.Validate())
	})

	t.Run("completed requires conclusion", func(t *testing.T) {
		w := validRun()
		w.Run.Status = StatusCompleted
		assert.Error(t, w.Validate())

		w.Run.Conclusion = ConclusionFailure
		assert.NoError(t, w.Validate())
	})

	t.Run("job with invalid status", func(t *testing.T) {
		w := validRun()
		w.Jobs = []Job{{JobID: 1, Status: "bogus"}}
		assert.Error(t, w.Validate())
	})
}

func TestRunStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusInProgress.Terminal())
}

func TestWorkflowRunClone(t *testing.T) {
	started := time.Now().UTC()
	dur := int64(1500)
	w := validRun()
	w.Run.DurationMS = &dur
	w.Repository.Workflows = []WorkflowRef{{ID: 7, Name: "CI"}}
	w.Jobs = []Job{{
		JobID:     11,
		Status:    StatusInProgress,
		StartedAt: &started,
		Steps:     []Step{{Number: 1, Name: "checkout", Status: StatusCompleted}},
	}}

	c := w.Clone()

	// Mutating the clone must not reach back into the original.
	*c.Run.DurationMS = 9999
	c.Jobs[0].Steps[0].Name = "changed"
	*c.Jobs[0].StartedAt = started.Add(time.Hour)
	c.Repository.Workflows[0].Name = "changed"

	assert.Equal(t, int64(1500), *w.Run.DurationMS)
	assert.Equal(t, "checkout", w.Jobs[0].Steps[0].Name)
	assert.True(t, w.Jobs[0].StartedAt.Equal(started))
	assert.Equal(t, "CI", w.Repository.Workflows[0].Name)
}

func TestFindJob(t *testing.T) {
	w := validRun()
	w.Jobs = []Job{{JobID: 1}, {JobID: 2}}
	assert.NotNil(t, w.FindJob(2))
	assert.Nil(t, w.FindJob(3))
}
