package services

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runboard/internal/logging"
	"runboard/internal/normalize"
	"runboard/internal/repository"
	"runboard/pkg/models"
)

func runEventJSON(runID int64, status, conclusion, updatedAt string) []byte {
	return []byte(fmt.Sprintf(`{
		"workflow_run": {
			"id": %d,
			"workflow_id": 7,
			"status": %q,
			"conclusion": %q,
			"created_at": "2024-03-01T12:00:00Z",
			"updated_at": %q
		},
		"workflow": {"id": 7, "name": "CI"},
		"repository": {"full_name": "acme/widgets"}
	}`, runID, status, conclusion, updatedAt))
}

func newIngestFixture(notifier *recordingNotifier) (*IngestService, *repository.MemoryStore) {
	store := repository.NewMemoryStore()
	return NewIngestService(store, notifier, logging.NewLogger()), store
}

func TestIngestLifecycle(t *testing.T) {
	ctx := context.Background()
	notifier := &recordingNotifier{}
	ingest, store := newIngestFixture(notifier)

	run, change, err := ingest.Ingest(ctx, runEventJSON(42, "queued", "", "2024-03-01T12:00:00Z"), normalize.KindRun)
	require.NoError(t, err)
	assert.Equal(t, ChangeCreated, change)
	assert.Equal(t, models.StatusQueued, run.Run.Status)

	run, change, err = ingest.Ingest(ctx, runEventJSON(42, "completed", "success", "2024-03-01T12:10:00Z"), normalize.KindRun)
	require.NoError(t, err)
	assert.Equal(t, ChangeUpdated, change)
	assert.Equal(t, models.StatusCompleted, run.Run.Status)
	assert.Equal(t, models.ConclusionSuccess, run.Run.Conclusion)

	got, err := store.FindByRunID(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Run.Status)

	// Exactly one created and one updated notification, in that order.
	assert.Equal(t, []string{"run.created", "run.updated"}, notifier.named("run."))
}

func TestIngestReplayIsSilent(t *testing.T) {
	ctx := context.Background()
	notifier := &recordingNotifier{}
	ingest, _ := newIngestFixture(notifier)

	raw := runEventJSON(42, "in_progress", "", "2024-03-01T12:05:00Z")
	_, change, err := ingest.Ingest(ctx, raw, normalize.KindRun)
	require.NoError(t, err)
	assert.Equal(t, ChangeCreated, change)

	// Re-delivering the identical event succeeds but changes and notifies
	// nothing.
	_, change, err = ingest.Ingest(ctx, raw, normalize.KindRun)
	require.NoError(t, err)
	assert.Equal(t, ChangeNone, change)
	assert.Len(t, notifier.named("run."), 1)
}

func TestIngestStaleIsSilent(t *testing.T) {
	ctx := context.Background()
	notifier := &recordingNotifier{}
	ingest, store := newIngestFixture(notifier)

	_, _, err := ingest.Ingest(ctx, runEventJSON(42, "completed", "success", "2024-03-01T12:10:00Z"), normalize.KindRun)
	require.NoError(t, err)

	// A late out-of-order delivery is accepted without error, discarded,
	// and produces no notification.
	_, change, err := ingest.Ingest(ctx, runEventJSON(42, "in_progress", "", "2024-03-01T12:05:00Z"), normalize.KindRun)
	require.NoError(t, err)
	assert.Equal(t, ChangeNone, change)
	assert.Len(t, notifier.named("run."), 1)

	got, err := store.FindByRunID(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Run.Status)
}

func TestIngestJobEventForUnseenRun(t *testing.T) {
	ctx := context.Background()
	notifier := &recordingNotifier{}
	ingest, _ := newIngestFixture(notifier)

	raw := []byte(`{
		"workflow_job": {
			"id": 11,
			"run_id": 42,
			"name": "build",
			"status": "in_progress",
			"started_at": "2024-03-01T12:02:00Z"
		},
		"repository": {"full_name": "acme/widgets"}
	}`)
	run, change, err := ingest.Ingest(ctx, raw, normalize.KindJob)
	require.NoError(t, err)
	assert.Equal(t, ChangeCreated, change)
	// The job arrived before any run event: the record is created around it.
	assert.Equal(t, models.StatusInProgress, run.Run.Status)
	require.Len(t, run.Jobs, 1)
}

func TestIngestJobAttachNotifiesJobsUpdated(t *testing.T) {
	ctx := context.Background()
	notifier := &recordingNotifier{}
	ingest, _ := newIngestFixture(notifier)

	_, _, err := ingest.Ingest(ctx, runEventJSON(42, "in_progress", "", "2024-03-01T12:05:00Z"), normalize.KindRun)
	require.NoError(t, err)

	raw := []byte(`{
		"workflow_job": {
			"id": 11,
			"run_id": 42,
			"name": "build",
			"status": "completed",
			"conclusion": "success",
			"started_at": "2024-03-01T12:02:00Z",
			"completed_at": "2024-03-01T12:04:00Z"
		},
		"repository": {"full_name": "acme/widgets"}
	}`)
	_, change, err := ingest.Ingest(ctx, raw, normalize.KindJob)
	require.NoError(t, err)
	assert.Equal(t, ChangeJobsUpdated, change)
	assert.Equal(t, []string{"run.created", "run.jobs_updated"}, notifier.named("run."))
}

func TestIngestMalformedPayload(t *testing.T) {
	ctx := context.Background()
	notifier := &recordingNotifier{}
	ingest, store := newIngestFixture(notifier)

	_, change, err := ingest.Ingest(ctx, []byte(`{"workflow_run": {"status": "queued"}}`), normalize.KindRun)
	require.Error(t, err)
	var verr *normalize.ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.Equal(t, ChangeNone, change)
	assert.Empty(t, notifier.named("run."))

	// Nothing was stored.
	_, err = store.FindByRunID(ctx, 0)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
