package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runboard/internal/logging"
	"runboard/internal/normalize"
	"runboard/internal/notify"
	"runboard/internal/repository"
	"runboard/pkg/models"
)

// fakeSource serves canned list responses, with optional per-repo failures
// and scripted rate limiting.
type fakeSource struct {
	mu         sync.Mutex
	repos      []normalize.RepoPayload
	workflows  map[string][]normalize.WorkflowPayload
	runs       map[string][]normalize.RunPayload
	jobs       map[int64][]normalize.JobPayload
	failRepos  map[string]error
	rateLimits int
}

func (f *fakeSource) ListRepositories(ctx context.Context, org string) ([]normalize.RepoPayload, error) {
	return f.repos, nil
}

func (f *fakeSource) ListWorkflows(ctx context.Context, repo string) ([]normalize.WorkflowPayload, error) {
	if err := f.failRepos[repo]; err != nil {
		return nil, err
	}
	return f.workflows[repo], nil
}

func (f *fakeSource) ListRuns(ctx context.Context, repo string, workflowID int64, page, perPage int) ([]normalize.RunPayload, error) {
	f.mu.Lock()
	limited := f.rateLimits > 0
	if limited {
		f.rateLimits--
	}
	f.mu.Unlock()
	if limited {
		return nil, &ExternalSourceError{Op: "list runs", StatusCode: 429, RateLimited: true, RetryAfter: time.Millisecond}
	}

	runs := f.runs[repo]
	start := (page - 1) * perPage
	if start >= len(runs) {
		return nil, nil
	}
	end := start + perPage
	if end > len(runs) {
		end = len(runs)
	}
	return runs[start:end], nil
}

func (f *fakeSource) ListJobs(ctx context.Context, repo string, runID int64) ([]normalize.JobPayload, error) {
	return f.jobs[runID], nil
}

// recordingNotifier captures published events in order.
type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingNotifier) Publish(event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingNotifier) named(prefix string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if len(e) >= len(prefix) && e[:len(prefix)] == prefix {
			out = append(out, e)
		}
	}
	return out
}

func sourceRun(id int64, status string, createdAt time.Time) normalize.RunPayload {
	p := normalize.RunPayload{
		ID:        id,
		Status:    status,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	if status == "completed" {
		p.Conclusion = "success"
	}
	return p
}

func newSyncFixture(source *fakeSource, notifier notify.Notifier) (*SyncService, *repository.MemoryStore) {
	logger := logging.NewLogger()
	store := repository.NewMemoryStore()
	ingest := NewIngestService(store, notifier, logger)
	return NewSyncService(store, source, ingest, notifier, logger), store
}

func TestRunSyncHappyPath(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	source := &fakeSource{
		repos: []normalize.RepoPayload{{FullName: "acme/alpha"}, {FullName: "acme/beta"}},
		workflows: map[string][]normalize.WorkflowPayload{
			"acme/alpha": {{ID: 7, Name: "CI"}},
			"acme/beta":  {{ID: 8, Name: "Release"}},
		},
		runs: map[string][]normalize.RunPayload{
			"acme/alpha": {sourceRun(1, "completed", now), sourceRun(2, "in_progress", now.Add(time.Minute))},
			"acme/beta":  {sourceRun(3, "completed", now)},
		},
		jobs: map[int64][]normalize.JobPayload{
			1: {{ID: 11, Name: "build", Status: "completed", Conclusion: "success"}},
		},
	}
	svc, store := newSyncFixture(source, notify.Noop{})

	session, err := svc.RunSync(ctx, "acme", SyncOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.SyncCompleted, session.Status)
	assert.Equal(t, 2, session.Results.Repositories)
	assert.Equal(t, 2, session.Results.Workflows)
	assert.Equal(t, 3, session.Results.Runs)
	assert.Empty(t, session.Results.Errors)
	require.NotNil(t, session.CompletedAt)

	// Runs landed in the store with their jobs attached.
	run, err := store.FindByRunID(ctx, 1)
	require.NoError(t, err)
	require.Len(t, run.Jobs, 1)
	assert.Equal(t, int64(11), run.Jobs[0].JobID)

	// The session audit record is retrievable.
	persisted, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncCompleted, persisted.Status)
}

func TestRunSyncPartialFailureStillCompletes(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	source := &fakeSource{
		repos: []normalize.RepoPayload{
			{FullName: "acme/alpha"}, {FullName: "acme/broken"}, {FullName: "acme/gamma"},
		},
		workflows: map[string][]normalize.WorkflowPayload{
			"acme/alpha": {{ID: 7, Name: "CI"}},
			"acme/gamma": {{ID: 9, Name: "CI"}},
		},
		runs: map[string][]normalize.RunPayload{
			"acme/alpha": {sourceRun(1, "completed", now)},
			"acme/gamma": {sourceRun(2, "completed", now)},
		},
		failRepos: map[string]error{
			"acme/broken": fmt.Errorf("boom"),
		},
	}
	svc, _ := newSyncFixture(source, notify.Noop{})

	session, err := svc.RunSync(ctx, "acme", SyncOptions{Workers: 1})
	require.NoError(t, err)

	// One repository failed; the session still completes with the failure
	// recorded and the other repositories fully processed.
	assert.Equal(t, models.SyncCompleted, session.Status)
	assert.Equal(t, 3, session.Results.Repositories)
	assert.Equal(t, 2, session.Results.Runs)
	require.Len(t, session.Results.Errors, 1)
	assert.Equal(t, "repository", session.Results.Errors[0].Type)
	assert.Equal(t, "acme/broken", session.Results.Errors[0].Name)
}

func TestRunSyncRespectsMaxRuns(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	var runs []normalize.RunPayload
	for i := int64(1); i <= 10; i++ {
		runs = append(runs, sourceRun(i, "completed", now.Add(time.Duration(i)*time.Minute)))
	}
	source := &fakeSource{
		repos:     []normalize.RepoPayload{{FullName: "acme/alpha"}},
		workflows: map[string][]normalize.WorkflowPayload{"acme/alpha": {{ID: 7, Name: "CI"}}},
		runs:      map[string][]normalize.RunPayload{"acme/alpha": runs},
	}
	svc, _ := newSyncFixture(source, notify.Noop{})

	session, err := svc.RunSync(ctx, "acme", SyncOptions{MaxRunsPerWorkflow: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, session.Results.Runs)
}

func TestRunSyncRetriesRateLimit(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	source := &fakeSource{
		repos:      []normalize.RepoPayload{{FullName: "acme/alpha"}},
		workflows:  map[string][]normalize.WorkflowPayload{"acme/alpha": {{ID: 7, Name: "CI"}}},
		runs:       map[string][]normalize.RunPayload{"acme/alpha": {sourceRun(1, "completed", now)}},
		rateLimits: 2,
	}
	svc, _ := newSyncFixture(source, notify.Noop{})

	session, err := svc.RunSync(ctx, "acme", SyncOptions{})
	require.NoError(t, err)

	// Both rate-limited attempts were retried, not recorded as failures.
	assert.Equal(t, models.SyncCompleted, session.Status)
	assert.Equal(t, 1, session.Results.Runs)
	assert.Empty(t, session.Results.Errors)
}

func TestRunSyncReportsProgress(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	source := &fakeSource{
		repos:     []normalize.RepoPayload{{FullName: "acme/alpha"}},
		workflows: map[string][]normalize.WorkflowPayload{"acme/alpha": {{ID: 7, Name: "CI"}}},
		runs:      map[string][]normalize.RunPayload{"acme/alpha": {sourceRun(1, "completed", now)}},
	}
	notifier := &recordingNotifier{}
	svc, _ := newSyncFixture(source, notifier)

	var mu sync.Mutex
	var reports []Progress
	_, err := svc.RunSync(ctx, "acme", SyncOptions{Progress: func(p Progress) {
		mu.Lock()
		reports = append(reports, p)
		mu.Unlock()
	}})
	require.NoError(t, err)

	require.NotEmpty(t, reports)
	last := reports[len(reports)-1]
	assert.Equal(t, 100, last.Percent)
	assert.NotEmpty(t, notifier.named(notify.EventSyncProgress))
	assert.Len(t, notifier.named(notify.EventSyncCompleted), 1)
}

func TestStartSyncReturnsSessionImmediately(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	source := &fakeSource{
		repos:     []normalize.RepoPayload{{FullName: "acme/alpha"}},
		workflows: map[string][]normalize.WorkflowPayload{"acme/alpha": {{ID: 7, Name: "CI"}}},
		runs:      map[string][]normalize.RunPayload{"acme/alpha": {sourceRun(1, "completed", now)}},
	}
	svc, store := newSyncFixture(source, notify.Noop{})

	session, err := svc.StartSync(ctx, "acme", SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.SyncInProgress, session.Status)
	assert.NotEmpty(t, session.ID)

	// Poll until the background run finalizes the session.
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := store.GetSession(ctx, session.ID)
		require.NoError(t, err)
		if got.Terminal() {
			assert.Equal(t, models.SyncCompleted, got.Status)
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sync did not finish in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunSyncCancelledMarksFailed(t *testing.T) {
	source := &fakeSource{
		repos:     []normalize.RepoPayload{{FullName: "acme/alpha"}, {FullName: "acme/beta"}},
		workflows: map[string][]normalize.WorkflowPayload{},
		runs:      map[string][]normalize.RunPayload{},
	}
	svc, store := newSyncFixture(source, notify.Noop{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	session, err := svc.RunSync(ctx, "acme", SyncOptions{})
	require.Error(t, err)
	require.NotNil(t, session)
	assert.Equal(t, models.SyncFailed, session.Status)

	// The audit record survives the cancellation.
	persisted, perr := store.GetSession(context.Background(), session.ID)
	require.NoError(t, perr)
	assert.Equal(t, models.SyncFailed, persisted.Status)
}
