package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"runboard/internal/logging"
	"runboard/internal/normalize"
	"runboard/internal/notify"
	"runboard/internal/repository"
	"runboard/pkg/models"
)

const (
	defaultSyncWorkers   = 4
	defaultMaxRuns       = 50
	runsPerPage          = 50
	rateLimitMaxRetries  = 3
	rateLimitBaseBackoff = 2 * time.Second
)

// Progress is one unit of sync progress, reported at repository/workflow
// granularity.
type Progress struct {
	Percent         int    `json:"progress"`
	CurrentRepo     string `json:"currentRepo"`
	CurrentWorkflow string `json:"currentWorkflow"`
}

// ProgressFunc receives progress updates during a sync, decoupled from the
// Notifier transport.
type ProgressFunc func(Progress)

// SyncOptions bound a sync session.
type SyncOptions struct {
	// MaxRunsPerWorkflow caps how much history is backfilled per workflow.
	MaxRunsPerWorkflow int
	// Workers bounds parallel repository processing.
	Workers int
	// Progress, when set, receives per-unit progress updates.
	Progress ProgressFunc
}

// SyncService is the pull-based bulk reconciliation orchestrator. It drives
// the same normalize + upsert path as ingestion, sourced from the external
// list APIs, and records a SyncSession audit trail.
type SyncService struct {
	store    repository.Store
	source   ExternalSource
	ingest   *IngestService
	notifier notify.Notifier
	logger   *logging.Logger
}

// NewSyncService creates a new SyncService.
func NewSyncService(store repository.Store, source ExternalSource, ingest *IngestService, notifier notify.Notifier, logger *logging.Logger) *SyncService {
	return &SyncService{
		store:    store,
		source:   source,
		ingest:   ingest,
		notifier: notifier,
		logger:   logger,
	}
}

// syncState accumulates results across workers.
type syncState struct {
	mu        sync.Mutex
	session   *models.SyncSession
	doneRepos int
	total     int
}

func (st *syncState) addError(kind, name string, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.session.Results.Errors = append(st.session.Results.Errors, models.SyncItemError{
		Type:  kind,
		Name:  name,
		Error: err.Error(),
	})
}

func (st *syncState) add(workflows, runs int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.session.Results.Workflows += workflows
	st.session.Results.Runs += runs
}

func (st *syncState) repoDone() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.doneRepos++
	if st.total == 0 {
		return 100
	}
	return st.doneRepos * 100 / st.total
}

// RunSync performs one bulk reconciliation for an organization. Per-item
// failures are recorded into the session's error list and processing
// continues; only an orchestrator-level failure (repository enumeration,
// cancellation) marks the session failed. Partial results are always
// preserved.
func (s *SyncService) RunSync(ctx context.Context, org string, opts SyncOptions) (*models.SyncSession, error) {
	session, err := s.createSession(ctx, org)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, session, org, opts)
}

// StartSync creates the session record and runs the sync in the
// background, so callers get the session id immediately and can poll it.
func (s *SyncService) StartSync(ctx context.Context, org string, opts SyncOptions) (*models.SyncSession, error) {
	session, err := s.createSession(ctx, org)
	if err != nil {
		return nil, err
	}
	go func() {
		// Deliberately detached from the request context: the session
		// outlives the request that triggered it.
		if _, err := s.run(context.Background(), session, org, opts); err != nil {
			s.logger.Error("background sync %s: %v", session.ID, err)
		}
	}()
	return session, nil
}

func (s *SyncService) createSession(ctx context.Context, org string) (*models.SyncSession, error) {
	session := &models.SyncSession{
		ID:           uuid.New().String(),
		Organization: org,
		Status:       models.SyncInProgress,
		StartedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *SyncService) run(ctx context.Context, session *models.SyncSession, org string, opts SyncOptions) (*models.SyncSession, error) {
	if opts.MaxRunsPerWorkflow <= 0 {
		opts.MaxRunsPerWorkflow = defaultMaxRuns
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultSyncWorkers
	}

	repos, err := s.listRepositories(ctx, org)
	if err != nil {
		return s.finalize(ctx, session, fmt.Errorf("list repositories for %s: %w", org, err))
	}

	st := &syncState{session: session, total: len(repos)}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for _, repo := range repos {
		repo := repo
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s.syncRepository(gctx, repo.FullName, opts, st)
			s.reportProgress(opts, Progress{
				Percent:     st.repoDone(),
				CurrentRepo: repo.FullName,
			})
			return gctx.Err()
		})
	}
	return s.finalize(ctx, session, g.Wait())
}

// syncRepository processes one repository. Every failure below repository
// enumeration is recorded and skipped, never escalated.
func (s *SyncService) syncRepository(ctx context.Context, repo string, opts SyncOptions, st *syncState) {
	st.mu.Lock()
	st.session.Results.Repositories++
	st.mu.Unlock()

	workflows, err := s.listWorkflows(ctx, repo)
	if err != nil {
		st.addError("repository", repo, err)
		return
	}
	for _, wf := range workflows {
		if ctx.Err() != nil {
			return
		}
		runs, err := s.syncWorkflow(ctx, repo, wf, opts, st)
		if err != nil {
			st.addError("workflow", fmt.Sprintf("%s:%s", repo, wf.Name), err)
			continue
		}
		st.add(1, runs)
		s.reportProgress(opts, Progress{
			Percent:         st.percent(),
			CurrentRepo:     repo,
			CurrentWorkflow: wf.Name,
		})
	}
}

// syncWorkflow pages through a workflow's run history, bounded by
// MaxRunsPerWorkflow, ingesting each run with its jobs.
func (s *SyncService) syncWorkflow(ctx context.Context, repo string, wf normalize.WorkflowPayload, opts SyncOptions, st *syncState) (int, error) {
	ingested := 0
	fetched := 0
	for page := 1; fetched < opts.MaxRunsPerWorkflow; page++ {
		perPage := runsPerPage
		if remaining := opts.MaxRunsPerWorkflow - fetched; remaining < perPage {
			perPage = remaining
		}
		runs, err := s.listRuns(ctx, repo, wf.ID, page, perPage)
		if err != nil {
			return ingested, err
		}
		if len(runs) == 0 {
			break
		}
		for i := range runs {
			run := runs[i]
			jobs, err := s.listJobs(ctx, repo, run.ID)
			if err != nil {
				st.addError("run", fmt.Sprintf("%s#%d", repo, run.ID), err)
				continue
			}
			item := normalize.SyncItem{
				Repository: normalize.RepoPayload{FullName: repo},
				Workflow:   wf,
				Run:        run,
				Jobs:       jobs,
			}
			if _, _, err := s.ingest.IngestSyncItem(ctx, &item); err != nil {
				st.addError("run", fmt.Sprintf("%s#%d", repo, run.ID), err)
				continue
			}
			ingested++
		}
		fetched += len(runs)
		if len(runs) < perPage {
			break
		}
	}
	return ingested, nil
}

func (st *syncState) percent() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.total == 0 {
		return 100
	}
	return st.doneRepos * 100 / st.total
}

func (s *SyncService) reportProgress(opts SyncOptions, p Progress) {
	if opts.Progress != nil {
		opts.Progress(p)
	}
	s.notifier.Publish(notify.EventSyncProgress, p)
}

// finalize records the terminal session state. err != nil means an
// orchestrator-level failure; per-item errors alone still complete.
func (s *SyncService) finalize(ctx context.Context, session *models.SyncSession, err error) (*models.SyncSession, error) {
	now := time.Now().UTC()
	session.CompletedAt = &now
	if err != nil {
		session.Status = models.SyncFailed
		s.logger.Error("sync %s failed: %v", session.ID, err)
	} else {
		session.Status = models.SyncCompleted
	}

	// Finalizing must survive the caller's cancellation: the audit record
	// of a cancelled sync is still written.
	updateCtx := ctx
	if updateCtx.Err() != nil {
		var cancel context.CancelFunc
		updateCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if uerr := s.store.UpdateSession(updateCtx, session); uerr != nil {
		s.logger.Error("failed to record sync session %s: %v", session.ID, uerr)
	}
	s.notifier.Publish(notify.EventSyncCompleted, session)
	return session, err
}

// Source call wrappers: a rate-limit signal is recoverable. Back off and
// retry that one call, never abort the session for it.

func (s *SyncService) listRepositories(ctx context.Context, org string) (repos []normalize.RepoPayload, err error) {
	err = s.withBackoff(ctx, func() error {
		repos, err = s.source.ListRepositories(ctx, org)
		return err
	})
	return repos, err
}

func (s *SyncService) listWorkflows(ctx context.Context, repo string) (wfs []normalize.WorkflowPayload, err error) {
	err = s.withBackoff(ctx, func() error {
		wfs, err = s.source.ListWorkflows(ctx, repo)
		return err
	})
	return wfs, err
}

func (s *SyncService) listRuns(ctx context.Context, repo string, workflowID int64, page, perPage int) (runs []normalize.RunPayload, err error) {
	err = s.withBackoff(ctx, func() error {
		runs, err = s.source.ListRuns(ctx, repo, workflowID, page, perPage)
		return err
	})
	return runs, err
}

func (s *SyncService) listJobs(ctx context.Context, repo string, runID int64) (jobs []normalize.JobPayload, err error) {
	err = s.withBackoff(ctx, func() error {
		jobs, err = s.source.ListJobs(ctx, repo, runID)
		return err
	})
	return jobs, err
}

func (s *SyncService) withBackoff(ctx context.Context, call func() error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = call()
		var srcErr *ExternalSourceError
		if lastErr == nil || !errors.As(lastErr, &srcErr) || !srcErr.RateLimited {
			return lastErr
		}
		if attempt >= rateLimitMaxRetries {
			return lastErr
		}
		wait := srcErr.RetryAfter
		if wait <= 0 {
			wait = rateLimitBaseBackoff << attempt
		}
		s.logger.Warn("rate limited by source, backing off %s", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
