package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"runboard/internal/reconcile"
	"runboard/pkg/models"
)

// MemoryStore is an in-memory implementation of Store, used by service
// tests and local development. Per-run serialization uses a mutex per run
// id; the global map lock is only held for map access.
type MemoryStore struct {
	mu       sync.RWMutex
	runs     map[int64]*models.WorkflowRun
	sessions map[string]*models.SyncSession
	locks    map[int64]*sync.Mutex
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:     map[int64]*models.WorkflowRun{},
		sessions: map[string]*models.SyncSession{},
		locks:    map[int64]*sync.Mutex{},
	}
}

func (s *MemoryStore) runLock(runID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[runID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[runID] = l
	}
	return l
}

// UpsertRun merges patch into the stored record under the run's lock.
func (s *MemoryStore) UpsertRun(ctx context.Context, patch *models.WorkflowRun) (*models.WorkflowRun, reconcile.Outcome, error) {
	l := s.runLock(patch.RunID)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	stored := s.runs[patch.RunID]
	s.mu.RUnlock()

	merged, outcome := reconcile.MergeRun(stored, patch)
	if outcome != reconcile.OutcomeUnchanged && outcome != reconcile.OutcomeStale {
		s.mu.Lock()
		s.runs[patch.RunID] = merged
		s.mu.Unlock()
	}
	return merged.Clone(), outcome, nil
}

// FindByRunID retrieves a run record by its natural key.
func (s *MemoryStore) FindByRunID(ctx context.Context, runID int64) (*models.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return run.Clone(), nil
}

// ListByRepository returns a repository's runs newest-created first.
func (s *MemoryStore) ListByRepository(ctx context.Context, fullName, workflowName string) ([]*models.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []*models.WorkflowRun
	for _, run := range s.runs {
		if run.Repository.FullName != fullName {
			continue
		}
		if workflowName != "" && run.Workflow.Name != workflowName {
			continue
		}
		runs = append(runs, run.Clone())
	}
	sortNewestFirst(runs)
	return runs, nil
}

// QueryPage mirrors the Postgres two-phase repository pagination in memory.
func (s *MemoryStore) QueryPage(ctx context.Context, filter RunFilter, page, pageSize int) ([]*models.WorkflowRun, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := map[string][]*models.WorkflowRun{}
	latest := map[string]time.Time{}
	for _, run := range s.runs {
		if !matchFilter(run, filter) {
			continue
		}
		repo := run.Repository.FullName
		matched[repo] = append(matched[repo], run)
		if run.Run.CreatedAt.After(latest[repo]) {
			latest[repo] = run.Run.CreatedAt
		}
	}

	repos := make([]string, 0, len(matched))
	for repo := range matched {
		repos = append(repos, repo)
	}
	sort.Slice(repos, func(i, k int) bool {
		if latest[repos[i]].Equal(latest[repos[k]]) {
			return repos[i] < repos[k]
		}
		return latest[repos[i]].After(latest[repos[k]])
	})

	total := len(repos)
	start := (page - 1) * pageSize
	if start >= total {
		return nil, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	var out []*models.WorkflowRun
	for _, repo := range repos[start:end] {
		runs := matched[repo]
		sortNewestFirst(runs)
		for _, run := range runs {
			out = append(out, run.Clone())
		}
	}
	return out, total, nil
}

// Stats computes collection-wide aggregates.
func (s *MemoryStore) Stats(ctx context.Context) (*RunStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &RunStats{
		PerRepository:   map[string]int64{},
		StatusHistogram: map[models.RunStatus]int64{},
	}
	var durSum, durN float64
	for _, run := range s.runs {
		stats.TotalRuns++
		stats.PerRepository[run.Repository.FullName]++
		stats.StatusHistogram[run.Run.Status]++
		if run.Run.DurationMS != nil {
			durSum += float64(*run.Run.DurationMS)
			durN++
		}
	}
	if durN > 0 {
		avg := durSum / durN
		stats.AverageDurationMS = &avg
	}
	return stats, nil
}

// ActiveMetrics counts runs in a non-terminal status.
func (s *MemoryStore) ActiveMetrics(ctx context.Context) (*ActiveMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := &ActiveMetrics{ByStatus: map[models.RunStatus]int64{}}
	for _, run := range s.runs {
		if run.Run.Status.Terminal() {
			continue
		}
		m.ByStatus[run.Run.Status]++
		m.TotalActive++
	}
	return m, nil
}

// JobMetrics counts currently-running jobs.
func (s *MemoryStore) JobMetrics(ctx context.Context) (*JobMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := &JobMetrics{}
	var sum, n float64
	now := time.Now()
	for _, run := range s.runs {
		for i := range run.Jobs {
			job := &run.Jobs[i]
			if job.Status != models.StatusInProgress {
				continue
			}
			m.RunningJobs++
			if job.StartedAt != nil {
				sum += float64(now.Sub(*job.StartedAt).Milliseconds())
				n++
			}
		}
	}
	if n > 0 {
		avg := sum / n
		m.AverageRunningMS = &avg
	}
	return m, nil
}

// CreateSession inserts a new sync session record.
func (s *MemoryStore) CreateSession(ctx context.Context, session *models.SyncSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *session
	s.sessions[session.ID] = &copied
	return nil
}

// UpdateSession overwrites a session record.
func (s *MemoryStore) UpdateSession(ctx context.Context, session *models.SyncSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; !ok {
		return ErrNotFound
	}
	copied := *session
	s.sessions[session.ID] = &copied
	return nil
}

// GetSession retrieves a session by id.
func (s *MemoryStore) GetSession(ctx context.Context, id string) (*models.SyncSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *session
	return &copied, nil
}

// ListSessions returns sessions newest-started first.
func (s *MemoryStore) ListSessions(ctx context.Context, limit int) ([]*models.SyncSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]*models.SyncSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		copied := *session
		sessions = append(sessions, &copied)
	}
	sort.Slice(sessions, func(i, k int) bool {
		return sessions[i].StartedAt.After(sessions[k].StartedAt)
	})
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

func matchFilter(run *models.WorkflowRun, filter RunFilter) bool {
	if filter.RepoSearch != "" &&
		!strings.Contains(strings.ToLower(run.Repository.FullName), strings.ToLower(filter.RepoSearch)) {
		return false
	}
	if filter.Conclusion != "" {
		return run.Run.Status == models.StatusCompleted && run.Run.Conclusion == filter.Conclusion
	}
	if filter.Status != "" && run.Run.Status != filter.Status {
		return false
	}
	return true
}

func sortNewestFirst(runs []*models.WorkflowRun) {
	sort.Slice(runs, func(i, k int) bool {
		if runs[i].Run.CreatedAt.Equal(runs[k].Run.CreatedAt) {
			return runs[i].RunID > runs[k].RunID
		}
		return runs[i].Run.CreatedAt.After(runs[k].Run.CreatedAt)
	})
}
