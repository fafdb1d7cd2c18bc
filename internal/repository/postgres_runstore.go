package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"runboard/internal/reconcile"
	"runboard/pkg/models"
)

// PostgresStore is the PostgreSQL implementation of the reconciliation
// store. Run records live as JSONB documents with a few extracted columns
// for filtering and aggregation.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the collections if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS workflow_runs (
			run_id         BIGINT PRIMARY KEY,
			repository     TEXT NOT NULL,
			workflow_name  TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL,
			conclusion     TEXT NOT NULL DEFAULT '',
			run_created_at TIMESTAMPTZ,
			run_updated_at TIMESTAMPTZ,
			duration_ms    BIGINT,
			doc            JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS workflow_runs_repository_idx ON workflow_runs (repository, run_created_at DESC);
		CREATE INDEX IF NOT EXISTS workflow_runs_status_idx ON workflow_runs (status);
		CREATE TABLE IF NOT EXISTS sync_sessions (
			id           UUID PRIMARY KEY,
			organization TEXT NOT NULL,
			status       TEXT NOT NULL,
			started_at   TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			doc          JSONB NOT NULL
		);
	`)
	if err != nil {
		return storeErr("migrate", err)
	}
	return nil
}

// UpsertRun reads the stored document, merges the patch and writes the
// result back, all inside a transaction holding an advisory lock on the run
// id. A row lock alone is not enough: FOR UPDATE cannot lock a row that
// does not exist yet, so two concurrent first deliveries for the same run
// would both merge against nil and the later commit would overwrite the
// earlier one. The advisory lock serializes on the key itself, rows or no
// rows. Unchanged and stale outcomes write nothing.
func (s *PostgresStore) UpsertRun(ctx context.Context, patch *models.WorkflowRun) (*models.WorkflowRun, reconcile.Outcome, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, "", storeErr("upsert run: begin", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, patch.RunID); err != nil {
		return nil, "", storeErr("upsert run: lock", err)
	}

	var stored *models.WorkflowRun
	var doc []byte
	err = tx.QueryRow(ctx,
		`SELECT doc FROM workflow_runs WHERE run_id = $1`,
		patch.RunID,
	).Scan(&doc)
	switch {
	case err == nil:
		stored = &models.WorkflowRun{}
		if err := json.Unmarshal(doc, stored); err != nil {
			return nil, "", storeErr("upsert run: decode stored doc", err)
		}
	case errors.Is(err, pgx.ErrNoRows):
		stored = nil
	default:
		return nil, "", storeErr("upsert run: select", err)
	}

	merged, outcome := reconcile.MergeRun(stored, patch)
	if outcome == reconcile.OutcomeUnchanged || outcome == reconcile.OutcomeStale {
		return merged, outcome, nil
	}

	encoded, err := json.Marshal(merged)
	if err != nil {
		return nil, "", storeErr("upsert run: encode doc", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO workflow_runs (run_id, repository, workflow_name, status, conclusion, run_created_at, run_updated_at, duration_ms, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id) DO UPDATE SET
			repository = EXCLUDED.repository,
			workflow_name = EXCLUDED.workflow_name,
			status = EXCLUDED.status,
			conclusion = EXCLUDED.conclusion,
			run_created_at = EXCLUDED.run_created_at,
			run_updated_at = EXCLUDED.run_updated_at,
			duration_ms = EXCLUDED.duration_ms,
			doc = EXCLUDED.doc`,
		merged.RunID, merged.Repository.FullName, merged.Workflow.Name,
		string(merged.Run.Status), string(merged.Run.Conclusion),
		nullableTime(merged.Run.CreatedAt), nullableTime(merged.Run.UpdatedAt),
		merged.Run.DurationMS, encoded,
	)
	if err != nil {
		return nil, "", storeErr("upsert run: write", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, "", storeErr("upsert run: commit", err)
	}
	return merged, outcome, nil
}

// FindByRunID retrieves a run record by its natural key.
func (s *PostgresStore) FindByRunID(ctx context.Context, runID int64) (*models.WorkflowRun, error) {
	var doc []byte
	err := s.db.QueryRow(ctx, `SELECT doc FROM workflow_runs WHERE run_id = $1`, runID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("find run", err)
	}
	var run models.WorkflowRun
	if err := json.Unmarshal(doc, &run); err != nil {
		return nil, storeErr("find run: decode", err)
	}
	return &run, nil
}

// ListByRepository returns a repository's runs newest-created first.
func (s *PostgresStore) ListByRepository(ctx context.Context, fullName, workflowName string) ([]*models.WorkflowRun, error) {
	query := `SELECT doc FROM workflow_runs WHERE repository = $1`
	args := []any{fullName}
	if workflowName != "" {
		query += ` AND workflow_name = $2`
		args = append(args, workflowName)
	}
	query += ` ORDER BY run_created_at DESC NULLS LAST, run_id DESC`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list by repository", err)
	}
	defer rows.Close()
	return scanRuns(rows, "list by repository")
}

// QueryPage pages over distinct repositories (phase one), then fetches all
// runs belonging to the selected repositories (phase two). The grouped list
// view breaks pages on repository boundaries, not raw row counts.
func (s *PostgresStore) QueryPage(ctx context.Context, filter RunFilter, page, pageSize int) ([]*models.WorkflowRun, int, error) {
	where, args := buildFilter(filter)

	var total int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(DISTINCT repository) FROM workflow_runs`+where, args...,
	).Scan(&total)
	if err != nil {
		return nil, 0, storeErr("query page: count", err)
	}

	offset := (page - 1) * pageSize
	repoRows, err := s.db.Query(ctx, fmt.Sprintf(
		`SELECT repository FROM workflow_runs%s
		 GROUP BY repository
		 ORDER BY MAX(run_created_at) DESC NULLS LAST, repository
		 LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2),
		append(args, pageSize, offset)...,
	)
	if err != nil {
		return nil, 0, storeErr("query page: repositories", err)
	}
	var repos []string
	for repoRows.Next() {
		var r string
		if err := repoRows.Scan(&r); err != nil {
			repoRows.Close()
			return nil, 0, storeErr("query page: scan repository", err)
		}
		repos = append(repos, r)
	}
	repoRows.Close()
	if err := repoRows.Err(); err != nil {
		return nil, 0, storeErr("query page: repositories", err)
	}
	if len(repos) == 0 {
		return nil, total, nil
	}

	rows, err := s.db.Query(ctx, fmt.Sprintf(
		`SELECT doc FROM workflow_runs%s AND repository = ANY($%d)
		 ORDER BY array_position($%d, repository), run_created_at DESC NULLS LAST, run_id DESC`,
		orWhereTrue(where), len(args)+1, len(args)+1),
		append(args, repos)...,
	)
	if err != nil {
		return nil, 0, storeErr("query page: runs", err)
	}
	defer rows.Close()
	runs, err := scanRuns(rows, "query page: runs")
	if err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

// Stats computes collection-wide aggregates.
func (s *PostgresStore) Stats(ctx context.Context) (*RunStats, error) {
	stats := &RunStats{
		PerRepository:   map[string]int64{},
		StatusHistogram: map[models.RunStatus]int64{},
	}

	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*), AVG(duration_ms) FROM workflow_runs`,
	).Scan(&stats.TotalRuns, &stats.AverageDurationMS)
	if err != nil {
		return nil, storeErr("stats: totals", err)
	}

	rows, err := s.db.Query(ctx, `SELECT repository, COUNT(*) FROM workflow_runs GROUP BY repository`)
	if err != nil {
		return nil, storeErr("stats: per repository", err)
	}
	for rows.Next() {
		var repo string
		var n int64
		if err := rows.Scan(&repo, &n); err != nil {
			rows.Close()
			return nil, storeErr("stats: per repository", err)
		}
		stats.PerRepository[repo] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storeErr("stats: per repository", err)
	}

	rows, err = s.db.Query(ctx, `SELECT status, COUNT(*) FROM workflow_runs GROUP BY status`)
	if err != nil {
		return nil, storeErr("stats: histogram", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storeErr("stats: histogram", err)
		}
		stats.StatusHistogram[models.RunStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("stats: histogram", err)
	}
	return stats, nil
}

// ActiveMetrics counts runs still in a non-terminal status.
func (s *PostgresStore) ActiveMetrics(ctx context.Context) (*ActiveMetrics, error) {
	rows, err := s.db.Query(ctx,
		`SELECT status, COUNT(*) FROM workflow_runs WHERE status <> $1 GROUP BY status`,
		string(models.StatusCompleted),
	)
	if err != nil {
		return nil, storeErr("active metrics", err)
	}
	defer rows.Close()

	m := &ActiveMetrics{ByStatus: map[models.RunStatus]int64{}}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storeErr("active metrics", err)
		}
		m.ByStatus[models.RunStatus(status)] = n
		m.TotalActive += n
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("active metrics", err)
	}
	return m, nil
}

// JobMetrics counts currently-running jobs and how long they have been
// running, unnesting the jobs array of every document.
func (s *PostgresStore) JobMetrics(ctx context.Context) (*JobMetrics, error) {
	m := &JobMetrics{}
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*),
		       AVG(EXTRACT(EPOCH FROM (now() - (j->>'started_at')::timestamptz)) * 1000)
		       FILTER (WHERE j->>'started_at' IS NOT NULL)
		FROM workflow_runs,
		     jsonb_array_elements(COALESCE(doc->'jobs', '[]'::jsonb)) AS j
		WHERE j->>'status' = $1`,
		string(models.StatusInProgress),
	).Scan(&m.RunningJobs, &m.AverageRunningMS)
	if err != nil {
		return nil, storeErr("job metrics", err)
	}
	return m, nil
}

// buildFilter renders filter into a WHERE clause. The repository search is
// escaped so metacharacters match literally; a conclusion filter implies
// completed status.
func buildFilter(filter RunFilter) (string, []any) {
	var conds []string
	var args []any

	if filter.RepoSearch != "" {
		args = append(args, "%"+escapeLike(filter.RepoSearch)+"%")
		conds = append(conds, fmt.Sprintf(`repository ILIKE $%d ESCAPE '\'`, len(args)))
	}
	if filter.Conclusion != "" {
		args = append(args, string(filter.Conclusion))
		conds = append(conds, fmt.Sprintf(`conclusion = $%d`, len(args)))
		conds = append(conds, fmt.Sprintf(`status = '%s'`, models.StatusCompleted))
	} else if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf(`status = $%d`, len(args)))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// orWhereTrue lets phase two append `AND repository = ANY(...)` whether or
// not phase one produced a WHERE clause.
func orWhereTrue(where string) string {
	if where == "" {
		return " WHERE TRUE"
	}
	return where
}

// escapeLike escapes LIKE/ILIKE metacharacters so the search string is a
// literal substring, never a pattern.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// nullableTime maps the zero time to SQL NULL.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func scanRuns(rows pgx.Rows, op string) ([]*models.WorkflowRun, error) {
	var runs []*models.WorkflowRun
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, storeErr(op, err)
		}
		var run models.WorkflowRun
		if err := json.Unmarshal(doc, &run); err != nil {
			return nil, storeErr(op+": decode", err)
		}
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return runs, nil
}
