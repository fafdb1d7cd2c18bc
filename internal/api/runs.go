package api

import (
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"runboard/internal/normalize"
	"runboard/internal/repository"
	"runboard/pkg/models"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	maxSearchLen    = 100
	maxEventBody    = 1 << 20 // 1 MiB; webhook payloads are far smaller
)

// IngestEvent accepts a pushed workflow event.
// (POST /api/v1/events/:kind)
func (s *Server) IngestEvent(c echo.Context) error {
	ctx := c.Request().Context()

	kind := normalize.EventKind(c.Param("kind"))
	if kind != normalize.KindRun && kind != normalize.KindJob {
		return problem(c, http.StatusBadRequest, "Invalid event kind",
			"kind must be one of: run, job")
	}

	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxEventBody+1))
	if err != nil {
		return problem(c, http.StatusBadRequest, "Unreadable body", err.Error())
	}
	if len(raw) > maxEventBody {
		return problem(c, http.StatusRequestEntityTooLarge, "Payload too large",
			"event payloads are capped at 1 MiB")
	}

	record, change, err := s.Ingest.Ingest(ctx, raw, kind)
	if err != nil {
		var verr *normalize.ValidationError
		if errors.As(err, &verr) {
			return problem(c, http.StatusBadRequest, "Invalid payload", verr.Error())
		}
		s.Logger.Error("ingest %s event: %v", kind, err)
		return problem(c, http.StatusServiceUnavailable, "Store unavailable", "try again later")
	}

	return c.JSON(http.StatusAccepted, map[string]any{
		"run_id": record.RunID,
		"change": change,
	})
}

// ListRuns returns a filtered, repository-grouped page of runs.
// (GET /api/v1/runs)
func (s *Server) ListRuns(c echo.Context) error {
	ctx := c.Request().Context()

	page, err := positiveIntParam(c, "page", 1)
	if err != nil {
		return problem(c, http.StatusBadRequest, "Invalid page", err.Error())
	}
	pageSize, err := positiveIntParam(c, "page_size", defaultPageSize)
	if err != nil {
		return problem(c, http.StatusBadRequest, "Invalid page size", err.Error())
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	search := c.QueryParam("search")
	if len(search) > maxSearchLen {
		return problem(c, http.StatusBadRequest, "Invalid search",
			"search strings are capped at 100 characters")
	}

	filter := repository.RunFilter{RepoSearch: search}
	if v := c.QueryParam("status"); v != "" {
		status := models.RunStatus(v)
		if !status.IsValid() {
			return problem(c, http.StatusBadRequest, "Invalid status", "unknown status: "+v)
		}
		filter.Status = status
	}
	if v := c.QueryParam("conclusion"); v != "" {
		conclusion := models.RunConclusion(v)
		if !conclusion.IsValid() {
			return problem(c, http.StatusBadRequest, "Invalid conclusion", "unknown conclusion: "+v)
		}
		filter.Conclusion = conclusion
	}

	runs, totalRepos, err := s.Store.QueryPage(ctx, filter, page, pageSize)
	if err != nil {
		s.Logger.Error("query runs: %v", err)
		return problem(c, http.StatusServiceUnavailable, "Store unavailable", "try again later")
	}

	return c.JSON(http.StatusOK, map[string]any{
		"runs":               runs,
		"total_repositories": totalRepos,
		"page":               page,
		"page_size":          pageSize,
		"total_pages":        totalPages(totalRepos, pageSize),
	})
}

// GetRun returns a single run by its id.
// (GET /api/v1/runs/:id)
func (s *Server) GetRun(c echo.Context) error {
	ctx := c.Request().Context()

	runID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || runID <= 0 {
		return problem(c, http.StatusBadRequest, "Invalid run id", "id must be a positive integer")
	}

	run, err := s.Store.FindByRunID(ctx, runID)
	if errors.Is(err, repository.ErrNotFound) {
		return problem(c, http.StatusNotFound, "Run not found", "")
	}
	if err != nil {
		s.Logger.Error("get run %d: %v", runID, err)
		return problem(c, http.StatusServiceUnavailable, "Store unavailable", "try again later")
	}
	return c.JSON(http.StatusOK, run)
}

// ListRepositoryRuns returns one repository's runs, newest first.
// (GET /api/v1/repos/:owner/:repo/runs)
func (s *Server) ListRepositoryRuns(c echo.Context) error {
	ctx := c.Request().Context()

	fullName := c.Param("owner") + "/" + c.Param("repo")
	runs, err := s.Store.ListByRepository(ctx, fullName, c.QueryParam("workflow"))
	if err != nil {
		s.Logger.Error("list runs for %s: %v", fullName, err)
		return problem(c, http.StatusServiceUnavailable, "Store unavailable", "try again later")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"repository": fullName,
		"runs":       runs,
	})
}

// GetStats returns collection-wide aggregates.
// (GET /api/v1/stats)
func (s *Server) GetStats(c echo.Context) error {
	stats, err := s.Store.Stats(c.Request().Context())
	if err != nil {
		s.Logger.Error("stats: %v", err)
		return problem(c, http.StatusServiceUnavailable, "Store unavailable", "try again later")
	}
	return c.JSON(http.StatusOK, stats)
}

// GetActiveMetrics returns counts of runs in non-terminal statuses.
// (GET /api/v1/metrics/active)
func (s *Server) GetActiveMetrics(c echo.Context) error {
	m, err := s.Store.ActiveMetrics(c.Request().Context())
	if err != nil {
		s.Logger.Error("active metrics: %v", err)
		return problem(c, http.StatusServiceUnavailable, "Store unavailable", "try again later")
	}
	return c.JSON(http.StatusOK, m)
}

// GetJobMetrics returns counts of currently-running jobs.
// (GET /api/v1/metrics/jobs)
func (s *Server) GetJobMetrics(c echo.Context) error {
	m, err := s.Store.JobMetrics(c.Request().Context())
	if err != nil {
		s.Logger.Error("job metrics: %v", err)
		return problem(c, http.StatusServiceUnavailable, "Store unavailable", "try again later")
	}
	return c.JSON(http.StatusOK, m)
}

func positiveIntParam(c echo.Context, name string, def int) (int, error) {
	v := c.QueryParam(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, errors.New(name + " must be a positive integer")
	}
	return n, nil
}

func totalPages(total, pageSize int) int {
	if total == 0 {
		return 0
	}
	return int(math.Ceil(float64(total) / float64(pageSize)))
}
