package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"runboard/internal/repository"
)

const sessionListLimit = 50

// StartSync kicks off a background bulk reconciliation for an organization
// and returns the session record immediately.
// (POST /api/v1/sync/:org)
func (s *Server) StartSync(c echo.Context) error {
	org := c.Param("org")
	if org == "" {
		return problem(c, http.StatusBadRequest, "Invalid organization", "organization is required")
	}

	session, err := s.Sync.StartSync(c.Request().Context(), org, s.SyncOpts)
	if err != nil {
		s.Logger.Error("start sync for %s: %v", org, err)
		return problem(c, http.StatusServiceUnavailable, "Store unavailable", "try again later")
	}
	return c.JSON(http.StatusAccepted, session)
}

// ListSyncSessions returns recent sessions, newest first.
// (GET /api/v1/sync/sessions)
func (s *Server) ListSyncSessions(c echo.Context) error {
	sessions, err := s.Store.ListSessions(c.Request().Context(), sessionListLimit)
	if err != nil {
		s.Logger.Error("list sync sessions: %v", err)
		return problem(c, http.StatusServiceUnavailable, "Store unavailable", "try again later")
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": sessions})
}

// GetSyncSession returns one session's audit record.
// (GET /api/v1/sync/sessions/:id)
func (s *Server) GetSyncSession(c echo.Context) error {
	session, err := s.Store.GetSession(c.Request().Context(), c.Param("id"))
	if errors.Is(err, repository.ErrNotFound) {
		return problem(c, http.StatusNotFound, "Session not found", "")
	}
	if err != nil {
		s.Logger.Error("get sync session: %v", err)
		return problem(c, http.StatusServiceUnavailable, "Store unavailable", "try again later")
	}
	return c.JSON(http.StatusOK, session)
}
