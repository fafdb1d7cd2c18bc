// Package api contains the HTTP handlers for the run ingestion service.
package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"runboard/internal/logging"
	"runboard/internal/notify"
	"runboard/internal/repository"
	"runboard/internal/services"
)

// Server holds the dependencies for the API server.
type Server struct {
	Ingest   *services.IngestService
	Sync     *services.SyncService
	Store    repository.Store
	Hub      *notify.Hub
	Logger   *logging.Logger
	SyncOpts services.SyncOptions
}

// NewServer creates a new Server.
func NewServer(ingest *services.IngestService, sync *services.SyncService, store repository.Store, hub *notify.Hub, logger *logging.Logger) *Server {
	return &Server{
		Ingest: ingest,
		Sync:   sync,
		Store:  store,
		Hub:    hub,
		Logger: logger,
	}
}

// RegisterRoutes mounts the API on the given group.
func (s *Server) RegisterRoutes(g *echo.Group) {
	g.POST("/events/:kind", s.IngestEvent)
	g.GET("/events/stream", s.StreamEvents)
	g.GET("/runs", s.ListRuns)
	g.GET("/runs/:id", s.GetRun)
	g.GET("/repos/:owner/:repo/runs", s.ListRepositoryRuns)
	g.GET("/stats", s.GetStats)
	g.GET("/metrics/active", s.GetActiveMetrics)
	g.GET("/metrics/jobs", s.GetJobMetrics)
	g.POST("/sync/:org", s.StartSync)
	g.GET("/sync/sessions", s.ListSyncSessions)
	g.GET("/sync/sessions/:id", s.GetSyncSession)
}

// HealthStatus represents the health check response.
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
}

// HandleHealth returns basic health status (always returns 200 OK).
func (s *Server) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Service:   "runboard",
		Version:   "1.0.0",
	})
}

// ProblemDetails represents an RFC 7807 Problem Details response.
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// problem returns an RFC 7807 Problem Details JSON error response.
func problem(c echo.Context, status int, title, detail string) error {
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	return c.JSON(status, ProblemDetails{
		Type:   "about:blank",
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
