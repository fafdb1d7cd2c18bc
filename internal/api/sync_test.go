package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runboard/internal/logging"
	"runboard/internal/normalize"
	"runboard/internal/notify"
	"runboard/internal/repository"
	"runboard/internal/services"
	"runboard/pkg/models"
)

// stubSource serves one repository with a single completed run.
type stubSource struct{}

func (stubSource) ListRepositories(ctx context.Context, org string) ([]normalize.RepoPayload, error) {
	return []normalize.RepoPayload{{FullName: org + "/alpha"}}, nil
}

func (stubSource) ListWorkflows(ctx context.Context, repo string) ([]normalize.WorkflowPayload, error) {
	return []normalize.WorkflowPayload{{ID: 7, Name: "CI"}}, nil
}

func (stubSource) ListRuns(ctx context.Context, repo string, workflowID int64, page, perPage int) ([]normalize.RunPayload, error) {
	if page > 1 {
		return nil, nil
	}
	now := time.Now().UTC()
	return []normalize.RunPayload{{
		ID:         1,
		Status:     "completed",
		Conclusion: "success",
		CreatedAt:  now,
		UpdatedAt:  now,
	}}, nil
}

func (stubSource) ListJobs(ctx context.Context, repo string, runID int64) ([]normalize.JobPayload, error) {
	return nil, nil
}

func newSyncTestServer() (*echo.Echo, *repository.MemoryStore) {
	logger := logging.NewLogger()
	store := repository.NewMemoryStore()
	hub := notify.NewHub()
	ingest := services.NewIngestService(store, hub, logger)
	svc := services.NewSyncService(store, stubSource{}, ingest, hub, logger)

	e := echo.New()
	srv := NewServer(ingest, svc, store, hub, logger)
	srv.RegisterRoutes(e.Group("/api/v1"))
	return e, store
}

func TestStartSyncEndpoint(t *testing.T) {
	e, store := newSyncTestServer()

	rec := do(e, http.MethodPost, "/api/v1/sync/acme", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	var session models.SyncSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.NotEmpty(t, session.ID)
	assert.Equal(t, "acme", session.Organization)

	// The sync runs in the background; the session record turns terminal.
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := store.GetSession(context.Background(), session.ID)
		require.NoError(t, err)
		if got.Terminal() {
			assert.Equal(t, models.SyncCompleted, got.Status)
			assert.Equal(t, 1, got.Results.Runs)
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sync did not finish in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSyncSessionEndpoints(t *testing.T) {
	e, store := newSyncTestServer()

	session := &models.SyncSession{
		ID:           uuid.New().String(),
		Organization: "acme",
		Status:       models.SyncCompleted,
		StartedAt:    time.Now().UTC(),
	}
	require.NoError(t, store.CreateSession(context.Background(), session))

	rec := do(e, http.MethodGet, "/api/v1/sync/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Sessions []models.SyncSession `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Sessions, 1)

	rec = do(e, http.MethodGet, "/api/v1/sync/sessions/"+session.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(e, http.MethodGet, "/api/v1/sync/sessions/"+uuid.New().String(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
