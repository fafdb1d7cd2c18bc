package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGitHubSourceListing(t *testing.T) {
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/vnd.github+json", r.Header.Get("Accept"))

		switch r.URL.Path {
		case "/orgs/acme/repos":
			if r.URL.Query().Get("page") == "1" {
				fmt.Fprint(w, `[{"full_name": "acme/alpha"}, {"full_name": "acme/beta"}]`)
			} else {
				fmt.Fprint(w, `[]`)
			}
		case "/repos/acme/alpha/actions/workflows":
			fmt.Fprint(w, `{"workflows": [{"id": 7, "name": "CI", "path": ".github/workflows/ci.yml"}]}`)
		case "/repos/acme/alpha/actions/workflows/7/runs":
			fmt.Fprint(w, `{"workflow_runs": [{"id": 42, "status": "completed", "conclusion": "success"}]}`)
		case "/repos/acme/alpha/actions/runs/42/jobs":
			fmt.Fprint(w, `{"jobs": [{"id": 11, "run_id": 42, "name": "build", "status": "completed"}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	source := NewGitHubSource(srv.URL, "test-token")

	repos, err := source.ListRepositories(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, repos, 2)
	assert.Equal(t, "acme/alpha", repos[0].FullName)

	workflows, err := source.ListWorkflows(ctx, "acme/alpha")
	require.NoError(t, err)
	require.Len(t, workflows, 1)
	assert.Equal(t, int64(7), workflows[0].ID)

	runs, err := source.ListRuns(ctx, "acme/alpha", 7, 1, 50)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, int64(42), runs[0].ID)

	jobs, err := source.ListJobs(ctx, "acme/alpha", 42)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, int64(11), jobs[0].ID)
}

func TestGitHubSourceRateLimit(t *testing.T) {
	ctx := context.Background()

	t.Run("429 with retry-after", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		source := NewGitHubSource(srv.URL, "")
		_, err := source.ListWorkflows(ctx, "acme/alpha")
		require.Error(t, err)

		var srcErr *ExternalSourceError
		require.True(t, errors.As(err, &srcErr))
		assert.True(t, srcErr.RateLimited)
		assert.Equal(t, 7*time.Second, srcErr.RetryAfter)
	})

	t.Run("403 with exhausted window", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.WriteHeader(http.StatusForbidden)
		}))
		defer srv.Close()

		source := NewGitHubSource(srv.URL, "")
		_, err := source.ListWorkflows(ctx, "acme/alpha")
		require.Error(t, err)

		var srcErr *ExternalSourceError
		require.True(t, errors.As(err, &srcErr))
		assert.True(t, srcErr.RateLimited)
	})

	t.Run("plain 403 is not rate limited", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer srv.Close()

		source := NewGitHubSource(srv.URL, "")
		_, err := source.ListWorkflows(ctx, "acme/alpha")
		require.Error(t, err)

		var srcErr *ExternalSourceError
		require.True(t, errors.As(err, &srcErr))
		assert.False(t, srcErr.RateLimited)
		assert.Equal(t, http.StatusForbidden, srcErr.StatusCode)
	})
}
