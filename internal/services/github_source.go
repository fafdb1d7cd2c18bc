package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"runboard/internal/normalize"
)

const sourcePageSize = 100

// GitHubSource is an HTTP implementation of the ExternalSource interface
// against the GitHub REST API. The caller supplies an already-authorized
// token; signature verification of pushed events happens elsewhere.
type GitHubSource struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewGitHubSource creates a new GitHubSource. baseURL defaults to the
// public API host when empty.
func NewGitHubSource(baseURL, token string) *GitHubSource {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	return &GitHubSource{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// ListRepositories returns every repository of the organization, following
// pagination to the end.
func (g *GitHubSource) ListRepositories(ctx context.Context, org string) ([]normalize.RepoPayload, error) {
	var all []normalize.RepoPayload
	for page := 1; ; page++ {
		var repos []normalize.RepoPayload
		q := url.Values{"per_page": {strconv.Itoa(sourcePageSize)}, "page": {strconv.Itoa(page)}}
		if err := g.get(ctx, fmt.Sprintf("/orgs/%s/repos", org), q, &repos); err != nil {
			return nil, err
		}
		all = append(all, repos...)
		if len(repos) < sourcePageSize {
			return all, nil
		}
	}
}

// ListWorkflows returns the workflow definitions of a repository.
func (g *GitHubSource) ListWorkflows(ctx context.Context, repo string) ([]normalize.WorkflowPayload, error) {
	var out struct {
		Workflows []normalize.WorkflowPayload `json:"workflows"`
	}
	q := url.Values{"per_page": {strconv.Itoa(sourcePageSize)}}
	if err := g.get(ctx, fmt.Sprintf("/repos/%s/actions/workflows", repo), q, &out); err != nil {
		return nil, err
	}
	return out.Workflows, nil
}

// ListRuns returns one page of a workflow's run history, newest first.
func (g *GitHubSource) ListRuns(ctx context.Context, repo string, workflowID int64, page, perPage int) ([]normalize.RunPayload, error) {
	var out struct {
		WorkflowRuns []normalize.RunPayload `json:"workflow_runs"`
	}
	q := url.Values{"per_page": {strconv.Itoa(perPage)}, "page": {strconv.Itoa(page)}}
	path := fmt.Sprintf("/repos/%s/actions/workflows/%d/runs", repo, workflowID)
	if err := g.get(ctx, path, q, &out); err != nil {
		return nil, err
	}
	return out.WorkflowRuns, nil
}

// ListJobs returns the jobs of a single run.
func (g *GitHubSource) ListJobs(ctx context.Context, repo string, runID int64) ([]normalize.JobPayload, error) {
	var out struct {
		Jobs []normalize.JobPayload `json:"jobs"`
	}
	q := url.Values{"per_page": {strconv.Itoa(sourcePageSize)}}
	path := fmt.Sprintf("/repos/%s/actions/runs/%d/jobs", repo, runID)
	if err := g.get(ctx, path, q, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

func (g *GitHubSource) get(ctx context.Context, path string, query url.Values, out any) error {
	u := g.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &ExternalSourceError{Op: path, Err: err}
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return &ExternalSourceError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	if rateLimited(resp) {
		return &ExternalSourceError{
			Op:          path,
			StatusCode:  resp.StatusCode,
			RateLimited: true,
			RetryAfter:  retryAfter(resp),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return &ExternalSourceError{Op: path, StatusCode: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ExternalSourceError{Op: path, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// rateLimited recognizes both the dedicated 429 and GitHub's 403 with an
// exhausted rate-limit window.
func rateLimited(resp *http.Response) bool {
	if resp.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return resp.StatusCode == http.StatusForbidden &&
		resp.Header.Get("X-RateLimit-Remaining") == "0"
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if v := resp.Header.Get("X-RateLimit-Reset"); v != "" {
		if reset, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Until(time.Unix(reset, 0)); d > 0 {
				return d
			}
		}
	}
	return 0
}
