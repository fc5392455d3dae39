package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultAPIBaseURL is the public GitHub REST endpoint.
const DefaultAPIBaseURL = "https://api.github.com"

const maxDownloadBytes = 64 << 20

// GitHub reads a repository branch through the GitHub contents API.
type GitHub struct {
	BaseURL string
	Owner   string
	Repo    string
	Branch  string
	Token   string
	Client  *http.Client
}

var _ Source = (*GitHub)(nil)

// NewGitHub creates a GitHub source. Empty baseURL and branch fall back to the
// public API and "main".
func NewGitHub(baseURL, owner, repo, branch, token string, timeout time.Duration) *GitHub {
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}
	if branch == "" {
		branch = "main"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GitHub{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Owner:   owner,
		Repo:    repo,
		Branch:  branch,
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
	}
}

type commitResponse struct {
	Commit struct {
		Committer struct {
			Date time.Time `json:"date"`
		} `json:"committer"`
	} `json:"commit"`
}

// LatestRevision returns the committer date of the branch tip.
func (g *GitHub) LatestRevision(ctx context.Context) (time.Time, error) {
	u := fmt.Sprintf("%s/repos/%s/%s/commits/%s", g.BaseURL, g.Owner, g.Repo, url.PathEscape(g.Branch))
	var resp commitResponse
	if err := g.getJSON(ctx, u, &resp); err != nil {
		return time.Time{}, fmt.Errorf("remote: latest revision: %w", err)
	}
	if resp.Commit.Committer.Date.IsZero() {
		return time.Time{}, fmt.Errorf("remote: latest revision: missing committer date")
	}
	return resp.Commit.Committer.Date, nil
}

// ListDir lists a repository directory at the configured branch.
func (g *GitHub) ListDir(ctx context.Context, dir string) ([]Entry, error) {
	u := fmt.Sprintf("%s/repos/%s/%s/contents/%s?ref=%s",
		g.BaseURL, g.Owner, g.Repo, strings.Trim(dir, "/"), url.QueryEscape(g.Branch))
	var entries []Entry
	if err := g.getJSON(ctx, u, &entries); err != nil {
		return nil, fmt.Errorf("remote: list %q: %w", dir, err)
	}
	return entries, nil
}

// Download fetches a file's raw bytes.
func (g *GitHub) Download(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := g.do(ctx, rawURL, "")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("remote: read %s: %w", rawURL, err)
	}
	if len(data) > maxDownloadBytes {
		return nil, fmt.Errorf("remote: %s exceeds %d bytes", rawURL, maxDownloadBytes)
	}
	return data, nil
}

func (g *GitHub) getJSON(ctx context.Context, rawURL string, v any) error {
	resp, err := g.do(ctx, rawURL, "application/vnd.github.v3+json")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", rawURL, err)
	}
	return nil
}

func (g *GitHub) do(ctx context.Context, rawURL, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("remote: build request: %w", err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if g.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.Token)
	}
	resp, err := g.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote: GET %s: %w", rawURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, &StatusError{URL: rawURL, StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return resp, nil
}
