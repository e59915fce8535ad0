// Package github fetches repository metadata and README content from the
// GitHub REST API.
package github

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	gh "github.com/google/go-github/v74/github"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/kevinmichaelchen/repo-summarizer/internal/apierr"
	"github.com/kevinmichaelchen/repo-summarizer/internal/models"
)

// MaxReadmeRunes bounds how much README text is handed to the model.
const MaxReadmeRunes = 4000

const (
	msgURLRequired = "GitHub URL is required"
	msgBadURL      = "Invalid GitHub URL format. Expected: https://github.com/owner/repo"
	msgNotFound    = "Repository not found"
	msgFetchFailed = "Failed to fetch repository data"
)

// ParseRepoURL extracts owner and repo from the first two path segments
// following "github.com/". A trailing ".git" is dropped.
func ParseRepoURL(raw string) (owner, repo string, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", apierr.New(apierr.InvalidRequest, msgURLRequired)
	}
	const host = "github.com/"
	i := strings.Index(raw, host)
	if i < 0 {
		return "", "", apierr.New(apierr.MalformedRepositoryURL, msgBadURL)
	}
	rest := raw[i+len(host):]
	if j := strings.IndexAny(rest, "?#"); j >= 0 {
		rest = rest[:j]
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", apierr.New(apierr.MalformedRepositoryURL, msgBadURL)
	}
	owner = parts[0]
	repo = strings.TrimSuffix(parts[1], ".git")
	if repo == "" {
		return "", "", apierr.New(apierr.MalformedRepositoryURL, msgBadURL)
	}
	return owner, repo, nil
}

type Client struct {
	gh      *gh.Client
	timeout time.Duration
	log     *slog.Logger
}

type Option func(*Client)

// WithBaseURL points the client at a GitHub Enterprise or test server.
func WithBaseURL(base string) Option {
	return func(c *Client) {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			c.log.Warn("ignoring invalid GitHub base URL", "url", base, "error", err)
			return
		}
		c.gh.BaseURL = u
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l.With("component", "github") }
}

// NewClient builds a REST client. An empty token makes unauthenticated
// requests, which GitHub rate-limits aggressively.
func NewClient(token string, opts ...Option) *Client {
	httpClient := &http.Client{}
	if token = strings.TrimSpace(token); token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(context.Background(), ts)
	}
	c := &Client{
		gh:      gh.NewClient(httpClient),
		timeout: 10 * time.Second,
		log:     slog.Default().With("component", "github"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch loads metadata and README for owner/repo concurrently. README
// problems never fail the call; the README is returned empty instead.
func (c *Client) Fetch(ctx context.Context, owner, repo string) (*models.Repo, string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var (
		meta   *gh.Repository
		readme string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, resp, err := c.gh.Repositories.Get(gctx, owner, repo)
		if err != nil {
			return c.fetchError(ctx, owner, repo, resp, err)
		}
		meta = r
		return nil
	})
	g.Go(func() error {
		readme = c.readme(gctx, owner, repo)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, "", err
	}
	return toModel(meta, owner, repo), TruncateRunes(readme, MaxReadmeRunes), nil
}

func (c *Client) readme(ctx context.Context, owner, repo string) string {
	content, resp, err := c.gh.Repositories.GetReadme(ctx, owner, repo, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		c.log.Info("README not found or failed to fetch", "repo", owner+"/"+repo, "status", status, "error", err)
		return ""
	}
	text, err := decodeReadme(content)
	if err != nil {
		c.log.Warn("decoding README failed", "repo", owner+"/"+repo, "error", err)
		return ""
	}
	return text
}

func (c *Client) fetchError(ctx context.Context, owner, repo string, resp *gh.Response, err error) error {
	full := owner + "/" + repo
	if resp != nil && resp.Response != nil {
		if resp.StatusCode == http.StatusNotFound {
			return apierr.Wrap(apierr.RepositoryNotFound, msgNotFound, err)
		}
		c.log.Warn("GitHub returned an error", "repo", full, "status", resp.StatusCode, "error", err)
		return apierr.Wrap(apierr.UpstreamFetchFailed, msgFetchFailed, err).WithStatus(resp.StatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		c.log.Warn("GitHub request timed out", "repo", full)
		return apierr.Wrap(apierr.UpstreamFetchFailed, msgFetchFailed, err).WithStatus(http.StatusGatewayTimeout)
	}
	c.log.Warn("GitHub request failed", "repo", full, "error", err)
	return apierr.Wrap(apierr.UpstreamFetchFailed, msgFetchFailed, fmt.Errorf("fetching %s: %w", full, err))
}

func decodeReadme(rc *gh.RepositoryContent) (string, error) {
	if rc == nil || rc.Content == nil {
		return "", nil
	}
	if enc := rc.GetEncoding(); enc != "" && enc != "base64" {
		return *rc.Content, nil
	}
	// GitHub wraps the base64 payload at 60 columns.
	raw := strings.NewReplacer("\n", "", "\r", "").Replace(*rc.Content)
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// TruncateRunes cuts s to at most n characters without splitting a
// multi-byte sequence.
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

func toModel(r *gh.Repository, owner, repo string) *models.Repo {
	m := &models.Repo{
		Owner:    r.GetOwner().GetLogin(),
		Name:     r.GetName(),
		FullName: r.GetFullName(),
		URL:      r.GetHTMLURL(),
		Stars:    r.GetStargazersCount(),
		Topics:   r.Topics,
	}
	if m.Owner == "" {
		m.Owner = owner
	}
	if m.Name == "" {
		m.Name = repo
	}
	if m.FullName == "" {
		m.FullName = m.Owner + "/" + m.Name
	}
	if d := r.GetDescription(); d != "" {
		m.Description = &d
	}
	if l := r.GetLanguage(); l != "" {
		m.Language = &l
	}
	return m
}
