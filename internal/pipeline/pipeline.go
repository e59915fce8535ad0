// Package pipeline runs one summarization request end to end: admission,
// URL parsing, repository fetch, summarization and usage commit.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/kevinmichaelchen/repo-summarizer/internal/gate"
	"github.com/kevinmichaelchen/repo-summarizer/internal/github"
	"github.com/kevinmichaelchen/repo-summarizer/internal/models"
	"github.com/kevinmichaelchen/repo-summarizer/internal/summary"
)

type Fetcher interface {
	Fetch(ctx context.Context, owner, repo string) (*models.Repo, string, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, repo *models.Repo, readme string) summary.Outcome
}

type Request struct {
	Credentials gate.Credentials
	GitHubURL   string
}

type Response struct {
	Summary   string            `json:"summary"`
	CoolFacts models.StringList `json:"cool_facts"`
	Warning   string            `json:"warning,omitempty"`

	// Source records whether the model or the fallback wrote the summary.
	Source summary.Source `json:"-"`
}

type Pipeline struct {
	gate    *gate.Gate
	fetcher Fetcher
	engine  Summarizer
	log     *slog.Logger
}

func New(g *gate.Gate, f Fetcher, e Summarizer, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{gate: g, fetcher: f, engine: e, log: log.With("component", "pipeline")}
}

// Run admits the caller, then summarizes the repository. The reserved unit
// is kept once a summary (model or fallback) exists and refunded on any
// earlier failure.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Response, error) {
	lease, err := p.gate.Admit(ctx, req.Credentials)
	if err != nil {
		return nil, err
	}

	resp, err := p.Summarize(ctx, req.GitHubURL)
	if err != nil {
		lease.Release(ctx)
		return nil, err
	}
	lease.Commit(ctx)

	p.log.Info("summarized",
		"kind", lease.Kind(),
		"ref", lease.Ref(),
		"usage", lease.Usage(),
		"limit", lease.Limit(),
		"source", resp.Source,
	)
	return resp, nil
}

// Summarize fetches and summarizes without any admission check.
func (p *Pipeline) Summarize(ctx context.Context, rawURL string) (*Response, error) {
	owner, name, err := github.ParseRepoURL(rawURL)
	if err != nil {
		return nil, err
	}

	p.log.Debug("fetching repository", "owner", owner, "repo", name)
	repo, readme, err := p.fetcher.Fetch(ctx, owner, name)
	if err != nil {
		return nil, err
	}

	out := p.engine.Summarize(ctx, repo, readme)
	return &Response{
		Summary:   out.Result.Summary,
		CoolFacts: out.Result.CoolFacts,
		Warning:   out.Warning,
		Source:    out.Source,
	}, nil
}
