// Package summary produces a repository summary, preferring a language model
// and falling back to a deterministic summary built from metadata alone.
package summary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kevinmichaelchen/repo-summarizer/internal/apierr"
	"github.com/kevinmichaelchen/repo-summarizer/internal/llm"
	"github.com/kevinmichaelchen/repo-summarizer/internal/models"
)

type Source string

const (
	SourceModel    Source = "model"
	SourceFallback Source = "fallback"
)

// FallbackWarning is surfaced to callers whenever the fallback was used.
const FallbackWarning = "AI generation failed, using fallback"

var errNoModel = errors.New("no language model configured")

type Outcome struct {
	Result  *models.SummaryResult
	Source  Source
	Warning string
	// Err is the ModelInvocationFailed error behind a fallback. It is
	// never surfaced to callers.
	Err error
}

type Engine struct {
	model   llm.Model
	timeout time.Duration
	log     *slog.Logger
}

// NewEngine wraps model. A nil model is allowed; every summary then comes
// from the fallback.
func NewEngine(model llm.Model, timeout time.Duration, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{model: model, timeout: timeout, log: log.With("component", "summary")}
}

// Summarize never fails. Any model problem is logged and answered with
// Fallback.
func (e *Engine) Summarize(ctx context.Context, repo *models.Repo, readme string) Outcome {
	res, err := e.callModel(ctx, repo, readme)
	if err == nil {
		return Outcome{Result: res, Source: SourceModel}
	}
	failure := apierr.Wrap(apierr.ModelInvocationFailed, "AI generation failed", err)
	e.log.Warn("AI generation failed", "repo", repo.FullName, "kind", failure.Kind, "error", err)
	return Outcome{Result: Fallback(repo), Source: SourceFallback, Warning: FallbackWarning, Err: failure}
}

func (e *Engine) callModel(ctx context.Context, repo *models.Repo, readme string) (res *models.SummaryResult, err error) {
	if e.model == nil {
		return nil, errNoModel
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("model panicked: %v", r)
		}
	}()
	res, err = e.model.Summarize(ctx, llm.NewPrompt(repo, readme))
	if err != nil {
		return nil, err
	}
	if res == nil || strings.TrimSpace(res.Summary) == "" {
		return nil, llm.ErrEmptySummary
	}
	if res.CoolFacts == nil {
		res.CoolFacts = models.StringList{}
	}
	return res, nil
}

// Fallback derives a summary from metadata without calling any model.
func Fallback(repo *models.Repo) *models.SummaryResult {
	lang := "software"
	if repo.Language != nil && *repo.Language != "" {
		lang = *repo.Language
	}
	desc := ""
	if repo.Description != nil {
		desc = *repo.Description
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s is a %s project", repo.FullName, lang)
	if desc != "" {
		fmt.Fprintf(&b, " focused on %s", strings.ToLower(desc))
	}
	aim := desc
	if aim == "" {
		aim = "provide solutions"
	}
	fmt.Fprintf(&b, ". It aims to %s by leveraging modern technology.", aim)

	facts := models.StringList{}
	if desc != "" {
		facts = append(facts, desc)
	}
	if len(repo.Topics) > 0 {
		topics := repo.Topics
		if len(topics) > 3 {
			topics = topics[:3]
		}
		facts = append(facts, fmt.Sprintf("Uses %s technologies", strings.Join(topics, ", ")))
	}
	if repo.Stars > 100 {
		facts = append(facts, fmt.Sprintf("%d stars on GitHub", repo.Stars))
	}
	return &models.SummaryResult{Summary: b.String(), CoolFacts: facts}
}
