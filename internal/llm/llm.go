// Package llm turns repository context into a structured summary using a
// hosted language model.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kevinmichaelchen/repo-summarizer/internal/models"
)

// ErrEmptySummary is returned when a model answers with valid JSON but no
// summary text.
var ErrEmptySummary = errors.New("model returned an empty summary")

// Model produces a SummaryResult for a prompt.
type Model interface {
	Summarize(ctx context.Context, p Prompt) (*models.SummaryResult, error)
}

type Prompt struct {
	FullName    string
	Description string
	Readme      string
}

// NewPrompt builds a prompt from fetched metadata. The README is expected to
// be truncated already.
func NewPrompt(repo *models.Repo, readme string) Prompt {
	p := Prompt{FullName: repo.FullName, Readme: readme}
	if repo.Description != nil {
		p.Description = *repo.Description
	}
	return p
}

const systemPrompt = `You are a technical analyst. Summarize a GitHub repository from its README content.

Return a JSON object with:
1. "summary": a concise 2-3 sentence summary of what the repository does and who it is for.
2. "cool_facts": an array of short strings with interesting facts about the repository.

Return ONLY valid JSON. No markdown, no code fences.`

func (p Prompt) userMessage() string {
	desc := p.Description
	if strings.TrimSpace(desc) == "" {
		desc = "No description available"
	}
	var parts []string
	parts = append(parts, fmt.Sprintf("Repository Name: %s", p.FullName))
	parts = append(parts, fmt.Sprintf("Repository Description: %s", desc))
	parts = append(parts, fmt.Sprintf("README Content:\n%s", p.Readme))
	return strings.Join(parts, "\n\n")
}

// parseResult decodes a model reply into a SummaryResult.
func parseResult(content string) (*models.SummaryResult, error) {
	content = stripCodeFences(content)

	var result models.SummaryResult
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return nil, fmt.Errorf("parsing LLM response: %w\nraw: %s", err, content)
	}
	result.Summary = strings.TrimSpace(result.Summary)
	if result.Summary == "" {
		return nil, ErrEmptySummary
	}
	if result.CoolFacts == nil {
		result.CoolFacts = models.StringList{}
	}
	return &result, nil
}

// stripCodeFences removes markdown code fences that some models wrap around JSON.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		// Remove opening fence (```json or ```)
		if i := strings.Index(s, "\n"); i != -1 {
			s = s[i+1:]
		}
		// Remove closing fence
		if i := strings.LastIndex(s, "```"); i != -1 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	return s
}
