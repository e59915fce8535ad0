package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/kevinmichaelchen/repo-summarizer/internal/models"
)

// GeminiClient summarizes with Google's Gemini models, asking for a JSON
// response that matches a fixed schema.
type GeminiClient struct {
	client   *genai.Client
	model    string
	generate func(ctx context.Context, p Prompt) (*genai.GenerateContentResponse, error)
}

func NewGeminiClient(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating Gemini client: %w", err)
	}
	g := &GeminiClient{client: client, model: model}
	g.generate = g.generateContent
	return g, nil
}

func (g *GeminiClient) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

var geminiSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"summary":    {Type: genai.TypeString, Description: "A concise summary of the GitHub repository"},
		"cool_facts": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
	},
	Required: []string{"summary", "cool_facts"},
}

func (g *GeminiClient) generateContent(ctx context.Context, p Prompt) (*genai.GenerateContentResponse, error) {
	m := g.client.GenerativeModel(g.model)
	m.SetTemperature(0.7)
	m.ResponseMIMEType = "application/json"
	m.ResponseSchema = geminiSchema
	m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}
	return m.GenerateContent(ctx, genai.Text(p.userMessage()))
}

func (g *GeminiClient) Summarize(ctx context.Context, p Prompt) (*models.SummaryResult, error) {
	resp, err := g.generate(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("Gemini call for %s: %w", p.FullName, err)
	}
	text := responseText(resp)
	if text == "" {
		return nil, fmt.Errorf("no candidates returned for %s", p.FullName)
	}
	result, err := parseResult(text)
	if err != nil {
		return nil, fmt.Errorf("summarizing %s: %w", p.FullName, err)
	}
	return result, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String()
}
