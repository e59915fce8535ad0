package llm

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"

	"github.com/kevinmichaelchen/repo-summarizer/internal/models"
)

// Client talks to any OpenAI-compatible chat completion endpoint.
type Client struct {
	client     *openai.Client
	model      string
	structured bool
}

// NewClient creates a chat completion client. With structured set, requests
// carry a strict JSON schema response format; otherwise the system prompt
// alone asks for JSON, which every model understands.
func NewClient(baseURL, apiKey, model string, structured bool) *Client {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	return &Client{
		client:     openai.NewClientWithConfig(cfg),
		model:      model,
		structured: structured,
	}
}

var summarySchema = jsonschema.Definition{
	Type: jsonschema.Object,
	Properties: map[string]jsonschema.Definition{
		"summary": {
			Type:        jsonschema.String,
			Description: "A concise summary of the GitHub repository",
		},
		"cool_facts": {
			Type:        jsonschema.Array,
			Description: "Interesting facts about the repository",
			Items:       &jsonschema.Definition{Type: jsonschema.String},
		},
	},
	Required:             []string{"summary", "cool_facts"},
	AdditionalProperties: false,
}

func (c *Client) Summarize(ctx context.Context, p Prompt) (*models.SummaryResult, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: p.userMessage()},
		},
		Temperature: 0.7,
	}
	if c.structured {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "repository_summary",
				Schema: &summarySchema,
				Strict: true,
			},
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("LLM call for %s: %w", p.FullName, err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned for %s", p.FullName)
	}

	result, err := parseResult(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, fmt.Errorf("summarizing %s: %w", p.FullName, err)
	}
	return result, nil
}
