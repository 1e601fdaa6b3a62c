package llm

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"NewsDigest/internal/config"
	"NewsDigest/internal/ports"
	"NewsDigest/internal/schema"
)

var schemaNamePattern = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// ChatGPTClient implements ports.Classifier backed by OpenAI-compatible APIs.
type ChatGPTClient struct {
	endpoint     string
	model        string
	apiKey       string
	systemPrompt string
	httpClient   *http.Client
}

var _ ports.Classifier = (*ChatGPTClient)(nil)

// NewChatGPTClient builds a client from configuration.
func NewChatGPTClient(cfg config.ChatGPTConfig, timeout time.Duration) *ChatGPTClient {
	return &ChatGPTClient{
		endpoint:     cfg.Endpoint,
		model:        cfg.Model,
		apiKey:       cfg.APIKey,
		systemPrompt: cfg.SystemPrompt,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Classify sends the text as a user message and asks for a json_schema response.
func (c *ChatGPTClient) Classify(ctx context.Context, text string, s schema.Schema) (string, error) {
	if c == nil {
		return "", fmt.Errorf("chatgpt client is nil")
	}
	if c.apiKey == "" || c.endpoint == "" || c.model == "" {
		return "", fmt.Errorf("%w: chatgpt needs endpoint, model and api key", ErrMisconfigured)
	}

	payload := map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": safePrompt(c.systemPrompt) + "\n\n" + s.Instruction},
			{"role": "user", "content": text},
		},
		"response_format": map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   schemaNamePattern.ReplaceAllString(s.Name, "_"),
				"schema": s.Document,
			},
		},
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)

	var resp chatResponse
	if err := postJSON(ctx, c.httpClient, "chatgpt", c.endpoint, header, payload, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chatgpt returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func safePrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "You are a helpful assistant that curates newsletter content."
	}
	return prompt
}
