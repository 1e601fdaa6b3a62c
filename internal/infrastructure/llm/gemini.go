package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"NewsDigest/internal/config"
	"NewsDigest/internal/ports"
	"NewsDigest/internal/schema"
)

// GeminiClient calls the generateContent REST endpoint with a JSON response schema.
type GeminiClient struct {
	endpoint   string
	model      string
	apiKey     string
	httpClient *http.Client
}

var _ ports.Classifier = (*GeminiClient)(nil)

// NewGeminiClient builds a client from configuration.
func NewGeminiClient(cfg config.GeminiConfig, timeout time.Duration) *GeminiClient {
	return &GeminiClient{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
}

// Classify asks the model for a JSON document shaped by s.
func (c *GeminiClient) Classify(ctx context.Context, text string, s schema.Schema) (string, error) {
	if c.apiKey == "" || c.endpoint == "" || c.model == "" {
		return "", fmt.Errorf("%w: gemini needs endpoint, model and api key", ErrMisconfigured)
	}

	payload := map[string]any{
		"systemInstruction": geminiContent{Parts: []geminiPart{{Text: s.Instruction}}},
		"contents":          []geminiContent{{Role: "user", Parts: []geminiPart{{Text: text}}}},
		"generationConfig": map[string]any{
			"temperature":        0.2,
			"responseMimeType":   "application/json",
			"responseJsonSchema": s.Document,
		},
	}
	header := http.Header{}
	header.Set("x-goog-api-key", c.apiKey)

	endpoint := fmt.Sprintf("%s/%s:generateContent", c.endpoint, url.PathEscape(c.model))
	var resp geminiResponse
	if err := postJSON(ctx, c.httpClient, "gemini", endpoint, header, payload, &resp); err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("gemini returned no candidates")
	}

	var out strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		out.WriteString(part.Text)
	}
	return out.String(), nil
}
