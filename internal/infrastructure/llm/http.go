package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"NewsDigest/internal/config"
	"NewsDigest/internal/ports"
	"NewsDigest/internal/schema"
)

const maxErrorBody = 4096

// HTTPClassifier talks to a self-hosted classification service.
type HTTPClassifier struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

var _ ports.Classifier = (*HTTPClassifier)(nil)

// NewHTTPClassifier creates a reusable client for cfg.InferenceURL.
func NewHTTPClassifier(cfg config.MLConfig, timeout time.Duration) *HTTPClassifier {
	return &HTTPClassifier{
		endpoint: strings.TrimRight(cfg.InferenceURL, "/"),
		apiKey:   cfg.APIKey,
		http:     &http.Client{Timeout: timeout},
	}
}

// Classify posts the text with its schema and returns the service's JSON document.
func (c *HTTPClassifier) Classify(ctx context.Context, text string, s schema.Schema) (string, error) {
	if c.endpoint == "" {
		return "", fmt.Errorf("%w: inference url is empty", ErrMisconfigured)
	}

	payload := map[string]any{
		"schema_name": s.Name,
		"instruction": s.Instruction,
		"schema":      s.Document,
		"text":        text,
	}
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
	}
	if err := postJSON(ctx, c.http, "http", c.endpoint+"/classify", header, payload, &resp); err != nil {
		return "", err
	}
	return string(resp.Result), nil
}

// postJSON sends payload and decodes the 2xx response into v. Other statuses become a *StatusError.
func postJSON(ctx context.Context, hc *http.Client, provider, endpoint string, header http.Header, payload, v any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	for k, vals := range header {
		for _, val := range vals {
			req.Header.Add(k, val)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(raw))
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		if retryAfter == 0 {
			retryAfter = parseRetryDelay(msg)
		}
		return &StatusError{Provider: provider, StatusCode: resp.StatusCode, Body: msg, RetryAfter: retryAfter}
	}

	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
