package llm

import (
	"fmt"
	"log/slog"
	"strings"

	"NewsDigest/internal/config"
	"NewsDigest/internal/ports"
)

// New builds the configured provider wrapped with retries and rate limiting.
// Each retry attempt passes through the limiter.
func New(cfg config.LLMConfig, logger *slog.Logger) (ports.Classifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "classifier")

	var provider ports.Classifier
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "gemini":
		if cfg.Gemini.APIKey == "" {
			return nil, fmt.Errorf("%w: GEMINI_API_KEY is not set", ErrMisconfigured)
		}
		provider = NewGeminiClient(cfg.Gemini, cfg.Timeout)
	case "chatgpt", "openai":
		if cfg.ChatGPT.APIKey == "" {
			return nil, fmt.Errorf("%w: CHATGPT_API_KEY is not set", ErrMisconfigured)
		}
		provider = NewChatGPTClient(cfg.ChatGPT, cfg.Timeout)
	case "http":
		if cfg.HTTP.InferenceURL == "" {
			return nil, fmt.Errorf("%w: llm.http.inferenceUrl is not set", ErrMisconfigured)
		}
		provider = NewHTTPClassifier(cfg.HTTP, cfg.Timeout)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrMisconfigured, cfg.Provider)
	}

	limited := WithRateLimit(provider, cfg.RateLimit, cfg.RateWindow)
	return WithRetry(limited, RetryPolicy{
		MaxRetries:   cfg.MaxRetries,
		InitialDelay: cfg.InitialRetryDelay,
		MaxDelay:     cfg.MaxRetryDelay,
	}, logger), nil
}
