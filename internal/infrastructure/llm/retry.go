package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"NewsDigest/internal/ports"
	"NewsDigest/internal/schema"
)

var (
	// ErrRetriesExhausted wraps the last retryable failure once the budget is spent.
	ErrRetriesExhausted = errors.New("classifier retries exhausted")
	// ErrMisconfigured reports a provider without the endpoint, model or key it needs.
	ErrMisconfigured = errors.New("classifier misconfigured")
)

var retryDelayPattern = regexp.MustCompile(`"retryDelay"\s*:\s*"(\d+(?:\.\d+)?)s"`)

// StatusError is a non-2xx provider response.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s error %d %s: %s", e.Provider, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Retryable reports overload and quota failures.
func (e *StatusError) Retryable() bool {
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusServiceUnavailable {
		return true
	}
	body := strings.ToLower(e.Body)
	return strings.Contains(body, "overloaded") || strings.Contains(body, "quota")
}

// RetryPolicy bounds retries of overloaded or rate-limited calls.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

type retrying struct {
	next   ports.Classifier
	policy RetryPolicy
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// WithRetry retries retryable *StatusError failures. A server-suggested delay wins over the backoff.
func WithRetry(next ports.Classifier, policy RetryPolicy, logger *slog.Logger) ports.Classifier {
	if policy.Multiplier <= 1 {
		policy.Multiplier = 1.5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &retrying{next: next, policy: policy, logger: logger, sleep: sleepContext}
}

func (r *retrying) Classify(ctx context.Context, text string, s schema.Schema) (string, error) {
	delay := r.policy.InitialDelay
	for attempt := 0; ; attempt++ {
		out, err := r.next.Classify(ctx, text, s)
		if err == nil {
			return out, nil
		}

		var statusErr *StatusError
		if !errors.As(err, &statusErr) || !statusErr.Retryable() {
			return "", err
		}
		if attempt >= r.policy.MaxRetries {
			return "", fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt+1, err)
		}

		wait := delay
		if statusErr.RetryAfter > 0 {
			wait = statusErr.RetryAfter
		} else {
			delay = time.Duration(float64(delay) * r.policy.Multiplier)
			if r.policy.MaxDelay > 0 && delay > r.policy.MaxDelay {
				delay = r.policy.MaxDelay
			}
		}

		r.logger.Warn("classifier busy, retrying",
			"schema", s.Name,
			"status", statusErr.StatusCode,
			"attempt", attempt+1,
			"max_retries", r.policy.MaxRetries,
			"wait", wait,
		)
		if err := r.sleep(ctx, wait); err != nil {
			return "", err
		}
	}
}

type limited struct {
	next    ports.Classifier
	limiter *rate.Limiter
}

// WithRateLimit allows at most n calls per window, with bursts up to n.
func WithRateLimit(next ports.Classifier, n int, window time.Duration) ports.Classifier {
	if n <= 0 || window <= 0 {
		return next
	}
	return &limited{next: next, limiter: rate.NewLimiter(rate.Every(window/time.Duration(n)), n)}
}

func (l *limited) Classify(ctx context.Context, text string, s schema.Schema) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}
	return l.next.Classify(ctx, text, s)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// parseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// parseRetryDelay reads the Gemini RetryInfo "retryDelay": "Ns" hint from an error body.
func parseRetryDelay(body string) time.Duration {
	m := retryDelayPattern.FindStringSubmatch(body)
	if m == nil {
		return 0
	}
	secs, err := strconv.ParseFloat(m[1], 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
