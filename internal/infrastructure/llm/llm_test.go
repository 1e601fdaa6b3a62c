package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"NewsDigest/internal/config"
	"NewsDigest/internal/schema"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGeminiClassifySendsSchema(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/models/gemini-test:generateContent", r.URL.Path)
		require.Equal(t, "key-1", r.Header.Get("x-goog-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"{\"news\":"},{"text":"[]}"}]}}]}`)
	}))
	defer srv.Close()

	c := NewGeminiClient(config.GeminiConfig{Endpoint: srv.URL + "/models/", Model: "gemini-test", APIKey: "key-1"}, 5*time.Second)
	out, err := c.Classify(context.Background(), "ARTICLE_1 text", schema.Evaluation())
	require.NoError(t, err)
	require.Equal(t, `{"news":[]}`, out)

	gen := got["generationConfig"].(map[string]any)
	require.Equal(t, "application/json", gen["responseMimeType"])
	require.NotNil(t, gen["responseJsonSchema"])
	contents := got["contents"].([]any)
	require.Contains(t, fmt.Sprint(contents[0]), "ARTICLE_1 text")
}

func TestGeminiQuotaErrorCarriesRetryDelay(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"code":429,"message":"quota exceeded","details":[{"retryDelay": "17s"}]}}`)
	}))
	defer srv.Close()

	c := NewGeminiClient(config.GeminiConfig{Endpoint: srv.URL, Model: "m", APIKey: "k"}, 5*time.Second)
	_, err := c.Classify(context.Background(), "x", schema.Evaluation())

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
	require.Equal(t, 17*time.Second, statusErr.RetryAfter)
	require.True(t, statusErr.Retryable())
}

func TestChatGPTRequestsJSONSchema(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"choices":[{"message":{"content":"{\"news\":[]}"}}]}`)
	}))
	defer srv.Close()

	c := NewChatGPTClient(config.ChatGPTConfig{Endpoint: srv.URL, Model: "gpt-test", APIKey: "sk-test"}, 5*time.Second)
	out, err := c.Classify(context.Background(), "hello", schema.Division([]string{"News"}))
	require.NoError(t, err)
	require.Equal(t, `{"news":[]}`, out)

	format := got["response_format"].(map[string]any)
	require.Equal(t, "json_schema", format["type"])
	require.Equal(t, "news_division", format["json_schema"].(map[string]any)["name"])
	require.Equal(t, "gpt-test", got["model"])
}

func TestChatGPTRetryAfterHeader(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "busy")
	}))
	defer srv.Close()

	c := NewChatGPTClient(config.ChatGPTConfig{Endpoint: srv.URL, Model: "m", APIKey: "k"}, 5*time.Second)
	_, err := c.Classify(context.Background(), "x", schema.Evaluation())

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, 3*time.Second, statusErr.RetryAfter)
}

func TestHTTPClassifierReturnsResultDocument(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/classify", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "news_evaluation", req["schema_name"])
		fmt.Fprint(w, `{"result":{"news":[{"ID":"ARTICLE_1"}]}}`)
	}))
	defer srv.Close()

	c := NewHTTPClassifier(config.MLConfig{InferenceURL: srv.URL + "/"}, 5*time.Second)
	out, err := c.Classify(context.Background(), "x", schema.Evaluation())
	require.NoError(t, err)
	require.JSONEq(t, `{"news":[{"ID":"ARTICLE_1"}]}`, out)
}

type scriptedClassifier struct {
	errs  []error
	calls atomic.Int32
}

func (s *scriptedClassifier) Classify(context.Context, string, schema.Schema) (string, error) {
	n := int(s.calls.Add(1)) - 1
	if n < len(s.errs) && s.errs[n] != nil {
		return "", s.errs[n]
	}
	return `{"news":[]}`, nil
}

func newTestRetry(next *scriptedClassifier, maxRetries int) (*retrying, *[]time.Duration) {
	var waits []time.Duration
	r := WithRetry(next, RetryPolicy{MaxRetries: maxRetries, InitialDelay: 5 * time.Second, MaxDelay: 8 * time.Second}, discardLogger()).(*retrying)
	r.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return r, &waits
}

func TestRetryBacksOffAndHonorsServerDelay(t *testing.T) {
	t.Parallel()

	busy := &StatusError{Provider: "gemini", StatusCode: http.StatusServiceUnavailable}
	quota := &StatusError{Provider: "gemini", StatusCode: http.StatusTooManyRequests, RetryAfter: 2 * time.Second}
	next := &scriptedClassifier{errs: []error{busy, busy, quota, busy}}
	r, waits := newTestRetry(next, 5)

	out, err := r.Classify(context.Background(), "x", schema.Evaluation())
	require.NoError(t, err)
	require.Equal(t, `{"news":[]}`, out)
	require.Equal(t, int32(5), next.calls.Load())
	require.Equal(t, []time.Duration{5 * time.Second, 7500 * time.Millisecond, 2 * time.Second, 8 * time.Second}, *waits)
}

func TestRetryExhausted(t *testing.T) {
	t.Parallel()

	busy := &StatusError{Provider: "gemini", StatusCode: http.StatusServiceUnavailable}
	next := &scriptedClassifier{errs: []error{busy, busy, busy, busy}}
	r, waits := newTestRetry(next, 2)

	_, err := r.Classify(context.Background(), "x", schema.Evaluation())
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.Equal(t, int32(3), next.calls.Load())
	require.Len(t, *waits, 2)
}

func TestRetrySkipsPermanentErrors(t *testing.T) {
	t.Parallel()

	bad := &StatusError{Provider: "chatgpt", StatusCode: http.StatusBadRequest, Body: "invalid schema"}
	next := &scriptedClassifier{errs: []error{bad}}
	r, waits := newTestRetry(next, 5)

	_, err := r.Classify(context.Background(), "x", schema.Evaluation())
	require.ErrorAs(t, err, new(*StatusError))
	require.NotErrorIs(t, err, ErrRetriesExhausted)
	require.Equal(t, int32(1), next.calls.Load())
	require.Empty(t, *waits)

	transport := &scriptedClassifier{errs: []error{errors.New("connection refused")}}
	r, _ = newTestRetry(transport, 5)
	_, err = r.Classify(context.Background(), "x", schema.Evaluation())
	require.ErrorContains(t, err, "connection refused")
	require.Equal(t, int32(1), transport.calls.Load())
}

func TestStatusErrorRetryableByMessage(t *testing.T) {
	t.Parallel()

	require.True(t, (&StatusError{StatusCode: 500, Body: "The model is overloaded"}).Retryable())
	require.False(t, (&StatusError{StatusCode: 500, Body: "internal"}).Retryable())
}

func TestRateLimitBlocksBeyondBurst(t *testing.T) {
	t.Parallel()

	next := &scriptedClassifier{}
	c := WithRateLimit(next, 2, time.Hour)

	for i := 0; i < 2; i++ {
		_, err := c.Classify(context.Background(), "x", schema.Evaluation())
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Classify(ctx, "x", schema.Evaluation())
	require.Error(t, err)
	require.Equal(t, int32(2), next.calls.Load())

	require.Same(t, next, WithRateLimit(next, 0, time.Minute))
}

func TestParseRetryHints(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 11, 10, 11, 0, 0, 0, time.UTC)
	require.Equal(t, 30*time.Second, parseRetryAfter("30", now))
	require.Equal(t, time.Minute, parseRetryAfter(now.Add(time.Minute).Format(http.TimeFormat), now))
	require.Zero(t, parseRetryAfter("soon", now))

	require.Equal(t, 1500*time.Millisecond, parseRetryDelay(`"retryDelay":"1.5s"`))
	require.Zero(t, parseRetryDelay("no hint"))
}

func TestNewRequiresProviderCredentials(t *testing.T) {
	t.Parallel()

	_, err := New(config.LLMConfig{Provider: "gemini"}, discardLogger())
	require.ErrorIs(t, err, ErrMisconfigured)

	_, err = New(config.LLMConfig{Provider: "chatgpt"}, discardLogger())
	require.ErrorIs(t, err, ErrMisconfigured)

	_, err = New(config.LLMConfig{Provider: "carrier-pigeon"}, discardLogger())
	require.ErrorIs(t, err, ErrMisconfigured)

	c, err := New(config.LLMConfig{Provider: "http", HTTP: config.MLConfig{InferenceURL: "http://ml"}, RateLimit: 30, RateWindow: time.Minute}, discardLogger())
	require.NoError(t, err)
	require.NotNil(t, c)
}
