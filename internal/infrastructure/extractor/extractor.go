package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly"

	"NewsDigest/internal/config"
	"NewsDigest/internal/domain"
	"NewsDigest/internal/ports"
)

const maxPageBytes = 5 << 20

// Extractor fetches pages with colly, falls back to a plain browser-like GET
// and returns readable text. Images are saved under the media directory on request.
type Extractor struct {
	cfg      config.ExtractorConfig
	mediaDir string
	client   *http.Client
	logger   *slog.Logger
	primary  func(ctx context.Context, pageURL string) ([]byte, error)
}

var _ ports.ContentExtractor = (*Extractor)(nil)

// Option customizes the extractor.
type Option func(*Extractor)

// WithLogger overrides the extractor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extractor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithHTTPClient replaces the client used for the fallback fetch and media downloads.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Extractor) {
		if client != nil {
			e.client = client
		}
	}
}

func withPrimaryFetch(fn func(ctx context.Context, pageURL string) ([]byte, error)) Option {
	return func(e *Extractor) {
		e.primary = fn
	}
}

// New builds an extractor that stores media below mediaDir.
func New(cfg config.ExtractorConfig, mediaDir string, opts ...Option) *Extractor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.FallbackTimeout <= 0 {
		cfg.FallbackTimeout = 10 * time.Second
	}
	e := &Extractor{
		cfg:      cfg,
		mediaDir: mediaDir,
		client:   &http.Client{Timeout: cfg.FallbackTimeout},
		logger:   slog.Default(),
	}
	e.primary = e.fetchColly
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "extractor")
	return e
}

// Fetch never returns an error; ok=false tells the caller to skip the source.
func (e *Extractor) Fetch(ctx context.Context, req ports.FetchRequest) (domain.Page, bool) {
	pageURL, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil || pageURL.Host == "" || (pageURL.Scheme != "http" && pageURL.Scheme != "https") {
		e.logger.Debug("skip non-web link", "url", req.URL)
		return domain.Page{}, false
	}

	body, err := e.primary(ctx, pageURL.String())
	if err != nil {
		e.logger.Warn("primary fetch failed, trying fallback", "url", pageURL.String(), "error", err)
		body, err = e.fetchHTTP(ctx, pageURL.String())
		if err != nil {
			e.logger.Warn("fallback fetch failed", "url", pageURL.String(), "error", err)
			return domain.Page{}, false
		}
	}

	text, err := extractText(body, pageURL, e.cfg.MaxTextChars)
	if err != nil {
		e.logger.Warn("extract page text", "url", pageURL.String(), "error", err)
		return domain.Page{}, false
	}

	page := domain.Page{URL: pageURL.String(), Text: text}
	if req.DownloadMedia {
		page.Images = e.downloadImages(ctx, body, pageURL, req.MediaBucket)
	}
	if page.Text == "" && len(page.Images) == 0 {
		return domain.Page{}, false
	}
	return page, true
}

func (e *Extractor) fetchColly(ctx context.Context, pageURL string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := colly.NewCollector(colly.UserAgent(e.cfg.UserAgent))
	c.SetRequestTimeout(e.cfg.Timeout)

	var body []byte
	var fetchErr error
	c.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			err = fmt.Errorf("status %d: %w", r.StatusCode, err)
		}
		fetchErr = err
	})

	if err := c.Visit(pageURL); err != nil && fetchErr == nil {
		fetchErr = err
	}
	if fetchErr != nil {
		return nil, fetchErr
	}
	if len(body) == 0 {
		return nil, errors.New("empty response body")
	}
	return body, nil
}

func (e *Extractor) fetchHTTP(ctx context.Context, pageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", e.cfg.FallbackUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(resp.Body, maxPageBytes)); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return buf.Bytes(), nil
}
