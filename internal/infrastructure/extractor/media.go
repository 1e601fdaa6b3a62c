package extractor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	maxImageBytes = 10 << 20
	maxNameLen    = 255
)

var unsafeName = regexp.MustCompile(`[\\/:*?"<>|]`)

// sanitizeName turns an arbitrary string into a single path element.
func sanitizeName(value string) string {
	value = strings.TrimSpace(unsafeName.ReplaceAllString(value, "_"))
	runes := []rune(value)
	if len(runes) > maxNameLen {
		value = string(runes[:maxNameLen])
	}
	return value
}

// downloadImages saves up to MaxImages page images and returns their local paths.
func (e *Extractor) downloadImages(ctx context.Context, body []byte, pageURL *url.URL, bucket string) []string {
	if e.mediaDir == "" {
		return nil
	}
	sources := imageSources(body, pageURL)
	if e.cfg.MaxImages > 0 && len(sources) > e.cfg.MaxImages {
		sources = sources[:e.cfg.MaxImages]
	}
	if len(sources) == 0 {
		return nil
	}

	dir := filepath.Join(e.mediaDir, sanitizeName(bucket), sanitizeName(pageURL.String()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.logger.Warn("create media dir", "dir", dir, "error", err)
		return nil
	}

	var saved []string
	for idx, src := range sources {
		p, err := e.saveImage(ctx, dir, src, idx)
		if err != nil {
			e.logger.Warn("download image", "url", src, "error", err)
			continue
		}
		e.logger.Debug("image saved", "url", src, "path", p)
		saved = append(saved, p)
	}
	return saved
}

func imageSources(body []byte, pageURL *url.URL) []string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		ref, err := url.Parse(strings.TrimSpace(src))
		if err != nil {
			return
		}
		abs := pageURL.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		if key := abs.String(); !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	})
	return out
}

func (e *Extractor) saveImage(ctx context.Context, dir, src string, idx int) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", e.cfg.FallbackUserAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	name := ""
	if u, err := url.Parse(src); err == nil {
		name = path.Base(u.Path)
	}
	if name == "" || name == "/" || name == "." || !strings.Contains(name, ".") {
		name = fmt.Sprintf("image_%d.jpg", idx)
	}
	target := filepath.Join(dir, sanitizeName(name))

	f, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(f, io.LimitReader(resp.Body, maxImageBytes)); err != nil {
		f.Close()
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close file: %w", err)
	}
	return target, nil
}
