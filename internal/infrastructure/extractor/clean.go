package extractor

import (
	"bytes"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
)

const (
	strippedSelector = "script, style, noscript, iframe, figure, aside"
	blockSelector    = "p, div, br, li, tr, h1, h2, h3, h4, h5, h6, section, article, header, footer"
)

var (
	reSpaces      = regexp.MustCompile(`[ \t\f\v\r]+`)
	reBlankLines  = regexp.MustCompile(`\n{3,}`)
	actionSchemes = []string{"mailto:", "tel:", "sms:", "callto:", "skype:", "javascript:"}
)

// extractText prefers the readability main content and falls back to the whole document.
func extractText(body []byte, pageURL *url.URL, maxChars int) (string, error) {
	var text string
	if article, err := readability.FromReader(bytes.NewReader(body), pageURL); err == nil && article.Content != "" {
		text, _ = cleanHTML(article.Content)
	}
	if text == "" {
		var err error
		text, err = cleanHTML(string(body))
		if err != nil {
			return "", err
		}
	}
	return truncate(text, maxChars), nil
}

func cleanHTML(doc string) (string, error) {
	root, err := goquery.NewDocumentFromReader(strings.NewReader(doc))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	root.Find(strippedSelector).Remove()
	root.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if isActionLink(href) {
			s.ReplaceWithHtml(html.EscapeString(s.Text()))
		}
	})
	root.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		s.AfterHtml("\n")
	})

	return normalizeText(root.Text()), nil
}

func isActionLink(href string) bool {
	href = strings.ToLower(strings.TrimSpace(href))
	for _, scheme := range actionSchemes {
		if strings.HasPrefix(href, scheme) {
			return true
		}
	}
	return false
}

func normalizeText(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(reSpaces.ReplaceAllString(line, " "))
	}
	return strings.TrimSpace(reBlankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}

func truncate(text string, maxChars int) string {
	if maxChars <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return strings.TrimSpace(string(runes[:maxChars]))
}
