package parser

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"NewsDigest/internal/domain"
	"NewsDigest/internal/scanner"
)

const (
	defaultItemSelector    = "article"
	defaultTitleSelector   = "h1, h2, h3"
	defaultLinkSelector    = "a[href]"
	defaultSummarySelector = "p"
	defaultMaxPages        = 1
)

// ListingScanner reads news listing pages with CSS selectors taken from site options:
//
//	item, title, link, summary   selectors relative to the page or item
//	date, dateLayout             optional publication date cell and its Go layout
//	pageParam, maxPages          optional query pagination (page=2, page=3, ...)
type ListingScanner struct {
	client    *http.Client
	userAgent string
}

// NewListingScanner wires an HTTP client; a nil client gets a 20s timeout.
func NewListingScanner(client *http.Client, userAgent string) *ListingScanner {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	if userAgent == "" {
		userAgent = "NewsDigest/1.0"
	}
	return &ListingScanner{client: client, userAgent: userAgent}
}

// Name identifies the strategy inside the registry.
func (l *ListingScanner) Name() string {
	return "listing"
}

type listingEntry struct {
	title     string
	link      string
	summary   string
	published time.Time
}

// Scan walks each category listing and returns entries published since req.Since.
// Entries without a parsable date are kept.
func (l *ListingScanner) Scan(ctx context.Context, req scanner.Request) ([]domain.CandidateItem, error) {
	if len(req.Categories) == 0 {
		return nil, fmt.Errorf("no categories provided for site %s", req.SiteName)
	}

	maxPages, err := strconv.Atoi(req.Option("maxPages", strconv.Itoa(defaultMaxPages)))
	if err != nil || maxPages < 1 {
		maxPages = defaultMaxPages
	}
	pageParam := req.Option("pageParam", "")
	if pageParam == "" {
		maxPages = 1
	}

	var results []domain.CandidateItem
	seen := map[string]struct{}{}

	for _, cat := range req.Categories {
		for page := 1; page <= maxPages; page++ {
			pageURL, err := buildPageURL(cat.URL, pageParam, page)
			if err != nil {
				return nil, fmt.Errorf("category %s: %w", cat.Name, err)
			}

			doc, base, err := l.fetchDocument(ctx, pageURL)
			if err != nil {
				return nil, fmt.Errorf("category %s: %w", cat.Name, err)
			}

			entries, shouldContinue := extractEntries(doc, base, req)
			for _, entry := range entries {
				if _, ok := seen[entry.link]; ok {
					continue
				}
				seen[entry.link] = struct{}{}
				results = append(results, toCandidate(entry, req.SiteName, cat.Name))
			}

			if !shouldContinue || len(entries) == 0 {
				break
			}
		}
	}

	return results, nil
}

func (l *ListingScanner) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, *url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", l.userAgent)

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("listing returned %s", resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("parse document: %w", err)
	}

	return doc, resp.Request.URL, nil
}

// extractEntries returns matching entries and whether older pages may still hold newer items.
func extractEntries(doc *goquery.Document, base *url.URL, req scanner.Request) ([]listingEntry, bool) {
	var (
		collected    []listingEntry
		continueScan = true
	)

	layout := req.Option("dateLayout", "")
	doc.Find(req.Option("item", defaultItemSelector)).Each(func(_ int, item *goquery.Selection) {
		entry, ok := parseEntry(item, base, req, layout)
		if !ok {
			return
		}
		if !entry.published.IsZero() && !req.Since.IsZero() && entry.published.Before(req.Since) {
			continueScan = false
			return
		}
		collected = append(collected, entry)
	})

	return collected, continueScan
}

func parseEntry(item *goquery.Selection, base *url.URL, req scanner.Request, layout string) (listingEntry, bool) {
	var entry listingEntry

	linkSel := item.Find(req.Option("link", defaultLinkSelector)).First()
	if goquery.NodeName(item) == "a" {
		linkSel = item
	}
	href, exists := linkSel.Attr("href")
	if !exists {
		return entry, false
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return entry, false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return entry, false
	}
	entry.link = abs.String()

	entry.title = collapse(item.Find(req.Option("title", defaultTitleSelector)).First().Text())
	if entry.title == "" {
		entry.title = collapse(linkSel.Text())
	}
	entry.summary = collapse(item.Find(req.Option("summary", defaultSummarySelector)).First().Text())

	if dateSel := req.Option("date", ""); dateSel != "" && layout != "" {
		cell := item.Find(dateSel).First()
		raw, ok := cell.Attr("datetime")
		if !ok {
			raw = cell.Text()
		}
		if parsed, err := time.Parse(layout, strings.TrimSpace(raw)); err == nil {
			entry.published = parsed
		}
	}

	return entry, entry.title != ""
}

func toCandidate(entry listingEntry, siteName, category string) domain.CandidateItem {
	source := siteName
	if category != "" {
		source = fmt.Sprintf("%s/%s", siteName, category)
	}

	var body strings.Builder
	fmt.Fprintf(&body, "Source: %s\n", source)
	if !entry.published.IsZero() {
		fmt.Fprintf(&body, "Published: %s\n", entry.published.Format("2006-01-02"))
	}
	if entry.summary != "" {
		body.WriteString(entry.summary)
	}

	return domain.CandidateItem{
		SourceID: entry.link,
		Title:    entry.title,
		Body:     strings.TrimSpace(body.String()),
		Links:    []string{entry.link},
	}
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func buildPageURL(base, pageParam string, page int) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid category url %s: %w", base, err)
	}
	if pageParam == "" || page <= 1 {
		return parsed.String(), nil
	}

	query := parsed.Query()
	query.Set(pageParam, strconv.Itoa(page))
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
