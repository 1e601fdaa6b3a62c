package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"NewsDigest/internal/domain"
	"NewsDigest/internal/metrics"
	"NewsDigest/internal/ports"
	"NewsDigest/internal/schema"
)

// FailedFetchPlaceholder stands in for a link whose content could not be extracted.
const FailedFetchPlaceholder = "[Failed to scrape this link]"

const (
	defaultTopN        = 5
	defaultConcurrency = 4
)

// AggregatorDeps wires the aggregator.
type AggregatorDeps struct {
	Extractor   ports.ContentExtractor
	Classifier  ports.Classifier
	Metrics     *metrics.Recorder
	Logger      *slog.Logger
	TopN        int
	Concurrency int
	Categories  []string
}

// Aggregator turns candidate items into a small ranked set of renderer-ready articles.
type Aggregator struct {
	extractor   ports.ContentExtractor
	classifier  ports.Classifier
	metrics     *metrics.Recorder
	logger      *slog.Logger
	topN        int
	concurrency int
	categories  []string
}

// NewAggregator applies defaults for unset limits.
func NewAggregator(deps AggregatorDeps) *Aggregator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	topN := deps.TopN
	if topN <= 0 {
		topN = defaultTopN
	}
	concurrency := deps.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	categories := deps.Categories
	if len(categories) == 0 {
		for _, c := range domain.Categories() {
			categories = append(categories, string(c))
		}
	}
	return &Aggregator{
		extractor:   deps.Extractor,
		classifier:  deps.Classifier,
		metrics:     deps.Metrics,
		logger:      logger.With("component", "aggregator"),
		topN:        topN,
		concurrency: concurrency,
		categories:  categories,
	}
}

// entry is one synthetic-id slot. The table of entries lives only for one Aggregate call.
type entry struct {
	id     string
	item   int
	link   string
	text   string
	images []string
}

// Aggregate runs the two-pass enrichment. An unusable classifier response yields an empty
// result with a nil error; a classifier that cannot be reached returns the error.
func (a *Aggregator) Aggregate(ctx context.Context, items []domain.CandidateItem, bucket string) ([]domain.NormalizedArticle, error) {
	if len(items) == 0 {
		return nil, nil
	}

	entries := tagEntries(items)
	a.fetchAll(ctx, entries, false, bucket)
	blob := evaluationBlob(items, entries)

	raw, err := a.classifier.Classify(ctx, blob, schema.Evaluation())
	if err != nil {
		return nil, fmt.Errorf("evaluate candidates: %w", err)
	}
	ranked, err := decodeNews[domain.RankedArticle](raw, schema.Evaluation())
	if err != nil {
		a.logger.Warn("evaluation response unusable, treating as empty", "error", err)
		return nil, nil
	}

	byID := make(map[string]*entry, len(entries))
	for i := range entries {
		byID[entries[i].id] = &entries[i]
	}
	known := ranked[:0]
	for _, r := range ranked {
		if _, ok := byID[strings.TrimSpace(r.ID)]; !ok {
			a.logger.Debug("dropping ranked article with unknown id", "id", r.ID)
			continue
		}
		r.ID = strings.TrimSpace(r.ID)
		known = append(known, r)
	}

	selected := SelectTopN(known, a.topN)
	a.logger.Info("candidates ranked",
		"items", len(items),
		"articles", len(entries),
		"ranked", len(known),
		"selected", len(selected),
	)
	if len(selected) == 0 {
		return nil, nil
	}

	enriched := make([]entry, len(selected))
	for i, r := range selected {
		enriched[i] = *byID[r.ID]
	}
	pass1 := make([]string, len(enriched))
	for i := range enriched {
		pass1[i] = enriched[i].text
	}
	a.fetchAll(ctx, enriched, true, bucket)
	for i := range enriched {
		if enriched[i].text == FailedFetchPlaceholder {
			enriched[i].text = pass1[i]
		}
	}

	return a.divide(ctx, enrichmentBlob(items, selected, enriched), enriched)
}

// Direct sends one repost message straight to the division call, fetching every link with media.
func (a *Aggregator) Direct(ctx context.Context, item domain.CandidateItem, bucket string) ([]domain.NormalizedArticle, error) {
	entries := make([]entry, 0, len(item.Links))
	for i, link := range item.Links {
		entries = append(entries, entry{id: fmt.Sprintf("LINK_%d", i+1), link: link})
	}
	a.fetchAll(ctx, entries, true, bucket)

	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\n\n%s\n", item.Title, strings.TrimSpace(item.Body))
	for i, e := range entries {
		fmt.Fprintf(&b, "\n--- Link %d: %s ---\n%s\n", i+1, e.link, e.text)
	}
	return a.divide(ctx, b.String(), entries)
}

func (a *Aggregator) divide(ctx context.Context, blob string, entries []entry) ([]domain.NormalizedArticle, error) {
	raw, err := a.classifier.Classify(ctx, blob, schema.Division(a.categories))
	if err != nil {
		return nil, fmt.Errorf("divide articles: %w", err)
	}
	articles, err := decodeNews[domain.NormalizedArticle](raw, schema.Division(nil))
	if err != nil {
		a.logger.Warn("division response unusable, treating as empty", "error", err)
		return nil, nil
	}

	images := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.link != "" && len(e.images) > 0 {
			images[e.link] = e.images[0]
		}
	}
	for i := range articles {
		articles[i].Category = domain.NormalizeCategory(string(articles[i].Category))
		if articles[i].Image == "" {
			articles[i].Image = images[articles[i].Link]
		}
	}
	return articles, nil
}

// fetchAll fills text (and images when media is requested) for every entry with a link.
func (a *Aggregator) fetchAll(ctx context.Context, entries []entry, media bool, bucket string) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i := range entries {
		e := &entries[i]
		if e.link == "" {
			continue
		}
		g.Go(func() error {
			page, ok := a.extractor.Fetch(gctx, ports.FetchRequest{
				URL:           e.link,
				DownloadMedia: media,
				MediaBucket:   bucket,
			})
			a.metrics.Fetch(ok)
			if !ok || strings.TrimSpace(page.Text) == "" {
				a.logger.Debug("link fetch failed", "url", e.link, "media", media)
				e.text = FailedFetchPlaceholder
				return nil
			}
			e.text = page.Text
			if media {
				e.images = page.Images
			}
			return nil
		})
	}
	_ = g.Wait()
}

func tagEntries(items []domain.CandidateItem) []entry {
	var entries []entry
	next := 1
	for i, item := range items {
		if len(item.Links) == 0 {
			entries = append(entries, entry{id: fmt.Sprintf("ARTICLE_%d", next), item: i, text: strings.TrimSpace(item.Body)})
			next++
			continue
		}
		for _, link := range item.Links {
			entries = append(entries, entry{id: fmt.Sprintf("ARTICLE_%d", next), item: i, link: link})
			next++
		}
	}
	return entries
}

func evaluationBlob(items []domain.CandidateItem, entries []entry) string {
	var b strings.Builder
	cursor := 0
	for i, item := range items {
		fmt.Fprintf(&b, "=== EMAIL %d (ID: %s) - Subject: %s ===\n", i+1, item.SourceID, item.Title)
		linkNo := 0
		for ; cursor < len(entries) && entries[cursor].item == i; cursor++ {
			e := entries[cursor]
			if e.link == "" {
				fmt.Fprintf(&b, "--- %s - Message body ---\n%s\n", e.id, e.text)
				continue
			}
			if linkNo == 0 {
				fmt.Fprintf(&b, "%s\n", strings.TrimSpace(item.Body))
			}
			linkNo++
			fmt.Fprintf(&b, "--- %s - Link %d: %s ---\n%s\n", e.id, linkNo, e.link, e.text)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func enrichmentBlob(items []domain.CandidateItem, selected []domain.RankedArticle, enriched []entry) string {
	var b strings.Builder
	for i, r := range selected {
		e := enriched[i]
		fmt.Fprintf(&b, "=== %s ===\n", r.ID)
		fmt.Fprintf(&b, "Subject: %s\n", items[e.item].Title)
		fmt.Fprintf(&b, "Source: %s\n", r.Source)
		fmt.Fprintf(&b, "Brief Description: %s\n", r.BriefDescription)
		if r.Reasoning != "" {
			fmt.Fprintf(&b, "Reasoning: %s\n", r.Reasoning)
		}
		fmt.Fprintf(&b, "Relevancy: %d\n", r.RelevancyScore)
		if e.link != "" {
			fmt.Fprintf(&b, "Link: %s\n", e.link)
		}
		if len(e.images) > 0 {
			fmt.Fprintf(&b, "Images: %s\n", strings.Join(e.images, ", "))
		}
		fmt.Fprintf(&b, "Content:\n%s\n\n", e.text)
	}
	return b.String()
}

var errEmptyResponse = errors.New("empty response")

// decodeNews strips a markdown fence, validates against s and decodes the news array.
func decodeNews[T any](raw string, s schema.Schema) ([]T, error) {
	raw = stripFence(raw)
	if raw == "" {
		return nil, errEmptyResponse
	}
	if err := s.Validate(raw); err != nil {
		return nil, err
	}
	var doc struct {
		News []T `json:"news"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.Name, err)
	}
	return doc.News, nil
}

func stripFence(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "```") {
		return raw
	}
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimPrefix(raw, "json")
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
	return strings.TrimSpace(raw)
}
