package parser

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"NewsDigest/internal/config"
	"NewsDigest/internal/domain"
	"NewsDigest/internal/ports"
	"NewsDigest/internal/scanner"
)

const siteConcurrency = 4

var errNoRegistry = errors.New("scanner registry is not configured")

// StrategySource implements ArticleSource via registered scanner strategies.
type StrategySource struct {
	registry *scanner.Registry
	sites    []config.SiteConfig
	logger   *slog.Logger
}

var _ ports.ArticleSource = (*StrategySource)(nil)

// NewStrategySource wires scanner registry with config-defined sites.
func NewStrategySource(reg *scanner.Registry, sites []config.SiteConfig, log *slog.Logger) *StrategySource {
	if log == nil {
		log = slog.Default()
	}
	return &StrategySource{
		registry: reg,
		sites:    sites,
		logger:   log,
	}
}

// FetchCandidates scans the configured sites in parallel and returns their candidates in
// config order. A failing or unknown site is logged and skipped; only cancellation aborts.
func (s *StrategySource) FetchCandidates(ctx context.Context, since time.Time) ([]domain.CandidateItem, error) {
	if s.registry == nil {
		return nil, errNoRegistry
	}
	s.logger.Debug("fetch candidates", "sites", len(s.sites), "since", since.Format("2006-01-02"))

	perSite := make([][]domain.CandidateItem, len(s.sites))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(siteConcurrency)
	for i, site := range s.sites {
		g.Go(func() error {
			perSite[i] = s.scanSite(gctx, site, since)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var aggregated []domain.CandidateItem
	for _, items := range perSite {
		aggregated = append(aggregated, items...)
	}
	s.logger.Debug("strategy source done", "total_candidates", len(aggregated))
	return aggregated, nil
}

func (s *StrategySource) scanSite(ctx context.Context, site config.SiteConfig, since time.Time) []domain.CandidateItem {
	logger := s.logger.With("site", site.Name, "scanner", site.Scanner)

	strategy, err := s.registry.Resolve(site.Scanner)
	if err != nil {
		logger.Warn("site skipped", "error", err)
		return nil
	}

	results, err := strategy.Scan(ctx, scanner.Request{
		Since:      since,
		SiteName:   site.Name,
		Options:    site.Options,
		Categories: toScannerCategories(site.Categories),
	})
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("scan site failed", "error", err)
		}
		return nil
	}
	logger.Debug("site produced candidates", "count", len(results))
	return results
}

func toScannerCategories(cfg []config.CategoryConfig) []scanner.Category {
	categories := make([]scanner.Category, 0, len(cfg))
	for _, cat := range cfg {
		categories = append(categories, scanner.Category{Name: cat.Name, URL: cat.URL})
	}
	return categories
}
