package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"NewsDigest/internal/config"
	"NewsDigest/internal/httpapi"
	"NewsDigest/internal/infrastructure/extractor"
	"NewsDigest/internal/infrastructure/llm"
	"NewsDigest/internal/infrastructure/mailbox"
	"NewsDigest/internal/infrastructure/parser"
	"NewsDigest/internal/infrastructure/render"
	"NewsDigest/internal/infrastructure/scheduler"
	"NewsDigest/internal/infrastructure/storage"
	"NewsDigest/internal/infrastructure/telegram"
	"NewsDigest/internal/logging"
	"NewsDigest/internal/metrics"
	"NewsDigest/internal/ports"
	"NewsDigest/internal/scanner"
	"NewsDigest/internal/settings"
	"NewsDigest/internal/usecase"
)

// Application wires configs to use cases and owns the process lifecycle.
type Application struct {
	cfg    config.Config
	logger *slog.Logger

	store    *settings.Store
	metrics  *metrics.Recorder
	history  *storage.SQLRepository
	pipeline *usecase.Pipeline
	jobs     *usecase.JobPool
	schedule *usecase.ScheduleController
	poller   *usecase.Poller
}

// New checks the prerequisites and builds every component. It fails when the configs
// directory is missing, the classifier is misconfigured or the history store is unreachable.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.NewWithFormat(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	}

	store, err := settings.Open(cfg.Paths.ConfigsDir, cfg.Paths.SettingsFile, baseLogger.With("component", "settings"))
	if err != nil {
		return nil, fmt.Errorf("open settings: %w", err)
	}

	classifier, err := llm.New(cfg.LLM, baseLogger)
	if err != nil {
		return nil, fmt.Errorf("build classifier: %w", err)
	}

	colors, err := render.LoadColors(cfg.Paths.ConfigsDir)
	if err != nil {
		baseLogger.Warn("category colors ignored", "error", err)
	}

	var history *storage.SQLRepository
	var historyPort ports.DeliveryRepository
	if cfg.Database.Driver != "" {
		history, err = storage.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("open delivery history: %w", err)
		}
		historyPort = history
	}

	var notifier ports.Notifier
	if tg := telegram.NewNotifier(cfg.Notifications.Telegram.BotToken, cfg.Notifications.Telegram.ChatID); tg.Enabled() {
		notifier = tg
	}

	rec := metrics.New()
	clock := scheduler.NewSystemClock(cfg.Scheduler.Location())

	gateway := mailbox.NewGateway(
		cfg.Mailbox.IMAP,
		mailbox.NewSMTPSender(cfg.Mailbox.SMTP),
		mailbox.WithLogger(baseLogger.With("component", "mailbox")),
	)

	pages := extractor.New(cfg.Extractor, cfg.Paths.MediaDir,
		extractor.WithLogger(baseLogger.With("component", "extractor")))

	aggregator := usecase.NewAggregator(usecase.AggregatorDeps{
		Extractor:   pages,
		Classifier:  classifier,
		Metrics:     rec,
		Logger:      baseLogger,
		TopN:        cfg.Digest.TopArticles,
		Concurrency: cfg.Extractor.Concurrency,
	})

	var sources []ports.ArticleSource
	if len(cfg.Sites) > 0 {
		registry := scanner.NewRegistry(parser.NewListingScanner(
			&http.Client{Timeout: cfg.Extractor.Timeout},
			cfg.Extractor.UserAgent,
		))
		sources = append(sources, parser.NewStrategySource(registry, cfg.Sites, baseLogger.With("component", "source")))
	}

	retry := usecase.RetryPolicy{Attempts: cfg.Digest.MutateRetries, Base: time.Second}

	pipeline := usecase.NewPipeline(usecase.PipelineDeps{
		Mailboxes:     gateway,
		Aggregator:    aggregator,
		Renderer:      render.New(render.Options{Colors: colors, DigestTitle: cfg.Digest.Subject, RepostTitle: cfg.Digest.RepostSubject}),
		Sources:       sources,
		History:       historyPort,
		Notifier:      notifier,
		Settings:      store,
		Clock:         clock,
		Metrics:       rec,
		Logger:        baseLogger,
		Retry:         retry,
		LookbackDays:  cfg.Digest.LookbackDays,
		DigestSubject: cfg.Digest.Subject,
		RepostSubject: cfg.Digest.RepostSubject,
	})

	jobs := usecase.NewJobPool(cfg.Digest.Workers, cfg.Digest.QueueSize, cfg.Digest.JobTimeout, baseLogger)

	schedule := usecase.NewScheduleController(usecase.ScheduleControllerDeps{
		Settings: store,
		Clock:    clock,
		Job:      pipeline.RunDigest,
		Metrics:  rec,
		Logger:   baseLogger.With("component", "schedule"),
	})

	store.Subscribe(func(prev, next settings.Settings) {
		if !prev.ScheduleEqual(next) {
			schedule.Rearm()
		}
	})

	poller := usecase.NewPoller(usecase.PollerDeps{
		Mailboxes: gateway,
		Settings:  store,
		Schedule:  schedule,
		Jobs:      jobs,
		Runner:    pipeline,
		Clock:     clock,
		Metrics:   rec,
		Logger:    baseLogger,
		Retry:     retry,
		Batch:     cfg.Digest.PollBatch,

		DeleteHandled: cfg.Mailbox.IMAP.DeleteHandled,
	})

	return &Application{
		cfg:      cfg,
		logger:   baseLogger,
		store:    store,
		metrics:  rec,
		history:  history,
		pipeline: pipeline,
		jobs:     jobs,
		schedule: schedule,
		poller:   poller,
	}, nil
}

// Run starts the job pool, the schedule controller, the settings watcher, the optional ops
// server and the poll loop, and blocks until ctx is cancelled.
func (a *Application) Run(ctx context.Context) error {
	defer a.Close()

	a.jobs.Start(ctx)
	a.schedule.Start(ctx)
	defer a.shutdown()

	g, gctx := errgroup.WithContext(ctx)

	if watcher, err := settings.NewWatcher(a.store); err != nil {
		a.logger.Warn("settings hot reload disabled", "error", err)
	} else {
		g.Go(func() error {
			watcher.Run(gctx)
			return nil
		})
	}

	if a.cfg.HTTP.Addr != "" {
		router := httpapi.NewRouter(httpapi.Deps{
			Settings: a.store,
			Schedule: a.schedule,
			Jobs:     a.jobs,
			Digest:   a.pipeline.RunDigest,
			Metrics:  a.metrics,
			Logger:   a.logger,
		})
		srv := httpapi.NewServer(a.cfg.HTTP.Addr, router, a.logger)
		g.Go(func() error {
			if err := httpapi.Serve(gctx, srv, a.logger); err != nil {
				return fmt.Errorf("ops server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		a.poller.Run(gctx)
		return nil
	})

	a.logger.Info("newsdigest started", "settings", a.store.Path())
	err := g.Wait()
	a.logger.Info("newsdigest stopping")
	return err
}

// shutdown stops arming new runs, drains a fired scheduled digest and then the job pool,
// so nothing still uses the history store when Close runs.
func (a *Application) shutdown() {
	a.schedule.Stop()
	a.schedule.Wait()
	a.jobs.Shutdown()
}

// Digest runs one digest in the foreground. With dryRun the rendered document is written
// to outPath instead of being mailed.
func (a *Application) Digest(ctx context.Context, dryRun bool, outPath string) (usecase.Outcome, error) {
	defer a.Close()

	out, err := a.pipeline.Digest(ctx, usecase.DigestOptions{DryRun: dryRun})
	if err != nil {
		return out, err
	}
	if dryRun && outPath != "" && out.HTML != "" {
		if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
			return out, fmt.Errorf("create output dir: %w", err)
		}
		if err := os.WriteFile(outPath, []byte(out.HTML), 0o644); err != nil {
			return out, fmt.Errorf("write digest preview: %w", err)
		}
		a.logger.Info("digest preview written", "path", outPath, "articles", len(out.Articles))
	}
	return out, nil
}

// NextFire previews the next scheduled delivery from the persisted settings without
// building the mailbox or classifier.
func NextFire(cfg config.Config, logger *slog.Logger) (time.Time, bool, error) {
	store, err := settings.Open(cfg.Paths.ConfigsDir, cfg.Paths.SettingsFile, logger)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("open settings: %w", err)
	}
	clock := scheduler.NewSystemClock(cfg.Scheduler.Location())
	next, ok := usecase.Preview(clock.Now(), store.Snapshot())
	return next, ok, nil
}

// Close releases the history store.
func (a *Application) Close() error {
	if a.history == nil {
		return nil
	}
	err := a.history.Close()
	a.history = nil
	return err
}
