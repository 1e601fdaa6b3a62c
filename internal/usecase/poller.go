package usecase

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"NewsDigest/internal/domain"
	"NewsDigest/internal/metrics"
	"NewsDigest/internal/ports"
	"NewsDigest/internal/settings"
)

// ControlSubject marks an inbound message as a settings change.
const ControlSubject = "config"

// Routes recorded per inbound message.
const (
	RouteUnauthorized = "unauthorized"
	RouteControl      = "control"
	RouteRepost       = "repost"
	RouteSkipped      = "skipped"
)

// SettingsStore is what the poll loop needs from the settings store.
type SettingsStore interface {
	Snapshot() settings.Settings
	Apply(ctl settings.Control) (settings.Result, error)
}

// Rearmer is notified after a settings change touched the schedule.
type Rearmer interface {
	Rearm()
}

// JobSubmitter accepts background jobs without blocking.
type JobSubmitter interface {
	Submit(job Job) bool
}

// Runner executes the delivery workflows.
type Runner interface {
	RunDigest(ctx context.Context) error
	RunRepost(ctx context.Context, msg domain.Message) error
}

// PollerDeps wires the poll loop.
type PollerDeps struct {
	Mailboxes ports.MailboxOpener
	Settings  SettingsStore
	Schedule  Rearmer
	Jobs      JobSubmitter
	Runner    Runner
	Clock     ports.Clock
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
	Retry     RetryPolicy
	Batch     int

	// DeleteHandled expunges handled control and repost messages instead of archiving them.
	DeleteHandled bool
}

// Poller is the top-level driver: it lists today's unhandled mail and routes each message.
type Poller struct {
	mailboxes     ports.MailboxOpener
	settings      SettingsStore
	schedule      Rearmer
	jobs          JobSubmitter
	runner        Runner
	clock         ports.Clock
	metrics       *metrics.Recorder
	logger        *slog.Logger
	retry         RetryPolicy
	batch         int
	deleteHandled bool
}

// NewPoller constructs the poll loop.
func NewPoller(deps PollerDeps) *Poller {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retry := deps.Retry
	if retry.Attempts == 0 {
		retry = DefaultRetryPolicy()
	}
	batch := deps.Batch
	if batch <= 0 {
		batch = 10
	}
	return &Poller{
		mailboxes:     deps.Mailboxes,
		settings:      deps.Settings,
		schedule:      deps.Schedule,
		jobs:          deps.Jobs,
		runner:        deps.Runner,
		clock:         deps.Clock,
		metrics:       deps.Metrics,
		logger:        logger.With("component", "poller"),
		retry:         retry,
		batch:         batch,
		deleteHandled: deps.DeleteHandled,
	}
}

// Run polls until ctx ends, sleeping the configured interval between cycles.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("poll loop started")
	for {
		handled := p.PollOnce(ctx)
		if handled > 0 {
			p.logger.Debug("poll cycle complete", "handled", handled)
		}

		interval := p.settings.Snapshot().PollEvery()
		select {
		case <-ctx.Done():
			p.logger.Info("poll loop stopped")
			return
		case <-time.After(interval):
		}
	}
}

// PollOnce runs one cycle and returns how many messages were routed. Failures never escape it.
func (p *Poller) PollOnce(ctx context.Context) int {
	snap := p.settings.Snapshot()

	mb, err := p.mailboxes.Open(ctx)
	if err != nil {
		p.logger.Warn("mailbox unavailable, skipping cycle", "error", err)
		p.metrics.Poll("error")
		return 0
	}
	defer mb.Close()

	now := p.clock.Now()
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, now.Location())

	stubs, err := mb.ListMessages(ctx, domain.ListFilter{
		Since:    today,
		Until:    today.AddDate(0, 0, 1),
		Archived: domain.Bool(false),
		ExcludeLabels: []string{
			domain.LabelNotWhitelisted,
			domain.LabelProcessed,
			domain.LabelAnalyzed,
		},
		MaxResults: p.batch,
	})
	if err != nil {
		p.logger.Warn("list messages failed, skipping cycle", "error", err)
		p.metrics.Poll("error")
		return 0
	}
	p.metrics.Poll("ok")

	handled := 0
	for _, stub := range stubs {
		if ctx.Err() != nil {
			break
		}
		if p.route(ctx, mb, snap, stub.ID) {
			handled++
		}
	}
	return handled
}

func (p *Poller) route(ctx context.Context, mb ports.Mailbox, snap settings.Settings, id string) bool {
	logger := p.logger.With("message_id", id)

	msg, err := mb.ParseMessage(ctx, id)
	if err != nil {
		logger.Warn("parse message failed", "error", err)
		p.metrics.Routed(RouteSkipped)
		return false
	}
	logger = logger.With("sender", msg.Sender, "subject", msg.Title)

	if !snap.IsAllowed(msg.Sender) {
		logger.Info("sender not whitelisted")
		p.metrics.Routed(RouteUnauthorized)
		p.mutate(ctx, logger, "tag not whitelisted", func(ctx context.Context) error {
			return mb.UpdateMessageState(ctx, id, domain.StateChange{AddLabels: []string{domain.LabelNotWhitelisted}})
		})
		return true
	}

	if strings.EqualFold(strings.TrimSpace(msg.Title), ControlSubject) {
		return p.handleControl(ctx, mb, msg, logger)
	}
	return p.handleRepost(ctx, mb, msg, logger)
}

func (p *Poller) handleControl(ctx context.Context, mb ports.Mailbox, msg domain.Message, logger *slog.Logger) bool {
	p.metrics.Routed(RouteControl)

	ctl, err := settings.ParseControl(msg.Text)
	if err != nil {
		logger.Warn("control message has no usable payload", "error", err)
	} else {
		res, err := p.settings.Apply(ctl)
		if err != nil {
			logger.Error("persist settings failed, will retry next cycle", "error", err)
			return false
		}
		for key, reason := range res.Rejected {
			logger.Warn("control key rejected", "key", key, "reason", reason)
		}
		if res.ScheduleChanged && p.schedule != nil {
			p.schedule.Rearm()
		}
		if res.SendNow {
			p.submit(logger, Job{Kind: string(domain.KindDigest), Run: p.runner.RunDigest})
		}
	}

	p.consume(ctx, mb, msg.ID, logger)
	return true
}

func (p *Poller) handleRepost(ctx context.Context, mb ports.Mailbox, msg domain.Message, logger *slog.Logger) bool {
	p.metrics.Routed(RouteRepost)

	if !p.consume(ctx, mb, msg.ID, logger) {
		logger.Error("could not mark repost request handled, leaving it for the next cycle")
		return false
	}
	p.submit(logger, Job{
		Kind: string(domain.KindRepost),
		Run: func(ctx context.Context) error {
			return p.runner.RunRepost(ctx, msg)
		},
	})
	return true
}

// consume tags the message processed and read, then archives (or deletes) it. It reports
// whether the message will stay out of later listings.
func (p *Poller) consume(ctx context.Context, mb ports.Mailbox, id string, logger *slog.Logger) bool {
	tagged := p.mutate(ctx, logger, "tag processed", func(ctx context.Context) error {
		return mb.UpdateMessageState(ctx, id, domain.StateChange{
			AddLabels: []string{domain.LabelProcessed},
			Read:      domain.Bool(true),
		})
	})
	if p.deleteHandled {
		deleted := p.mutate(ctx, logger, "delete", func(ctx context.Context) error {
			return mb.DeleteMessage(ctx, id)
		})
		return tagged || deleted
	}
	archived := p.mutate(ctx, logger, "archive", func(ctx context.Context) error {
		return mb.ArchiveMessage(ctx, id)
	})
	return tagged || archived
}

func (p *Poller) mutate(ctx context.Context, logger *slog.Logger, op string, fn func(context.Context) error) bool {
	if err := p.retry.Do(ctx, logger, op, fn); err != nil {
		logger.Error("mailbox mutation gave up", "op", op, "error", err)
		return false
	}
	return true
}

func (p *Poller) submit(logger *slog.Logger, job Job) {
	if p.jobs == nil {
		return
	}
	if !p.jobs.Submit(job) {
		logger.Error("background job rejected", "kind", job.Kind)
	}
}
