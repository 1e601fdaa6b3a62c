package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"NewsDigest/internal/domain"
	"NewsDigest/internal/metrics"
	"NewsDigest/internal/ports"
)

// ErrDigestRunning rejects a digest request while another digest is in flight.
var ErrDigestRunning = errors.New("digest already running")

// Reasons reported in Outcome when nothing was mailed.
const (
	ReasonNoCandidates = "no candidates"
	ReasonNoArticles   = "no qualifying articles"
	ReasonNoRecipient  = "no recipient configured"
	ReasonDryRun       = "dry run"
)

// PipelineDeps wires all driven adapters into the delivery pipeline.
type PipelineDeps struct {
	Mailboxes     ports.MailboxOpener
	Aggregator    *Aggregator
	Renderer      ports.Renderer
	Sources       []ports.ArticleSource
	History       ports.DeliveryRepository
	Notifier      ports.Notifier
	Settings      SettingsSource
	Clock         ports.Clock
	Metrics       *metrics.Recorder
	Logger        *slog.Logger
	Retry         RetryPolicy
	LookbackDays  int
	DigestSubject string
	RepostSubject string
}

// DigestOptions tunes a single digest run.
type DigestOptions struct {
	DryRun bool
}

// Outcome summarises one digest or repost run.
type Outcome struct {
	RunID      string
	Kind       domain.DigestKind
	Candidates int
	Articles   []domain.NormalizedArticle
	HTML       string
	MessageID  string
	Sent       bool
	Reason     string
}

// Pipeline implements the digest and repost workflows.
type Pipeline struct {
	mailboxes     ports.MailboxOpener
	aggregator    *Aggregator
	renderer      ports.Renderer
	sources       []ports.ArticleSource
	history       ports.DeliveryRepository
	notifier      ports.Notifier
	settings      SettingsSource
	clock         ports.Clock
	metrics       *metrics.Recorder
	logger        *slog.Logger
	retry         RetryPolicy
	lookbackDays  int
	digestSubject string
	repostSubject string

	digestMu sync.Mutex
}

// NewPipeline constructs the orchestration component.
func NewPipeline(deps PipelineDeps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retry := deps.Retry
	if retry.Attempts == 0 {
		retry = DefaultRetryPolicy()
	}
	lookback := deps.LookbackDays
	if lookback <= 0 {
		lookback = 7
	}
	digestSubject := deps.DigestSubject
	if digestSubject == "" {
		digestSubject = "Weekly News"
	}
	repostSubject := deps.RepostSubject
	if repostSubject == "" {
		repostSubject = "Repost"
	}
	return &Pipeline{
		mailboxes:     deps.Mailboxes,
		aggregator:    deps.Aggregator,
		renderer:      deps.Renderer,
		sources:       deps.Sources,
		history:       deps.History,
		notifier:      deps.Notifier,
		settings:      deps.Settings,
		clock:         deps.Clock,
		metrics:       deps.Metrics,
		logger:        logger.With("component", "pipeline"),
		retry:         retry,
		lookbackDays:  lookback,
		digestSubject: digestSubject,
		repostSubject: repostSubject,
	}
}

// RunDigest is the job body used by the schedule controller and by send_now.
func (p *Pipeline) RunDigest(ctx context.Context) error {
	_, err := p.Digest(ctx, DigestOptions{})
	return err
}

// Digest collects the lookback window, aggregates it and mails the result.
func (p *Pipeline) Digest(ctx context.Context, opts DigestOptions) (Outcome, error) {
	if !p.digestMu.TryLock() {
		return Outcome{}, ErrDigestRunning
	}
	defer p.digestMu.Unlock()

	started := p.clock.Now()
	out := Outcome{RunID: runID(ctx), Kind: domain.KindDigest}
	logger := p.logger.With("run_id", out.RunID, "kind", out.Kind)
	defer func() { p.metrics.JobDone(string(domain.KindDigest), p.clock.Now().Sub(started)) }()

	snap := p.settings.Snapshot()

	mb, err := p.mailboxes.Open(ctx)
	if err != nil {
		p.metrics.Digest(string(out.Kind), "failed")
		return out, fmt.Errorf("open mailbox: %w", err)
	}
	defer mb.Close()

	items, messageIDs := p.collectInbox(ctx, mb, snap.MaxCandidates, started, logger)
	items = append(items, p.collectSources(ctx, started, logger)...)
	out.Candidates = len(items)
	if len(items) == 0 {
		out.Reason = ReasonNoCandidates
		logger.Info("no candidates in lookback window; digest not sent")
		p.metrics.Digest(string(out.Kind), "empty")
		return out, nil
	}

	articles, err := p.aggregator.Aggregate(ctx, items, out.RunID)
	if err != nil {
		p.metrics.Digest(string(out.Kind), "failed")
		p.alert(ctx, logger, fmt.Sprintf("Digest %s failed: %v", out.RunID, err))
		return out, fmt.Errorf("aggregate digest: %w", err)
	}
	articles = p.dropDelivered(ctx, articles, logger)

	if err := p.deliver(ctx, mb, &out, p.digestSubject, articles, snap.DigestRecipient, opts.DryRun, logger); err != nil {
		return out, err
	}
	if !opts.DryRun {
		p.markAnalyzed(ctx, mb, messageIDs, logger)
	}
	return out, nil
}

// RunRepost aggregates one already-archived message and mails it as a standalone digest.
func (p *Pipeline) RunRepost(ctx context.Context, msg domain.Message) error {
	started := p.clock.Now()
	out := Outcome{RunID: runID(ctx), Kind: domain.KindRepost, Candidates: 1}
	logger := p.logger.With("run_id", out.RunID, "kind", out.Kind, "message_id", msg.ID)
	defer func() { p.metrics.JobDone(string(domain.KindRepost), p.clock.Now().Sub(started)) }()

	snap := p.settings.Snapshot()

	articles, err := p.aggregator.Direct(ctx, candidateFromMessage(msg), out.RunID)
	if err != nil {
		p.metrics.Digest(string(out.Kind), "failed")
		p.alert(ctx, logger, fmt.Sprintf("Repost of %q failed: %v", msg.Title, err))
		return fmt.Errorf("aggregate repost: %w", err)
	}

	mb, err := p.mailboxes.Open(ctx)
	if err != nil {
		p.metrics.Digest(string(out.Kind), "failed")
		return fmt.Errorf("open mailbox: %w", err)
	}
	defer mb.Close()

	subject := p.repostSubject
	if title := strings.TrimSpace(msg.Title); title != "" {
		subject = fmt.Sprintf("%s: %s", p.repostSubject, title)
	}
	return p.deliver(ctx, mb, &out, subject, articles, snap.DigestRecipient, false, logger)
}

func (p *Pipeline) collectInbox(ctx context.Context, mb ports.Mailbox, limit int, now time.Time, logger *slog.Logger) ([]domain.CandidateItem, []string) {
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, now.Location())

	stubs, err := mb.ListMessages(ctx, domain.ListFilter{
		Since:         today.AddDate(0, 0, -p.lookbackDays),
		Until:         today.AddDate(0, 0, 1),
		Read:          domain.Bool(false),
		Archived:      domain.Bool(false),
		ExcludeLabels: []string{domain.LabelAnalyzed, domain.LabelProcessed},
		MaxResults:    100,
		LimitNewest:   limit,
	})
	if err != nil {
		logger.Warn("list digest candidates failed", "error", err)
		return nil, nil
	}

	items := make([]domain.CandidateItem, 0, len(stubs))
	ids := make([]string, 0, len(stubs))
	for _, stub := range stubs {
		msg, err := mb.ParseMessage(ctx, stub.ID)
		if err != nil {
			logger.Warn("skip unparsable message", "message_id", stub.ID, "error", err)
			continue
		}
		items = append(items, candidateFromMessage(msg))
		ids = append(ids, msg.ID)
	}
	return items, ids
}

func (p *Pipeline) collectSources(ctx context.Context, now time.Time, logger *slog.Logger) []domain.CandidateItem {
	since := now.AddDate(0, 0, -p.lookbackDays)
	var items []domain.CandidateItem
	for _, src := range p.sources {
		got, err := src.FetchCandidates(ctx, since)
		if err != nil {
			logger.Warn("external source failed", "error", err)
			continue
		}
		items = append(items, got...)
	}
	return items
}

func (p *Pipeline) dropDelivered(ctx context.Context, articles []domain.NormalizedArticle, logger *slog.Logger) []domain.NormalizedArticle {
	if p.history == nil || len(articles) == 0 {
		return articles
	}
	links := make([]string, 0, len(articles))
	for _, a := range articles {
		if a.Link != "" {
			links = append(links, a.Link)
		}
	}
	seen, err := p.history.Delivered(ctx, links)
	if err != nil {
		logger.Warn("delivery history unavailable, not deduplicating", "error", err)
		return articles
	}
	kept := articles[:0]
	for _, a := range articles {
		if a.Link != "" && seen[a.Link] {
			logger.Debug("skip previously delivered article", "link", a.Link)
			continue
		}
		kept = append(kept, a)
	}
	return kept
}

func (p *Pipeline) deliver(ctx context.Context, mb ports.Mailbox, out *Outcome, subject string, articles []domain.NormalizedArticle, recipient string, dryRun bool, logger *slog.Logger) error {
	out.Articles = articles
	kind := string(out.Kind)

	if len(articles) == 0 {
		out.Reason = ReasonNoArticles
		logger.Info("no qualifying articles; digest not sent")
		p.metrics.Digest(kind, "empty")
		return nil
	}

	html, err := p.renderer.Render(out.Kind, articles)
	if err != nil {
		p.metrics.Digest(kind, "failed")
		return fmt.Errorf("render %s: %w", kind, err)
	}
	out.HTML = html

	if dryRun {
		out.Reason = ReasonDryRun
		logger.Info("dry run; digest rendered but not sent", "articles", len(articles))
		p.metrics.Digest(kind, "dry_run")
		return nil
	}
	if strings.TrimSpace(recipient) == "" {
		out.Reason = ReasonNoRecipient
		logger.Warn("NO DIGEST RECIPIENT CONFIGURED; set newsletter_email to enable delivery", "articles", len(articles))
		p.metrics.Digest(kind, "no_recipient")
		return nil
	}

	messageID, err := mb.SendHTML(ctx, recipient, subject, html)
	if err != nil {
		p.metrics.Digest(kind, "failed")
		p.alert(ctx, logger, fmt.Sprintf("Sending %s %s failed: %v", kind, out.RunID, err))
		return fmt.Errorf("send %s: %w", kind, err)
	}
	out.MessageID = messageID
	out.Sent = true
	p.metrics.Digest(kind, "sent")
	logger.Info("digest sent", "recipient", recipient, "articles", len(articles), "mail_id", messageID)

	if p.history != nil {
		err := p.history.RecordDelivery(ctx, domain.Delivery{
			RunID:     out.RunID,
			Kind:      out.Kind,
			MessageID: messageID,
			Recipient: recipient,
			Articles:  articles,
			SentAt:    p.clock.Now(),
		})
		if err != nil {
			logger.Warn("record delivery failed", "error", err)
		}
	}
	p.alert(ctx, logger, fmt.Sprintf("%s sent to %s with %d articles", subject, recipient, len(articles)))
	return nil
}

func (p *Pipeline) markAnalyzed(ctx context.Context, mb ports.Mailbox, ids []string, logger *slog.Logger) {
	change := domain.StateChange{AddLabels: []string{domain.LabelAnalyzed}}
	for _, id := range ids {
		err := p.retry.Do(ctx, logger, "tag analyzed", func(ctx context.Context) error {
			return mb.UpdateMessageState(ctx, id, change)
		})
		if err != nil {
			logger.Error("tag analyzed failed", "message_id", id, "error", err)
		}
	}
}

func (p *Pipeline) alert(ctx context.Context, logger *slog.Logger, text string) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.Notify(ctx, text); err != nil {
		logger.Warn("notify failed", "error", err)
	}
}

func candidateFromMessage(msg domain.Message) domain.CandidateItem {
	return domain.CandidateItem{
		SourceID: msg.ID,
		Title:    msg.Title,
		Body:     msg.Text,
		Links:    msg.Links,
	}
}

func runID(ctx context.Context) string {
	if id := JobID(ctx); id != "" {
		return id
	}
	return uuid.NewString()
}
