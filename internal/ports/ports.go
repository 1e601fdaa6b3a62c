package ports

import (
	"context"
	"time"

	"NewsDigest/internal/domain"
	"NewsDigest/internal/schema"
)

// Mailbox is one stateful session against the remote mailbox. Sessions are not shared between jobs.
type Mailbox interface {
	ListMessages(ctx context.Context, filter domain.ListFilter) ([]domain.MessageStub, error)
	ParseMessage(ctx context.Context, id string) (domain.Message, error)
	UpdateMessageState(ctx context.Context, id string, change domain.StateChange) error
	ArchiveMessage(ctx context.Context, id string) error
	DeleteMessage(ctx context.Context, id string) error
	SendHTML(ctx context.Context, to, subject, html string) (string, error)
	Close() error
}

// MailboxOpener hands out fresh mailbox sessions.
type MailboxOpener interface {
	Open(ctx context.Context) (Mailbox, error)
}

// FetchRequest asks the extractor for one page.
type FetchRequest struct {
	URL           string
	DownloadMedia bool
	MediaBucket   string
}

// ContentExtractor fetches a URL and returns cleaned text. ok=false means "skip this source".
type ContentExtractor interface {
	Fetch(ctx context.Context, req FetchRequest) (page domain.Page, ok bool)
}

// Classifier returns a JSON document for the given text, shaped by the schema.
type Classifier interface {
	Classify(ctx context.Context, text string, s schema.Schema) (string, error)
}

// Renderer turns normalized articles into an HTML document.
type Renderer interface {
	Render(kind domain.DigestKind, articles []domain.NormalizedArticle) (string, error)
}

// ArticleSource pulls optional external candidates (site listings) for a digest run.
type ArticleSource interface {
	FetchCandidates(ctx context.Context, since time.Time) ([]domain.CandidateItem, error)
}

// DeliveryRepository persists delivered articles for cross-run deduplication.
type DeliveryRepository interface {
	Delivered(ctx context.Context, links []string) (map[string]bool, error)
	RecordDelivery(ctx context.Context, delivery domain.Delivery) error
}

// Notifier streams short operator alerts to Telegram or other channels.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Clock abstracts wall-clock time and single-shot timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending single-shot callback.
type Timer interface {
	Stop() bool
}
