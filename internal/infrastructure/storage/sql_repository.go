package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"NewsDigest/internal/domain"
	"NewsDigest/internal/ports"
)

const (
	deliveriesTable = "delivered_articles"
	lookupChunk     = 500
)

const createDeliveries = `CREATE TABLE IF NOT EXISTS delivered_articles (
	link       TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	kind       TEXT NOT NULL,
	message_id TEXT NOT NULL DEFAULT '',
	recipient  TEXT NOT NULL DEFAULT '',
	title      TEXT NOT NULL DEFAULT '',
	category   TEXT NOT NULL DEFAULT '',
	sent_at    TIMESTAMP NOT NULL
)`

// SQLRepository keeps delivered article links in Postgres or SQLite.
type SQLRepository struct {
	db      *sql.DB
	builder sq.StatementBuilderType
}

var _ ports.DeliveryRepository = (*SQLRepository)(nil)

// Open connects to driver ("postgres" or "sqlite") and applies the schema.
func Open(ctx context.Context, driver, dsn string) (*SQLRepository, error) {
	driver = normalizeDriver(driver)
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	repo := New(db, driver)
	if err := repo.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// New wires an existing sql.DB with the placeholder style of driver.
func New(db *sql.DB, driver string) *SQLRepository {
	var format sq.PlaceholderFormat = sq.Question
	if normalizeDriver(driver) == "postgres" {
		format = sq.Dollar
	}
	return &SQLRepository{db: db, builder: sq.StatementBuilder.PlaceholderFormat(format)}
}

func normalizeDriver(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "pq":
		return "postgres"
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return driver
	}
}

// Migrate creates the deliveries table when missing.
func (r *SQLRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createDeliveries); err != nil {
		return fmt.Errorf("migrate deliveries: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (r *SQLRepository) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Delivered returns the subset of links already sent in an earlier run.
func (r *SQLRepository) Delivered(ctx context.Context, links []string) (map[string]bool, error) {
	result := make(map[string]bool)
	if r.db == nil || len(links) == 0 {
		return result, nil
	}

	for start := 0; start < len(links); start += lookupChunk {
		end := min(start+lookupChunk, len(links))
		query, args, err := r.deliveredQuery(links[start:end])
		if err != nil {
			return nil, err
		}
		if err := r.collectLinks(ctx, query, args, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (r *SQLRepository) deliveredQuery(links []string) (string, []any, error) {
	query, args, err := r.builder.
		Select("link").
		From(deliveriesTable).
		Where(sq.Eq{"link": links}).
		ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build delivered query: %w", err)
	}
	return query, args, nil
}

func (r *SQLRepository) collectLinks(ctx context.Context, query string, args []any, into map[string]bool) error {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query delivered: %w", err)
	}
	for rows.Next() {
		var link string
		if err := rows.Scan(&link); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan link: %w", err)
		}
		into[link] = true
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		_ = rows.Close()
		return fmt.Errorf("rows iteration: %w", rowsErr)
	}
	if closeErr := rows.Close(); closeErr != nil {
		return fmt.Errorf("close rows: %w", closeErr)
	}
	return nil
}

// RecordDelivery stores every linked article of a sent document. Links seen before are kept as first delivered.
func (r *SQLRepository) RecordDelivery(ctx context.Context, delivery domain.Delivery) error {
	if r.db == nil {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delivery tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, a := range delivery.Articles {
		link := strings.TrimSpace(a.Link)
		if link == "" {
			continue
		}
		query, args, err := r.builder.
			Insert(deliveriesTable).
			Columns("link", "run_id", "kind", "message_id", "recipient", "title", "category", "sent_at").
			Values(link, delivery.RunID, string(delivery.Kind), delivery.MessageID, delivery.Recipient, a.Title, string(a.Category), delivery.SentAt.UTC()).
			Suffix("ON CONFLICT (link) DO NOTHING").
			ToSql()
		if err != nil {
			return fmt.Errorf("build delivery insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert delivery %s: %w", link, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delivery: %w", err)
	}
	return nil
}
