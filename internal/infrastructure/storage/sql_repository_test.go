package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"NewsDigest/internal/domain"
)

func openMemory(t *testing.T) *SQLRepository {
	t.Helper()
	repo, err := Open(context.Background(), "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func delivery(runID string, links ...string) domain.Delivery {
	d := domain.Delivery{
		RunID:     runID,
		Kind:      domain.KindDigest,
		MessageID: "msg-" + runID,
		Recipient: "team@lab.org",
		SentAt:    time.Date(2025, 11, 10, 11, 0, 0, 0, time.UTC),
	}
	for i, link := range links {
		d.Articles = append(d.Articles, domain.NormalizedArticle{
			Title:    fmt.Sprintf("Article %d", i),
			Category: domain.CategoryNews,
			Link:     link,
		})
	}
	return d
}

func TestRecordAndLookupDeliveries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := openMemory(t)

	require.NoError(t, repo.RecordDelivery(ctx, delivery("run-1", "https://a.org/1", "", "https://a.org/2")))
	require.NoError(t, repo.RecordDelivery(ctx, delivery("run-2", "https://a.org/2", "https://a.org/3")))

	seen, err := repo.Delivered(ctx, []string{"https://a.org/1", "https://a.org/3", "https://b.org/new"})
	require.NoError(t, err)
	require.Equal(t, map[string]bool{"https://a.org/1": true, "https://a.org/3": true}, seen)

	var runID string
	require.NoError(t, repo.db.QueryRowContext(ctx, "SELECT run_id FROM delivered_articles WHERE link = ?", "https://a.org/2").Scan(&runID))
	require.Equal(t, "run-1", runID)

	var count int
	require.NoError(t, repo.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM delivered_articles").Scan(&count))
	require.Equal(t, 3, count)
}

func TestDeliveredHandlesEmptyAndLargeInput(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := openMemory(t)

	seen, err := repo.Delivered(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, seen)

	links := make([]string, 0, lookupChunk+20)
	for i := 0; i < lookupChunk+20; i++ {
		links = append(links, fmt.Sprintf("https://a.org/%d", i))
	}
	require.NoError(t, repo.RecordDelivery(ctx, delivery("run-1", links[lookupChunk+5])))

	seen, err = repo.Delivered(ctx, links)
	require.NoError(t, err)
	require.Equal(t, map[string]bool{links[lookupChunk+5]: true}, seen)
}

func TestMigrateIsIdempotent(t *testing.T) {
	t.Parallel()

	repo := openMemory(t)
	require.NoError(t, repo.Migrate(context.Background()))
}

func TestPlaceholderFormatFollowsDriver(t *testing.T) {
	t.Parallel()

	query, args, err := New(nil, "postgres").deliveredQuery([]string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, "SELECT link FROM delivered_articles WHERE link IN ($1,$2)", query)
	require.Equal(t, []any{"a", "b"}, args)

	query, _, err = New(nil, "sqlite").deliveredQuery([]string{"a"})
	require.NoError(t, err)
	require.Equal(t, "SELECT link FROM delivered_articles WHERE link IN (?)", query)
}

func TestNilDatabaseIsNoop(t *testing.T) {
	t.Parallel()

	repo := New(nil, "sqlite")
	seen, err := repo.Delivered(context.Background(), []string{"x"})
	require.NoError(t, err)
	require.Empty(t, seen)
	require.NoError(t, repo.RecordDelivery(context.Background(), delivery("r", "x")))
	require.NoError(t, repo.Close())
}
