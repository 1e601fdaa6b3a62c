package usecase

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"NewsDigest/internal/domain"
)

func ranked(id, source string, score int) domain.RankedArticle {
	return domain.RankedArticle{ID: id, Source: source, RelevancyScore: score}
}

func TestSelectTopNOnePerSource(t *testing.T) {
	t.Parallel()

	items := []domain.RankedArticle{
		ranked("ARTICLE_1", "MIT", 40),
		ranked("ARTICLE_2", "Stanford", 90),
		ranked("ARTICLE_3", "MIT", 85),
		ranked("ARTICLE_4", "ETH", 60),
		ranked("ARTICLE_5", "Stanford", 70),
		ranked("ARTICLE_6", "ETH", 75),
		ranked("ARTICLE_7", "mit ", 99),
	}

	got := SelectTopN(items, 5)
	require.Len(t, got, 3)
	require.Equal(t, "ARTICLE_7", got[0].ID)
	require.Equal(t, "ARTICLE_2", got[1].ID)
	require.Equal(t, "ARTICLE_6", got[2].ID)
}

func TestSelectTopNTruncates(t *testing.T) {
	t.Parallel()

	items := []domain.RankedArticle{
		ranked("ARTICLE_1", "a", 10),
		ranked("ARTICLE_2", "b", 30),
		ranked("ARTICLE_3", "c", 20),
		ranked("ARTICLE_4", "d", 40),
	}

	got := SelectTopN(items, 2)
	require.Equal(t, []string{"ARTICLE_4", "ARTICLE_2"}, []string{got[0].ID, got[1].ID})
}

func TestSelectTopNTiesKeepInputOrder(t *testing.T) {
	t.Parallel()

	items := []domain.RankedArticle{
		ranked("ARTICLE_1", "a", 50),
		ranked("ARTICLE_2", "b", 50),
		ranked("ARTICLE_3", "c", 50),
	}
	got := SelectTopN(items, 3)
	require.Equal(t, "ARTICLE_1", got[0].ID)
	require.Equal(t, "ARTICLE_3", got[2].ID)
}

func TestSelectTopNDuplicateIDs(t *testing.T) {
	t.Parallel()

	got := SelectTopN([]domain.RankedArticle{
		ranked("ARTICLE_1", "a", 80),
		ranked("ARTICLE_1", "a", 75),
		ranked("ARTICLE_1", "b", 70),
	}, 5)
	require.Len(t, got, 2)
	require.Equal(t, "a", got[0].Source)
	require.Equal(t, 80, got[0].RelevancyScore)
	require.Equal(t, "ARTICLE_1", got[1].ID)
	require.Equal(t, "b", got[1].Source)
}

func TestSelectTopNEmptyInputs(t *testing.T) {
	t.Parallel()

	require.Empty(t, SelectTopN(nil, 5))
	require.Empty(t, SelectTopN([]domain.RankedArticle{ranked("ARTICLE_1", "a", 1)}, 0))
}

func TestSelectTopNProperties(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 300; i++ {
		n := rng.Intn(20)
		sources := 1 + rng.Intn(6)
		limit := 1 + rng.Intn(8)
		distinct := map[string]bool{}

		items := make([]domain.RankedArticle, n)
		for j := range items {
			src := fmt.Sprintf("src-%d", rng.Intn(sources))
			distinct[src] = true
			// ids collide so one article ranked under several sources is exercised
			items[j] = ranked(fmt.Sprintf("ARTICLE_%d", 1+rng.Intn(max(1, n/2))), src, rng.Intn(101))
		}

		got := SelectTopN(items, limit)
		require.Len(t, got, min(limit, len(distinct)))

		seen := map[string]bool{}
		for k, a := range got {
			require.False(t, seen[a.Source], "source %s selected twice", a.Source)
			seen[a.Source] = true
			if k > 0 {
				require.GreaterOrEqual(t, got[k-1].RelevancyScore, a.RelevancyScore)
			}
		}
	}
}
