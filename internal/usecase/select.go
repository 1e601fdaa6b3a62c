package usecase

import (
	"sort"
	"strings"

	"NewsDigest/internal/domain"
)

// SelectTopN orders ranked articles by relevancy (ties keep pass order) and keeps at most
// limit of them, one per source. An ID repeated under the same source is dropped; the same
// ID ranked under different sources counts once per source.
func SelectTopN(items []domain.RankedArticle, limit int) []domain.RankedArticle {
	if limit <= 0 || len(items) == 0 {
		return nil
	}

	ordered := make([]domain.RankedArticle, len(items))
	copy(ordered, items)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].RelevancyScore > ordered[j].RelevancyScore
	})

	seenSources := make(map[string]struct{}, len(ordered))
	out := make([]domain.RankedArticle, 0, limit)
	for _, item := range ordered {
		source := strings.ToLower(strings.TrimSpace(item.Source))
		if _, dup := seenSources[source]; dup {
			continue
		}
		seenSources[source] = struct{}{}
		out = append(out, item)
		if len(out) == limit {
			break
		}
	}
	return out
}
