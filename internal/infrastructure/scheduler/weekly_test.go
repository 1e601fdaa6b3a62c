package scheduler

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func monday(hour, minute int) time.Time {
	// 2025-11-10 is a Monday.
	return time.Date(2025, time.November, 10, hour, minute, 0, 0, time.UTC)
}

func TestNextFireSameDayBeforeRelease(t *testing.T) {
	t.Parallel()

	rule := WeeklyRule{Days: []time.Weekday{time.Monday}, Hour: 12}
	next, err := NextFire(monday(11, 0), rule)
	require.NoError(t, err)
	require.Equal(t, monday(12, 0), next)
}

func TestNextFireAfterReleaseRollsToNextWeek(t *testing.T) {
	t.Parallel()

	rule := WeeklyRule{Days: []time.Weekday{time.Monday}, Hour: 12}
	next, err := NextFire(monday(13, 0), rule)
	require.NoError(t, err)
	require.Equal(t, monday(12, 0).AddDate(0, 0, 7), next)
}

func TestNextFireAtExactReleaseIsNotToday(t *testing.T) {
	t.Parallel()

	rule := WeeklyRule{Days: []time.Weekday{time.Monday}, Hour: 12}
	next, err := NextFire(monday(12, 0), rule)
	require.NoError(t, err)
	require.Equal(t, monday(12, 0).AddDate(0, 0, 7), next)
}

func TestNextFireScansForwardAcrossWeekWrap(t *testing.T) {
	t.Parallel()

	rule := WeeklyRule{Days: []time.Weekday{time.Sunday, time.Tuesday}, Hour: 8, Minute: 30}
	saturday := time.Date(2025, time.November, 15, 9, 0, 0, 0, time.UTC)
	next, err := NextFire(saturday, rule)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, time.November, 16, 8, 30, 0, 0, time.UTC), next)
}

func TestNextFireKeepsLocation(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+2", 2*60*60)
	now := time.Date(2025, time.November, 10, 9, 0, 0, 0, loc)
	next, err := NextFire(now, WeeklyRule{Days: []time.Weekday{time.Monday}, Hour: 10})
	require.NoError(t, err)
	require.Equal(t, 10, next.Hour())
	require.Equal(t, loc, next.Location())
}

func TestNextFireRejectsEmptyDays(t *testing.T) {
	t.Parallel()

	_, err := NextFire(monday(9, 0), WeeklyRule{Hour: 9})
	require.Error(t, err)
}

func TestNextFireWithinOneWeekAndOnScheduledDay(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	base := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 500; i++ {
		var days []time.Weekday
		allowed := map[time.Weekday]bool{}
		for d := time.Sunday; d <= time.Saturday; d++ {
			if rng.Intn(2) == 0 {
				days = append(days, d)
				allowed[d] = true
			}
		}
		if len(days) == 0 {
			days = []time.Weekday{time.Weekday(rng.Intn(7))}
			allowed[days[0]] = true
		}

		rule := WeeklyRule{Days: days, Hour: rng.Intn(24), Minute: rng.Intn(60), Second: rng.Intn(60)}
		now := base.Add(time.Duration(rng.Int63n(int64(365 * 24 * time.Hour))))

		next, err := NextFire(now, rule)
		require.NoError(t, err)
		require.True(t, next.After(now), "next %v not after now %v", next, now)
		require.False(t, next.After(now.AddDate(0, 0, 7)), "next %v beyond a week from %v", next, now)
		require.True(t, allowed[next.Weekday()], "next %v on unscheduled day", next)
		require.Equal(t, rule.Hour, next.Hour())
		require.Equal(t, rule.Minute, next.Minute())
		require.Equal(t, rule.Second, next.Second())
	}
}
