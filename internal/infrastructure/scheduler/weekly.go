package scheduler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var weeklyParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// WeeklyRule is a set of weekdays plus a local release time.
type WeeklyRule struct {
	Days   []time.Weekday
	Hour   int
	Minute int
	Second int
}

// Spec renders the rule as a six-field cron expression.
func (r WeeklyRule) Spec() (string, error) {
	if len(r.Days) == 0 {
		return "", fmt.Errorf("weekly rule has no days")
	}
	if r.Hour < 0 || r.Hour > 23 || r.Minute < 0 || r.Minute > 59 || r.Second < 0 || r.Second > 59 {
		return "", fmt.Errorf("weekly rule time %02d:%02d:%02d out of range", r.Hour, r.Minute, r.Second)
	}

	seen := map[time.Weekday]bool{}
	var dow []int
	for _, d := range r.Days {
		if d < time.Sunday || d > time.Saturday || seen[d] {
			continue
		}
		seen[d] = true
		dow = append(dow, int(d))
	}
	sort.Ints(dow)

	fields := make([]string, 0, len(dow))
	for _, d := range dow {
		fields = append(fields, strconv.Itoa(d))
	}
	return fmt.Sprintf("%d %d %d * * %s", r.Second, r.Minute, r.Hour, strings.Join(fields, ",")), nil
}

// NextFire returns the first release strictly after now, in now's location.
// A release equal to now belongs to the past, so the following occurrence is returned.
func NextFire(now time.Time, rule WeeklyRule) (time.Time, error) {
	spec, err := rule.Spec()
	if err != nil {
		return time.Time{}, err
	}
	sched, err := weeklyParser.Parse(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse weekly spec %q: %w", spec, err)
	}
	next := sched.Next(now)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("weekly spec %q has no next occurrence", spec)
	}
	return next, nil
}
