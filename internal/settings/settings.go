package settings

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"NewsDigest/internal/domain"
)

const (
	defaultPollInterval  = 10
	defaultMaxCandidates = 15
	releaseLayout        = "15:04:05"
)

// Settings is the runtime ConfigState persisted as JSON.
type Settings struct {
	Active          bool     `json:"active"`
	Days            []string `json:"days"`
	ReleaseTime     string   `json:"release_time_str"`
	PollInterval    int      `json:"seconds_between_checks"`
	AllowedSenders  []string `json:"whitelisted_senders"`
	DigestRecipient string   `json:"newsletter_email"`
	MaxCandidates   int      `json:"limit_newest"`
}

// Defaults returns the state used when the settings file is new or fields are absent.
func Defaults() Settings {
	return Settings{
		Active:         true,
		Days:           []string{},
		PollInterval:   defaultPollInterval,
		AllowedSenders: []string{},
		MaxCandidates:  defaultMaxCandidates,
	}
}

// Clone returns a deep copy.
func (s Settings) Clone() Settings {
	out := s
	out.Days = append([]string{}, s.Days...)
	out.AllowedSenders = append([]string{}, s.AllowedSenders...)
	return out
}

// PollEvery returns the poll interval as a duration.
func (s Settings) PollEvery() time.Duration {
	if s.PollInterval <= 0 {
		return defaultPollInterval * time.Second
	}
	return time.Duration(s.PollInterval) * time.Second
}

// Weekdays returns the schedule days as time.Weekday values.
func (s Settings) Weekdays() []time.Weekday {
	out := make([]time.Weekday, 0, len(s.Days))
	for _, name := range s.Days {
		if d, ok := parseWeekday(name); ok {
			out = append(out, d)
		}
	}
	return out
}

// Release parses ReleaseTime; ok is false when it is unset or malformed.
func (s Settings) Release() (hour, minute, second int, ok bool) {
	if s.ReleaseTime == "" {
		return 0, 0, 0, false
	}
	t, err := time.Parse(releaseLayout, s.ReleaseTime)
	if err != nil {
		return 0, 0, 0, false
	}
	return t.Hour(), t.Minute(), t.Second(), true
}

// IsAllowed reports whether the sender header belongs to the allowlist.
func (s Settings) IsAllowed(sender string) bool {
	addr := domain.NormalizeAddress(sender)
	if addr == "" {
		return false
	}
	for _, allowed := range s.AllowedSenders {
		if allowed == addr {
			return true
		}
	}
	return false
}

// ScheduleEqual reports whether both states produce the same delivery rule.
func (s Settings) ScheduleEqual(other Settings) bool {
	return s.Active == other.Active &&
		s.ReleaseTime == other.ReleaseTime &&
		strings.Join(s.Days, ",") == strings.Join(other.Days, ",")
}

// normalizeDays canonicalises weekday names, drops unknown ones and keeps Monday-first order.
func normalizeDays(names []string) ([]string, []string) {
	seen := map[time.Weekday]bool{}
	var rejected []string
	for _, name := range names {
		d, ok := parseWeekday(name)
		if !ok {
			rejected = append(rejected, name)
			continue
		}
		seen[d] = true
	}

	days := make([]time.Weekday, 0, len(seen))
	for d := range seen {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool {
		return (days[i]+6)%7 < (days[j]+6)%7
	})

	out := make([]string, 0, len(days))
	for _, d := range days {
		out = append(out, d.String())
	}
	return out, rejected
}

func normalizeSenders(raw []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		addr := domain.NormalizeAddress(s)
		if addr == "" || seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	return out
}

// normalizeRelease accepts HH:MM:SS or HH:MM and renders HH:MM:SS.
func normalizeRelease(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", nil
	}
	for _, layout := range []string{releaseLayout, "15:04"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.Format(releaseLayout), nil
		}
	}
	return "", fmt.Errorf("release time %q is not HH:MM:SS", value)
}

func parseWeekday(name string) (time.Weekday, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if name == full || (len(name) == 3 && strings.HasPrefix(full, name)) {
			return d, true
		}
	}
	return 0, false
}

// normalize brings a loaded state into canonical form so persist/load round-trips exactly.
func normalize(s Settings) Settings {
	s.Days, _ = normalizeDays(s.Days)
	s.AllowedSenders = normalizeSenders(s.AllowedSenders)
	if rt, err := normalizeRelease(s.ReleaseTime); err == nil {
		s.ReleaseTime = rt
	} else {
		s.ReleaseTime = ""
	}
	s.DigestRecipient = domain.ExtractAddress(s.DigestRecipient)
	if s.PollInterval <= 0 {
		s.PollInterval = defaultPollInterval
	}
	if s.MaxCandidates <= 0 {
		s.MaxCandidates = defaultMaxCandidates
	}
	return s
}
