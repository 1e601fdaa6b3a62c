package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"NewsDigest/internal/domain"
)

// ErrInvalidControl is returned when a control message body holds no JSON object.
var ErrInvalidControl = errors.New("control payload is not a JSON object")

var errNotPositive = errors.New("must be a positive integer")

// Control is a decoded control message: recognised keys are applied, the rest ignored.
type Control map[string]json.RawMessage

// Result describes what applying a Control changed.
type Result struct {
	Applied         []string
	Rejected        map[string]string
	Ignored         []string
	SendNow         bool
	ScheduleChanged bool
}

// ParseControl extracts the JSON object from a control message body.
// Mail clients add signatures and quoting, so everything outside the outermost braces is discarded.
func ParseControl(body string) (Control, error) {
	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start < 0 || end <= start {
		return nil, ErrInvalidControl
	}

	var ctl Control
	if err := json.Unmarshal([]byte(body[start:end+1]), &ctl); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidControl, err)
	}
	if ctl == nil {
		return nil, ErrInvalidControl
	}
	return ctl, nil
}

// apply mutates a copy of cur. Keys with values of the wrong shape are rejected individually.
func apply(cur Settings, ctl Control) (Settings, Result) {
	next := cur.Clone()
	res := Result{Rejected: map[string]string{}}

	reject := func(key string, err error) {
		res.Rejected[key] = err.Error()
	}

	for key, raw := range ctl {
		switch key {
		case "active":
			var v bool
			if err := json.Unmarshal(raw, &v); err != nil {
				reject(key, err)
				continue
			}
			next.Active = v
		case "days":
			var v []string
			if err := json.Unmarshal(raw, &v); err != nil {
				reject(key, err)
				continue
			}
			days, unknown := normalizeDays(v)
			if len(unknown) > 0 {
				reject(key, fmt.Errorf("unknown weekdays %v", unknown))
				continue
			}
			next.Days = days
		case "release_time_str":
			var v string
			if err := json.Unmarshal(raw, &v); err != nil {
				reject(key, err)
				continue
			}
			rt, err := normalizeRelease(v)
			if err != nil {
				reject(key, err)
				continue
			}
			next.ReleaseTime = rt
		case "seconds_between_checks":
			var v int
			if err := json.Unmarshal(raw, &v); err != nil || v <= 0 {
				reject(key, errNotPositive)
				continue
			}
			next.PollInterval = v
		case "whitelisted_senders":
			var v []string
			if err := json.Unmarshal(raw, &v); err != nil {
				reject(key, err)
				continue
			}
			next.AllowedSenders = normalizeSenders(v)
		case "newsletter_email":
			var v string
			if err := json.Unmarshal(raw, &v); err != nil {
				reject(key, err)
				continue
			}
			next.DigestRecipient = domain.ExtractAddress(v)
		case "limit_newest":
			var v int
			if err := json.Unmarshal(raw, &v); err != nil || v <= 0 {
				reject(key, errNotPositive)
				continue
			}
			next.MaxCandidates = v
		case "send_now":
			var v bool
			if err := json.Unmarshal(raw, &v); err != nil {
				reject(key, err)
				continue
			}
			res.SendNow = v
			continue
		default:
			res.Ignored = append(res.Ignored, key)
			continue
		}
		res.Applied = append(res.Applied, key)
	}

	sort.Strings(res.Applied)
	sort.Strings(res.Ignored)
	res.ScheduleChanged = !cur.ScheduleEqual(next)
	return next, res
}
