package processor

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TimeRange is an absolute UTC window. Start == End denotes an instant
// query.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

var durationPattern = regexp.MustCompile(`^(\d+)([smhdw])$`)

var unitSeconds = map[string]int64{
	"s": 1,
	"m": 60,
	"h": 3600,
	"d": 86400,
	"w": 604800,
}

// ParseDurationToken parses a relative window token such as "5m", "1h"
// or "2d". The grammar is `<integer><unit>` with unit one of s, m, h,
// d, w.
func ParseDurationToken(token string) (time.Duration, error) {
	m := durationPattern.FindStringSubmatch(strings.TrimSpace(strings.ToLower(token)))
	if m == nil {
		return 0, newError(KindInvalidDurationFormat, "invalid duration %q: expected <integer><unit> with unit one of s, m, h, d, w", token)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, newError(KindInvalidDurationFormat, "invalid duration %q: %v", token, err)
	}
	return time.Duration(n*unitSeconds[m[2]]) * time.Second, nil
}

// ResolveTimeRange converts a duration token and/or explicit bounds
// into an absolute window. Explicit bounds take precedence over the
// duration token; a duration is subtracted from now to produce the
// start. now is captured once per incoming request so that every
// sub-query of a batch sees the same anchor.
func ResolveTimeRange(duration, start, end string, now time.Time) (TimeRange, error) {
	now = now.UTC()
	if start != "" && end != "" {
		startAt, err := parseTimeBound(start, now)
		if err != nil {
			return TimeRange{}, err
		}
		endAt, err := parseTimeBound(end, now)
		if err != nil {
			return TimeRange{}, err
		}
		if startAt.After(endAt) {
			return TimeRange{}, newError(KindInvalidRangeOrder, "start %s is after end %s", startAt.Format(time.RFC3339), endAt.Format(time.RFC3339))
		}
		return TimeRange{Start: startAt, End: endAt}, nil
	}
	if duration != "" {
		d, err := ParseDurationToken(duration)
		if err != nil {
			return TimeRange{}, err
		}
		return TimeRange{Start: now.Add(-d), End: now}, nil
	}
	return TimeRange{}, newError(KindMissingTimeRange, "either a duration or explicit start and end times are required")
}

// parseTimeBound accepts "now", "now-<duration>" or an RFC3339
// timestamp and returns the corresponding UTC instant.
func parseTimeBound(s string, now time.Time) (time.Time, error) {
	trimmed := strings.TrimSpace(s)
	lower := strings.ToLower(trimmed)
	if lower == "now" {
		return now, nil
	}
	if rest, ok := strings.CutPrefix(lower, "now-"); ok {
		d, err := ParseDurationToken(rest)
		if err != nil {
			return time.Time{}, err
		}
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return time.Time{}, newError(KindInvalidDurationFormat, "invalid time %q: expected RFC3339, \"now\" or \"now-<duration>\"", s)
	}
	return t.UTC(), nil
}
