// Package timeutil holds the time conventions shared across the bot:
// all persisted timestamps are RFC 3339 UTC truncated to whole seconds,
// so lexicographic order matches chronological order.
package timeutil

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var windowRe = regexp.MustCompile(`^(\d+)([smhdw])$`)

var unitSeconds = map[string]int64{
	"s": 1,
	"m": 60,
	"h": 3600,
	"d": 86400,
	"w": 604800,
}

// ParseWindow parses a compact duration like "45m", "12h", "3d", "2w".
// The unit suffix is required.
func ParseWindow(raw string) (time.Duration, error) {
	m := windowRe.FindStringSubmatch(strings.TrimSpace(strings.ToLower(raw)))
	if m == nil {
		return 0, fmt.Errorf("invalid window %q (expected forms like 45m, 12h, 3d, 2w)", raw)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid window %q: %w", raw, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid window %q: must be positive", raw)
	}
	return time.Duration(n*unitSeconds[m[2]]) * time.Second, nil
}

// IsWindow reports whether raw looks like a window token, without
// allocating an error for the common "not a window" probe.
func IsWindow(raw string) bool {
	return windowRe.MatchString(strings.TrimSpace(strings.ToLower(raw)))
}

// FormatWindow renders a duration back into the compact form using the
// largest unit that divides it evenly.
func FormatWindow(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs <= 0 {
		return "0s"
	}
	for _, unit := range []struct {
		suffix string
		secs   int64
	}{
		{"w", 604800},
		{"d", 86400},
		{"h", 3600},
		{"m", 60},
	} {
		if secs%unit.secs == 0 {
			return fmt.Sprintf("%d%s", secs/unit.secs, unit.suffix)
		}
	}
	return fmt.Sprintf("%ds", secs)
}

// ToISOUTC renders t as RFC 3339 UTC truncated to seconds, the canonical
// persisted form.
func ToISOUTC(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// FromISOUTC parses a timestamp previously produced by ToISOUTC.
func FromISOUTC(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// NowISOUTC is the canonical "now" for persistence.
func NowISOUTC() string {
	return ToISOUTC(time.Now())
}

// ParseDailyTime parses "HH:MM" into hour and minute.
func ParseDailyTime(raw string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid daily time %q (expected HH:MM)", raw)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid daily time %q: bad hour", raw)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid daily time %q: bad minute", raw)
	}
	return hour, minute, nil
}

// LoadLocation resolves an IANA timezone name, falling back to UTC on
// an empty name.
func LoadLocation(name string) (*time.Location, error) {
	if strings.TrimSpace(name) == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return loc, nil
}
