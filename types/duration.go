package types

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var deltaRegex = regexp.MustCompile(`^((?P<hours>\d+)h)?((?P<minutes>\d+)m)?((?P<seconds>\d+)s)?$`)

// ParseDelta converts a duration string to a time.Duration. Accepted
// forms are a plain number of seconds ("10", "2.5") or a combination of
// hours, minutes and seconds ("1h30m", "90s", "1h2m3s").
func ParseDelta(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	// Plain numeric seconds
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}

	m := deltaRegex.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("unable to parse duration %q", s)
	}
	var d time.Duration
	for i, name := range deltaRegex.SubexpNames() {
		if name == "" || m[i] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i])
		if err != nil {
			return 0, fmt.Errorf("unable to parse duration %q: %w", s, err)
		}
		switch name {
		case "hours":
			d += time.Duration(n) * time.Hour
		case "minutes":
			d += time.Duration(n) * time.Minute
		case "seconds":
			d += time.Duration(n) * time.Second
		}
	}
	return d, nil
}

// ParseDeltaValue converts a YAML/JSON scalar (string or number) to a
// duration. Numbers are interpreted as seconds.
func ParseDeltaValue(v any) (time.Duration, error) {
	switch t := v.(type) {
	case string:
		return ParseDelta(t)
	case int:
		return time.Duration(t) * time.Second, nil
	case int64:
		return time.Duration(t) * time.Second, nil
	case float64:
		return time.Duration(t * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("cannot parse duration from %T", v)
	}
}
