package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// timeKeywords resolve relative to now.
var timeKeywords = map[string]func(now time.Time) time.Time{
	"now":       func(now time.Time) time.Time { return now },
	"today":     func(now time.Time) time.Time { return midnight(now, 0) },
	"yesterday": func(now time.Time) time.Time { return midnight(now, -1) },
}

// localLayouts are read in now's location.
var localLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ageUnits extends time.ParseDuration with whole days and weeks.
var ageUnits = map[string]time.Duration{
	"d": 24 * time.Hour,
	"w": 7 * 24 * time.Hour,
}

func midnight(t time.Time, addDays int) time.Time {
	y, m, d := t.AddDate(0, 0, addDays).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// parseTimeInput accepts a keyword (now, today, yesterday), a date or
// timestamp, or an age such as 36h, 7d or 2w meaning that long ago.
func parseTimeInput(input string, now time.Time) (time.Time, error) {
	raw := strings.TrimSpace(input)
	key := strings.ToLower(raw)

	if fn, ok := timeKeywords[key]; ok {
		return fn(now), nil
	}
	if age, err := parseAge(key); err == nil {
		return now.Add(-age), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.In(now.Location()), nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, raw, now.Location()); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q (use 7d, 24h, YYYY-MM-DD or RFC3339)", input)
}

// parseAge parses a non-negative Go duration or a whole number of days or
// weeks.
func parseAge(s string) (time.Duration, error) {
	for suffix, unit := range ageUnits {
		count, ok := strings.CutSuffix(s, suffix)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(count)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid age %q", s)
		}
		return time.Duration(n) * unit, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative age %q", s)
	}
	return d, nil
}
