package calendar

import (
	"fmt"
	"strings"
	"time"
)

// Layout is the ISO-8601 calendar date layout used on the wire and in storage.
const Layout = "2006-01-02"

// Day truncates a timestamp to its UTC calendar date.
func Day(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Date builds a UTC calendar date.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Parse parses an ISO-8601 calendar date.
func Parse(raw string) (time.Time, error) {
	parsed, err := time.Parse(Layout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", raw, err)
	}
	return parsed.UTC(), nil
}

// Format renders a calendar date as YYYY-MM-DD.
func Format(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return Day(t).Format(Layout)
}

// AddDays shifts a calendar date by n days.
func AddDays(t time.Time, n int) time.Time {
	return Day(t).AddDate(0, 0, n)
}

// Yesterday returns the calendar date before now.
func Yesterday(now time.Time) time.Time {
	return AddDays(now.UTC(), -1)
}

// Range returns every calendar date in [start, end].
func Range(start, end time.Time) []time.Time {
	start = Day(start)
	end = Day(end)
	if end.Before(start) {
		return nil
	}
	days := make([]time.Time, 0, int(end.Sub(start).Hours()/24)+1)
	for current := start; !current.After(end); current = current.AddDate(0, 0, 1) {
		days = append(days, current)
	}
	return days
}
