// Package dates turns client-supplied calendar-date strings into canonical
// midday-UTC instants.
package dates

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// CanonicalHour anchors canonical dates at midday UTC. The day survives
// rendering in offsets from UTC-12 to UTC+11; UTC+12 and beyond see the next
// day, so callers render stored dates in UTC.
const CanonicalHour = 12

const DayLayout = "2006-01-02"

var strictPattern = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})$`)

// Fallback layouts for legacy clients. These are interpreted in time.Local and
// are therefore timezone-sensitive.
var fallbackLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC1123Z,
	time.RFC1123,
	"January 2, 2006",
	"Jan 2, 2006",
	"01/02/2006",
}

// ParseError reports a date string that could not be resolved.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid date %q: %s", e.Input, e.Reason)
}

// Normalize converts s into a canonical instant. Strict YYYY-MM-DD input is
// assembled from its integer components at 12:00 UTC; anything else goes
// through best-effort timestamp parsing.
func Normalize(s string) (time.Time, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return time.Time{}, &ParseError{Input: s, Reason: "empty"}
	}
	if m := strictPattern.FindStringSubmatch(trimmed); m != nil {
		return fromComponents(s, m[1], m[2], m[3])
	}
	for _, layout := range fallbackLayouts {
		if t, err := time.ParseInLocation(layout, trimmed, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &ParseError{Input: s, Reason: "unrecognized date format"}
}

func fromComponents(input, ys, ms, ds string) (time.Time, error) {
	year, _ := strconv.Atoi(ys)
	month, _ := strconv.Atoi(ms)
	day, _ := strconv.Atoi(ds)

	if month < 1 || month > 12 {
		return time.Time{}, &ParseError{Input: input, Reason: fmt.Sprintf("month %d out of range", month)}
	}
	t := time.Date(year, time.Month(month), day, CanonicalHour, 0, 0, 0, time.UTC)
	// time.Date normalizes overflow (Feb 30 -> Mar 1); reject instead.
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return time.Time{}, &ParseError{Input: input, Reason: fmt.Sprintf("day %d does not exist in %04d-%02d", day, year, month)}
	}
	return t, nil
}

// Day renders t as a calendar day in loc. A nil loc means UTC.
func Day(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DayLayout)
}

// NextDay returns the calendar day following day (YYYY-MM-DD). Invalid input
// is returned unchanged.
func NextDay(day string) string {
	t, err := time.ParseInLocation(DayLayout, day, time.UTC)
	if err != nil {
		return day
	}
	return t.AddDate(0, 0, 1).Format(DayLayout)
}
