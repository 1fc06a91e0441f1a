package recurrence

import (
	"fmt"
	"strings"
	"time"
)

// Calendar dates are carried as time.Time at midnight UTC and reminder
// timestamps as wall-clock values labelled UTC. Neither carries a zone.
const (
	DateLayout     = "2006-01-02"
	DateTimeLayout = "2006-01-02T15:04:05"
)

var dateTimeLayouts = []string{DateTimeLayout, "2006-01-02T15:04", "2006-01-02 15:04:05", "2006-01-02 15:04"}

// Date truncates t to midnight UTC of its calendar day.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// WallClock re-labels the reading of t in loc as UTC, dropping the zone.
func WallClock(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// ParseDate parses a YYYY-MM-DD value.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// ParseDateTime parses a wall-clock timestamp without zone.
func ParseDateTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date-time %q", s)
}

// Add moves t by n units. Month and year steps clamp to the last day of the
// target month (Jan 31 + 1 month = Feb 28/29). Unit None leaves t unchanged.
func Add(t time.Time, u Unit, n int) time.Time {
	switch u {
	case Daily:
		return t.AddDate(0, 0, n)
	case Weekly:
		return t.AddDate(0, 0, 7*n)
	case Monthly:
		return addMonths(t, n)
	case Yearly:
		return addMonths(t, 12*n)
	}
	return t
}

func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, t.Location())
	if last := daysIn(first.Year(), first.Month()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// DaysBetween counts calendar days from a to b (negative when b is earlier).
func DaysBetween(a, b time.Time) int {
	return int(Date(b).Sub(Date(a)).Hours() / 24)
}

func monthsBetween(a, b time.Time) int {
	return (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())
}

// ShiftReminder moves a reminder that preceded fromEvent by some whole days so
// that it precedes toEvent by the same number of days, at the same clock time.
func ShiftReminder(reminder, fromEvent, toEvent time.Time) time.Time {
	offset := DaysBetween(reminder, fromEvent)
	day := Date(toEvent).AddDate(0, 0, -offset)
	return time.Date(day.Year(), day.Month(), day.Day(), reminder.Hour(), reminder.Minute(), reminder.Second(), 0, time.UTC)
}
