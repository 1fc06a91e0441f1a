package recurrence

import (
	"fmt"
	"strings"
	"time"
)

// Unit is the interval a series repeats on.
type Unit string

const (
	None    Unit = "NONE"
	Daily   Unit = "DAILY"
	Weekly  Unit = "WEEKLY"
	Monthly Unit = "MONTHLY"
	Yearly  Unit = "YEARLY"
)

// ParseUnit accepts a unit name in any case. An empty string means None.
func ParseUnit(s string) (Unit, error) {
	switch u := Unit(strings.ToUpper(strings.TrimSpace(s))); u {
	case "":
		return None, nil
	case None, Daily, Weekly, Monthly, Yearly:
		return u, nil
	}
	return None, fmt.Errorf("unknown recurrence unit %q", s)
}

// Repeats reports whether the unit describes a series.
func (u Unit) Repeats() bool {
	switch u {
	case Daily, Weekly, Monthly, Yearly:
		return true
	}
	return false
}

// Rule describes how a master repeats: every Step units until Until (inclusive).
type Rule struct {
	Unit  Unit
	Step  int
	Until *time.Time
}

// Interval returns the step, treating a missing or non-positive step as 1.
func (r Rule) Interval() int {
	if r.Step < 1 {
		return 1
	}
	return r.Step
}

// Next returns the date one step after d, the same step Expand takes between
// members. The boolean is false when that date falls after the rule's end date.
func (r Rule) Next(d time.Time) (time.Time, bool) {
	next := Add(d, r.Unit, r.Interval())
	if r.Until != nil && Date(next).After(Date(*r.Until)) {
		return next, false
	}
	return next, true
}

// Includes reports whether d is a member of the series anchored at anchor,
// ignoring the end date.
func (r Rule) Includes(anchor, d time.Time) bool {
	anchor, d = Date(anchor), Date(d)
	if !r.Unit.Repeats() || d.Before(anchor) {
		return false
	}
	return r.firstOnOrAfter(anchor, d).Equal(d)
}

// firstOnOrAfter finds the earliest series member not before start. Each
// member is one step after the previous one, so a month-end clamp carries
// forward (Jan 31, Feb 29, Mar 29). Daily and weekly series never clamp and
// can be jumped to directly.
func (r Rule) firstOnOrAfter(anchor, start time.Time) time.Time {
	if !anchor.Before(start) {
		return anchor
	}
	switch r.Unit {
	case Daily, Weekly:
		span := r.Interval()
		if r.Unit == Weekly {
			span *= 7
		}
		n := (DaysBetween(anchor, start) + span - 1) / span
		return anchor.AddDate(0, 0, n*span)
	case Monthly, Yearly:
		d := anchor
		for d.Before(start) {
			d = Add(d, r.Unit, r.Interval())
		}
		return d
	}
	return anchor
}
