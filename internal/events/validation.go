package events

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jw6ventures/calremind/internal/recurrence"
)

const maxTitleLength = 255

// Input is a user-supplied event definition for create and update.
type Input struct {
	Title        string
	Description  string
	EventDate    time.Time
	ReminderTime *time.Time
	Unit         recurrence.Unit
	// Step of zero means "not given" and defaults to 1.
	Step  int
	Until *time.Time
}

// ValidateNew checks an event definition before it is stored. today is the
// current wall-clock date; the event must be on tomorrow or later.
func ValidateNew(in Input, today time.Time) error {
	if strings.TrimSpace(in.Title) == "" {
		return invalid("title", "must not be empty")
	}
	if utf8.RuneCountInString(in.Title) > maxTitleLength {
		return invalid("title", "must be at most %d characters", maxTitleLength)
	}
	if in.EventDate.IsZero() {
		return invalid("eventDate", "is required")
	}
	tomorrow := recurrence.Date(today).AddDate(0, 0, 1)
	if recurrence.Date(in.EventDate).Before(tomorrow) {
		return invalid("eventDate", "must be at least tomorrow")
	}
	if err := ValidateReminder(in.ReminderTime, in.EventDate); err != nil {
		return err
	}
	return validateRule(in)
}

// ValidateReminder enforces that a reminder falls on a day strictly before the
// event. A missing reminder is valid.
func ValidateReminder(reminder *time.Time, eventDate time.Time) error {
	if reminder == nil {
		return nil
	}
	if !recurrence.Date(*reminder).Before(recurrence.Date(eventDate)) {
		return invalid("reminderTime", "must be before the event date")
	}
	return nil
}

func validateRule(in Input) error {
	unit, err := recurrence.ParseUnit(string(in.Unit))
	if err != nil {
		return invalid("recurrenceType", "%s", err.Error())
	}
	if in.Step < 0 {
		return invalid("recurrenceInterval", "must be positive")
	}
	if in.Until != nil && unit.Repeats() && recurrence.Date(*in.Until).Before(recurrence.Date(in.EventDate)) {
		return invalid("recurrenceEndDate", "must not be before the event date")
	}
	return nil
}

// rule builds the stored rule. Step and end date only apply to repeating units.
func (in Input) rule() recurrence.Rule {
	unit, _ := recurrence.ParseUnit(string(in.Unit))
	if !unit.Repeats() {
		return recurrence.Rule{Unit: recurrence.None}
	}
	r := recurrence.Rule{Unit: unit, Step: in.Step}
	r.Step = r.Interval()
	if in.Until != nil {
		until := recurrence.Date(*in.Until)
		r.Until = &until
	}
	return r
}
