package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jw6ventures/calremind/internal/recurrence"
	"github.com/jw6ventures/calremind/internal/store"
)

// ModeSingle moves one occurrence of a series. It is the only supported mode.
const ModeSingle = "SINGLE"

// MoveRequest moves the occurrence of a series that falls on OriginalDate to
// NewDate. OriginalDate is ignored when the target is already an exception.
type MoveRequest struct {
	Mode         string
	OriginalDate time.Time
	NewDate      time.Time
}

// MoveOccurrence moves a single occurrence of a recurring event by creating
// or updating the exception that replaces it. Nothing is written unless every
// check passes.
func (s *Service) MoveOccurrence(ctx context.Context, user *store.User, id int64, req MoveRequest) (*store.Occurrence, error) {
	target, err := s.owned(ctx, user, id)
	if err != nil {
		return nil, err
	}

	mode := strings.ToUpper(strings.TrimSpace(req.Mode))
	if mode == "" {
		mode = ModeSingle
	}
	if mode != ModeSingle {
		return nil, invalid("mode", "only %s moves are supported", ModeSingle)
	}

	now := s.clock()
	newDate, err := checkNewDate(req.NewDate, now)
	if err != nil {
		return nil, err
	}

	if target.IsException {
		return s.moveException(ctx, target, newDate, now)
	}
	if !target.IsMaster() {
		return nil, invalid("id", "event is not recurring")
	}

	if req.OriginalDate.IsZero() {
		return nil, invalid("originalDate", "is required")
	}
	original := recurrence.Date(req.OriginalDate)
	rule := target.Recurrence
	if original.Before(recurrence.Date(target.EventDate)) ||
		(rule.Until != nil && original.After(recurrence.Date(*rule.Until))) {
		return nil, invalid("originalDate", "is outside the recurrence range")
	}
	if !rule.Includes(target.EventDate, original) {
		return nil, invalid("originalDate", "is not an occurrence of this series")
	}

	reminder, err := recomputeReminder(target.ReminderTime, target.EventDate, newDate, now)
	if err != nil {
		return nil, err
	}

	existing, err := s.occurrences.FindException(ctx, target.ID, original)
	switch {
	case err == nil:
		existing.EventDate = newDate
		existing.ReminderTime = reminder
		existing.ReminderSent = false
		existing.ReminderSentAt = nil
		updated, err := s.occurrences.Update(ctx, *existing)
		if err != nil {
			return nil, fmt.Errorf("update moved occurrence: %w", err)
		}
		return updated, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("find moved occurrence: %w", err)
	}

	parent := target.ID
	created, err := s.occurrences.Create(ctx, store.Occurrence{
		UserID:       target.UserID,
		Title:        target.Title,
		Description:  target.Description,
		EventDate:    newDate,
		ReminderTime: reminder,
		Recurrence:   recurrence.Rule{Unit: recurrence.None},
		ParentID:     &parent,
		IsException:  true,
		OriginalDate: &original,
	})
	if err != nil {
		return nil, fmt.Errorf("create moved occurrence: %w", err)
	}
	return created, nil
}

func (s *Service) moveException(ctx context.Context, ex *store.Occurrence, newDate, now time.Time) (*store.Occurrence, error) {
	reminder, err := recomputeReminder(ex.ReminderTime, ex.EventDate, newDate, now)
	if err != nil {
		return nil, err
	}
	ex.EventDate = newDate
	ex.ReminderTime = reminder
	ex.ReminderSent = false
	ex.ReminderSentAt = nil
	updated, err := s.occurrences.Update(ctx, *ex)
	if err != nil {
		return nil, fmt.Errorf("update moved occurrence %d: %w", ex.ID, err)
	}
	return updated, nil
}

// MoveEventDate moves a standalone event to newDate, keeping its reminder's
// offset and clock time.
func (s *Service) MoveEventDate(ctx context.Context, user *store.User, id int64, newDate time.Time) (*store.Occurrence, error) {
	target, err := s.owned(ctx, user, id)
	if err != nil {
		return nil, err
	}
	if !target.IsStandalone() {
		return nil, invalid("id", "only single events can be moved directly; move one occurrence instead")
	}

	now := s.clock()
	day, err := checkNewDate(newDate, now)
	if err != nil {
		return nil, err
	}
	reminder, err := recomputeReminder(target.ReminderTime, target.EventDate, day, now)
	if err != nil {
		return nil, err
	}

	target.EventDate = day
	target.ReminderTime = reminder
	target.ReminderSent = false
	target.ReminderSentAt = nil
	updated, err := s.occurrences.Update(ctx, *target)
	if err != nil {
		return nil, fmt.Errorf("move event %d: %w", id, err)
	}
	return updated, nil
}

func checkNewDate(d, now time.Time) (time.Time, error) {
	if d.IsZero() {
		return time.Time{}, invalid("newDate", "is required")
	}
	day := recurrence.Date(d)
	if day.Before(recurrence.Date(now)) {
		return time.Time{}, invalid("newDate", "must not be in the past")
	}
	return day, nil
}

// recomputeReminder carries a reminder over to toEvent and rejects it unless
// it is still strictly in the future.
func recomputeReminder(reminder *time.Time, fromEvent, toEvent, now time.Time) (*time.Time, error) {
	if reminder == nil {
		return nil, nil
	}
	shifted := recurrence.ShiftReminder(*reminder, fromEvent, toEvent)
	if !shifted.After(now) {
		return nil, invalid("reminderTime", "would be in the past (%s)", shifted.Format(recurrence.DateTimeLayout))
	}
	if err := ValidateReminder(&shifted, toEvent); err != nil {
		return nil, err
	}
	return &shifted, nil
}
