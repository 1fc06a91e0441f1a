package store

import (
	"time"

	"github.com/jw6ventures/calremind/internal/recurrence"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User owns events and receives their reminders by email.
type User struct {
	ID           int64
	Email        string
	PasswordHash string
	Role         string
	Enabled      bool
	CreatedAt    time.Time
}

// IsAdmin reports whether the user may see every user's events.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// Occurrence is a stored event row. The same shape serves masters, exceptions,
// standalone events and rows perpetuated by the reminder scheduler.
type Occurrence struct {
	ID             int64
	UserID         int64
	Title          string
	Description    string
	EventDate      time.Time
	ReminderTime   *time.Time
	ReminderSent   bool
	ReminderSentAt *time.Time
	Recurrence     recurrence.Rule
	// ParentID points an exception at its master. Lookup only.
	ParentID     *int64
	IsException  bool
	OriginalDate *time.Time
	// PrecededBy points a perpetuated row at the row it continues. Lookup only.
	PrecededBy *int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IsMaster reports whether the row is a recurring template.
func (o *Occurrence) IsMaster() bool {
	return o.Recurrence.Unit.Repeats() && o.ParentID == nil && !o.IsException
}

// IsStandalone reports whether the row is a plain one-off event.
func (o *Occurrence) IsStandalone() bool {
	return !o.Recurrence.Unit.Repeats() && o.ParentID == nil && !o.IsException
}

// View converts the row into its caller-facing representation.
func (o *Occurrence) View() recurrence.View {
	unit := o.Recurrence.Unit
	if unit == "" {
		unit = recurrence.None
	}
	return recurrence.View{
		ID:           o.ID,
		Title:        o.Title,
		Description:  o.Description,
		EventDate:    o.EventDate,
		ReminderTime: o.ReminderTime,
		Unit:         unit,
		Step:         o.Recurrence.Step,
		Until:        o.Recurrence.Until,
		ParentID:     o.ParentID,
		IsException:  o.IsException,
		OriginalDate: o.OriginalDate,
		PrecededBy:   o.PrecededBy,
	}
}

// DueReminder pairs a due occurrence with its owner's address.
type DueReminder struct {
	Occurrence
	Email string
}

// DayCount is the number of events on one date.
type DayCount struct {
	Date  time.Time
	Count int64
}
