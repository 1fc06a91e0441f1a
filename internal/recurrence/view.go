package recurrence

import (
	"encoding/json"
	"time"
)

// View is one occurrence as shown to a caller. It may mirror a stored row or
// be synthesized from a master; synthesized views carry the master's id in
// both ID and ParentID and IsException=false.
type View struct {
	ID           int64
	Title        string
	Description  string
	EventDate    time.Time
	ReminderTime *time.Time
	Unit         Unit
	Step         int
	Until        *time.Time
	ParentID     *int64
	IsException  bool
	OriginalDate *time.Time
	// PrecededBy is set on rows perpetuated from an earlier row of the series.
	PrecededBy *int64
}

// Rule returns the recurrence rule carried by the view.
func (v View) Rule() Rule {
	return Rule{Unit: v.Unit, Step: v.Step, Until: v.Until}
}

type viewJSON struct {
	ID                 int64   `json:"id"`
	Title              string  `json:"title"`
	Description        string  `json:"description,omitempty"`
	EventDate          string  `json:"eventDate"`
	ReminderTime       *string `json:"reminderTime"`
	RecurrenceType     Unit    `json:"recurrenceType"`
	RecurrenceInterval *int    `json:"recurrenceInterval,omitempty"`
	RecurrenceEndDate  *string `json:"recurrenceEndDate,omitempty"`
	ParentEventID      *int64  `json:"parentEventId,omitempty"`
	IsException        bool    `json:"isException"`
	OriginalDate       *string `json:"originalDate,omitempty"`
}

// MarshalJSON renders dates as YYYY-MM-DD and reminders as zone-less timestamps.
func (v View) MarshalJSON() ([]byte, error) {
	out := viewJSON{
		ID:                v.ID,
		Title:             v.Title,
		Description:       v.Description,
		EventDate:         v.EventDate.Format(DateLayout),
		ReminderTime:      formatPtr(v.ReminderTime, DateTimeLayout),
		RecurrenceType:    v.Unit,
		RecurrenceEndDate: formatPtr(v.Until, DateLayout),
		ParentEventID:     v.ParentID,
		IsException:       v.IsException,
		OriginalDate:      formatPtr(v.OriginalDate, DateLayout),
	}
	if out.RecurrenceType == "" {
		out.RecurrenceType = None
	}
	if v.Unit.Repeats() {
		step := v.Rule().Interval()
		out.RecurrenceInterval = &step
	}
	return json.Marshal(out)
}

func formatPtr(t *time.Time, layout string) *string {
	if t == nil {
		return nil
	}
	s := t.Format(layout)
	return &s
}
