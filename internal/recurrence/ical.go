package recurrence

import (
	"fmt"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"
)

var frequencies = map[Unit]rrule.Frequency{
	Daily:   rrule.DAILY,
	Weekly:  rrule.WEEKLY,
	Monthly: rrule.MONTHLY,
	Yearly:  rrule.YEARLY,
}

func (r Rule) options(freq rrule.Frequency) rrule.ROption {
	opt := rrule.ROption{Freq: freq, Interval: r.Interval()}
	if r.Until != nil {
		opt.Until = Date(*r.Until)
	}
	return opt
}

// Recurrence is a series expressed in iCalendar terms: DTSTART plus an
// optional RRULE, with extra and excluded dates.
type Recurrence struct {
	RRule   string
	RDates  []time.Time
	ExDates []time.Time
}

// Recurrence renders the series that starts on start. A plain RRULE would
// skip short months where the series clamps to the month end and then keeps
// the clamped day, so members before the day of month settles are listed as
// RDATEs and the rule's own dates in that stretch are excluded.
func (r Rule) Recurrence(start time.Time) Recurrence {
	freq, ok := frequencies[r.Unit]
	if !ok {
		return Recurrence{}
	}
	start = Date(start)
	opt := r.options(freq)
	if r.Unit != Monthly && r.Unit != Yearly {
		return Recurrence{RRule: opt.RRuleString()}
	}

	var prefix []time.Time
	d := start
	for !r.settled(d) {
		prefix = append(prefix, d)
		next, ok := r.Next(d)
		if !ok {
			// The series ends before the day settles; list it out.
			return Recurrence{RDates: prefix[1:]}
		}
		d = next
	}
	if len(prefix) == 0 {
		return Recurrence{RRule: opt.RRuleString()}
	}

	out := Recurrence{}
	day := d.Day()
	opt.Bymonthday = []int{day}
	if r.Unit == Yearly {
		opt.Bymonth = []int{int(start.Month())}
	}
	out.RRule = opt.RRuleString()
	for _, p := range prefix[1:] {
		if p.Day() == day {
			continue
		}
		out.RDates = append(out.RDates, p)
		out.ExDates = append(out.ExDates, time.Date(p.Year(), p.Month(), day, 0, 0, 0, 0, time.UTC))
	}
	return out
}

// settled reports whether stepping on from d never clamps again within the
// leap-year cycle.
func (r Rule) settled(d time.Time) bool {
	if d.Day() <= 28 {
		return true
	}
	months := r.Interval()
	if r.Unit == Yearly {
		months *= 12
	}
	first := time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
	for k := 1; k <= 48; k++ {
		m := first.AddDate(0, k*months, 0)
		if daysIn(m.Year(), m.Month()) < d.Day() {
			return false
		}
	}
	return true
}

// BuildCalendar renders stored rows (not expanded views) as an iCalendar
// feed. Masters carry their recurrence, exceptions a RECURRENCE-ID on the UID
// of the row whose stretch of the series they replace, and reminders become
// display alarms. A row continued by a perpetuated successor ends the day
// before the successor starts.
func BuildCalendar(rows []View, domain string, stamp time.Time) *ics.Calendar {
	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId("-//" + domain + "//calremind//EN")

	successors := make(map[int64]View)
	for _, row := range rows {
		if row.PrecededBy == nil || row.IsException {
			continue
		}
		if cur, ok := successors[*row.PrecededBy]; !ok || row.EventDate.Before(cur.EventDate) {
			successors[*row.PrecededBy] = row
		}
	}

	for _, row := range rows {
		uid := eventUID(row.ID, domain)
		if row.IsException && row.ParentID != nil {
			uid = eventUID(seriesOwner(*row.ParentID, row.OriginalDate, successors), domain)
		}
		ev := ics.NewEvent(uid)
		ev.SetDtStampTime(stamp)
		ev.SetSummary(row.Title)
		if row.Description != "" {
			ev.SetDescription(row.Description)
		}
		ev.SetAllDayStartAt(row.EventDate)
		ev.SetAllDayEndAt(row.EventDate.AddDate(0, 0, 1))

		rule := row.Rule()
		if next, ok := successors[row.ID]; ok {
			last := Date(next.EventDate).AddDate(0, 0, -1)
			if rule.Until == nil || last.Before(Date(*rule.Until)) {
				rule.Until = &last
			}
		}
		rec := rule.Recurrence(row.EventDate)
		if rec.RRule != "" {
			ev.AddRrule(rec.RRule)
		}
		for _, d := range rec.RDates {
			ev.AddRdate(d.Format("20060102"), ics.WithValue(string(ics.ValueDataTypeDate)))
		}
		for _, d := range rec.ExDates {
			ev.AddExdate(d.Format("20060102"), ics.WithValue(string(ics.ValueDataTypeDate)))
		}

		if row.IsException && row.OriginalDate != nil {
			ev.SetProperty(ics.ComponentPropertyRecurrenceId, row.OriginalDate.Format("20060102"), ics.WithValue(string(ics.ValueDataTypeDate)))
		}
		if row.ReminderTime != nil {
			alarm := ev.AddAlarm()
			alarm.SetAction(ics.ActionDisplay)
			alarm.SetTrigger(triggerBefore(row.ReminderTime.Sub(Date(row.EventDate))))
			alarm.SetProperty(ics.ComponentPropertyDescription, "Reminder: "+row.Title)
		}
		cal.AddVEvent(ev)
	}
	return cal
}

// seriesOwner follows perpetuated successors from parent to the row whose
// stretch of the series includes original.
func seriesOwner(parent int64, original *time.Time, successors map[int64]View) int64 {
	if original == nil {
		return parent
	}
	seen := map[int64]bool{parent: true}
	for {
		next, ok := successors[parent]
		if !ok || seen[next.ID] || Date(*original).Before(Date(next.EventDate)) {
			return parent
		}
		seen[next.ID] = true
		parent = next.ID
	}
}

func eventUID(id int64, domain string) string {
	return fmt.Sprintf("event-%d@%s", id, domain)
}

// triggerBefore formats a relative alarm trigger such as -P1DT15H.
func triggerBefore(d time.Duration) string {
	sign := ""
	if d < 0 {
		sign = "-"
		d = -d
	}
	days := int(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	h := int(d / time.Hour)
	d -= time.Duration(h) * time.Hour
	m := int(d / time.Minute)
	out := sign + "P"
	if days > 0 {
		out += fmt.Sprintf("%dD", days)
	}
	if h > 0 || m > 0 || days == 0 {
		out += "T"
		if h > 0 {
			out += fmt.Sprintf("%dH", h)
		}
		if m > 0 || h == 0 {
			out += fmt.Sprintf("%dM", m)
		}
	}
	return out
}
