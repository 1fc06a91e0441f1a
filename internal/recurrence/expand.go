package recurrence

import "time"

// DefaultLimit caps how many occurrences a single master may produce in one
// expansion.
const DefaultLimit = 5000

// Options tune an expansion.
type Options struct {
	// Limit is the per-master cap; zero means DefaultLimit.
	Limit int
	// StopBefore ends the series the day before this date. It is set when a
	// perpetuated successor row takes over the series from that date.
	StopBefore *time.Time
}

// Result is the outcome of expanding one master.
type Result struct {
	Occurrences []View
	// Consumed lists the ids of exceptions that replaced a slot, whether or not
	// their own date fell inside the window.
	Consumed []int64
	// Truncated is set when Limit stopped the expansion early.
	Truncated bool
}

// Expand materializes the occurrences of master between start and end
// (inclusive, whole days). Exceptions found in overlay replace the slot of the
// date they were moved from. An exception moved out of the window vacates its
// slot. Expand has no side effects and never fails.
func Expand(master View, overlay Overlay, start, end time.Time, opts Options) Result {
	var res Result
	rule := master.Rule()
	if !rule.Unit.Repeats() {
		return res
	}

	start, end = Date(start), Date(end)
	upper := end
	if rule.Until != nil && Date(*rule.Until).Before(upper) {
		upper = Date(*rule.Until)
	}
	if opts.StopBefore != nil {
		if stop := Date(*opts.StopBefore).AddDate(0, 0, -1); stop.Before(upper) {
			upper = stop
		}
	}
	if upper.Before(start) {
		return res
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	anchor := Date(master.EventDate)
	cursor := rule.firstOnOrAfter(anchor, start)
	for !cursor.After(upper) {
		if len(res.Occurrences) >= limit {
			res.Truncated = true
			break
		}
		if ex, ok := overlay.Lookup(cursor); ok {
			res.Consumed = append(res.Consumed, ex.ID)
			if within(ex.EventDate, start, end) {
				res.Occurrences = append(res.Occurrences, ex)
			}
		} else {
			res.Occurrences = append(res.Occurrences, synthesize(master, cursor))
		}
		cursor = Add(cursor, rule.Unit, rule.Interval())
	}
	return res
}

func synthesize(master View, day time.Time) View {
	v := master
	v.EventDate = day
	if master.ReminderTime != nil {
		r := ShiftReminder(*master.ReminderTime, master.EventDate, day)
		v.ReminderTime = &r
	}
	parent := master.ID
	original := day
	v.ParentID = &parent
	v.PrecededBy = nil
	v.IsException = false
	v.OriginalDate = &original
	return v
}

func within(d, start, end time.Time) bool {
	d = Date(d)
	return !d.Before(start) && !d.After(end)
}
