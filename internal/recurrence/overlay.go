package recurrence

import "time"

// Overlay indexes a master's exceptions by the original date they replace.
type Overlay struct {
	byDate map[string]View
}

// NewOverlay builds the index. Views without an original date are ignored; if
// two exceptions claim the same date the first one wins.
func NewOverlay(exceptions []View) Overlay {
	o := Overlay{byDate: make(map[string]View, len(exceptions))}
	for _, ex := range exceptions {
		if ex.OriginalDate == nil {
			continue
		}
		key := dateKey(*ex.OriginalDate)
		if _, dup := o.byDate[key]; dup {
			continue
		}
		o.byDate[key] = ex
	}
	return o
}

// Lookup returns the exception replacing the occurrence on day.
func (o Overlay) Lookup(day time.Time) (View, bool) {
	ex, ok := o.byDate[dateKey(day)]
	return ex, ok
}

// Len returns the number of indexed exceptions.
func (o Overlay) Len() int {
	return len(o.byDate)
}

func dateKey(t time.Time) string {
	return t.Format(DateLayout)
}
