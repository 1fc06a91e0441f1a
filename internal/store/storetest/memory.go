// Package storetest provides in-memory repositories with the same semantics
// as the PostgreSQL implementation, for tests of packages built on the store.
package storetest

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jw6ventures/calremind/internal/recurrence"
	"github.com/jw6ventures/calremind/internal/store"
)

// Occurrences is an in-memory store.OccurrenceRepository.
type Occurrences struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]store.Occurrence
	users  *Users
	fail   map[string]error
}

var _ store.OccurrenceRepository = (*Occurrences)(nil)

// NewOccurrences returns an empty repository. users resolves owner addresses
// for FindDueReminders and may be nil.
func NewOccurrences(users *Users) *Occurrences {
	return &Occurrences{rows: make(map[int64]store.Occurrence), users: users, fail: make(map[string]error)}
}

// FailOn makes the named method return err until cleared with a nil err.
func (m *Occurrences) FailOn(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, method)
		return
	}
	m.fail[method] = err
}

// Seed inserts rows as given, assigning ids to rows without one.
func (m *Occurrences) Seed(rows ...store.Occurrence) []store.Occurrence {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Occurrence, 0, len(rows))
	for _, o := range rows {
		if o.ID == 0 {
			m.nextID++
			o.ID = m.nextID
		} else if o.ID > m.nextID {
			m.nextID = o.ID
		}
		m.rows[o.ID] = clone(o)
		out = append(out, clone(o))
	}
	return out
}

// All returns every row ordered by id.
func (m *Occurrences) All() []store.Occurrence {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(store.Occurrence) bool { return true })
}

func (m *Occurrences) failure(method string) error {
	return m.fail[method]
}

func (m *Occurrences) sorted(keep func(store.Occurrence) bool) []store.Occurrence {
	var out []store.Occurrence
	for _, o := range m.rows {
		if keep(o) {
			out = append(out, clone(o))
		}
	}
	slices.SortFunc(out, func(a, b store.Occurrence) int {
		if c := a.EventDate.Compare(b.EventDate); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func (m *Occurrences) GetByID(ctx context.Context, id int64) (*store.Occurrence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("GetByID"); err != nil {
		return nil, err
	}
	o, ok := m.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	o = clone(o)
	return &o, nil
}

func (m *Occurrences) ListByUser(ctx context.Context, userID int64) ([]store.Occurrence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(o store.Occurrence) bool { return o.UserID == userID }), nil
}

func (m *Occurrences) ListPage(ctx context.Context, q store.PageQuery) (*store.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("ListPage"); err != nil {
		return nil, err
	}
	q = q.Normalize()
	search := strings.ToLower(q.Search)
	var items []store.Occurrence
	for _, o := range m.rows {
		if q.UserID != nil && o.UserID != *q.UserID {
			continue
		}
		if q.After != nil && o.EventDate.Before(recurrence.Date(*q.After)) {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(o.Title), search) {
			continue
		}
		items = append(items, clone(o))
	}
	slices.SortFunc(items, func(a, b store.Occurrence) int { return compareRows(a, b, q) })

	total := int64(len(items))
	from := min(q.Page*q.Size, len(items))
	to := min(from+q.Size, len(items))
	return &store.Page{Items: items[from:to], Total: total, Page: q.Page, Size: q.Size}, nil
}

func compareRows(a, b store.Occurrence, q store.PageQuery) int {
	// Missing reminders sort last in either direction.
	if q.Sort == store.SortByReminderTime && (a.ReminderTime == nil) != (b.ReminderTime == nil) {
		if a.ReminderTime == nil {
			return 1
		}
		return -1
	}
	var c int
	switch q.Sort {
	case store.SortByEventDate:
		c = a.EventDate.Compare(b.EventDate)
	case store.SortByTitle:
		c = strings.Compare(a.Title, b.Title)
	case store.SortByReminderTime:
		if a.ReminderTime != nil && b.ReminderTime != nil {
			c = a.ReminderTime.Compare(*b.ReminderTime)
		}
	}
	if c == 0 {
		c = cmp.Compare(a.ID, b.ID)
	}
	if q.Direction == store.Descending {
		c = -c
	}
	return c
}

func (m *Occurrences) FindDueReminders(ctx context.Context, now time.Time) ([]store.DueReminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("FindDueReminders"); err != nil {
		return nil, err
	}
	var due []store.DueReminder
	for _, o := range m.rows {
		if o.ReminderSent || o.ReminderTime == nil || o.ReminderTime.After(now) {
			continue
		}
		email := ""
		if m.users != nil {
			u, ok := m.users.lookup(o.UserID)
			if !ok || !u.Enabled {
				continue
			}
			email = u.Email
		}
		due = append(due, store.DueReminder{Occurrence: clone(o), Email: email})
	}
	slices.SortFunc(due, func(a, b store.DueReminder) int {
		if c := a.ReminderTime.Compare(*b.ReminderTime); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return due, nil
}

func (m *Occurrences) FindSinglesInRange(ctx context.Context, userID int64, start, end time.Time) ([]store.Occurrence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start, end = recurrence.Date(start), recurrence.Date(end)
	return m.sorted(func(o store.Occurrence) bool {
		return o.UserID == userID && !o.Recurrence.Unit.Repeats() && !o.IsException && between(o.EventDate, start, end)
	}), nil
}

func (m *Occurrences) FindMastersInRange(ctx context.Context, userID int64, start, end time.Time) ([]store.Occurrence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("FindMastersInRange"); err != nil {
		return nil, err
	}
	start, end = recurrence.Date(start), recurrence.Date(end)
	return m.sorted(func(o store.Occurrence) bool {
		if o.UserID != userID || !o.IsMaster() || o.EventDate.After(end) {
			return false
		}
		return o.Recurrence.Until == nil || !recurrence.Date(*o.Recurrence.Until).Before(start)
	}), nil
}

func (m *Occurrences) FindExceptionsInRange(ctx context.Context, userID int64, start, end time.Time) ([]store.Occurrence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start, end = recurrence.Date(start), recurrence.Date(end)
	return m.sorted(func(o store.Occurrence) bool {
		if o.UserID != userID || !o.IsException {
			return false
		}
		return between(o.EventDate, start, end) || (o.OriginalDate != nil && between(*o.OriginalDate, start, end))
	}), nil
}

func (m *Occurrences) FindException(ctx context.Context, parentID int64, originalDate time.Time) (*store.Occurrence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ex, ok := m.exceptionFor(parentID, originalDate); ok {
		return &ex, nil
	}
	return nil, store.ErrNotFound
}

func (m *Occurrences) FindSeriesException(ctx context.Context, rowID int64, originalDate time.Time) (*store.Occurrence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("FindSeriesException"); err != nil {
		return nil, err
	}
	seen := make(map[int64]bool)
	for id, ok := rowID, true; ok && !seen[id]; {
		seen[id] = true
		if ex, found := m.exceptionFor(id, originalDate); found {
			return &ex, nil
		}
		row, exists := m.rows[id]
		ok = exists && row.PrecededBy != nil
		if ok {
			id = *row.PrecededBy
		}
	}
	return nil, store.ErrNotFound
}

func (m *Occurrences) exceptionFor(parentID int64, originalDate time.Time) (store.Occurrence, bool) {
	day := recurrence.Date(originalDate)
	for _, o := range m.rows {
		if o.IsException && o.ParentID != nil && *o.ParentID == parentID &&
			o.OriginalDate != nil && recurrence.Date(*o.OriginalDate).Equal(day) {
			return clone(o), true
		}
	}
	return store.Occurrence{}, false
}

func (m *Occurrences) MarkRemindersSent(ctx context.Context, ids []int64, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("MarkRemindersSent"); err != nil {
		return 0, err
	}
	var n int64
	for _, id := range ids {
		o, ok := m.rows[id]
		if !ok {
			continue
		}
		sentAt := at
		o.ReminderSent = true
		o.ReminderSentAt = &sentAt
		m.rows[id] = o
		n++
	}
	return n, nil
}

func (m *Occurrences) Create(ctx context.Context, o store.Occurrence) (*store.Occurrence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("Create"); err != nil {
		return nil, err
	}
	if err := m.checkRow(o); err != nil {
		return nil, err
	}
	m.nextID++
	o.ID = m.nextID
	o.EventDate = recurrence.Date(o.EventDate)
	m.rows[o.ID] = clone(o)
	o = clone(o)
	return &o, nil
}

func (m *Occurrences) Update(ctx context.Context, o store.Occurrence) (*store.Occurrence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("Update"); err != nil {
		return nil, err
	}
	existing, ok := m.rows[o.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if err := m.checkRow(o); err != nil {
		return nil, err
	}
	o.UserID = existing.UserID
	o.PrecededBy = existing.PrecededBy
	o.CreatedAt = existing.CreatedAt
	o.EventDate = recurrence.Date(o.EventDate)
	m.rows[o.ID] = clone(o)
	o = clone(o)
	return &o, nil
}

// checkRow mirrors the table constraints.
func (m *Occurrences) checkRow(o store.Occurrence) error {
	if o.ReminderTime != nil && !recurrence.Date(*o.ReminderTime).Before(recurrence.Date(o.EventDate)) {
		return store.ErrConflict
	}
	if o.IsException {
		if o.ParentID == nil || o.OriginalDate == nil || o.Recurrence.Unit.Repeats() {
			return store.ErrConflict
		}
		if ex, ok := m.exceptionFor(*o.ParentID, *o.OriginalDate); ok && ex.ID != o.ID {
			return store.ErrConflict
		}
	} else if o.ParentID != nil {
		return store.ErrConflict
	}
	if o.PrecededBy != nil {
		for _, other := range m.rows {
			if other.ID != o.ID && other.PrecededBy != nil && *other.PrecededBy == *o.PrecededBy {
				return store.ErrConflict
			}
		}
	}
	return nil
}

func (m *Occurrences) Delete(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("Delete"); err != nil {
		return err
	}
	if _, ok := m.rows[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.rows, id)
	return nil
}

func (m *Occurrences) DeleteSeries(ctx context.Context, masterID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("DeleteSeries"); err != nil {
		return 0, err
	}
	if _, ok := m.rows[masterID]; !ok {
		return 0, store.ErrNotFound
	}
	var n int64
	for id, o := range m.rows {
		if o.IsException && o.ParentID != nil && *o.ParentID == masterID {
			delete(m.rows, id)
			n++
		}
	}
	delete(m.rows, masterID)
	return n + 1, nil
}

func (m *Occurrences) CountPerDay(ctx context.Context, userID *int64, from, to time.Time) ([]store.DayCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	from, to = recurrence.Date(from), recurrence.Date(to)
	counts := make(map[time.Time]int64)
	for _, o := range m.rows {
		if userID != nil && o.UserID != *userID {
			continue
		}
		if between(o.EventDate, from, to) {
			counts[recurrence.Date(o.EventDate)]++
		}
	}
	out := make([]store.DayCount, 0, len(counts))
	for d, n := range counts {
		out = append(out, store.DayCount{Date: d, Count: n})
	}
	slices.SortFunc(out, func(a, b store.DayCount) int { return a.Date.Compare(b.Date) })
	return out, nil
}

func between(d, start, end time.Time) bool {
	d = recurrence.Date(d)
	return !d.Before(start) && !d.After(end)
}

func clone(o store.Occurrence) store.Occurrence {
	o.ReminderTime = clonePtr(o.ReminderTime)
	o.ReminderSentAt = clonePtr(o.ReminderSentAt)
	o.Recurrence.Until = clonePtr(o.Recurrence.Until)
	o.ParentID = clonePtr(o.ParentID)
	o.OriginalDate = clonePtr(o.OriginalDate)
	o.PrecededBy = clonePtr(o.PrecededBy)
	return o
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
