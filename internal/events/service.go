package events

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/jw6ventures/calremind/internal/recurrence"
	"github.com/jw6ventures/calremind/internal/store"
)

// statsWindowDays is how far ahead EventsPerDay looks, today included.
const statsWindowDays = 30

// Service implements event CRUD, the calendar view and occurrence moves on
// top of an OccurrenceRepository.
type Service struct {
	occurrences store.OccurrenceRepository
	loc         *time.Location
	limit       int
	now         func() time.Time
}

// NewService builds a Service. loc is the zone whose wall clock defines
// "today"; expansionLimit caps occurrences per series in one calendar view.
func NewService(occurrences store.OccurrenceRepository, loc *time.Location, expansionLimit int) *Service {
	if loc == nil {
		loc = time.Local
	}
	if expansionLimit <= 0 {
		expansionLimit = recurrence.DefaultLimit
	}
	return &Service{occurrences: occurrences, loc: loc, limit: expansionLimit, now: time.Now}
}

// clock returns the current wall-clock time truncated to seconds.
func (s *Service) clock() time.Time {
	return recurrence.WallClock(s.now(), s.loc).Truncate(time.Second)
}

func (s *Service) owned(ctx context.Context, user *store.User, id int64) (*store.Occurrence, error) {
	o, err := s.occurrences.GetByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load event %d: %w", id, err)
	}
	if user == nil || o.UserID != user.ID {
		return nil, ErrForbidden
	}
	return o, nil
}

// Get returns one of the user's events.
func (s *Service) Get(ctx context.Context, user *store.User, id int64) (*store.Occurrence, error) {
	return s.owned(ctx, user, id)
}

// List returns every stored row the user owns.
func (s *Service) List(ctx context.Context, user *store.User) ([]store.Occurrence, error) {
	if user == nil {
		return nil, ErrForbidden
	}
	items, err := s.occurrences.ListByUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return items, nil
}

// ListPage returns one page of the user's events.
func (s *Service) ListPage(ctx context.Context, user *store.User, q store.PageQuery) (*store.Page, error) {
	if user == nil {
		return nil, ErrForbidden
	}
	q.UserID = &user.ID
	page, err := s.occurrences.ListPage(ctx, q.Normalize())
	if err != nil {
		return nil, fmt.Errorf("list events page: %w", err)
	}
	return page, nil
}

// AdminListPage lists events across users. q.UserID optionally narrows it to
// one user.
func (s *Service) AdminListPage(ctx context.Context, user *store.User, q store.PageQuery) (*store.Page, error) {
	if !user.IsAdmin() {
		return nil, ErrForbidden
	}
	page, err := s.occurrences.ListPage(ctx, q.Normalize())
	if err != nil {
		return nil, fmt.Errorf("list all events page: %w", err)
	}
	return page, nil
}

// Create stores a new master or standalone event.
func (s *Service) Create(ctx context.Context, user *store.User, in Input) (*store.Occurrence, error) {
	if user == nil {
		return nil, ErrForbidden
	}
	in.Title = strings.TrimSpace(in.Title)
	if err := ValidateNew(in, s.clock()); err != nil {
		return nil, err
	}
	created, err := s.occurrences.Create(ctx, store.Occurrence{
		UserID:       user.ID,
		Title:        in.Title,
		Description:  in.Description,
		EventDate:    recurrence.Date(in.EventDate),
		ReminderTime: in.ReminderTime,
		Recurrence:   in.rule(),
	})
	if err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}
	return created, nil
}

// Update replaces an event's definition and re-arms its reminder.
// Exceptions change only through MoveOccurrence.
func (s *Service) Update(ctx context.Context, user *store.User, id int64, in Input) (*store.Occurrence, error) {
	existing, err := s.owned(ctx, user, id)
	if err != nil {
		return nil, err
	}
	if existing.IsException {
		return nil, invalid("id", "moved occurrences can only be changed by moving them")
	}
	in.Title = strings.TrimSpace(in.Title)
	if err := ValidateNew(in, s.clock()); err != nil {
		return nil, err
	}
	rule := in.rule()
	if existing.IsMaster() && !rule.Unit.Repeats() {
		return nil, invalid("recurrenceType", "a series cannot be turned into a single event; delete it instead")
	}

	next := *existing
	next.Title = in.Title
	next.Description = in.Description
	next.EventDate = recurrence.Date(in.EventDate)
	next.ReminderTime = in.ReminderTime
	next.Recurrence = rule
	next.ReminderSent = false
	next.ReminderSentAt = nil
	updated, err := s.occurrences.Update(ctx, next)
	if err != nil {
		return nil, fmt.Errorf("update event %d: %w", id, err)
	}
	return updated, nil
}

// Delete removes an event. Deleting a master removes its exceptions with it.
func (s *Service) Delete(ctx context.Context, user *store.User, id int64) error {
	existing, err := s.owned(ctx, user, id)
	if err != nil {
		return err
	}
	if existing.IsMaster() {
		if _, err := s.occurrences.DeleteSeries(ctx, id); err != nil {
			return fmt.Errorf("delete series %d: %w", id, err)
		}
		return nil
	}
	if err := s.occurrences.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete event %d: %w", id, err)
	}
	return nil
}

// EventsPerDay counts stored events for each of the next 30 days. Admins see
// counts across all users.
func (s *Service) EventsPerDay(ctx context.Context, user *store.User) ([]store.DayCount, error) {
	if user == nil {
		return nil, ErrForbidden
	}
	from := recurrence.Date(s.clock())
	to := from.AddDate(0, 0, statsWindowDays-1)
	var scope *int64
	if !user.IsAdmin() {
		scope = &user.ID
	}
	counts, err := s.occurrences.CountPerDay(ctx, scope, from, to)
	if err != nil {
		return nil, fmt.Errorf("count events per day: %w", err)
	}
	return counts, nil
}

// GetCalendarEvents returns the user's occurrences between start and end
// (inclusive), with recurring series expanded, ordered by date then id.
func (s *Service) GetCalendarEvents(ctx context.Context, user *store.User, start, end time.Time) ([]recurrence.View, error) {
	if user == nil {
		return nil, ErrForbidden
	}
	start, end = recurrence.Date(start), recurrence.Date(end)
	if end.Before(start) {
		return nil, invalid("end", "must not be before start")
	}

	singles, err := s.occurrences.FindSinglesInRange(ctx, user.ID, start, end)
	if err != nil {
		return nil, fmt.Errorf("load single events: %w", err)
	}
	masters, err := s.occurrences.FindMastersInRange(ctx, user.ID, start, end)
	if err != nil {
		return nil, fmt.Errorf("load recurring events: %w", err)
	}
	exceptions, err := s.occurrences.FindExceptionsInRange(ctx, user.ID, start, end)
	if err != nil {
		return nil, fmt.Errorf("load moved occurrences: %w", err)
	}

	views := make([]recurrence.View, 0, len(singles)+len(exceptions))
	for i := range singles {
		views = append(views, singles[i].View())
	}

	byParent := make(map[int64][]recurrence.View)
	for i := range exceptions {
		if p := exceptions[i].ParentID; p != nil {
			byParent[*p] = append(byParent[*p], exceptions[i].View())
		}
	}
	byID := make(map[int64]*store.Occurrence, len(masters))
	successorDate := make(map[int64]time.Time)
	for i := range masters {
		m := &masters[i]
		byID[m.ID] = m
		if m.PrecededBy == nil {
			continue
		}
		if d, ok := successorDate[*m.PrecededBy]; !ok || m.EventDate.Before(d) {
			successorDate[*m.PrecededBy] = m.EventDate
		}
	}

	consumed := make(map[int64]bool)
	for i := range masters {
		m := &masters[i]
		opts := recurrence.Options{Limit: s.limit}
		if d, ok := successorDate[m.ID]; ok {
			opts.StopBefore = &d
		}
		overlay := recurrence.NewOverlay(seriesExceptions(m, byID, byParent))
		res := recurrence.Expand(m.View(), overlay, start, end, opts)
		if res.Truncated {
			log.Printf("[WARN] expansion of event %d stopped at %d occurrences", m.ID, s.limit)
		}
		views = append(views, res.Occurrences...)
		for _, id := range res.Consumed {
			consumed[id] = true
		}
	}

	// Exceptions moved into the window from a slot outside it.
	for i := range exceptions {
		ex := &exceptions[i]
		if consumed[ex.ID] {
			continue
		}
		if d := recurrence.Date(ex.EventDate); !d.Before(start) && !d.After(end) {
			views = append(views, ex.View())
		}
	}

	slices.SortStableFunc(views, func(a, b recurrence.View) int {
		if c := a.EventDate.Compare(b.EventDate); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return views, nil
}

// seriesExceptions collects the exceptions of m and of the rows it was
// perpetuated from, since moved occurrences keep pointing at the row that
// was current when they were moved.
func seriesExceptions(m *store.Occurrence, byID map[int64]*store.Occurrence, byParent map[int64][]recurrence.View) []recurrence.View {
	out := append([]recurrence.View(nil), byParent[m.ID]...)
	seen := map[int64]bool{m.ID: true}
	for prev := m.PrecededBy; prev != nil && !seen[*prev]; {
		seen[*prev] = true
		out = append(out, byParent[*prev]...)
		p, ok := byID[*prev]
		if !ok {
			break
		}
		prev = p.PrecededBy
	}
	return out
}
