package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/jw6ventures/calremind/internal/notify"
	"github.com/jw6ventures/calremind/internal/recurrence"
	"github.com/jw6ventures/calremind/internal/store"
	"github.com/jw6ventures/calremind/internal/store/storetest"
)

type sentMessage struct {
	To      string
	Subject string
}

type recordingNotifier struct {
	notify.Renderer

	mu      sync.Mutex
	sent    []sentMessage
	failFor map[string]error
	onSend  func()

	active    atomic.Int32
	maxActive atomic.Int32
}

func (n *recordingNotifier) Send(ctx context.Context, destination, subject string, msg notify.Message) error {
	cur := n.active.Add(1)
	defer n.active.Add(-1)
	for {
		prev := n.maxActive.Load()
		if cur <= prev || n.maxActive.CompareAndSwap(prev, cur) {
			break
		}
	}
	if n.onSend != nil {
		n.onSend()
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.failFor[subject]; err != nil {
		return err
	}
	n.sent = append(n.sent, sentMessage{To: destination, Subject: subject})
	return nil
}

func (n *recordingNotifier) messages() []sentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentMessage(nil), n.sent...)
}

type fakeLocker struct {
	held  bool
	calls int
}

func (l *fakeLocker) WithAdvisoryLock(ctx context.Context, key int64, fn func(context.Context) error) (bool, error) {
	l.calls++
	if !l.held {
		return false, nil
	}
	return true, fn(ctx)
}

var tickTime = time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func at(y int, m time.Month, d, h int) *time.Time {
	t := time.Date(y, m, d, h, 0, 0, 0, time.UTC)
	return &t
}

func setup(t *testing.T) (*storetest.Occurrences, *recordingNotifier, *Scheduler) {
	t.Helper()
	users := storetest.NewUsers()
	if _, err := users.Create(context.Background(), store.User{Email: "owner@example.com", Enabled: true}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	repo := storetest.NewOccurrences(users)
	n := &recordingNotifier{failFor: map[string]error{}}
	s := New(repo, n, nil, Config{})
	s.now = func() time.Time { return tickTime.Add(250 * time.Millisecond) }
	return repo, n, s
}

func single(title string, date time.Time, reminder *time.Time) store.Occurrence {
	return store.Occurrence{
		UserID:       1,
		Title:        title,
		EventDate:    date,
		ReminderTime: reminder,
		Recurrence:   recurrence.Rule{Unit: recurrence.None},
	}
}

func TestTickMarksOnlyDeliveredReminders(t *testing.T) {
	repo, n, s := setup(t)
	rows := repo.Seed(
		single("Dentist", day(2024, 3, 10), at(2024, 3, 9, 9)),
		single("Taxes", day(2024, 3, 11), at(2024, 3, 9, 8)),
		single("Later", day(2024, 3, 12), at(2024, 3, 9, 11)),
	)
	n.failFor["Reminder: Taxes"] = errors.New("relay down")

	res, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if diff := cmp.Diff(Result{Due: 2, Sent: 1, Failed: 1}, res); diff != "" {
		t.Fatalf("unexpected result (-want +got):\n%s", diff)
	}

	got, _ := repo.GetByID(context.Background(), rows[0].ID)
	if !got.ReminderSent || got.ReminderSentAt == nil || !got.ReminderSentAt.Equal(tickTime) {
		t.Fatalf("expected delivered reminder marked at %s, got %+v", tickTime, got)
	}
	failed, _ := repo.GetByID(context.Background(), rows[1].ID)
	if failed.ReminderSent {
		t.Fatalf("failed reminder must stay pending")
	}
	later, _ := repo.GetByID(context.Background(), rows[2].ID)
	if later.ReminderSent {
		t.Fatalf("future reminder must not be sent")
	}

	// The failed row is retried on the next tick.
	delete(n.failFor, "Reminder: Taxes")
	res, err = s.Tick(context.Background())
	if err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	if res.Sent != 1 || res.Due != 1 {
		t.Fatalf("expected retry of one reminder, got %+v", res)
	}
	want := []sentMessage{
		{To: "owner@example.com", Subject: "Reminder: Dentist"},
		{To: "owner@example.com", Subject: "Reminder: Taxes"},
	}
	if diff := cmp.Diff(want, n.messages()); diff != "" {
		t.Fatalf("unexpected deliveries (-want +got):\n%s", diff)
	}
}

func TestTickPerpetuatesDailySeries(t *testing.T) {
	repo, _, s := setup(t)
	master := single("Standup", day(2024, 3, 10), at(2024, 3, 9, 9))
	master.Recurrence = recurrence.Rule{Unit: recurrence.Daily, Step: 1}
	seeded := repo.Seed(master)[0]

	res, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Perpetuated != 1 {
		t.Fatalf("expected one perpetuated row, got %+v", res)
	}

	all := repo.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(all))
	}
	next := all[1]
	if !next.EventDate.Equal(day(2024, 3, 11)) || !next.ReminderTime.Equal(*at(2024, 3, 10, 9)) {
		t.Fatalf("unexpected follow-up dates %s %s", next.EventDate, next.ReminderTime)
	}
	if next.PrecededBy == nil || *next.PrecededBy != seeded.ID || next.ReminderSent {
		t.Fatalf("unexpected follow-up row %+v", next)
	}

	// The follow-up is not due yet, so nothing else happens.
	res, err = s.Tick(context.Background())
	if err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	if res.Due != 0 || len(repo.All()) != 2 {
		t.Fatalf("expected no further work, got %+v and %d rows", res, len(repo.All()))
	}
}

func TestTickResendAfterFailedCommitDoesNotDuplicateSuccessor(t *testing.T) {
	repo, n, s := setup(t)
	master := single("Standup", day(2024, 3, 10), at(2024, 3, 9, 9))
	master.Recurrence = recurrence.Rule{Unit: recurrence.Weekly, Step: 1}
	repo.Seed(master)

	repo.FailOn("MarkRemindersSent", errors.New("connection reset"))
	if _, err := s.Tick(context.Background()); err == nil {
		t.Fatalf("expected commit failure")
	}
	repo.FailOn("MarkRemindersSent", nil)

	res, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Sent != 1 || res.Perpetuated != 0 {
		t.Fatalf("expected re-delivery without a new row, got %+v", res)
	}
	if len(n.messages()) != 2 {
		t.Fatalf("expected at-least-once delivery, got %d messages", len(n.messages()))
	}
	if got := len(repo.All()); got != 2 {
		t.Fatalf("expected master plus one successor, got %d rows", got)
	}
}

func TestTickStopsAtSeriesEnd(t *testing.T) {
	repo, _, s := setup(t)
	master := single("Course", day(2024, 3, 10), at(2024, 3, 9, 9))
	until := day(2024, 3, 16)
	master.Recurrence = recurrence.Rule{Unit: recurrence.Weekly, Step: 1, Until: &until}
	repo.Seed(master)

	res, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Sent != 1 || res.Perpetuated != 0 || len(repo.All()) != 1 {
		t.Fatalf("expected no row past the end date, got %+v", res)
	}
}

func TestTickPerpetuationFailureStillMarksSent(t *testing.T) {
	repo, _, s := setup(t)
	master := single("Standup", day(2024, 3, 10), at(2024, 3, 9, 9))
	master.Recurrence = recurrence.Rule{Unit: recurrence.Daily}
	row := repo.Seed(master)[0]
	repo.FailOn("Create", errors.New("disk full"))

	if _, err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	got, _ := repo.GetByID(context.Background(), row.ID)
	if !got.ReminderSent {
		t.Fatalf("delivered reminder must be marked even when perpetuation fails")
	}
}

func TestTickSkipsWithoutLock(t *testing.T) {
	repo, n, _ := setup(t)
	repo.Seed(single("Dentist", day(2024, 3, 10), at(2024, 3, 9, 9)))

	locker := &fakeLocker{}
	s := New(repo, n, locker, Config{LockKey: 42})
	s.now = func() time.Time { return tickTime }

	res, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !res.Skipped || len(n.messages()) != 0 {
		t.Fatalf("expected skipped tick, got %+v", res)
	}

	locker.held = true
	res, err = s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Skipped || res.Sent != 1 || locker.calls != 2 {
		t.Fatalf("expected delivery under lock, got %+v calls=%d", res, locker.calls)
	}
}

func TestTickUsesConfiguredWallClock(t *testing.T) {
	repo, n, _ := setup(t)
	// 09:30 in New York is 14:30 UTC; the stored reminder is wall-clock 09:00.
	repo.Seed(single("Dentist", day(2024, 3, 10), at(2024, 3, 9, 9)))
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	s := New(repo, n, nil, Config{Location: ny})

	s.now = func() time.Time { return time.Date(2024, 3, 9, 13, 30, 0, 0, time.UTC) }
	if res, _ := s.Tick(context.Background()); res.Due != 0 {
		t.Fatalf("08:30 local must not be due, got %+v", res)
	}
	s.now = func() time.Time { return time.Date(2024, 3, 9, 14, 30, 0, 0, time.UTC) }
	if res, _ := s.Tick(context.Background()); res.Sent != 1 {
		t.Fatalf("09:30 local must be due, got %+v", res)
	}
}

func TestTicksDoNotOverlap(t *testing.T) {
	repo, n, s := setup(t)
	repo.Seed(single("Dentist", day(2024, 3, 10), at(2024, 3, 9, 9)))
	n.onSend = func() { time.Sleep(20 * time.Millisecond) }

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Tick(context.Background()); err != nil {
				t.Errorf("Tick: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := n.maxActive.Load(); got != 1 {
		t.Fatalf("expected serialized dispatch, saw %d concurrent sends", got)
	}
	if got := len(n.messages()); got != 1 {
		t.Fatalf("expected exactly one delivery, got %d", got)
	}
}

func TestRunTicksOnStartAndStopsOnCancel(t *testing.T) {
	repo, n, s := setup(t)
	row := repo.Seed(single("Dentist", day(2024, 3, 10), at(2024, 3, 9, 9)))[0]

	ctx, cancel := context.WithCancel(context.Background())
	n.onSend = cancel

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop after cancellation")
	}

	got, _ := repo.GetByID(context.Background(), row.ID)
	if !got.ReminderSent {
		t.Fatalf("delivery during shutdown must still be recorded")
	}
}

func TestRunRejectsInvalidSpec(t *testing.T) {
	_, n, _ := setup(t)
	s := New(storetest.NewOccurrences(nil), n, nil, Config{Spec: "every now and then"})
	if err := s.Run(context.Background()); err == nil {
		t.Fatalf("expected invalid spec error")
	}
}

func TestNextOccurrenceClampsReminder(t *testing.T) {
	o := single("Rent", day(2024, 1, 31), at(2024, 1, 30, 9))
	o.ID = 5
	o.Recurrence = recurrence.Rule{Unit: recurrence.Monthly, Step: 1}

	next, ok := nextOccurrence(o)
	if !ok {
		t.Fatalf("expected a follow-up")
	}
	if !next.EventDate.Equal(day(2024, 2, 29)) {
		t.Fatalf("unexpected date %s", next.EventDate)
	}
	if !next.ReminderTime.Equal(*at(2024, 2, 28, 9)) {
		t.Fatalf("expected reminder one day before, got %s", next.ReminderTime)
	}
	if *next.PrecededBy != 5 || next.Recurrence.Step != 1 {
		t.Fatalf("unexpected follow-up %+v", next)
	}
}

func TestTickFollowsExpandedMonthEndDates(t *testing.T) {
	repo, _, s := setup(t)
	master := single("Rent", day(2024, 1, 31), at(2024, 1, 30, 9))
	master.Recurrence = recurrence.Rule{Unit: recurrence.Monthly, Step: 1}
	seeded := repo.Seed(master)[0]

	var shown []time.Time
	for _, v := range recurrence.Expand(seeded.View(), recurrence.NewOverlay(nil), day(2024, 2, 1), day(2024, 4, 30), recurrence.Options{}).Occurrences {
		shown = append(shown, v.EventDate)
	}

	for _, now := range []time.Time{
		time.Date(2024, 1, 30, 10, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 28, 10, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 28, 10, 0, 0, 0, time.UTC),
	} {
		s.now = func() time.Time { return now }
		if _, err := s.Tick(context.Background()); err != nil {
			t.Fatalf("Tick at %s: %v", now, err)
		}
	}

	var stored []time.Time
	for _, o := range repo.All()[1:] {
		stored = append(stored, o.EventDate)
	}
	if diff := cmp.Diff(shown, stored); diff != "" {
		t.Fatalf("perpetuated rows differ from the calendar (-shown +stored):\n%s", diff)
	}
}

func TestTickSuppressesMovedOccurrence(t *testing.T) {
	repo, n, s := setup(t)
	master := single("Gym", day(2024, 3, 10), at(2024, 3, 9, 9))
	master.Recurrence = recurrence.Rule{Unit: recurrence.Daily, Step: 1}
	seeded := repo.Seed(master)[0]
	parent, original := seeded.ID, day(2024, 3, 11)
	repo.Seed(store.Occurrence{
		UserID:       1,
		Title:        "Gym",
		EventDate:    day(2024, 3, 14),
		ReminderTime: at(2024, 3, 13, 9),
		Recurrence:   recurrence.Rule{Unit: recurrence.None},
		ParentID:     &parent,
		IsException:  true,
		OriginalDate: &original,
	})

	if _, err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	s.now = func() time.Time { return time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC) }
	res, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	if diff := cmp.Diff(Result{Due: 1, Suppressed: 1, Perpetuated: 1}, res); diff != "" {
		t.Fatalf("unexpected result (-want +got):\n%s", diff)
	}
	if got := len(n.messages()); got != 1 {
		t.Fatalf("expected only the master's reminder, got %d messages", got)
	}

	all := repo.All()
	if len(all) != 4 {
		t.Fatalf("expected the series to continue past the moved slot, got %d rows", len(all))
	}
	moved, next := all[2], all[3]
	if !moved.EventDate.Equal(original) || !moved.ReminderSent {
		t.Fatalf("moved slot's row should be marked handled, got %+v", moved)
	}
	if !next.EventDate.Equal(day(2024, 3, 12)) || next.ReminderSent {
		t.Fatalf("unexpected follow-up %+v", next)
	}
}

func TestTickRetriesWhenMoveLookupFails(t *testing.T) {
	repo, n, s := setup(t)
	master := single("Standup", day(2024, 3, 10), at(2024, 3, 9, 9))
	master.Recurrence = recurrence.Rule{Unit: recurrence.Daily}
	row := repo.Seed(master)[0]
	repo.FailOn("FindSeriesException", errors.New("timeout"))

	res, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Failed != 1 || len(n.messages()) != 0 {
		t.Fatalf("expected the reminder to be held back, got %+v", res)
	}
	if got, _ := repo.GetByID(context.Background(), row.ID); got.ReminderSent {
		t.Fatalf("reminder must stay pending for the next tick")
	}
}
