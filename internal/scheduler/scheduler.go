// Package scheduler delivers due reminders and keeps recurring series
// perpetuated one row at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jw6ventures/calremind/internal/metrics"
	"github.com/jw6ventures/calremind/internal/notify"
	"github.com/jw6ventures/calremind/internal/recurrence"
	"github.com/jw6ventures/calremind/internal/store"
)

// DefaultSpec runs a tick every minute.
const DefaultSpec = "@every 60s"

// Locker grants exclusive access across instances. Store implements it with a
// transaction-scoped PostgreSQL advisory lock.
type Locker interface {
	WithAdvisoryLock(ctx context.Context, key int64, fn func(context.Context) error) (bool, error)
}

// Config controls tick timing and cross-instance locking.
type Config struct {
	Spec     string
	Location *time.Location
	// LockKey enables the advisory lock when non-zero and a Locker is set.
	LockKey int64
}

// Result summarizes one tick.
type Result struct {
	Due         int
	Sent        int
	Failed      int
	Perpetuated int
	// Suppressed counts rows whose occurrence was moved elsewhere. They are
	// marked sent without a notification.
	Suppressed int
	Skipped    bool
}

// Scheduler sends reminders for due rows and marks them sent in bulk.
type Scheduler struct {
	occurrences store.OccurrenceRepository
	notifier    notify.Notifier
	locker      Locker
	cfg         Config
	now         func() time.Time

	mu sync.Mutex
}

// New creates a Scheduler. locker may be nil.
func New(occurrences store.OccurrenceRepository, notifier notify.Notifier, locker Locker, cfg Config) *Scheduler {
	if cfg.Spec == "" {
		cfg.Spec = DefaultSpec
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Scheduler{
		occurrences: occurrences,
		notifier:    notifier,
		locker:      locker,
		cfg:         cfg,
		now:         time.Now,
	}
}

// Run ticks immediately, then on the configured schedule until ctx is
// cancelled. It waits for a running tick before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := cron.PrintfLogger(log.Default())
	c := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(s.cfg.Spec, func() { s.runTick(ctx) }); err != nil {
		return fmt.Errorf("invalid scheduler spec %q: %w", s.cfg.Spec, err)
	}

	log.Printf("[scheduler] started spec=%q", s.cfg.Spec)
	s.runTick(ctx)

	c.Start()
	<-ctx.Done()
	log.Println("[scheduler] shutting down")
	<-c.Stop().Done()
	return nil
}

func (s *Scheduler) runTick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	res, err := s.Tick(ctx)
	if err != nil {
		log.Printf("[scheduler] tick failed: %v", err)
		return
	}
	if res.Due > 0 {
		log.Printf("[scheduler] due=%d sent=%d failed=%d perpetuated=%d", res.Due, res.Sent, res.Failed, res.Perpetuated)
	}
}

// Tick runs one collect, dispatch and commit cycle. Concurrent calls are
// serialized.
func (s *Scheduler) Tick(ctx context.Context) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	ctx = metrics.WithRoute(ctx, "scheduler")

	var res Result
	run := func(ctx context.Context) error {
		var err error
		res, err = s.tick(ctx)
		return err
	}

	var err error
	if s.locker != nil && s.cfg.LockKey != 0 {
		var held bool
		held, err = s.locker.WithAdvisoryLock(ctx, s.cfg.LockKey, run)
		if err == nil && !held {
			metrics.ObserveTick("skipped", start)
			return Result{Skipped: true}, nil
		}
	} else {
		err = run(ctx)
	}

	if err != nil {
		metrics.ObserveTick("error", start)
		return res, err
	}
	metrics.ObserveTick("ok", start)
	return res, nil
}

func (s *Scheduler) tick(ctx context.Context) (Result, error) {
	var res Result
	now := recurrence.WallClock(s.now(), s.cfg.Location).Truncate(time.Second)

	due, err := s.occurrences.FindDueReminders(ctx, now)
	if err != nil {
		return res, fmt.Errorf("find due reminders: %w", err)
	}
	res.Due = len(due)
	if len(due) == 0 {
		return res, nil
	}

	sent := make([]int64, 0, len(due))
	for _, d := range due {
		if ctx.Err() != nil {
			break
		}
		repeats := d.Recurrence.Unit.Repeats()
		moved, err := s.slotMoved(ctx, d.Occurrence)
		switch {
		case err != nil:
			log.Printf("[scheduler] reminder for event %d failed: %v", d.ID, err)
			metrics.ReminderFailed()
			res.Failed++
			continue
		case moved:
			// The occurrence on this row's date was moved and reminds on its own.
			log.Printf("[scheduler] event %d on %s was moved, reminder suppressed", d.ID, d.EventDate.Format(recurrence.DateLayout))
			res.Suppressed++
		default:
			if err := s.dispatch(ctx, d); err != nil {
				log.Printf("[scheduler] reminder for event %d failed: %v", d.ID, err)
				metrics.ReminderFailed()
				res.Failed++
				continue
			}
			metrics.ReminderSent()
			res.Sent++
		}
		sent = append(sent, d.ID)

		if repeats && s.perpetuate(ctx, d.Occurrence) {
			metrics.OccurrencePerpetuated()
			res.Perpetuated++
		}
	}

	// Notifications already went out; record them even if shutdown started.
	if _, err := s.occurrences.MarkRemindersSent(context.WithoutCancel(ctx), sent, now); err != nil {
		return res, fmt.Errorf("mark %d reminders sent: %w", len(sent), err)
	}
	return res, nil
}

// slotMoved reports whether the occurrence a recurring row stands for was
// moved. The exception may belong to the row itself or to any row it was
// perpetuated from.
func (s *Scheduler) slotMoved(ctx context.Context, o store.Occurrence) (bool, error) {
	if !o.Recurrence.Unit.Repeats() {
		return false, nil
	}
	_, err := s.occurrences.FindSeriesException(ctx, o.ID, o.EventDate)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	}
	return false, fmt.Errorf("check moved occurrence: %w", err)
}

func (s *Scheduler) dispatch(ctx context.Context, d store.DueReminder) error {
	msg, err := s.notifier.Render(d.Occurrence)
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}
	return s.notifier.Send(ctx, d.Email, msg.Subject, msg)
}

// perpetuate inserts the row following o. A failed insert is logged and does
// not hold back marking o as sent.
func (s *Scheduler) perpetuate(ctx context.Context, o store.Occurrence) bool {
	next, ok := nextOccurrence(o)
	if !ok {
		return false
	}
	if _, err := s.occurrences.Create(ctx, next); err != nil {
		if errors.Is(err, store.ErrConflict) {
			log.Printf("[scheduler] event %d already has a successor", o.ID)
		} else {
			log.Printf("[scheduler] could not create next occurrence of event %d: %v", o.ID, err)
		}
		return false
	}
	return true
}

// nextOccurrence builds the row one step after o. The boolean is false when
// that date is past the series end.
func nextOccurrence(o store.Occurrence) (store.Occurrence, bool) {
	rule := o.Recurrence
	date, ok := rule.Next(o.EventDate)
	if !ok {
		return store.Occurrence{}, false
	}
	id := o.ID
	next := store.Occurrence{
		UserID:      o.UserID,
		Title:       o.Title,
		Description: o.Description,
		EventDate:   date,
		Recurrence:  recurrence.Rule{Unit: rule.Unit, Step: rule.Interval(), Until: rule.Until},
		PrecededBy:  &id,
	}
	if o.ReminderTime != nil {
		reminder := recurrence.Add(*o.ReminderTime, rule.Unit, rule.Interval())
		// Month-end clamping can push the reminder onto or past the event.
		if !recurrence.Date(reminder).Before(date) {
			reminder = recurrence.ShiftReminder(*o.ReminderTime, o.EventDate, date)
		}
		next.ReminderTime = &reminder
	}
	return next, true
}
