package store

import (
	"context"
	"time"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	GetByID(ctx context.Context, id int64) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	Create(ctx context.Context, user User) (*User, error)
}

// OccurrenceRepository stores event rows in all their roles. Range bounds are
// inclusive whole days.
type OccurrenceRepository interface {
	GetByID(ctx context.Context, id int64) (*Occurrence, error)
	ListByUser(ctx context.Context, userID int64) ([]Occurrence, error)
	ListPage(ctx context.Context, q PageQuery) (*Page, error)

	// FindDueReminders returns unsent rows whose reminder is at or before now.
	FindDueReminders(ctx context.Context, now time.Time) ([]DueReminder, error)
	// FindSinglesInRange returns non-recurring, non-exception rows dated in range.
	FindSinglesInRange(ctx context.Context, userID int64, start, end time.Time) ([]Occurrence, error)
	// FindMastersInRange returns masters whose series may intersect the range.
	FindMastersInRange(ctx context.Context, userID int64, start, end time.Time) ([]Occurrence, error)
	// FindExceptionsInRange returns exceptions dated in range or replacing a
	// date in range.
	FindExceptionsInRange(ctx context.Context, userID int64, start, end time.Time) ([]Occurrence, error)
	FindException(ctx context.Context, parentID int64, originalDate time.Time) (*Occurrence, error)
	// FindSeriesException looks for the exception replacing originalDate among
	// rowID and the rows it was perpetuated from.
	FindSeriesException(ctx context.Context, rowID int64, originalDate time.Time) (*Occurrence, error)

	// MarkRemindersSent flags all ids as sent in a single statement.
	MarkRemindersSent(ctx context.Context, ids []int64, at time.Time) (int64, error)

	Create(ctx context.Context, o Occurrence) (*Occurrence, error)
	Update(ctx context.Context, o Occurrence) (*Occurrence, error)
	Delete(ctx context.Context, id int64) error
	// DeleteSeries removes a master together with its exceptions atomically.
	DeleteSeries(ctx context.Context, masterID int64) (int64, error)

	CountPerDay(ctx context.Context, userID *int64, from, to time.Time) ([]DayCount, error)
}
