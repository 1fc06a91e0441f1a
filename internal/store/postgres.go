package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jw6ventures/calremind/internal/recurrence"
)

const uniqueViolation = "23505"

const userColumns = `id, email, password_hash, role, enabled, created_at`

const occurrenceColumns = `e.id, e.user_id, e.title, e.description, e.event_date, e.reminder_time,
	e.reminder_sent, e.reminder_sent_at, e.recurrence_type, e.recurrence_interval, e.recurrence_end_date,
	e.parent_event_id, e.is_exception, e.original_date, e.preceded_by, e.created_at, e.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// userRepo implements UserRepository.
type userRepo struct {
	pool dbPool
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.Enabled, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *userRepo) GetByID(ctx context.Context, id int64) (*User, error) {
	defer observeDB(ctx, "users.get_by_id")()
	u, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
	if err != nil {
		return nil, wrapErr("get user", err)
	}
	return u, nil
}

func (r *userRepo) GetByEmail(ctx context.Context, email string) (*User, error) {
	defer observeDB(ctx, "users.get_by_email")()
	u, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email)=lower($1)`, strings.TrimSpace(email)))
	if err != nil {
		return nil, wrapErr("get user by email", err)
	}
	return u, nil
}

func (r *userRepo) Create(ctx context.Context, user User) (*User, error) {
	defer observeDB(ctx, "users.create")()
	role := user.Role
	if role == "" {
		role = RoleUser
	}
	const q = `INSERT INTO users (email, password_hash, role, enabled) VALUES ($1, $2, $3, $4)
RETURNING ` + userColumns
	u, err := scanUser(r.pool.QueryRow(ctx, q, strings.TrimSpace(user.Email), user.PasswordHash, role, user.Enabled))
	if err != nil {
		return nil, wrapErr("create user", err)
	}
	return u, nil
}

// occurrenceRepo implements OccurrenceRepository.
type occurrenceRepo struct {
	pool dbPool
}

func scanOccurrence(row rowScanner, extra ...any) (Occurrence, error) {
	var (
		o    Occurrence
		unit string
		step *int32
	)
	dest := []any{
		&o.ID, &o.UserID, &o.Title, &o.Description, &o.EventDate, &o.ReminderTime,
		&o.ReminderSent, &o.ReminderSentAt, &unit, &step, &o.Recurrence.Until,
		&o.ParentID, &o.IsException, &o.OriginalDate, &o.PrecededBy, &o.CreatedAt, &o.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Occurrence{}, err
	}
	o.Recurrence.Unit = recurrence.Unit(unit)
	if step != nil {
		o.Recurrence.Step = int(*step)
	}
	return o, nil
}

func collectOccurrence(row pgx.CollectableRow) (Occurrence, error) {
	return scanOccurrence(row)
}

func (r *occurrenceRepo) queryOccurrences(ctx context.Context, sql string, args ...any) ([]Occurrence, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, collectOccurrence)
}

func (r *occurrenceRepo) GetByID(ctx context.Context, id int64) (*Occurrence, error) {
	defer observeDB(ctx, "events.get_by_id")()
	o, err := scanOccurrence(r.pool.QueryRow(ctx, `SELECT `+occurrenceColumns+` FROM events e WHERE e.id=$1`, id))
	if err != nil {
		return nil, wrapErr("get event", err)
	}
	return &o, nil
}

func (r *occurrenceRepo) ListByUser(ctx context.Context, userID int64) ([]Occurrence, error) {
	defer observeDB(ctx, "events.list_by_user")()
	items, err := r.queryOccurrences(ctx, `SELECT `+occurrenceColumns+` FROM events e
WHERE e.user_id=$1 ORDER BY e.event_date, e.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return items, nil
}

func (r *occurrenceRepo) ListPage(ctx context.Context, q PageQuery) (*Page, error) {
	defer observeDB(ctx, "events.list_page")()
	q = q.Normalize()
	where, args := pageFilter(q)

	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM events e`+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}

	dir := q.Direction.sql()
	query := fmt.Sprintf(`SELECT %s FROM events e%s ORDER BY %s %s NULLS LAST, e.id %s LIMIT $%d OFFSET $%d`,
		occurrenceColumns, where, q.Sort.column(), dir, dir, len(args)+1, len(args)+2)
	args = append(args, q.Size, q.Page*q.Size)
	items, err := r.queryOccurrences(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events page: %w", err)
	}
	return &Page{Items: items, Total: total, Page: q.Page, Size: q.Size}, nil
}

func pageFilter(q PageQuery) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if q.UserID != nil {
		add("e.user_id = $%d", *q.UserID)
	}
	if q.After != nil {
		add("e.event_date >= $%d", recurrence.Date(*q.After))
	}
	if q.Search != "" {
		add("e.title ILIKE $%d", "%"+escapeLike(q.Search)+"%")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func (r *occurrenceRepo) FindDueReminders(ctx context.Context, now time.Time) ([]DueReminder, error) {
	defer observeDB(ctx, "events.find_due")()
	rows, err := r.pool.Query(ctx, `SELECT `+occurrenceColumns+`, u.email FROM events e
JOIN users u ON u.id = e.user_id
WHERE NOT e.reminder_sent AND e.reminder_time IS NOT NULL AND e.reminder_time <= $1 AND u.enabled
ORDER BY e.reminder_time, e.id`, now)
	if err != nil {
		return nil, fmt.Errorf("find due reminders: %w", err)
	}
	due, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (DueReminder, error) {
		var d DueReminder
		o, err := scanOccurrence(row, &d.Email)
		d.Occurrence = o
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan due reminders: %w", err)
	}
	return due, nil
}

func (r *occurrenceRepo) FindSinglesInRange(ctx context.Context, userID int64, start, end time.Time) ([]Occurrence, error) {
	defer observeDB(ctx, "events.find_singles")()
	items, err := r.queryOccurrences(ctx, `SELECT `+occurrenceColumns+` FROM events e
WHERE e.user_id=$1 AND e.recurrence_type='NONE' AND NOT e.is_exception
  AND e.event_date BETWEEN $2 AND $3
ORDER BY e.event_date, e.id`, userID, recurrence.Date(start), recurrence.Date(end))
	if err != nil {
		return nil, fmt.Errorf("find single events: %w", err)
	}
	return items, nil
}

func (r *occurrenceRepo) FindMastersInRange(ctx context.Context, userID int64, start, end time.Time) ([]Occurrence, error) {
	defer observeDB(ctx, "events.find_masters")()
	items, err := r.queryOccurrences(ctx, `SELECT `+occurrenceColumns+` FROM events e
WHERE e.user_id=$1 AND e.recurrence_type <> 'NONE' AND e.parent_event_id IS NULL AND NOT e.is_exception
  AND e.event_date <= $3
  AND (e.recurrence_end_date IS NULL OR e.recurrence_end_date >= $2)
ORDER BY e.event_date, e.id`, userID, recurrence.Date(start), recurrence.Date(end))
	if err != nil {
		return nil, fmt.Errorf("find recurring events: %w", err)
	}
	return items, nil
}

func (r *occurrenceRepo) FindExceptionsInRange(ctx context.Context, userID int64, start, end time.Time) ([]Occurrence, error) {
	defer observeDB(ctx, "events.find_exceptions")()
	items, err := r.queryOccurrences(ctx, `SELECT `+occurrenceColumns+` FROM events e
WHERE e.user_id=$1 AND e.is_exception
  AND (e.event_date BETWEEN $2 AND $3 OR e.original_date BETWEEN $2 AND $3)
ORDER BY e.event_date, e.id`, userID, recurrence.Date(start), recurrence.Date(end))
	if err != nil {
		return nil, fmt.Errorf("find exceptions: %w", err)
	}
	return items, nil
}

func (r *occurrenceRepo) FindException(ctx context.Context, parentID int64, originalDate time.Time) (*Occurrence, error) {
	defer observeDB(ctx, "events.find_exception")()
	o, err := scanOccurrence(r.pool.QueryRow(ctx, `SELECT `+occurrenceColumns+` FROM events e
WHERE e.is_exception AND e.parent_event_id=$1 AND e.original_date=$2`, parentID, recurrence.Date(originalDate)))
	if err != nil {
		return nil, wrapErr("find exception", err)
	}
	return &o, nil
}

func (r *occurrenceRepo) FindSeriesException(ctx context.Context, rowID int64, originalDate time.Time) (*Occurrence, error) {
	defer observeDB(ctx, "events.find_series_exception")()
	o, err := scanOccurrence(r.pool.QueryRow(ctx, `WITH RECURSIVE chain(id, preceded_by) AS (
	SELECT id, preceded_by FROM events WHERE id=$1
	UNION
	SELECT p.id, p.preceded_by FROM events p JOIN chain c ON p.id = c.preceded_by
)
SELECT `+occurrenceColumns+` FROM events e
WHERE e.is_exception AND e.original_date=$2 AND e.parent_event_id IN (SELECT id FROM chain)
ORDER BY e.id LIMIT 1`, rowID, recurrence.Date(originalDate)))
	if err != nil {
		return nil, wrapErr("find series exception", err)
	}
	return &o, nil
}

func (r *occurrenceRepo) MarkRemindersSent(ctx context.Context, ids []int64, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	defer observeDB(ctx, "events.mark_sent")()
	tag, err := r.pool.Exec(ctx, `UPDATE events SET reminder_sent=TRUE, reminder_sent_at=$2, updated_at=NOW()
WHERE id = ANY($1)`, ids, at)
	if err != nil {
		return 0, fmt.Errorf("mark reminders sent: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *occurrenceRepo) Create(ctx context.Context, o Occurrence) (*Occurrence, error) {
	defer observeDB(ctx, "events.create")()
	const q = `INSERT INTO events AS e (user_id, title, description, event_date, reminder_time, reminder_sent,
	reminder_sent_at, recurrence_type, recurrence_interval, recurrence_end_date, parent_event_id, is_exception,
	original_date, preceded_by)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
RETURNING ` + occurrenceColumns
	created, err := scanOccurrence(r.pool.QueryRow(ctx, q, o.UserID, o.Title, o.Description,
		recurrence.Date(o.EventDate), o.ReminderTime, o.ReminderSent, o.ReminderSentAt,
		unitArg(o.Recurrence), stepArg(o.Recurrence), dateArg(o.Recurrence.Until), o.ParentID, o.IsException,
		dateArg(o.OriginalDate), o.PrecededBy))
	if err != nil {
		return nil, wrapErr("create event", err)
	}
	return &created, nil
}

func (r *occurrenceRepo) Update(ctx context.Context, o Occurrence) (*Occurrence, error) {
	defer observeDB(ctx, "events.update")()
	const q = `UPDATE events AS e SET title=$2, description=$3, event_date=$4, reminder_time=$5, reminder_sent=$6,
	reminder_sent_at=$7, recurrence_type=$8, recurrence_interval=$9, recurrence_end_date=$10,
	parent_event_id=$11, is_exception=$12, original_date=$13, updated_at=NOW()
WHERE e.id=$1
RETURNING ` + occurrenceColumns
	updated, err := scanOccurrence(r.pool.QueryRow(ctx, q, o.ID, o.Title, o.Description,
		recurrence.Date(o.EventDate), o.ReminderTime, o.ReminderSent, o.ReminderSentAt,
		unitArg(o.Recurrence), stepArg(o.Recurrence), dateArg(o.Recurrence.Until), o.ParentID, o.IsException,
		dateArg(o.OriginalDate)))
	if err != nil {
		return nil, wrapErr("update event", err)
	}
	return &updated, nil
}

func (r *occurrenceRepo) Delete(ctx context.Context, id int64) error {
	defer observeDB(ctx, "events.delete")()
	tag, err := r.pool.Exec(ctx, `DELETE FROM events WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *occurrenceRepo) DeleteSeries(ctx context.Context, masterID int64) (int64, error) {
	defer observeDB(ctx, "events.delete_series")()
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin delete series: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	exceptions, err := tx.Exec(ctx, `DELETE FROM events WHERE is_exception AND parent_event_id=$1`, masterID)
	if err != nil {
		return 0, fmt.Errorf("delete exceptions: %w", err)
	}
	master, err := tx.Exec(ctx, `DELETE FROM events WHERE id=$1`, masterID)
	if err != nil {
		return 0, fmt.Errorf("delete master: %w", err)
	}
	if master.RowsAffected() == 0 {
		return 0, ErrNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit delete series: %w", err)
	}
	return exceptions.RowsAffected() + master.RowsAffected(), nil
}

func (r *occurrenceRepo) CountPerDay(ctx context.Context, userID *int64, from, to time.Time) ([]DayCount, error) {
	defer observeDB(ctx, "events.count_per_day")()
	query := `SELECT e.event_date, COUNT(*) FROM events e WHERE e.event_date BETWEEN $1 AND $2`
	args := []any{recurrence.Date(from), recurrence.Date(to)}
	if userID != nil {
		query += ` AND e.user_id = $3`
		args = append(args, *userID)
	}
	query += ` GROUP BY e.event_date ORDER BY e.event_date`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count events per day: %w", err)
	}
	counts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (DayCount, error) {
		var c DayCount
		err := row.Scan(&c.Date, &c.Count)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan events per day: %w", err)
	}
	return counts, nil
}

func unitArg(r recurrence.Rule) string {
	if r.Unit == "" {
		return string(recurrence.None)
	}
	return string(r.Unit)
}

func stepArg(r recurrence.Rule) *int32 {
	if !r.Unit.Repeats() {
		return nil
	}
	step := int32(r.Interval())
	return &step
}

func dateArg(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	d := recurrence.Date(*t)
	return &d
}

func wrapErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}
