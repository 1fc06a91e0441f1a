package store

import (
	"strings"
	"time"
)

// SortField is one of the columns a listing may be ordered by.
type SortField int

const (
	SortByID SortField = iota
	SortByEventDate
	SortByTitle
	SortByReminderTime
)

var sortFieldNames = map[string]SortField{
	"id":           SortByID,
	"eventdate":    SortByEventDate,
	"title":        SortByTitle,
	"remindertime": SortByReminderTime,
}

// ParseSortField maps a request parameter onto a known field, falling back to
// SortByID for anything unrecognised.
func ParseSortField(s string) SortField {
	key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
	if f, ok := sortFieldNames[key]; ok {
		return f
	}
	return SortByID
}

func (f SortField) column() string {
	switch f {
	case SortByEventDate:
		return "e.event_date"
	case SortByTitle:
		return "e.title"
	case SortByReminderTime:
		return "e.reminder_time"
	default:
		return "e.id"
	}
}

// SortDirection orders a listing.
type SortDirection int

const (
	Ascending SortDirection = iota
	Descending
)

// ParseSortDirection accepts asc/desc in any case and defaults to Ascending.
func ParseSortDirection(s string) SortDirection {
	if strings.EqualFold(strings.TrimSpace(s), "desc") {
		return Descending
	}
	return Ascending
}

func (d SortDirection) sql() string {
	if d == Descending {
		return "DESC"
	}
	return "ASC"
}

// PageQuery selects one page of events. A nil UserID lists every user's rows.
type PageQuery struct {
	UserID    *int64
	Page      int
	Size      int
	Sort      SortField
	Direction SortDirection
	After     *time.Time
	Search    string
}

// Page is one slice of a listing.
type Page struct {
	Items []Occurrence
	Total int64
	Page  int
	Size  int
}

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// Normalize applies listing defaults: a negative page becomes the first page
// and an out-of-range size becomes DefaultPageSize.
func (q PageQuery) Normalize() PageQuery {
	if q.Page < 0 {
		q.Page = 0
	}
	if q.Size <= 0 || q.Size > MaxPageSize {
		q.Size = DefaultPageSize
	}
	q.Search = strings.TrimSpace(q.Search)
	return q
}
