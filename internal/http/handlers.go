package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jw6ventures/calremind/internal/auth"
	"github.com/jw6ventures/calremind/internal/events"
	httperrors "github.com/jw6ventures/calremind/internal/http/errors"
	"github.com/jw6ventures/calremind/internal/recurrence"
	"github.com/jw6ventures/calremind/internal/store"
)

const maxBodyBytes = 1 << 20

// Handler serves the event API.
type Handler struct {
	events *events.Service
	users  *auth.Service
	domain string
	now    func() time.Time
}

// NewHandler returns a Handler. domain qualifies UIDs in the iCalendar feed.
func NewHandler(svc *events.Service, users *auth.Service, domain string) *Handler {
	return &Handler{events: svc, users: users, domain: domain, now: time.Now}
}

func feedDomain(baseURL string) string {
	if u, err := url.Parse(baseURL); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return "calremind.local"
}

type eventRequest struct {
	Title              string  `json:"title"`
	Description        string  `json:"description"`
	EventDate          string  `json:"eventDate"`
	ReminderTime       *string `json:"reminderTime"`
	RecurrenceType     string  `json:"recurrenceType"`
	RecurrenceInterval int     `json:"recurrenceInterval"`
	RecurrenceEndDate  *string `json:"recurrenceEndDate"`
}

func (req eventRequest) input() (events.Input, error) {
	in := events.Input{
		Title:       req.Title,
		Description: req.Description,
		Unit:        recurrence.Unit(req.RecurrenceType),
		Step:        req.RecurrenceInterval,
	}
	if strings.TrimSpace(req.EventDate) != "" {
		d, err := recurrence.ParseDate(req.EventDate)
		if err != nil {
			return in, &events.ValidationError{Field: "eventDate", Message: "must be YYYY-MM-DD"}
		}
		in.EventDate = d
	}
	if req.ReminderTime != nil && strings.TrimSpace(*req.ReminderTime) != "" {
		t, err := recurrence.ParseDateTime(*req.ReminderTime)
		if err != nil {
			return in, &events.ValidationError{Field: "reminderTime", Message: "must be YYYY-MM-DDTHH:MM:SS"}
		}
		in.ReminderTime = &t
	}
	if req.RecurrenceEndDate != nil && strings.TrimSpace(*req.RecurrenceEndDate) != "" {
		d, err := recurrence.ParseDate(*req.RecurrenceEndDate)
		if err != nil {
			return in, &events.ValidationError{Field: "recurrenceEndDate", Message: "must be YYYY-MM-DD"}
		}
		in.Until = &d
	}
	return in, nil
}

type userRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type userResponse struct {
	ID      int64  `json:"id"`
	Email   string `json:"email"`
	Role    string `json:"role"`
	Enabled bool   `json:"enabled"`
}

type moveRequest struct {
	Mode         string `json:"mode"`
	OriginalDate string `json:"originalDate"`
	NewDate      string `json:"newDate"`
}

type pageResponse struct {
	Items []recurrence.View `json:"items"`
	Total int64             `json:"total"`
	Page  int               `json:"page"`
	Size  int               `json:"size"`
}

type dayCountResponse struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

func success(w http.ResponseWriter, status int, message string, data any) {
	httperrors.WriteJSON(w, status, httperrors.Envelope{Status: httperrors.StatusSuccess, Message: message, Data: data})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func eventID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid event id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}

func views(rows []store.Occurrence) []recurrence.View {
	out := make([]recurrence.View, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].View())
	}
	return out
}

func toPage(p *store.Page) pageResponse {
	return pageResponse{Items: views(p.Items), Total: p.Total, Page: p.Page, Size: p.Size}
}

func parsePageQuery(v url.Values) (store.PageQuery, error) {
	q := store.PageQuery{
		Sort:      store.ParseSortField(v.Get("sort")),
		Direction: store.ParseSortDirection(v.Get("direction")),
		Search:    v.Get("search"),
	}
	for key, dst := range map[string]*int{"page": &q.Page, "size": &q.Size} {
		if raw := v.Get(key); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return q, fmt.Errorf("invalid %s %q", key, raw)
			}
			*dst = n
		}
	}
	if raw := v.Get("after"); raw != "" {
		d, err := recurrence.ParseDate(raw)
		if err != nil {
			return q, fmt.Errorf("invalid after date %q", raw)
		}
		q.After = &d
	}
	return q, nil
}

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	q, err := parsePageQuery(r.URL.Query())
	if err != nil {
		httperrors.BadRequestError(w, r, err, err.Error())
		return
	}
	page, err := h.events.ListPage(r.Context(), user, q)
	if err != nil {
		httperrors.ServiceError(w, r, err)
		return
	}
	success(w, http.StatusOK, "", toPage(page))
}

func (h *Handler) AdminListEvents(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	q, err := parsePageQuery(r.URL.Query())
	if err != nil {
		httperrors.BadRequestError(w, r, err, err.Error())
		return
	}
	page, err := h.events.AdminListPage(r.Context(), user, q)
	if err != nil {
		httperrors.ServiceError(w, r, err)
		return
	}
	success(w, http.StatusOK, "", toPage(page))
}

// AdminCreateUser adds an account that can then authenticate to the API.
func (h *Handler) AdminCreateUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httperrors.BadRequestError(w, r, err, "invalid request body")
		return
	}
	user, err := h.users.CreateUser(r.Context(), req.Email, req.Password, req.Role)
	switch {
	case errors.Is(err, auth.ErrInvalidUser):
		httperrors.BadRequestError(w, r, err, strings.TrimPrefix(err.Error(), auth.ErrInvalidUser.Error()+": "))
		return
	case errors.Is(err, auth.ErrUserExists):
		httperrors.ConflictError(w, r, err, "user already exists")
		return
	case err != nil:
		httperrors.InternalError(w, r, err, "create user")
		return
	}
	success(w, http.StatusCreated, "user created", userResponse{ID: user.ID, Email: user.Email, Role: user.Role, Enabled: user.Enabled})
}

func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	id, err := eventID(r)
	if err != nil {
		httperrors.BadRequestError(w, r, err, "invalid event id")
		return
	}
	o, err := h.events.Get(r.Context(), user, id)
	if err != nil {
		httperrors.ServiceError(w, r, err)
		return
	}
	success(w, http.StatusOK, "", o.View())
}

func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	var req eventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httperrors.BadRequestError(w, r, err, "invalid request body")
		return
	}
	in, err := req.input()
	if err != nil {
		httperrors.ServiceError(w, r, err)
		return
	}
	o, err := h.events.Create(r.Context(), user, in)
	if err != nil {
		httperrors.ServiceError(w, r, err)
		return
	}
	success(w, http.StatusCreated, "Event created", o.View())
}

func (h *Handler) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	id, err := eventID(r)
	if err != nil {
		httperrors.BadRequestError(w, r, err, "invalid event id")
		return
	}
	var req eventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httperrors.BadRequestError(w, r, err, "invalid request body")
		return
	}
	in, err := req.input()
	if err != nil {
		httperrors.ServiceError(w, r, err)
		return
	}
	o, err := h.events.Update(r.Context(), user, id, in)
	if err != nil {
		httperrors.ServiceError(w, r, err)
		return
	}
	success(w, http.StatusOK, "Event updated", o.View())
}

func (h *Handler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	id, err := eventID(r)
	if err != nil {
		httperrors.BadRequestError(w, r, err, "invalid event id")
		return
	}
	if err := h.events.Delete(r.Context(), user, id); err != nil {
		httperrors.ServiceError(w, r, err)
		return
	}
	success(w, http.StatusOK, "Event deleted", nil)
}

func (h *Handler) MoveOccurrence(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	id, err := eventID(r)
	if err != nil {
		httperrors.BadRequestError(w, r, err, "invalid event id")
		return
	}
	var req moveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httperrors.BadRequestError(w, r, err, "invalid request body")
		return
	}
	move := events.MoveRequest{Mode: req.Mode}
	if req.OriginalDate != "" {
		if move.OriginalDate, err = recurrence.ParseDate(req.OriginalDate); err != nil {
			httperrors.ServiceError(w, r, &events.ValidationError{Field: "originalDate", Message: "must be YYYY-MM-DD"})
			return
		}
	}
	if req.NewDate != "" {
		if move.NewDate, err = recurrence.ParseDate(req.NewDate); err != nil {
			httperrors.ServiceError(w, r, &events.ValidationError{Field: "newDate", Message: "must be YYYY-MM-DD"})
			return
		}
	}
	o, err := h.events.MoveOccurrence(r.Context(), user, id, move)
	if err != nil {
		httperrors.ServiceError(w, r, err)
		return
	}
	success(w, http.StatusOK, "Occurrence moved", o.View())
}

func (h *Handler) MoveEventDate(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	id, err := eventID(r)
	if err != nil {
		httperrors.BadRequestError(w, r, err, "invalid event id")
		return
	}
	var req moveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httperrors.BadRequestError(w, r, err, "invalid request body")
		return
	}
	var newDate time.Time
	if req.NewDate != "" {
		if newDate, err = recurrence.ParseDate(req.NewDate); err != nil {
			httperrors.ServiceError(w, r, &events.ValidationError{Field: "newDate", Message: "must be YYYY-MM-DD"})
			return
		}
	}
	o, err := h.events.MoveEventDate(r.Context(), user, id, newDate)
	if err != nil {
		httperrors.ServiceError(w, r, err)
		return
	}
	success(w, http.StatusOK, "Event moved", o.View())
}

func (h *Handler) Calendar(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	start, err := recurrence.ParseDate(r.URL.Query().Get("start"))
	if err != nil {
		httperrors.BadRequestError(w, r, err, "start must be YYYY-MM-DD")
		return
	}
	end, err := recurrence.ParseDate(r.URL.Query().Get("end"))
	if err != nil {
		httperrors.BadRequestError(w, r, err, "end must be YYYY-MM-DD")
		return
	}
	occurrences, err := h.events.GetCalendarEvents(r.Context(), user, start, end)
	if err != nil {
		httperrors.ServiceError(w, r, err)
		return
	}
	if occurrences == nil {
		occurrences = []recurrence.View{}
	}
	success(w, http.StatusOK, "", occurrences)
}

// CalendarFeed exports the caller's stored rows as iCalendar. Series are
// carried as RRULEs rather than expanded.
func (h *Handler) CalendarFeed(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	rows, err := h.events.List(r.Context(), user)
	if err != nil {
		httperrors.ServiceError(w, r, err)
		return
	}
	cal := recurrence.BuildCalendar(views(rows), h.domain, h.now().UTC())
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="calremind.ics"`)
	if err := cal.SerializeTo(w); err != nil {
		httperrors.LogError(r, "write calendar feed", err)
	}
}

func (h *Handler) EventsPerDay(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	counts, err := h.events.EventsPerDay(r.Context(), user)
	if err != nil {
		httperrors.ServiceError(w, r, err)
		return
	}
	out := make([]dayCountResponse, 0, len(counts))
	for _, c := range counts {
		out = append(out, dayCountResponse{Date: c.Date.Format(recurrence.DateLayout), Count: c.Count})
	}
	success(w, http.StatusOK, "", out)
}
