// Package notify renders reminder messages and delivers them over SMTP,
// Telegram or the process log.
package notify

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/jw6ventures/calremind/internal/recurrence"
	"github.com/jw6ventures/calremind/internal/store"
)

// Message is a rendered reminder.
type Message struct {
	Subject string
	HTML    string
	Text    string
}

// Notifier renders and delivers reminders. Send is called once per due
// occurrence; retries, if any, are the implementation's business.
type Notifier interface {
	Render(o store.Occurrence) (Message, error)
	Send(ctx context.Context, destination, subject string, msg Message) error
}

//go:embed templates/*
var templateFS embed.FS

var funcMap = map[string]any{
	"formatDate": func(t any) string {
		switch v := t.(type) {
		case time.Time:
			if v.IsZero() {
				return ""
			}
			return v.Format("Monday, 2 January 2006")
		case *time.Time:
			if v == nil {
				return ""
			}
			return v.Format("Monday, 2 January 2006")
		}
		return ""
	},
}

var (
	htmlTemplate = htmltemplate.Must(htmltemplate.New("reminder.html").Funcs(funcMap).ParseFS(templateFS, "templates/reminder.html"))
	textTemplate = texttemplate.Must(texttemplate.New("reminder.txt").Funcs(funcMap).ParseFS(templateFS, "templates/reminder.txt"))
)

type reminderData struct {
	Title        string
	Description  string
	EventDate    time.Time
	Moved        bool
	OriginalDate *time.Time
	Repeats      string
}

// Renderer produces the reminder subject and bodies. It is embedded by the
// concrete notifiers.
type Renderer struct{}

// Render builds the "Reminder: <title>" message for o.
func (Renderer) Render(o store.Occurrence) (Message, error) {
	data := reminderData{
		Title:        o.Title,
		Description:  strings.TrimSpace(o.Description),
		EventDate:    o.EventDate,
		Moved:        o.IsException && o.OriginalDate != nil && !o.OriginalDate.Equal(o.EventDate),
		OriginalDate: o.OriginalDate,
		Repeats:      describeRule(o.Recurrence),
	}

	var html, text bytes.Buffer
	if err := htmlTemplate.Execute(&html, data); err != nil {
		return Message{}, fmt.Errorf("render html reminder: %w", err)
	}
	if err := textTemplate.Execute(&text, data); err != nil {
		return Message{}, fmt.Errorf("render text reminder: %w", err)
	}
	return Message{
		Subject: "Reminder: " + o.Title,
		HTML:    html.String(),
		Text:    strings.TrimSpace(text.String()),
	}, nil
}

var unitNouns = map[recurrence.Unit]string{
	recurrence.Daily:   "day",
	recurrence.Weekly:  "week",
	recurrence.Monthly: "month",
	recurrence.Yearly:  "year",
}

func describeRule(r recurrence.Rule) string {
	noun, ok := unitNouns[r.Unit]
	if !ok {
		return ""
	}
	desc := "every " + noun
	if n := r.Interval(); n > 1 {
		desc = fmt.Sprintf("every %d %ss", n, noun)
	}
	if r.Until != nil {
		desc += " until " + r.Until.Format(recurrence.DateLayout)
	}
	return desc
}
