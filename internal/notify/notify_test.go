package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/jw6ventures/calremind/internal/recurrence"
	"github.com/jw6ventures/calremind/internal/store"
)

func sampleOccurrence() store.Occurrence {
	until := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)
	return store.Occurrence{
		ID:          7,
		Title:       "Tea <b>party</b>",
		Description: "Bring cups",
		EventDate:   time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC),
		Recurrence:  recurrence.Rule{Unit: recurrence.Weekly, Step: 2, Until: &until},
	}
}

func TestRender(t *testing.T) {
	msg, err := Renderer{}.Render(sampleOccurrence())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if msg.Subject != "Reminder: Tea <b>party</b>" {
		t.Fatalf("unexpected subject %q", msg.Subject)
	}
	if !strings.Contains(msg.HTML, "Tea &lt;b&gt;party&lt;/b&gt;") {
		t.Fatalf("expected escaped title in html body:\n%s", msg.HTML)
	}
	for _, want := range []string{"Saturday, 9 March 2024", "Bring cups", "every 2 weeks until 2024-06-30"} {
		if !strings.Contains(msg.Text, want) {
			t.Errorf("text body missing %q:\n%s", want, msg.Text)
		}
	}
}

func TestRenderMovedOccurrence(t *testing.T) {
	o := sampleOccurrence()
	original := time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)
	o.Recurrence = recurrence.Rule{Unit: recurrence.None}
	o.IsException = true
	o.OriginalDate = &original

	msg, err := Renderer{}.Render(o)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(msg.Text, "moved from Friday, 8 March 2024") {
		t.Fatalf("expected moved note:\n%s", msg.Text)
	}
	if strings.Contains(msg.Text, "Repeats") {
		t.Fatalf("exceptions do not repeat:\n%s", msg.Text)
	}
}

func TestSMTPNotifierSend(t *testing.T) {
	n := NewSMTPNotifier(SMTPConfig{Host: "mail.example.com", Port: 587, Username: "bot", Password: "secret", From: "reminders@example.com"})
	n.now = func() time.Time { return time.Date(2024, 3, 8, 9, 0, 0, 0, time.UTC) }

	var (
		gotAddr string
		gotTo   []string
		gotBody string
	)
	n.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotBody = addr, to, string(msg)
		return nil
	}

	msg, err := n.Render(sampleOccurrence())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if err := n.Send(context.Background(), "owner@example.com", msg.Subject, msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotAddr != "mail.example.com:587" || len(gotTo) != 1 || gotTo[0] != "owner@example.com" {
		t.Fatalf("unexpected envelope %s %v", gotAddr, gotTo)
	}
	for _, want := range []string{"To: owner@example.com", "multipart/alternative", "text/html; charset=UTF-8", "Bring cups"} {
		if !strings.Contains(gotBody, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestSMTPNotifierErrors(t *testing.T) {
	n := NewSMTPNotifier(SMTPConfig{Host: "mail.example.com", Port: 25, From: "reminders@example.com"})
	boom := errors.New("relay refused")
	n.sendMail = func(string, smtp.Auth, string, []string, []byte) error { return boom }

	if err := n.Send(context.Background(), "", "s", Message{Text: "x"}); err == nil {
		t.Fatalf("expected empty destination to fail")
	}
	if err := n.Send(context.Background(), "a@example.com", "s", Message{Text: "x"}); !errors.Is(err, boom) {
		t.Fatalf("expected relay error, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := n.Send(ctx, "a@example.com", "s", Message{Text: "x"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestTelegramNotifierSend(t *testing.T) {
	var got telegramSendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendMessage" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier("TOKEN", "42")
	n.baseURL = srv.URL
	if err := n.Send(context.Background(), "owner@example.com", "Reminder: Tea", Message{Text: "Reminder: Tea"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.ChatID != "42" || !strings.HasPrefix(got.Text, "Reminder: Tea") || !strings.Contains(got.Text, "owner@example.com") {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestTelegramNotifierAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier("TOKEN", "42")
	n.baseURL = srv.URL
	err := n.Send(context.Background(), "", "s", Message{Text: "x"})
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("expected API error, got %v", err)
	}
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(log.New(&buf, "", 0))
	if err := n.Send(context.Background(), "owner@example.com", "Reminder: Tea", Message{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !strings.Contains(buf.String(), `to=owner@example.com subject="Reminder: Tea"`) {
		t.Fatalf("unexpected log line %q", buf.String())
	}
}
