package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/SalesPipe/internal/models"
)

type mockSender struct {
	to   []string
	body []string
	err  error
}

func (m *mockSender) SendMessage(ctx context.Context, to string, body string) (string, error) {
	m.to = append(m.to, to)
	m.body = append(m.body, body)
	return "id", m.err
}

type mockEmailSender struct {
	sent []EmailMessage
	err  error
}

func (m *mockEmailSender) Send(ctx context.Context, msg EmailMessage) error {
	m.sent = append(m.sent, msg)
	return m.err
}

func trialRequest() models.Notification {
	return models.Notification{
		Type:    models.NotificationTrialRequest,
		Message: "New trial request from 15551234567",
		Phone:   "15551234567",
		Fields: map[string]string{
			"phone":              "15551234567",
			"device":             "firestick",
			"mac_address":        "00:1A:79:AB:CD:EF",
			"content_preference": "english",
		},
		RawText: "english please",
	}
}

func TestFormat(t *testing.T) {
	got := Format(trialRequest())
	want := "🆕 Trial request\nNew trial request from 15551234567\n\nPhone: 15551234567" +
		"\ncontent_preference: english\ndevice: firestick\nmac_address: 00:1A:79:AB:CD:EF" +
		"\n\nCustomer wrote: \"english please\""
	if got != want {
		t.Errorf("Format mismatch\n got: %q\nwant: %q", got, want)
	}
}

func TestTitleUnknownType(t *testing.T) {
	if got := Title("custom"); got != "Notification: custom" {
		t.Errorf("unexpected title %q", got)
	}
}

func TestWhatsAppNotifier(t *testing.T) {
	if NewWhatsAppNotifier(&mockSender{}, "") != nil {
		t.Error("expected nil notifier without admin phone")
	}
	sender := &mockSender{}
	n := NewWhatsAppNotifier(sender, "447700900999")
	if err := n.NotifyAdmin(context.Background(), trialRequest(), nil); err != nil {
		t.Fatalf("NotifyAdmin returned error: %v", err)
	}
	if len(sender.to) != 1 || sender.to[0] != "447700900999" {
		t.Errorf("expected message to admin phone, got %v", sender.to)
	}
	if !strings.HasPrefix(sender.body[0], "🆕 Trial request") {
		t.Errorf("unexpected body %q", sender.body[0])
	}

	sender.err = errors.New("offline")
	if err := n.NotifyAdmin(context.Background(), trialRequest(), nil); err == nil {
		t.Error("expected send error to be returned")
	}
}

func TestEmailNotifier(t *testing.T) {
	if NewEmailNotifier(&mockEmailSender{}, "") != nil {
		t.Error("expected nil notifier without admin email")
	}
	sender := &mockEmailSender{}
	n := NewEmailNotifier(sender, "owner@example.com")
	note := trialRequest()
	note.RawText = "<b>hi</b>"
	if err := n.NotifyAdmin(context.Background(), note, nil); err != nil {
		t.Fatalf("NotifyAdmin returned error: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one email, got %d", len(sender.sent))
	}
	msg := sender.sent[0]
	if msg.To != "owner@example.com" || msg.Subject != "[SalesPipe] 🆕 Trial request: 15551234567" {
		t.Errorf("unexpected email %+v", msg)
	}
	if strings.Contains(msg.HTML, "<b>") {
		t.Errorf("expected HTML body to be escaped, got %q", msg.HTML)
	}
}

func TestSendGridSender(t *testing.T) {
	if NewSendGridSender(SendGridConfig{}) != nil {
		t.Error("expected nil sender without API key")
	}
	s := NewSendGridSender(SendGridConfig{APIKey: "SG.test", FromEmail: "bot@example.com"})
	if s.fromName != "SalesPipe" {
		t.Errorf("expected default from name, got %q", s.fromName)
	}
	var nilSender *SendGridSender
	if err := nilSender.Send(context.Background(), EmailMessage{To: "a@example.com"}); err == nil {
		t.Error("expected error from unconfigured sender")
	}
}

func TestMulti(t *testing.T) {
	ok := &mockSender{}
	failing := &mockEmailSender{err: errors.New("quota")}
	m := Multi{NewWhatsAppNotifier(ok, "447700900999"), NewEmailNotifier(failing, "owner@example.com"), nil}

	err := m.NotifyAdmin(context.Background(), trialRequest(), nil)
	if err == nil || !strings.Contains(err.Error(), "quota") {
		t.Errorf("expected joined error, got %v", err)
	}
	if len(ok.to) != 1 {
		t.Error("expected healthy sink to be delivered despite other failure")
	}
	if len(failing.sent) != 1 {
		t.Error("expected failing sink to be attempted")
	}
}

func TestLogNotifier(t *testing.T) {
	if err := (LogNotifier{}).NotifyAdmin(context.Background(), trialRequest(), nil); err != nil {
		t.Errorf("LogNotifier returned error: %v", err)
	}
}
