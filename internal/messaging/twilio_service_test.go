package messaging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/SalesPipe/internal/models"
)

type fakeTwilioAPI struct {
	created []*twilioApi.CreateMessageParams
	listed  []*twilioApi.ListMessageParams
	byFrom  map[string][]twilioApi.ApiV2010Message
	err     error
}

func (f *fakeTwilioAPI) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.created = append(f.created, params)
	if f.err != nil {
		return nil, f.err
	}
	sid := "SM123"
	return &twilioApi.ApiV2010Message{Sid: &sid}, nil
}

func (f *fakeTwilioAPI) ListMessage(params *twilioApi.ListMessageParams) ([]twilioApi.ApiV2010Message, error) {
	f.listed = append(f.listed, params)
	if f.err != nil {
		return nil, f.err
	}
	return f.byFrom[*params.From], nil
}

func strPtr(s string) *string { return &s }

func TestTwilioService_SendMessage(t *testing.T) {
	api := &fakeTwilioAPI{}
	svc := newTwilioService(api, "+15550000000")

	sid, err := svc.SendMessage(context.Background(), "+1 555 123 4567", "hello")
	if err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	if sid != "SM123" {
		t.Errorf("expected sid SM123, got %q", sid)
	}
	if len(api.created) != 1 {
		t.Fatalf("expected 1 CreateMessage call, got %d", len(api.created))
	}
	p := api.created[0]
	if *p.To != "whatsapp:+15551234567" {
		t.Errorf("unexpected To %q", *p.To)
	}
	if *p.From != "whatsapp:+15550000000" {
		t.Errorf("unexpected From %q", *p.From)
	}
	if *p.Body != "hello" {
		t.Errorf("unexpected Body %q", *p.Body)
	}
}

func TestTwilioService_SendMessageErrors(t *testing.T) {
	api := &fakeTwilioAPI{err: errors.New("boom")}
	svc := newTwilioService(api, "whatsapp:+15550000000")

	if _, err := svc.SendMessage(context.Background(), "12", "hi"); !errors.Is(err, models.ErrInvalidPhone) {
		t.Errorf("expected ErrInvalidPhone, got %v", err)
	}
	if _, err := svc.SendMessage(context.Background(), "15551234567", "hi"); err == nil {
		t.Error("expected provider error")
	}
	svc.Stop()
	if _, err := svc.SendMessage(context.Background(), "15551234567", "hi"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

func TestTwilioService_RecentMessages(t *testing.T) {
	customer := "whatsapp:+15551234567"
	business := "whatsapp:+15550000000"
	api := &fakeTwilioAPI{byFrom: map[string][]twilioApi.ApiV2010Message{
		customer: {
			{From: strPtr(customer), Body: strPtr("second question"), DateCreated: strPtr("Wed, 15 Jan 2025 10:02:00 +0000")},
			{From: strPtr(customer), Body: strPtr("hi"), DateCreated: strPtr("Wed, 15 Jan 2025 10:00:00 +0000")},
		},
		business: {
			{From: strPtr(business), Body: strPtr("agent typed this"), DateCreated: strPtr("Wed, 15 Jan 2025 10:01:00 +0000")},
			{From: strPtr(business), Body: strPtr(""), DateCreated: strPtr("Wed, 15 Jan 2025 10:03:00 +0000")},
		},
	}}
	svc := newTwilioService(api, business)

	turns, err := svc.RecentMessages(context.Background(), "15551234567", 10)
	if err != nil {
		t.Fatalf("RecentMessages returned error: %v", err)
	}
	want := []models.ChatTurn{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "agent typed this"},
		{Role: models.RoleUser, Content: "second question"},
	}
	if len(turns) != len(want) {
		t.Fatalf("expected %d turns, got %d: %+v", len(want), len(turns), turns)
	}
	for i := range want {
		if turns[i] != want[i] {
			t.Errorf("turn %d = %+v, want %+v", i, turns[i], want[i])
		}
	}

	turns, err = svc.RecentMessages(context.Background(), "15551234567", 2)
	if err != nil {
		t.Fatalf("RecentMessages returned error: %v", err)
	}
	if len(turns) != 2 || turns[1].Content != "second question" {
		t.Errorf("expected newest two turns, got %+v", turns)
	}
}

func postForm(t *testing.T, h http.HandlerFunc, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestTwilioWebhookHandler_Text(t *testing.T) {
	svc := newTwilioService(&fakeTwilioAPI{}, "+15550000000")

	rec := postForm(t, svc.TwilioWebhookHandler, url.Values{
		"MessageSid": {"SMabc"},
		"From":       {"whatsapp:+15551234567"},
		"Body":       {"I have a firestick"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	select {
	case msg := <-svc.Responses():
		if msg.ID != "SMabc" || msg.Phone != "15551234567" || msg.Text != "I have a firestick" {
			t.Errorf("unexpected inbound message %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("expected inbound message")
	}
}

func TestTwilioWebhookHandler_MissingFields(t *testing.T) {
	svc := newTwilioService(&fakeTwilioAPI{}, "+15550000000")

	rec := postForm(t, svc.TwilioWebhookHandler, url.Values{"From": {"whatsapp:+15551234567"}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty body, got %d", rec.Code)
	}
	rec = postForm(t, svc.TwilioWebhookHandler, url.Values{"Body": {"hi"}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing sender, got %d", rec.Code)
	}
}

func TestTwilioWebhookHandler_Image(t *testing.T) {
	media := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC1" || pass != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png-bytes"))
	}))
	defer media.Close()

	svc := newTwilioService(&fakeTwilioAPI{}, "+15550000000")
	svc.accountSID, svc.authToken = "AC1", "tok"

	rec := postForm(t, svc.TwilioWebhookHandler, url.Values{
		"MessageSid":        {"SMimg"},
		"From":              {"whatsapp:+15551234567"},
		"NumMedia":          {"1"},
		"MediaUrl0":         {media.URL + "/media/1"},
		"MediaContentType0": {"image/png"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	msg := <-svc.Responses()
	if string(msg.Image) != "png-bytes" || msg.ImageMIME != "image/png" {
		t.Errorf("expected downloaded image, got %q (%s)", msg.Image, msg.ImageMIME)
	}
	if msg.Text != "" {
		t.Errorf("expected empty text, got %q", msg.Text)
	}
}

func TestNewTwilioService_RequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	if _, err := NewTwilioService(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewTwilioService(WithAccountSID("AC1"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without from number")
	}
	svc, err := NewTwilioService(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromNumber("+15550000000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.from != "whatsapp:+15550000000" {
		t.Errorf("expected prefixed from number, got %q", svc.from)
	}
}
