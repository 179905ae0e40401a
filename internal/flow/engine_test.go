package flow

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/SalesPipe/internal/history"
	"github.com/BTreeMap/SalesPipe/internal/models"
	"github.com/BTreeMap/SalesPipe/internal/store"
)

const testPhone = "353871234567"

type fakeClassifier struct {
	results map[string]models.IntentResult
}

func (f *fakeClassifier) DetectIntent(ctx context.Context, text string) models.IntentResult {
	if r, ok := f.results[text]; ok {
		return r
	}
	return models.DefaultIntentResult(0)
}

type fakeGenerator struct {
	reply  string
	err    error
	calls  int
	system string
	turns  []models.ChatTurn
}

func (f *fakeGenerator) Complete(ctx context.Context, systemPrompt string, turns []models.ChatTurn, maxTokens int) (string, error) {
	f.calls++
	f.system = systemPrompt
	f.turns = turns
	return f.reply, f.err
}

type fakeVision struct {
	text string
	err  error
}

func (f *fakeVision) ExtractTextFromImage(ctx context.Context, image []byte, mimeType string) (string, error) {
	return f.text, f.err
}

type fakeHistory struct {
	turns []models.ChatTurn
}

func (f *fakeHistory) RecentMessages(ctx context.Context, phone string, limit int) ([]models.ChatTurn, error) {
	return f.turns, nil
}

type harness struct {
	engine *Engine
	store  *store.InMemoryStore
	log    *history.MemoryLog
	cls    *fakeClassifier
	gen    *fakeGenerator
	now    time.Time
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		log: history.NewMemoryLog(),
		cls: &fakeClassifier{results: map[string]models.IntentResult{}},
		gen: &fakeGenerator{reply: "Happy to help!"},
		now: time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }
	h.store = store.NewInMemoryStore(store.WithClock(clock))
	base := []Option{WithClassifier(h.cls), WithGenerator(h.gen), WithClock(clock)}
	h.engine = NewEngine(h.store, h.log, append(base, opts...)...)
	return h
}

func (h *harness) send(t *testing.T, text string) *Result {
	t.Helper()
	res, err := h.engine.HandleMessage(context.Background(), models.InboundMessage{ID: "m-" + text, Phone: testPhone, Text: text, Timestamp: h.now})
	if err != nil {
		t.Fatalf("HandleMessage(%q) failed: %v", text, err)
	}
	return res
}

func (h *harness) context(t *testing.T) *models.CustomerContext {
	t.Helper()
	c, err := h.store.Get(context.Background(), testPhone)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return c
}

func (h *harness) setup(t *testing.T, fn store.UpdateFunc) {
	t.Helper()
	if _, err := h.store.Update(context.Background(), testPhone, fn); err != nil {
		t.Fatalf("setup update failed: %v", err)
	}
}

func countType(ns []models.Notification, typ models.NotificationType) int {
	n := 0
	for _, x := range ns {
		if x.Type == typ {
			n++
		}
	}
	return n
}

func TestFunnelScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.send(t, "hi")
	if res.State != models.StateAwaitingDevice {
		t.Fatalf("expected awaiting_device, got %s", res.State)
	}
	msgs, _ := h.log.Recent(ctx, testPhone, 0)
	assistant := 0
	for _, m := range msgs {
		if m.Role == models.RoleAssistant {
			assistant++
		}
	}
	if assistant != 1 {
		t.Errorf("expected one assistant message, got %d", assistant)
	}

	res = h.send(t, "I have a Fire Stick")
	if res.State != models.StateAwaitingMAC || res.Context.Device != models.DeviceFirestick {
		t.Fatalf("expected awaiting_mac with firestick, got %s / %q", res.State, res.Context.Device)
	}

	res = h.send(t, "AA:BB:CC:DD:EE:FF")
	if res.State != models.StateAwaitingContentPref || res.Context.MACAddress != "AA:BB:CC:DD:EE:FF" {
		t.Fatalf("expected awaiting_content_pref with MAC, got %s / %q", res.State, res.Context.MACAddress)
	}

	res = h.send(t, "worldwide please")
	if res.State != models.StateTrialPending || res.Context.ContentPreference != models.ContentWorldwide {
		t.Fatalf("expected trial_pending with worldwide, got %s / %q", res.State, res.Context.ContentPreference)
	}
	if got := countType(res.Notifications, models.NotificationTrialRequest); got != 1 || len(res.Notifications) != 1 {
		t.Fatalf("expected exactly one trial_request, got %+v", res.Notifications)
	}
	n := res.Notifications[0]
	if n.Phone != testPhone || n.Fields["device"] != models.DeviceFirestick || n.Fields["mac_address"] != "AA:BB:CC:DD:EE:FF" || n.Fields["content_preference"] != models.ContentWorldwide {
		t.Errorf("trial_request missing details: %+v", n)
	}
	if h.gen.calls != 0 {
		t.Errorf("expected templated replies only, generator called %d times", h.gen.calls)
	}
}

func TestAutoAdvanceScenario(t *testing.T) {
	h := newHarness(t)
	res := h.send(t, "Fire Stick AA:BB:CC:DD:EE:FF worldwide")
	if res.State != models.StateTrialPending {
		t.Fatalf("expected trial_pending in one turn, got %s", res.State)
	}
	if got := countType(res.Notifications, models.NotificationTrialRequest); got != 1 || len(res.Notifications) != 1 {
		t.Errorf("expected one trial_request, got %+v", res.Notifications)
	}
	if res.Reply != msgTrialPending {
		t.Errorf("expected trial pending reply, got %q", res.Reply)
	}

	// Further setup chatter must not raise the request again.
	res = h.send(t, "thanks")
	if countType(res.Notifications, models.NotificationTrialRequest) != 0 {
		t.Errorf("trial_request fired twice: %+v", res.Notifications)
	}
}

func TestEscalationScenario(t *testing.T) {
	const complaint = "I want a refund, this is a scam"
	tests := []struct {
		name      string
		state     models.State
		followUps int
		sentiment string
		escalates bool
	}{
		{"new", models.StateNew, 0, "", true},
		{"awaiting mac", models.StateAwaitingMAC, 0, "", true},
		{"trial active", models.StateTrialActive, 0, "", true},
		{"subscriber", models.StateActiveSubscriber, 0, "", true},
		{"expired after two nudges", models.StateTrialExpired, 2, "", true},
		{"expired after three nudges", models.StateTrialExpired, 3, "", false},
		{"expired after three nudges but frustrated", models.StateTrialExpired, 3, models.SentimentFrustrated, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.setup(t, func(c *models.CustomerContext) error {
				c.State = tt.state
				c.FollowUpsSent = tt.followUps
				return nil
			})
			if tt.sentiment != "" {
				r := models.DefaultIntentResult(0.9)
				r.Sentiment = tt.sentiment
				h.cls.results[complaint] = r
			}

			res := h.send(t, complaint)
			escalations := countType(res.Notifications, models.NotificationEscalation)
			if tt.escalates {
				if res.State != models.StateNeedsHuman || !res.Context.NeedsHuman || escalations != 1 {
					t.Errorf("expected escalation, got state %s needs_human=%v escalations=%d", res.State, res.Context.NeedsHuman, escalations)
				}
				if res.Reply != msgEscalation {
					t.Errorf("expected placation reply, got %q", res.Reply)
				}
				return
			}
			if res.State == models.StateNeedsHuman || escalations != 0 {
				t.Errorf("expected no keyword escalation, got state %s escalations=%d", res.State, escalations)
			}
		})
	}
}

func TestHumanRequestIntentEscalates(t *testing.T) {
	h := newHarness(t)
	h.cls.results["can I talk to someone"] = models.IntentResult{Intent: models.IntentHumanRequest, Confidence: 0.9, Sentiment: models.SentimentNeutral}
	res := h.send(t, "can I talk to someone")
	if res.State != models.StateNeedsHuman || res.Context.EscalationReason != "human_request" {
		t.Errorf("expected human_request escalation, got %s / %q", res.State, res.Context.EscalationReason)
	}
}

func TestNeedsHumanIsSticky(t *testing.T) {
	h := newHarness(t)
	h.send(t, "this is a scam")
	h.cls.results["how much is it?"] = models.IntentResult{Intent: models.IntentPricing, Confidence: 0.9, Sentiment: models.SentimentNeutral}

	for _, text := range []string{
		"Fire Stick AA:BB:CC:DD:EE:FF worldwide",
		"how much is it?",
		"hi",
		"I just paid",
		"1234567890",
		"yes",
	} {
		res := h.send(t, text)
		if res.State != models.StateNeedsHuman {
			t.Fatalf("message %q moved state out of needs_human to %s", text, res.State)
		}
	}
	h.gen.err = errors.New("model down")
	if res := h.send(t, "hello?"); res.State != models.StateNeedsHuman {
		t.Errorf("generation failure moved state to %s", res.State)
	}
}

func TestGenerationFailureEscalates(t *testing.T) {
	h := newHarness(t)
	h.setup(t, func(c *models.CustomerContext) error {
		c.State = models.StateActiveSubscriber
		return nil
	})
	h.gen.err = errors.New("upstream timeout")

	res := h.send(t, "what channels do you have for football?")
	if res.Reply != msgGenerationFailed {
		t.Errorf("expected apology, got %q", res.Reply)
	}
	if res.State != models.StateNeedsHuman || !h.context(t).NeedsHuman {
		t.Errorf("expected needs_human, got %s", res.State)
	}
	if countType(res.Notifications, models.NotificationEscalation) != 1 {
		t.Fatalf("expected one escalation, got %+v", res.Notifications)
	}
	if !strings.Contains(res.Notifications[0].Message, "upstream timeout") {
		t.Errorf("escalation does not describe the error: %q", res.Notifications[0].Message)
	}
}

func TestFreeFormGenerationPrompt(t *testing.T) {
	h := newHarness(t)
	h.setup(t, func(c *models.CustomerContext) error {
		c.State = models.StateTrialActive
		c.Device = models.DeviceSmartTV
		return nil
	})
	h.send(t, "is sky sports included")
	res := h.send(t, "and what about the premier league")
	if res.Reply != "Happy to help!" {
		t.Errorf("expected model reply verbatim, got %q", res.Reply)
	}
	if !strings.Contains(h.gen.system, DefaultPersona) || !strings.Contains(h.gen.system, "Current state: trial_active") || !strings.Contains(h.gen.system, "device: smart_tv") {
		t.Errorf("system prompt missing persona or context block:\n%s", h.gen.system)
	}
	turns := h.gen.turns
	if len(turns) == 0 || turns[0].Role != models.RoleUser || turns[len(turns)-1].Role != models.RoleUser {
		t.Fatalf("turns must start and end with the customer: %+v", turns)
	}
	for i := 1; i < len(turns); i++ {
		if turns[i].Role == turns[i-1].Role {
			t.Errorf("turns %d and %d share role %s", i-1, i, turns[i].Role)
		}
	}
	if !strings.Contains(turns[len(turns)-1].Content, "premier league") {
		t.Errorf("latest message missing from turns: %+v", turns)
	}
}

func TestFreeFormPrefersProviderHistory(t *testing.T) {
	provider := &fakeHistory{turns: []models.ChatTurn{
		{Role: models.RoleAssistant, Content: "Agent: your line is fixed now"},
		{Role: models.RoleUser, Content: "thanks, is it working?"},
	}}
	h := newHarness(t, WithHistoryProvider(provider))
	h.setup(t, func(c *models.CustomerContext) error {
		c.State = models.StateActiveSubscriber
		return nil
	})
	h.send(t, "thanks, is it working?")
	if len(h.gen.turns) != 1 || h.gen.turns[0].Content != "thanks, is it working?" {
		t.Errorf("expected provider history normalised to one user turn, got %+v", h.gen.turns)
	}
}

func TestCrossCuttingIntents(t *testing.T) {
	h := newHarness(t)
	h.setup(t, func(c *models.CustomerContext) error {
		c.State = models.StateAwaitingMAC
		c.Device = models.DeviceFirestick
		return nil
	})
	h.cls.results["what are your prices"] = models.IntentResult{Intent: models.IntentPricing, Confidence: 0.8, Sentiment: models.SentimentNeutral}
	res := h.send(t, "what are your prices")
	if res.State != models.StateAwaitingPayment || res.Reply != DefaultPricingMessage {
		t.Errorf("expected pricing pre-emption, got %s / %q", res.State, res.Reply)
	}

	h.setup(t, func(c *models.CustomerContext) error {
		c.State = models.StateActiveSubscriber
		return nil
	})
	h.cls.results["channels keep buffering"] = models.IntentResult{Intent: models.IntentTechnicalIssue, Confidence: 0.8, Sentiment: models.SentimentNegative}
	res = h.send(t, "channels keep buffering")
	if res.State != models.StateActiveSubscriber || res.Reply != msgTechnical {
		t.Errorf("expected troubleshooting question, got %s / %q", res.State, res.Reply)
	}
	if countType(res.Notifications, models.NotificationTechnicalIssue) != 1 {
		t.Errorf("expected technical_issue notification, got %+v", res.Notifications)
	}
}

func TestAwaitingMACVariants(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		wantState  models.State
		wantDevice string
		wantKey    string
	}{
		{"tivimate", "actually I use TiviMate", models.StateAwaitingContentPref, models.DeviceTiviMate, ""},
		{"numeric key", "my key is 4711829", models.StateAwaitingContentPref, models.DeviceFirestick, "4711829"},
		{"long payload", "K7Q2-99XZ", models.StateAwaitingContentPref, models.DeviceFirestick, "K7Q2-99XZ"},
		{"help", "where do I find it", models.StateAwaitingMAC, models.DeviceFirestick, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.setup(t, func(c *models.CustomerContext) error {
				c.State = models.StateAwaitingMAC
				c.Device = models.DeviceFirestick
				return nil
			})
			res := h.send(t, tt.text)
			if res.State != tt.wantState || res.Context.Device != tt.wantDevice || res.Context.DeviceKey != tt.wantKey {
				t.Errorf("got state %s device %q key %q", res.State, res.Context.Device, res.Context.DeviceKey)
			}
		})
	}
}

func TestContentPreferenceDefaultsToEnglish(t *testing.T) {
	h := newHarness(t)
	h.setup(t, func(c *models.CustomerContext) error {
		c.State = models.StateAwaitingContentPref
		c.Device = models.DeviceSmartTV
		c.MACAddress = "00:1A:79:00:00:01"
		return nil
	})
	res := h.send(t, "sports and adult channels")
	if res.State != models.StateTrialPending || res.Context.ContentPreference != models.ContentEnglish || !res.Context.AdultContent {
		t.Errorf("got state %s content %q adult %v", res.State, res.Context.ContentPreference, res.Context.AdultContent)
	}
	if countType(res.Notifications, models.NotificationTrialRequest) != 1 {
		t.Errorf("expected trial_request, got %+v", res.Notifications)
	}
}

func TestPaymentFlow(t *testing.T) {
	h := newHarness(t)
	h.setup(t, func(c *models.CustomerContext) error {
		c.State = models.StateTrialExpired
		return nil
	})

	res := h.send(t, "yearly please")
	if res.State != models.StateAwaitingPayment || res.Context.PlanInterest != "yearly" || res.Reply != msgChoosePaymentMethod {
		t.Fatalf("got state %s plan %q reply %q", res.State, res.Context.PlanInterest, res.Reply)
	}

	res = h.send(t, "revolut")
	if res.State != models.StateAwaitingPayment || res.Context.PaymentMethod != models.PaymentRevolut || !strings.Contains(res.Reply, "Revolut") {
		t.Fatalf("got state %s method %q reply %q", res.State, res.Context.PaymentMethod, res.Reply)
	}

	res = h.send(t, "I just paid")
	if res.State != models.StatePaymentPending || !res.Context.PaymentPending {
		t.Fatalf("expected payment_pending, got %s", res.State)
	}
	if countType(res.Notifications, models.NotificationPaymentReceived) != 1 {
		t.Fatalf("expected payment_received, got %+v", res.Notifications)
	}

	res = h.send(t, "here is the screenshot of the transfer")
	if res.State != models.StatePaymentPending || res.Reply != msgPaymentHold {
		t.Errorf("expected hold message, got %s / %q", res.State, res.Reply)
	}
	if countType(res.Notifications, models.NotificationPaymentReceived) != 1 || res.Notifications[0].RawText != "here is the screenshot of the transfer" {
		t.Errorf("expected payment_received with raw text, got %+v", res.Notifications)
	}
}

func TestPaymentQuestionIsNotConfirmation(t *testing.T) {
	h := newHarness(t)
	h.setup(t, func(c *models.CustomerContext) error {
		c.State = models.StateAwaitingPayment
		return nil
	})
	res := h.send(t, "how do I make the payment?")
	if res.State != models.StateAwaitingPayment || len(res.Notifications) != 0 {
		t.Errorf("question treated as confirmation: %s %+v", res.State, res.Notifications)
	}
}

func TestTrialActiveBuyKeyword(t *testing.T) {
	h := newHarness(t)
	h.setup(t, func(c *models.CustomerContext) error {
		c.State = models.StateTrialActive
		return nil
	})
	res := h.send(t, "I want to buy")
	if res.State != models.StateAwaitingPayment || res.Reply != DefaultPricingMessage {
		t.Errorf("got %s / %q", res.State, res.Reply)
	}
}

func TestScreenshotConfirmation(t *testing.T) {
	for _, tc := range []struct {
		answer  string
		wantMAC string
		state   models.State
	}{
		{"yes that's it", "AA:BB:CC:DD:EE:FF", models.StateAwaitingContentPref},
		{"no", "", models.StateAwaitingMAC},
	} {
		t.Run(tc.answer, func(t *testing.T) {
			h := newHarness(t, WithVision(&fakeVision{text: "MAC: aa:bb:cc:dd:ee:ff"}))
			h.setup(t, func(c *models.CustomerContext) error {
				c.State = models.StateAwaitingMAC
				c.Device = models.DeviceFirestick
				return nil
			})
			res, err := h.engine.HandleMessage(context.Background(), models.InboundMessage{Phone: testPhone, Image: []byte{0xff, 0xd8}, ImageMIME: "image/jpeg"})
			if err != nil {
				t.Fatalf("HandleMessage failed: %v", err)
			}
			if res.Context.PendingMAC != "AA:BB:CC:DD:EE:FF" || res.Context.MACAddress != "" || !strings.Contains(res.Reply, "AA:BB:CC:DD:EE:FF") {
				t.Fatalf("expected pending confirmation, got %+v / %q", res.Context, res.Reply)
			}

			res = h.send(t, tc.answer)
			if res.Context.MACAddress != tc.wantMAC || res.Context.HasPendingVision() || res.State != tc.state {
				t.Errorf("got MAC %q pending %v state %s", res.Context.MACAddress, res.Context.HasPendingVision(), res.State)
			}
		})
	}
}

func TestUnreadableScreenshot(t *testing.T) {
	h := newHarness(t, WithVision(&fakeVision{err: errors.New("vision down")}))
	h.setup(t, func(c *models.CustomerContext) error {
		c.State = models.StateAwaitingMAC
		c.Device = models.DeviceSmartTV
		return nil
	})
	res, err := h.engine.HandleMessage(context.Background(), models.InboundMessage{Phone: testPhone, Image: []byte{1}})
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if res.Reply != msgVisionUnreadable || res.State != models.StateAwaitingMAC {
		t.Errorf("got %s / %q", res.State, res.Reply)
	}
}

func TestHandleMessageRequiresPhone(t *testing.T) {
	h := newHarness(t)
	if _, err := h.engine.HandleMessage(context.Background(), models.InboundMessage{Text: "hi"}); !errors.Is(err, models.ErrInvalidPhone) {
		t.Errorf("expected ErrInvalidPhone, got %v", err)
	}
}

func TestPersonaFile(t *testing.T) {
	path := t.TempDir() + "/persona.txt"
	if err := os.WriteFile(path, []byte("You are Max from StreamCo.\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, WithPersonaFile(path))
	if h.engine.persona != "You are Max from StreamCo." {
		t.Errorf("persona not loaded: %q", h.engine.persona)
	}
	h = newHarness(t, WithPersonaFile(t.TempDir()+"/missing.txt"))
	if h.engine.persona != DefaultPersona {
		t.Errorf("expected default persona fallback")
	}
}

func TestPaymentConfirmationWithPlanOrMethod(t *testing.T) {
	for _, text := range []string{
		"done, paid with paypal",
		"I sent the money on revolut",
		"I paid. When will it be active?",
		"paid for the yearly plan",
	} {
		t.Run(text, func(t *testing.T) {
			h := newHarness(t)
			h.setup(t, func(c *models.CustomerContext) error {
				c.State = models.StateAwaitingPayment
				return nil
			})
			res := h.send(t, text)
			if res.State != models.StatePaymentPending || !res.Context.PaymentPending {
				t.Errorf("expected payment_pending, got %s (pending=%v)", res.State, res.Context.PaymentPending)
			}
			if countType(res.Notifications, models.NotificationPaymentReceived) != 1 {
				t.Errorf("expected one payment_received, got %+v", res.Notifications)
			}
		})
	}
}

func TestEscalationWinsOverPendingScreenshot(t *testing.T) {
	h := newHarness(t, WithVision(&fakeVision{text: "AA:BB:CC:DD:EE:FF"}))
	h.setup(t, func(c *models.CustomerContext) error {
		c.State = models.StateAwaitingMAC
		c.Device = models.DeviceFirestick
		return nil
	})
	res, err := h.engine.HandleMessage(context.Background(), models.InboundMessage{Phone: testPhone, Image: []byte{0xff, 0xd8}, ImageMIME: "image/jpeg"})
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if !res.Context.HasPendingVision() {
		t.Fatalf("expected a pending screenshot reading, got %+v", res.Context)
	}

	res = h.send(t, "no, this is a scam, I want a refund")
	if res.State != models.StateNeedsHuman || res.Reply != msgEscalation {
		t.Errorf("expected escalation, got %s / %q", res.State, res.Reply)
	}
	if countType(res.Notifications, models.NotificationEscalation) != 1 {
		t.Errorf("expected one escalation, got %+v", res.Notifications)
	}
	if res.Context.HasPendingVision() || res.Context.MACAddress != "" {
		t.Errorf("pending reading should be discarded, got MAC %q pending %v", res.Context.MACAddress, res.Context.HasPendingVision())
	}
}

func TestPhoneNumberIsNotDeviceKey(t *testing.T) {
	h := newHarness(t)
	res := h.send(t, "hi I have a samsung tv, call me on 0871234567")
	if res.State != models.StateAwaitingMAC || res.Context.Device != models.DeviceSmartTV || res.Context.DeviceKey != "" {
		t.Errorf("got state %s device %q key %q", res.State, res.Context.Device, res.Context.DeviceKey)
	}

	res = h.send(t, "it shows 4711829")
	if res.State != models.StateAwaitingContentPref || res.Context.DeviceKey != "4711829" {
		t.Errorf("expected key from awaiting_mac reply, got state %s key %q", res.State, res.Context.DeviceKey)
	}
}
