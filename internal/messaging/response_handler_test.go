package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/BTreeMap/SalesPipe/internal/flow"
	"github.com/BTreeMap/SalesPipe/internal/history"
	"github.com/BTreeMap/SalesPipe/internal/metrics"
	"github.com/BTreeMap/SalesPipe/internal/models"
	"github.com/BTreeMap/SalesPipe/internal/store"
)

// fakeService records sends and exposes a responses channel the test feeds.
type fakeService struct {
	mu        sync.Mutex
	sent      []string
	sendErr   error
	responses chan models.InboundMessage
}

func newFakeService() *fakeService {
	return &fakeService{responses: make(chan models.InboundMessage, 10)}
}

func (f *fakeService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

func (f *fakeService) SendMessage(ctx context.Context, to string, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, to+": "+body)
	return "id", nil
}

func (f *fakeService) Start(ctx context.Context) error { return nil }
func (f *fakeService) Stop() error                    { return nil }
func (f *fakeService) Responses() <-chan models.InboundMessage {
	return f.responses
}

func (f *fakeService) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeEngine struct {
	mu     sync.Mutex
	calls  []models.InboundMessage
	result *flow.Result
	err    error
}

func (f *fakeEngine) HandleMessage(ctx context.Context, msg models.InboundMessage) (*flow.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, msg)
	if f.err != nil {
		return nil, f.err
	}
	res := *f.result
	return &res, nil
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []models.Notification
	err   error
}

func (f *fakeNotifier) NotifyAdmin(ctx context.Context, n models.Notification, c *models.CustomerContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, n)
	return f.err
}

func trialResult() *flow.Result {
	c := models.NewCustomerContext("15551234567", time.Now())
	c.State = models.StateTrialPending
	return &flow.Result{
		Reply:         "Thanks! An agent will activate your trial shortly.",
		State:         models.StateTrialPending,
		PreviousState: models.StateAwaitingContentPref,
		Notifications: []models.Notification{{Type: models.NotificationTrialRequest, Phone: c.Phone, Message: "New trial request"}},
		Context:       c,
	}
}

func TestProcessMessage_SendsReplyAndNotifies(t *testing.T) {
	svc := newFakeService()
	engine := &fakeEngine{result: trialResult()}
	notifier := &fakeNotifier{}
	reg := prometheus.NewRegistry()
	rh := NewResponseHandler(svc, engine,
		WithDedup(store.NewMemoryDedup(time.Hour, 100)),
		WithNotifier(notifier),
		WithHandlerMetrics(metrics.New(reg)))

	processed, err := rh.ProcessMessage(context.Background(), models.InboundMessage{ID: "m1", Phone: "15551234567", Text: "english"})
	if err != nil {
		t.Fatalf("ProcessMessage returned error: %v", err)
	}
	rh.Wait()
	if !processed {
		t.Fatal("expected message to be processed")
	}
	if svc.sentCount() != 1 {
		t.Errorf("expected 1 reply, got %d", svc.sentCount())
	}
	if len(notifier.notes) != 1 || notifier.notes[0].Type != models.NotificationTrialRequest {
		t.Errorf("expected trial request notification, got %+v", notifier.notes)
	}
}

func TestProcessMessage_DuplicateHasNoSideEffects(t *testing.T) {
	svc := newFakeService()
	engine := &fakeEngine{result: trialResult()}
	notifier := &fakeNotifier{}
	rh := NewResponseHandler(svc, engine, WithDedup(store.NewMemoryDedup(time.Hour, 100)), WithNotifier(notifier))

	msg := models.InboundMessage{ID: "m1", Phone: "15551234567", Text: "english"}
	for i := 0; i < 3; i++ {
		if _, err := rh.ProcessMessage(context.Background(), msg); err != nil {
			t.Fatalf("ProcessMessage returned error: %v", err)
		}
	}
	rh.Wait()
	if engine.callCount() != 1 {
		t.Errorf("expected engine to run once, ran %d times", engine.callCount())
	}
	if svc.sentCount() != 1 {
		t.Errorf("expected one reply, got %d", svc.sentCount())
	}
	if len(notifier.notes) != 1 {
		t.Errorf("expected one notification, got %d", len(notifier.notes))
	}
}

func TestProcessMessage_FallbackKeyDeduplicates(t *testing.T) {
	svc := newFakeService()
	engine := &fakeEngine{result: &flow.Result{Reply: "hi", Context: models.NewCustomerContext("15551234567", time.Now())}}
	rh := NewResponseHandler(svc, engine, WithDedup(store.NewMemoryDedup(time.Hour, 100)))

	at := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	msg := models.InboundMessage{Phone: "15551234567", Text: "hello", Timestamp: at}
	rh.ProcessMessage(context.Background(), msg)
	processed, _ := rh.ProcessMessage(context.Background(), msg)
	if processed {
		t.Error("expected identical id-less message to be a duplicate")
	}
	msg.Timestamp = at.Add(time.Second)
	if processed, _ := rh.ProcessMessage(context.Background(), msg); !processed {
		t.Error("expected a later message with the same text to be processed")
	}
}

func TestProcessMessage_SendFailureKeepsGoing(t *testing.T) {
	svc := newFakeService()
	svc.sendErr = errors.New("provider down")
	engine := &fakeEngine{result: trialResult()}
	notifier := &fakeNotifier{}
	rh := NewResponseHandler(svc, engine, WithNotifier(notifier))

	processed, err := rh.ProcessMessage(context.Background(), models.InboundMessage{ID: "m1", Phone: "15551234567", Text: "english"})
	rh.Wait()
	if err != nil || !processed {
		t.Fatalf("expected send failure to be logged only, got processed=%v err=%v", processed, err)
	}
	if len(notifier.notes) != 1 {
		t.Errorf("expected notification despite send failure, got %d", len(notifier.notes))
	}
}

func TestProcessMessage_EngineError(t *testing.T) {
	svc := newFakeService()
	engine := &fakeEngine{err: models.ErrInvalidPhone}
	rh := NewResponseHandler(svc, engine)

	_, err := rh.ProcessMessage(context.Background(), models.InboundMessage{ID: "m1", Text: "hi"})
	if !errors.Is(err, models.ErrInvalidPhone) {
		t.Errorf("expected ErrInvalidPhone, got %v", err)
	}
	if svc.sentCount() != 0 {
		t.Error("expected no reply on engine error")
	}
}

func TestProcessMessage_EngineErrorSendsFailureReply(t *testing.T) {
	svc := newFakeService()
	engine := &fakeEngine{err: errors.New("store unavailable")}
	rh := NewResponseHandler(svc, engine)

	_, err := rh.ProcessMessage(context.Background(), models.InboundMessage{ID: "m1", Phone: "15551234567", Text: "hi"})
	if err == nil {
		t.Fatal("expected engine error to be returned")
	}
	if svc.sentCount() != 1 || svc.sent[0] != "15551234567: "+FailureReply {
		t.Errorf("expected the failure reply, got %v", svc.sent)
	}
}

func TestResponseHandler_StartWithEngine(t *testing.T) {
	svc := newFakeService()
	st := store.NewInMemoryStore()
	engine := flow.NewEngine(st, history.NewMemoryLog())
	rh := NewResponseHandler(svc, engine, WithWorkers(2))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rh.Start(ctx)

	svc.responses <- models.InboundMessage{ID: "a1", Phone: "15551234567", Text: "hello"}
	svc.responses <- models.InboundMessage{ID: "a2", Phone: "15551234567", Text: "I have a firestick"}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && svc.sentCount() < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	if svc.sentCount() != 2 {
		t.Fatalf("expected 2 replies, got %d", svc.sentCount())
	}
	c, err := st.Get(context.Background(), "15551234567")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if c.State != models.StateAwaitingMAC || c.Device != models.DeviceFirestick {
		t.Errorf("expected awaiting_mac with firestick, got %s %q", c.State, c.Device)
	}
}
