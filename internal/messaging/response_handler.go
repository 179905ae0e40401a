package messaging

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/SalesPipe/internal/flow"
	"github.com/BTreeMap/SalesPipe/internal/metrics"
	"github.com/BTreeMap/SalesPipe/internal/models"
	"github.com/BTreeMap/SalesPipe/internal/store"
)

const (
	// DefaultNotifyTimeout bounds a single admin notification.
	DefaultNotifyTimeout = 30 * time.Second
	// DefaultWorkers is the number of concurrent message workers.
	DefaultWorkers = 8
)

// MessageHandler runs one inbound message through the conversation engine.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg models.InboundMessage) (*flow.Result, error)
}

// Notifier delivers admin notifications.
type Notifier interface {
	NotifyAdmin(ctx context.Context, n models.Notification, c *models.CustomerContext) error
}

// ResponseHandler drains a Service's inbound messages: it drops duplicates,
// runs the engine, sends the reply and fires admin notifications.
type ResponseHandler struct {
	msgService Service
	engine     MessageHandler
	dedup      store.DedupRepo
	notifier   Notifier
	metrics    *metrics.Metrics
	workers    int
	wg         sync.WaitGroup
}

// HandlerOption configures a ResponseHandler.
type HandlerOption func(*ResponseHandler)

// WithDedup enables inbound deduplication.
func WithDedup(repo store.DedupRepo) HandlerOption {
	return func(rh *ResponseHandler) { rh.dedup = repo }
}

// WithNotifier sets where admin notifications are delivered.
func WithNotifier(n Notifier) HandlerOption {
	return func(rh *ResponseHandler) { rh.notifier = n }
}

// WithWorkers sets how many messages are processed concurrently.
func WithWorkers(n int) HandlerOption {
	return func(rh *ResponseHandler) { rh.workers = n }
}

// WithHandlerMetrics records inbound, outbound and transition counters.
func WithHandlerMetrics(m *metrics.Metrics) HandlerOption {
	return func(rh *ResponseHandler) { rh.metrics = m }
}

// NewResponseHandler creates a handler for msgService backed by engine.
func NewResponseHandler(msgService Service, engine MessageHandler, opts ...HandlerOption) *ResponseHandler {
	rh := &ResponseHandler{msgService: msgService, engine: engine, workers: DefaultWorkers}
	for _, opt := range opts {
		opt(rh)
	}
	if rh.workers <= 0 {
		rh.workers = DefaultWorkers
	}
	return rh
}

// ProcessMessage handles one inbound message. It reports false when the
// message was a duplicate and nothing was done.
func (rh *ResponseHandler) ProcessMessage(ctx context.Context, msg models.InboundMessage) (bool, error) {
	key := store.DedupKey(msg)
	if rh.dedup != nil {
		fresh, err := rh.dedup.RecordInbound(ctx, key, msg.Phone)
		if err != nil {
			slog.Warn("ResponseHandler.ProcessMessage: dedup check failed, processing anyway", "error", err, "phone", msg.Phone, "key", key)
		} else if !fresh {
			slog.Info("ResponseHandler.ProcessMessage: duplicate ignored", "phone", msg.Phone, "key", key)
			rh.metrics.ObserveInbound("duplicate")
			return false, nil
		}
	}

	start := time.Now()
	res, err := rh.engine.HandleMessage(ctx, msg)
	rh.metrics.ObserveHandleLatency(time.Since(start).Seconds())
	if err != nil {
		rh.metrics.ObserveInbound("failed")
		rh.sendFailureReply(ctx, msg.Phone)
		return true, fmt.Errorf("handle message from %s: %w", msg.Phone, err)
	}
	rh.metrics.ObserveInbound("processed")
	rh.metrics.ObserveTransition(string(res.PreviousState), string(res.State))

	if res.Reply != "" {
		id, err := rh.msgService.SendMessage(ctx, msg.Phone, res.Reply)
		rh.metrics.ObserveOutbound("reply", err)
		if err != nil {
			// The context update stands; the customer simply did not get this reply.
			slog.Error("ResponseHandler.ProcessMessage: reply not delivered", "error", err, "phone", msg.Phone, "state", res.State)
		} else {
			slog.Debug("ResponseHandler.ProcessMessage: reply sent", "phone", msg.Phone, "id", id)
		}
	}

	rh.dispatchNotifications(ctx, res.Notifications, res.Context)

	if rh.dedup != nil {
		if err := rh.dedup.MarkProcessed(ctx, key); err != nil {
			slog.Warn("ResponseHandler.ProcessMessage: failed to mark processed", "error", err, "key", key)
		}
	}
	return true, nil
}

// FailureReply is sent when a message could not be handled at all.
const FailureReply = "Sorry, something went wrong on our side. Please send your message again in a moment."

// sendFailureReply tells the customer their message was not handled. The message
// is recorded as seen but never marked processed.
func (rh *ResponseHandler) sendFailureReply(ctx context.Context, phone string) {
	if phone == "" {
		return
	}
	_, err := rh.msgService.SendMessage(ctx, phone, FailureReply)
	rh.metrics.ObserveOutbound("failure", err)
	if err != nil {
		slog.Error("ResponseHandler.sendFailureReply: failed to send", "error", err, "phone", phone)
	}
}

// dispatchNotifications delivers notifications in the background so a slow
// sink never delays the customer's reply.
func (rh *ResponseHandler) dispatchNotifications(ctx context.Context, notes []models.Notification, c *models.CustomerContext) {
	if len(notes) == 0 {
		return
	}
	if rh.notifier == nil {
		for _, n := range notes {
			slog.Warn("ResponseHandler: no notifier configured, dropping notification", "type", n.Type, "phone", n.Phone)
		}
		return
	}
	bg := context.WithoutCancel(ctx)
	for _, n := range notes {
		rh.wg.Add(1)
		go func(n models.Notification) {
			defer rh.wg.Done()
			nctx, cancel := context.WithTimeout(bg, DefaultNotifyTimeout)
			defer cancel()
			err := rh.notifier.NotifyAdmin(nctx, n, c)
			rh.metrics.ObserveNotification(string(n.Type), err)
			if err != nil {
				slog.Error("ResponseHandler: admin notification failed", "error", err, "type", n.Type, "phone", n.Phone)
			}
		}(n)
	}
}

// Wait blocks until in-flight notifications have finished.
func (rh *ResponseHandler) Wait() {
	rh.wg.Wait()
}

// Start processes inbound messages until the responses channel closes or ctx
// is cancelled. Messages are sharded by phone across workers, so one phone's
// messages are handled in arrival order while different phones run in parallel.
func (rh *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler starting response processing", "workers", rh.workers)

	shards := make([]chan models.InboundMessage, rh.workers)
	for i := range shards {
		shards[i] = make(chan models.InboundMessage, DefaultChannelBufferSize)
		go rh.work(ctx, shards[i])
	}

	go func() {
		defer slog.Info("ResponseHandler stopped response processing")
		defer func() {
			for _, ch := range shards {
				close(ch)
			}
		}()

		for {
			select {
			case msg, ok := <-rh.msgService.Responses():
				if !ok {
					slog.Debug("ResponseHandler responses channel closed")
					return
				}
				select {
				case shards[shardFor(msg.Phone, len(shards))] <- msg:
				case <-ctx.Done():
					return
				}

			case <-ctx.Done():
				slog.Debug("ResponseHandler stopping due to context cancellation")
				return
			}
		}
	}()
}

func (rh *ResponseHandler) work(ctx context.Context, in <-chan models.InboundMessage) {
	for msg := range in {
		if ctx.Err() != nil {
			continue
		}
		if _, err := rh.ProcessMessage(ctx, msg); err != nil {
			slog.Error("ResponseHandler failed to process message", "error", err, "phone", msg.Phone)
		}
	}
}

func shardFor(phone string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(phone))
	return int(h.Sum32() % uint32(n))
}
