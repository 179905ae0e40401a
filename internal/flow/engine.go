// Package flow implements the conversation engine that moves customers through the sales funnel.
//
// Every inbound message is classified outside any lock, then a single
// read-modify-write on the customer's context decides the next state, the
// reply and any admin notifications. Free-form replies are generated by the
// language model after the context has been written back.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BTreeMap/SalesPipe/internal/genai"
	"github.com/BTreeMap/SalesPipe/internal/history"
	"github.com/BTreeMap/SalesPipe/internal/models"
	"github.com/BTreeMap/SalesPipe/internal/store"
)

// Defaults for free-form generation.
const (
	DefaultHistoryLimit = 20
	DefaultMaxTokens    = 300
)

// ErrNoGenerator is returned when a free-form reply is needed but no model is configured.
var ErrNoGenerator = errors.New("no reply generator configured")

// Classifier turns customer text into an IntentResult. It must not fail.
type Classifier interface {
	DetectIntent(ctx context.Context, text string) models.IntentResult
}

// Generator produces a free-form reply from a system prompt and conversation turns.
type Generator interface {
	Complete(ctx context.Context, systemPrompt string, turns []models.ChatTurn, maxTokens int) (string, error)
}

// VisionExtractor reads a MAC address or device key from a screenshot.
type VisionExtractor interface {
	ExtractTextFromImage(ctx context.Context, image []byte, mimeType string) (string, error)
}

// HistoryProvider fetches recent messages from the channel provider, which may
// include messages typed by a human agent.
type HistoryProvider interface {
	RecentMessages(ctx context.Context, phone string, limit int) ([]models.ChatTurn, error)
}

// Result is the outcome of one engine operation.
type Result struct {
	Reply         string
	State         models.State
	PreviousState models.State
	Notifications []models.Notification
	Context       *models.CustomerContext
}

// Opts holds configuration for the Engine.
type Opts struct {
	Classifier     Classifier
	Generator      Generator
	Vision         VisionExtractor
	History        HistoryProvider
	Persona        string
	PersonaFile    string
	PricingMessage string
	Clock          func() time.Time
	HistoryLimit   int
	MaxTokens      int
}

// Option configures the Engine.
type Option func(*Opts)

// WithClassifier sets the intent classifier.
func WithClassifier(c Classifier) Option {
	return func(o *Opts) { o.Classifier = c }
}

// WithGenerator sets the free-form reply generator.
func WithGenerator(g Generator) Option {
	return func(o *Opts) { o.Generator = g }
}

// WithVision enables screenshot reading.
func WithVision(v VisionExtractor) Option {
	return func(o *Opts) { o.Vision = v }
}

// WithHistoryProvider prefers channel-side history over the local log.
func WithHistoryProvider(h HistoryProvider) Option {
	return func(o *Opts) { o.History = h }
}

// WithPersona sets the persona document inline.
func WithPersona(text string) Option {
	return func(o *Opts) { o.Persona = text }
}

// WithPersonaFile loads the persona document from a file.
func WithPersonaFile(path string) Option {
	return func(o *Opts) { o.PersonaFile = path }
}

// WithPricingMessage overrides the plan list sent on pricing questions.
func WithPricingMessage(text string) Option {
	return func(o *Opts) { o.PricingMessage = text }
}

// WithClock overrides the engine's time source.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// WithHistoryLimit bounds how many past messages are sent to the model.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) { o.HistoryLimit = n }
}

// WithMaxTokens sets the reply token budget.
func WithMaxTokens(n int) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// Engine is the conversation state machine.
type Engine struct {
	store      store.ContextStore
	log        history.Log
	classifier Classifier
	llm        Generator
	vision     VisionExtractor
	history    HistoryProvider
	persona    string
	pricing    string
	clock      func() time.Time
	histLimit  int
	maxTokens  int
}

// NewEngine creates an engine over the given store and message log.
func NewEngine(st store.ContextStore, log history.Log, opts ...Option) *Engine {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	e := &Engine{
		store:      st,
		log:        log,
		classifier: cfg.Classifier,
		llm:        cfg.Generator,
		vision:     cfg.Vision,
		history:    cfg.History,
		persona:    cfg.Persona,
		pricing:    cfg.PricingMessage,
		clock:      cfg.Clock,
		histLimit:  cfg.HistoryLimit,
		maxTokens:  cfg.MaxTokens,
	}
	if cfg.PersonaFile != "" {
		data, err := os.ReadFile(cfg.PersonaFile)
		if err != nil {
			slog.Warn("Engine persona file unreadable, using default persona", "path", cfg.PersonaFile, "error", err)
		} else if text := strings.TrimSpace(string(data)); text != "" {
			e.persona = text
		}
	}
	if e.persona == "" {
		e.persona = DefaultPersona
	}
	if e.pricing == "" {
		e.pricing = DefaultPricingMessage
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.histLimit <= 0 {
		e.histLimit = DefaultHistoryLimit
	}
	if e.maxTokens <= 0 {
		e.maxTokens = DefaultMaxTokens
	}
	if e.log == nil {
		e.log = history.NewMemoryLog()
	}
	return e
}

// HandleMessage processes one inbound customer message and returns the reply to send.
func (e *Engine) HandleMessage(ctx context.Context, msg models.InboundMessage) (*Result, error) {
	phone := strings.TrimSpace(msg.Phone)
	if phone == "" {
		return nil, models.ErrInvalidPhone
	}
	text := strings.TrimSpace(msg.Text)

	visionText, imageUnreadable := e.readImage(ctx, msg)

	ir := models.DefaultIntentResult(0)
	if text != "" && e.classifier != nil {
		ir = e.classifier.DetectIntent(ctx, text)
	}

	userContent := text
	if userContent == "" && len(msg.Image) > 0 {
		userContent = "[image]"
	}
	e.appendLog(ctx, phone, models.ConversationMessage{
		Role:      models.RoleUser,
		Content:   userContent,
		Timestamp: msg.Timestamp,
		Metadata:  &models.MessageMetadata{Intent: ir.Intent, Confidence: ir.Confidence},
	})

	in := turnInput{
		text:            text,
		visionText:      visionText,
		imageUnreadable: imageUnreadable,
		intent:          ir,
		now:             e.clock(),
	}
	var out turnOutcome
	var before models.State
	updated, err := e.store.Update(ctx, phone, func(c *models.CustomerContext) error {
		before = c.State
		out = e.decide(c, in)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update context for %s: %w", phone, err)
	}

	res := &Result{
		Reply:         out.reply,
		State:         updated.State,
		PreviousState: before,
		Notifications: out.notifications,
		Context:       updated,
	}
	if out.generate {
		reply, err := e.generate(ctx, updated, text)
		if err != nil {
			slog.Error("Engine generation failed, escalating", "phone", phone, "error", err)
			return e.failGeneration(ctx, res, text, err)
		}
		res.Reply = reply
		out.trigger = "generated"
	}

	e.appendLog(ctx, phone, models.ConversationMessage{
		Role:     models.RoleAssistant,
		Content:  res.Reply,
		Metadata: &models.MessageMetadata{Intent: ir.Intent, Confidence: ir.Confidence, Trigger: out.trigger},
	})
	slog.Info("Engine handled message", "phone", phone, "from", before, "to", res.State, "intent", ir.Intent, "notifications", len(res.Notifications))
	return res, nil
}

// readImage runs vision extraction outside the context lock.
func (e *Engine) readImage(ctx context.Context, msg models.InboundMessage) (string, bool) {
	if len(msg.Image) == 0 {
		return "", false
	}
	if e.vision == nil {
		return "", true
	}
	text, err := e.vision.ExtractTextFromImage(ctx, msg.Image, msg.ImageMIME)
	if err != nil {
		slog.Warn("Engine vision extraction failed", "phone", msg.Phone, "error", err)
		return "", true
	}
	return text, strings.TrimSpace(text) == ""
}

// generate asks the model for a free-form reply. The context lock is not held.
func (e *Engine) generate(ctx context.Context, c *models.CustomerContext, text string) (string, error) {
	if e.llm == nil {
		return "", ErrNoGenerator
	}
	turns := e.recentTurns(ctx, c.Phone)
	if text != "" && (len(turns) == 0 || turns[len(turns)-1].Role != models.RoleUser || !strings.Contains(turns[len(turns)-1].Content, text)) {
		turns = append(turns, models.ChatTurn{Role: models.RoleUser, Content: text})
	}
	turns = genai.AlternateRoles(turns)
	if len(turns) == 0 {
		turns = []models.ChatTurn{{Role: models.RoleUser, Content: "Hello"}}
	}
	reply, err := e.llm.Complete(ctx, e.persona+stateBlock(c), turns, e.maxTokens)
	if err != nil {
		return "", err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", errors.New("model returned an empty reply")
	}
	return reply, nil
}

func (e *Engine) recentTurns(ctx context.Context, phone string) []models.ChatTurn {
	if e.history != nil {
		turns, err := e.history.RecentMessages(ctx, phone, e.histLimit)
		if err != nil {
			slog.Warn("Engine provider history unavailable, using local log", "phone", phone, "error", err)
		} else if len(turns) > 0 {
			return turns
		}
	}
	msgs, err := e.log.Recent(ctx, phone, e.histLimit)
	if err != nil {
		slog.Warn("Engine local history unavailable", "phone", phone, "error", err)
		return nil
	}
	turns := make([]models.ChatTurn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, models.ChatTurn{Role: m.Role, Content: m.Content})
	}
	return turns
}

// failGeneration replies with an apology and hands the customer to a human.
func (e *Engine) failGeneration(ctx context.Context, res *Result, text string, cause error) (*Result, error) {
	updated, err := e.store.Update(ctx, res.Context.Phone, func(c *models.CustomerContext) error {
		c.State = models.StateNeedsHuman
		c.NeedsHuman = true
		c.EscalationReason = "reply generation failed"
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("escalate %s after generation failure: %w", res.Context.Phone, err)
	}
	res.Reply = msgGenerationFailed
	res.State = updated.State
	res.Context = updated
	res.Notifications = append(res.Notifications, notification(models.NotificationEscalation, updated,
		fmt.Sprintf("Could not generate a reply (%v). Customer needs a human.", cause), text))
	e.appendLog(ctx, updated.Phone, models.ConversationMessage{
		Role:     models.RoleAssistant,
		Content:  res.Reply,
		Metadata: &models.MessageMetadata{Trigger: "generation_failed"},
	})
	return res, nil
}

// RecordAssistant appends an outbound message produced outside HandleMessage.
func (e *Engine) RecordAssistant(ctx context.Context, phone, content, trigger string) {
	e.appendLog(ctx, phone, models.ConversationMessage{
		Role:     models.RoleAssistant,
		Content:  content,
		Metadata: &models.MessageMetadata{Trigger: trigger},
	})
}

// Messages returns the newest logged messages for phone, oldest first.
func (e *Engine) Messages(ctx context.Context, phone string, limit int) ([]models.ConversationMessage, error) {
	return e.log.Recent(ctx, phone, limit)
}

func (e *Engine) appendLog(ctx context.Context, phone string, msg models.ConversationMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = e.clock()
	}
	if err := e.log.Append(ctx, phone, msg); err != nil {
		slog.Warn("Engine failed to append history", "phone", phone, "role", msg.Role, "error", err)
	}
}

func notification(t models.NotificationType, c *models.CustomerContext, message, raw string) models.Notification {
	return models.Notification{
		Type:    t,
		Message: message,
		Phone:   c.Phone,
		Fields:  c.Fields(),
		RawText: raw,
	}
}
