// Package genai provides language model completions using the OpenAI API.
package genai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/SalesPipe/internal/models"
)

// Defaults for the GenAI client.
const (
	DefaultModel     = string(openai.ChatModelGPT4oMini)
	DefaultTimeout   = 30 * time.Second
	DefaultMaxTokens = 400
)

var (
	// ErrNoChoicesReturned is returned when the model answers with no choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrNotConfigured is returned by a nil client.
	ErrNotConfigured = errors.New("genai client not configured")
)

const visionInstruction = "This is a screenshot from an IPTV player app. " +
	"Return only the MAC address or device key shown on screen, exactly as printed. " +
	"If neither is visible, reply with NONE."

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsAdapter adapts the SDK's completion service to chatService.
type completionsAdapter struct {
	svc openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey      string
	Model       string
	VisionModel string
	Timeout     time.Duration
	MaxTokens   int
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model used for classification and replies.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithVisionModel sets the model used to read screenshots.
func WithVisionModel(model string) Option {
	return func(o *Opts) { o.VisionModel = model }
}

// WithTimeout bounds every model call.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithMaxTokens sets the default completion budget.
func WithMaxTokens(n int) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat        chatService
	model       string
	visionModel string
	timeout     time.Duration
	maxTokens   int
}

// NewClient initializes a new GenAI client. The API key falls back to OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	c := newClient(completionsAdapter{svc: cli.Chat.Completions}, cfg)
	slog.Debug("GenAI.NewClient: client created", "model", c.model, "vision_model", c.visionModel, "timeout", c.timeout)
	return c, nil
}

func newClient(chat chatService, cfg Opts) *Client {
	c := &Client{
		chat:        chat,
		model:       cfg.Model,
		visionModel: cfg.VisionModel,
		timeout:     cfg.Timeout,
		maxTokens:   cfg.MaxTokens,
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if c.visionModel == "" {
		c.visionModel = c.model
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.maxTokens <= 0 {
		c.maxTokens = DefaultMaxTokens
	}
	return c
}

// Complete sends a system prompt plus conversation turns and returns the reply text.
// Turns are normalised with AlternateRoles first. maxTokens <= 0 uses the client default.
func (c *Client) Complete(ctx context.Context, systemPrompt string, turns []models.ChatTurn, maxTokens int) (string, error) {
	if c == nil || c.chat == nil {
		return "", ErrNotConfigured
	}
	messages := []openai.ChatCompletionMessageParamUnion{}
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}
	for _, t := range AlternateRoles(turns) {
		if t.Role == models.RoleAssistant {
			messages = append(messages, openai.AssistantMessage(t.Content))
		} else {
			messages = append(messages, openai.UserMessage(t.Content))
		}
	}
	return c.create(ctx, c.model, messages, maxTokens)
}

// ExtractTextFromImage reads a MAC address or device key from a screenshot.
// It returns "" when nothing legible was found.
func (c *Client) ExtractTextFromImage(ctx context.Context, image []byte, mimeType string) (string, error) {
	if c == nil || c.chat == nil {
		return "", ErrNotConfigured
	}
	if len(image) == 0 {
		return "", nil
	}
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image)
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
			openai.TextContentPart(visionInstruction),
			openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
		}),
	}
	text, err := c.create(ctx, c.visionModel, messages, 60)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if strings.EqualFold(text, "none") {
		return "", nil
	}
	return text, nil
}

func (c *Client) create(ctx context.Context, model string, messages []openai.ChatCompletionMessageParamUnion, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(model),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	}
	slog.Debug("GenAI.create: sending request", "model", model, "messages", len(messages), "max_tokens", maxTokens)
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("GenAI.create: completion failed", "model", model, "error", err)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

// AlternateRoles prepares turns for the chat API, which expects strict
// user/assistant alternation beginning with a user turn. System and empty
// turns are dropped, consecutive same-role turns are joined with a newline,
// and leading assistant turns are removed.
func AlternateRoles(turns []models.ChatTurn) []models.ChatTurn {
	out := make([]models.ChatTurn, 0, len(turns))
	for _, t := range turns {
		content := strings.TrimSpace(t.Content)
		if content == "" || (t.Role != models.RoleUser && t.Role != models.RoleAssistant) {
			continue
		}
		if len(out) == 0 && t.Role != models.RoleUser {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == t.Role {
			out[n-1].Content += "\n" + content
			continue
		}
		out = append(out, models.ChatTurn{Role: t.Role, Content: content})
	}
	return out
}
