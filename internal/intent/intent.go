// Package intent turns free customer text into a structured IntentResult using a language model.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/SalesPipe/internal/models"
)

// Confidence values used when classification cannot be trusted.
const (
	UnavailableConfidence  = 0.0
	ParseFailureConfidence = 0.5
)

const classifierMaxTokens = 300

const promptTemplate = `You classify WhatsApp messages sent to an IPTV reseller.
Return ONLY a JSON object with this exact shape:
{"intent": "...", "confidence": 0.0, "entities": {"device": null, "plan_interest": null, "content_preference": null, "mac_address": null, "device_key": null, "payment_method": null}, "sentiment": "...", "needs_human": false, "language": "en"}

intent is one of: greeting, device_info, mac_address, content_preference, pricing, subscribe, payment_confirmation, technical_issue, human_request, general_question, other.
sentiment is one of: positive, neutral, negative, frustrated.
device is one of: firestick, android_phone, smart_tv, android_box, tivimate.
content_preference is one of: english, europe, worldwide.
plan_interest is one of: monthly, yearly, 2years, 3years, lifetime.
payment_method is one of: revolut, paypal.
language is the ISO 639-1 code of the message.
Use null for anything not mentioned. needs_human is true only when the customer asks for a person or is clearly angry.

Message:
%q`

var knownIntents = map[string]bool{
	models.IntentGreeting:            true,
	models.IntentDeviceInfo:          true,
	models.IntentMACAddress:          true,
	models.IntentContentPreference:   true,
	models.IntentPricing:             true,
	models.IntentSubscribe:           true,
	models.IntentPaymentConfirmation: true,
	models.IntentTechnicalIssue:      true,
	models.IntentHumanRequest:        true,
	models.IntentGeneralQuestion:     true,
	models.IntentOther:               true,
}

var knownSentiments = map[string]bool{
	models.SentimentPositive:   true,
	models.SentimentNeutral:    true,
	models.SentimentNegative:   true,
	models.SentimentFrustrated: true,
}

// Completer is the language model call the classifier depends on.
type Completer interface {
	Complete(ctx context.Context, systemPrompt string, turns []models.ChatTurn, maxTokens int) (string, error)
}

// Classifier detects intent, entities and sentiment. It never fails: every
// error path yields a neutral default so the conversation keeps moving.
type Classifier struct {
	llm Completer
}

// NewClassifier creates a classifier. A nil llm yields the unconfigured default for every message.
func NewClassifier(llm Completer) *Classifier {
	return &Classifier{llm: llm}
}

// DetectIntent classifies text.
func (c *Classifier) DetectIntent(ctx context.Context, text string) models.IntentResult {
	if c == nil || c.llm == nil {
		slog.Debug("Classifier.DetectIntent: no model configured, using default")
		return models.DefaultIntentResult(UnavailableConfidence)
	}
	prompt := fmt.Sprintf(promptTemplate, text)
	raw, err := c.llm.Complete(ctx, "", []models.ChatTurn{{Role: models.RoleUser, Content: prompt}}, classifierMaxTokens)
	if err != nil {
		slog.Warn("Classifier.DetectIntent: model call failed, using default", "error", err)
		return models.DefaultIntentResult(UnavailableConfidence)
	}
	result, err := Parse(raw)
	if err != nil {
		slog.Warn("Classifier.DetectIntent: unparsable response, using default", "error", err, "response", raw)
		return models.DefaultIntentResult(ParseFailureConfidence)
	}
	slog.Debug("Classifier.DetectIntent: classified", "intent", result.Intent, "confidence", result.Confidence, "sentiment", result.Sentiment)
	return result
}

type rawEntities struct {
	Device            *string `json:"device"`
	PlanInterest      *string `json:"plan_interest"`
	ContentPreference *string `json:"content_preference"`
	MACAddress        *string `json:"mac_address"`
	DeviceKey         *string `json:"device_key"`
	PaymentMethod     *string `json:"payment_method"`
}

type rawResult struct {
	Intent     string      `json:"intent"`
	Confidence float64     `json:"confidence"`
	Entities   rawEntities `json:"entities"`
	Sentiment  string      `json:"sentiment"`
	NeedsHuman bool        `json:"needs_human"`
	Language   string      `json:"language"`
}

// Parse decodes the first JSON object found in a model response and
// normalises unknown labels to their safe defaults.
func Parse(response string) (models.IntentResult, error) {
	start := strings.Index(response, "{")
	if start < 0 {
		return models.IntentResult{}, fmt.Errorf("no JSON object in response")
	}
	var raw rawResult
	if err := json.NewDecoder(strings.NewReader(response[start:])).Decode(&raw); err != nil {
		return models.IntentResult{}, fmt.Errorf("decode classifier response: %w", err)
	}

	res := models.IntentResult{
		Intent:     strings.ToLower(strings.TrimSpace(raw.Intent)),
		Confidence: raw.Confidence,
		Sentiment:  strings.ToLower(strings.TrimSpace(raw.Sentiment)),
		NeedsHuman: raw.NeedsHuman,
		Language:   strings.ToLower(strings.TrimSpace(raw.Language)),
		Entities: models.Entities{
			Device:            deref(raw.Entities.Device),
			PlanInterest:      deref(raw.Entities.PlanInterest),
			ContentPreference: deref(raw.Entities.ContentPreference),
			MACAddress:        deref(raw.Entities.MACAddress),
			DeviceKey:         deref(raw.Entities.DeviceKey),
			PaymentMethod:     deref(raw.Entities.PaymentMethod),
		},
	}
	if !knownIntents[res.Intent] {
		res.Intent = models.IntentOther
	}
	if !knownSentiments[res.Sentiment] {
		res.Sentiment = models.SentimentNeutral
	}
	if res.Confidence < 0 {
		res.Confidence = 0
	}
	if res.Confidence > 1 {
		res.Confidence = 1
	}
	return res, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
