package models

import "time"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageMetadata carries optional classification and trigger details.
type MessageMetadata struct {
	Intent     string  `json:"intent,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Trigger    string  `json:"trigger,omitempty"`
}

// ConversationMessage is one entry in a customer's message log.
type ConversationMessage struct {
	ID        string           `json:"id"`
	Role      Role             `json:"role"`
	Content   string           `json:"content"`
	Timestamp time.Time        `json:"timestamp"`
	Metadata  *MessageMetadata `json:"metadata,omitempty"`
}

// ChatTurn is a role/content pair sent to the language model.
type ChatTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// InboundMessage is a channel-agnostic customer message.
type InboundMessage struct {
	// ID is the provider message id; empty when the provider supplies none.
	ID        string    `json:"id,omitempty"`
	Phone     string    `json:"phone"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Image     []byte    `json:"-"`
	ImageMIME string    `json:"image_mime,omitempty"`
}

// Intent labels returned by the classifier.
const (
	IntentGreeting            = "greeting"
	IntentDeviceInfo          = "device_info"
	IntentMACAddress          = "mac_address"
	IntentContentPreference   = "content_preference"
	IntentPricing             = "pricing"
	IntentSubscribe           = "subscribe"
	IntentPaymentConfirmation = "payment_confirmation"
	IntentTechnicalIssue      = "technical_issue"
	IntentHumanRequest        = "human_request"
	IntentGeneralQuestion     = "general_question"
	IntentOther               = "other"
)

// Sentiment labels returned by the classifier.
const (
	SentimentPositive   = "positive"
	SentimentNeutral    = "neutral"
	SentimentNegative   = "negative"
	SentimentFrustrated = "frustrated"
)

// Entities holds the optional values extracted from a message.
type Entities struct {
	Device            string `json:"device,omitempty"`
	PlanInterest      string `json:"plan_interest,omitempty"`
	ContentPreference string `json:"content_preference,omitempty"`
	MACAddress        string `json:"mac_address,omitempty"`
	DeviceKey         string `json:"device_key,omitempty"`
	PaymentMethod     string `json:"payment_method,omitempty"`
}

// IntentResult is the structured classification of one inbound message.
type IntentResult struct {
	Intent     string   `json:"intent"`
	Confidence float64  `json:"confidence"`
	Entities   Entities `json:"entities"`
	Sentiment  string   `json:"sentiment"`
	NeedsHuman bool     `json:"needs_human"`
	Language   string   `json:"language,omitempty"`
}

// DefaultIntentResult is the neutral result used whenever classification fails.
func DefaultIntentResult(confidence float64) IntentResult {
	return IntentResult{
		Intent:     IntentOther,
		Confidence: confidence,
		Sentiment:  SentimentNeutral,
	}
}

// NotificationType classifies admin notifications.
type NotificationType string

const (
	NotificationTrialRequest    NotificationType = "trial_request"
	NotificationPaymentReceived NotificationType = "payment_received"
	NotificationEscalation      NotificationType = "escalation"
	NotificationTechnicalIssue  NotificationType = "technical_issue"
)

// Notification is an out-of-band alert asking an admin to act.
type Notification struct {
	Type    NotificationType  `json:"type"`
	Message string            `json:"message"`
	Phone   string            `json:"phone"`
	Fields  map[string]string `json:"fields,omitempty"`
	RawText string            `json:"raw_text,omitempty"`
}
