package models

import (
	"errors"
	"time"
)

// Sentinel errors shared across packages.
var (
	ErrInvalidState       = errors.New("invalid state")
	ErrInvalidPlan        = errors.New("invalid plan")
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidPhone       = errors.New("invalid phone")
	ErrCustomerNotFound   = errors.New("customer not found")
)

// Device identifiers produced by extraction.
const (
	DeviceFirestick    = "firestick"
	DeviceAndroidPhone = "android_phone"
	DeviceSmartTV      = "smart_tv"
	DeviceAndroidBox   = "android_box"
	DeviceTiviMate     = "tivimate"
)

// Content preference identifiers.
const (
	ContentEnglish   = "english"
	ContentEurope    = "europe"
	ContentWorldwide = "worldwide"
)

// Payment method identifiers.
const (
	PaymentRevolut = "revolut"
	PaymentPayPal  = "paypal"
)

// Credentials are the IPTV login issued by an admin on activation.
type Credentials struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	ServerURL string `json:"server_url"`
}

// Complete reports whether every credential field is set.
func (c Credentials) Complete() bool {
	return c.Username != "" && c.Password != "" && c.ServerURL != ""
}

// CustomerContext is the per-phone conversation record.
type CustomerContext struct {
	Phone string `json:"phone"`
	Name  string `json:"name,omitempty"`
	ID    string `json:"id,omitempty"`

	State         State `json:"state"`
	PreviousState State `json:"previous_state,omitempty"`

	Device            string `json:"device,omitempty"`
	MACAddress        string `json:"mac_address,omitempty"`
	DeviceKey         string `json:"device_key,omitempty"`
	ContentPreference string `json:"content_preference,omitempty"`
	AdultContent      bool   `json:"adult_content"`
	Language          string `json:"language,omitempty"`

	// Values read from a screenshot, waiting for the customer to confirm them.
	PendingMAC       string `json:"pending_mac,omitempty"`
	PendingDeviceKey string `json:"pending_device_key,omitempty"`

	PlanInterest   string      `json:"plan_interest,omitempty"`
	TrialStartedAt *time.Time  `json:"trial_started_at,omitempty"`
	TrialExpiresAt *time.Time  `json:"trial_expires_at,omitempty"`
	SubscribedAt   *time.Time  `json:"subscribed_at,omitempty"`
	ExpiresAt      *time.Time  `json:"expires_at,omitempty"`
	PaymentMethod  string      `json:"payment_method,omitempty"`
	PaymentPending bool        `json:"payment_pending"`
	Credentials    Credentials `json:"credentials"`
	StreamURL      string      `json:"stream_url,omitempty"`

	LastMessageAt    *time.Time `json:"last_message_at,omitempty"`
	FollowUpsSent    int        `json:"follow_ups_sent"`
	LastFollowUpType string     `json:"last_follow_up_type,omitempty"`

	NeedsHuman       bool   `json:"needs_human"`
	EscalationReason string `json:"escalation_reason,omitempty"`
	LastSentiment    string `json:"last_sentiment,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewCustomerContext returns a fresh record in the new state.
func NewCustomerContext(phone string, now time.Time) *CustomerContext {
	return &CustomerContext{
		Phone:     phone,
		State:     StateNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy so snapshots never alias stored records.
func (c *CustomerContext) Clone() *CustomerContext {
	if c == nil {
		return nil
	}
	out := *c
	out.TrialStartedAt = cloneTime(c.TrialStartedAt)
	out.TrialExpiresAt = cloneTime(c.TrialExpiresAt)
	out.SubscribedAt = cloneTime(c.SubscribedAt)
	out.ExpiresAt = cloneTime(c.ExpiresAt)
	out.LastMessageAt = cloneTime(c.LastMessageAt)
	return &out
}

// HasDeviceIdentifier reports whether a MAC or device key has been collected.
func (c *CustomerContext) HasDeviceIdentifier() bool {
	return c.MACAddress != "" || c.DeviceKey != ""
}

// HasPendingVision reports whether screenshot values await confirmation.
func (c *CustomerContext) HasPendingVision() bool {
	return c.PendingMAC != "" || c.PendingDeviceKey != ""
}

// MissingFields lists the setup fields still required before a trial can be requested.
func (c *CustomerContext) MissingFields() []string {
	var missing []string
	if c.Device == "" {
		missing = append(missing, "device")
	}
	if !c.HasDeviceIdentifier() {
		missing = append(missing, "mac_address_or_device_key")
	}
	if c.ContentPreference == "" {
		missing = append(missing, "content_preference")
	}
	return missing
}

// Fields returns the collected attributes as a flat map for notifications and prompts.
func (c *CustomerContext) Fields() map[string]string {
	f := map[string]string{
		"phone": c.Phone,
		"state": string(c.State),
	}
	put := func(k, v string) {
		if v != "" {
			f[k] = v
		}
	}
	put("name", c.Name)
	put("device", c.Device)
	put("mac_address", c.MACAddress)
	put("device_key", c.DeviceKey)
	put("content_preference", c.ContentPreference)
	put("language", c.Language)
	put("plan_interest", c.PlanInterest)
	put("payment_method", c.PaymentMethod)
	if c.AdultContent {
		f["adult_content"] = "yes"
	}
	return f
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
