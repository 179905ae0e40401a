package flow

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/SalesPipe/internal/extract"
	"github.com/BTreeMap/SalesPipe/internal/models"
)

// minKeyPayload is the shortest unspaced reply accepted as a device key in awaiting_mac.
const minKeyPayload = 6

type turnInput struct {
	text            string
	visionText      string
	imageUnreadable bool
	intent          models.IntentResult
	now             time.Time
}

func (in turnInput) hasImage() bool {
	return in.visionText != "" || in.imageUnreadable
}

type turnOutcome struct {
	reply         string
	generate      bool
	trigger       string
	promptable    bool
	notifications []models.Notification
}

// decide runs inside the store's critical section. It mutates c and reports
// what to send; it never performs I/O.
func (e *Engine) decide(c *models.CustomerContext, in turnInput) turnOutcome {
	var out turnOutcome
	entered := c.State

	c.LastMessageAt = models.TimePtr(in.now)
	if in.intent.Sentiment != "" {
		c.LastSentiment = in.intent.Sentiment
	}
	if in.intent.Language != "" {
		c.Language = in.intent.Language
	}

	if reason, ok := escalationReason(c, in); ok {
		escalate(c, reason, in.text, &out)
		return out
	}

	if c.HasPendingVision() && !in.hasImage() {
		if resolvePendingVision(c, in.text, &out) {
			return out
		}
	}

	if in.visionText != "" && acceptsScreenshot(c) {
		if stagePendingVision(c, in.visionText, &out) {
			return out
		}
		in.imageUnreadable = true
	}

	if filled := extract.Merge(c, extract.FromText(in.text), in.intent.Entities); len(filled) > 0 {
		slog.Debug("Engine merged entities", "phone", c.Phone, "fields", filled)
	}
	if extract.HasAdultKeyword(in.text) {
		c.AdultContent = true
	}

	if !e.crossCutting(c, in, &out) {
		e.dispatch(c, in, &out)
	}
	finish(c, entered, in.text, &out)
	return out
}

// crossCutting handles intents that pre-empt the state handlers.
func (e *Engine) crossCutting(c *models.CustomerContext, in turnInput, out *turnOutcome) bool {
	if c.State == models.StateNeedsHuman {
		return false
	}
	switch in.intent.Intent {
	case models.IntentPricing:
		c.State = models.StateAwaitingPayment
		out.reply = e.pricing
		out.trigger = "pricing"
		return true
	case models.IntentTechnicalIssue:
		out.reply = msgTechnical
		out.trigger = "technical_issue"
		out.notifications = append(out.notifications, notification(models.NotificationTechnicalIssue, c,
			"Customer reports a technical issue", in.text))
		return true
	}
	return false
}

func (e *Engine) dispatch(c *models.CustomerContext, in turnInput, out *turnOutcome) {
	out.trigger = "state:" + string(c.State)
	switch c.State {
	case models.StateNew, models.StateAwaitingDevice:
		out.promptable = true
		switch {
		case c.Device == models.DeviceTiviMate:
			c.State = models.StateAwaitingContentPref
			out.reply = setupInstructions(c.Device) + "\n\n" + msgAskContent
		case c.Device != "":
			c.State = models.StateAwaitingMAC
			out.reply = setupInstructions(c.Device)
		case c.State == models.StateNew:
			c.State = models.StateAwaitingDevice
			out.reply = msgWelcome
		default:
			out.reply = msgAskDevice
		}

	case models.StateAwaitingMAC:
		switch {
		case c.Device == models.DeviceTiviMate || extract.MentionsTiviMate(in.text):
			c.Device = models.DeviceTiviMate
			c.State = models.StateAwaitingContentPref
			out.reply = setupInstructions(c.Device) + "\n\n" + msgAskContent
			out.promptable = true
		case c.HasDeviceIdentifier():
			c.State = models.StateAwaitingContentPref
			out.reply = msgAskContent
			out.promptable = true
		case extract.ExtractDeviceKey(in.text) != "":
			c.DeviceKey = extract.ExtractDeviceKey(in.text)
			c.State = models.StateAwaitingContentPref
			out.reply = msgAskContent
			out.promptable = true
		case looksLikeDeviceKey(in.text):
			c.DeviceKey = strings.TrimSpace(in.text)
			c.State = models.StateAwaitingContentPref
			out.reply = msgAskContent
			out.promptable = true
		case in.imageUnreadable:
			out.reply = msgVisionUnreadable
		default:
			out.reply = helpFindingMAC(c.Device)
		}

	case models.StateAwaitingContentPref:
		if in.text == "" {
			out.reply = msgAskContent
			return
		}
		if c.ContentPreference == "" {
			c.ContentPreference = models.ContentEnglish
		}
		c.State = models.StateTrialPending
		out.reply = msgTrialPending
		out.promptable = true

	case models.StateTrialActive:
		if extract.WantsToBuy(in.text) || in.intent.Intent == models.IntentSubscribe {
			c.State = models.StateAwaitingPayment
			out.reply = e.pricing
			return
		}
		out.generate = true

	case models.StateTrialExpired, models.StateAwaitingPayment:
		e.handlePayment(c, in, out)

	case models.StatePaymentPending:
		out.reply = msgPaymentHold
		raw := in.text
		if raw == "" && in.hasImage() {
			raw = "[image]"
		}
		out.notifications = append(out.notifications, notification(models.NotificationPaymentReceived, c,
			"Customer sent another message while their payment is being verified: "+snippet(raw, 200), raw))

	default:
		out.generate = true
	}
}

// handlePayment steers trial_expired and awaiting_payment customers towards paying.
// Any confirmation phrase moves the customer to payment_pending unless the message
// opens by asking how to pay.
func (e *Engine) handlePayment(c *models.CustomerContext, in turnInput, out *turnOutcome) {
	plan := extract.ExtractPlan(in.text)
	method := extract.ExtractPaymentMethod(in.text)
	if plan != "" {
		c.PlanInterest = plan
	}
	if method != "" {
		c.PaymentMethod = method
	}

	confirmed := in.intent.Intent == models.IntentPaymentConfirmation ||
		(extract.IsPaymentConfirmation(in.text) && !asksHowToPay(in.text)) ||
		(in.hasImage() && in.text == "")
	if confirmed {
		c.State = models.StatePaymentPending
		c.PaymentPending = true
		out.reply = msgPaymentReceived
		out.trigger = "payment_confirmation"
		raw := in.text
		if raw == "" {
			raw = "[image]"
		}
		out.notifications = append(out.notifications, notification(models.NotificationPaymentReceived, c,
			"Customer says they have paid. Please verify and activate.", raw))
		return
	}

	switch {
	case method != "":
		c.State = models.StateAwaitingPayment
		out.reply = paymentInstructions[method]
		if c.PlanInterest != "" {
			out.reply = fmt.Sprintf("Great, the %s plan! %s", planLabel(models.Plan(c.PlanInterest)), out.reply)
		}
	case plan != "":
		c.State = models.StateAwaitingPayment
		if text, ok := paymentInstructions[c.PaymentMethod]; ok {
			out.reply = fmt.Sprintf("Great, the %s plan! %s", planLabel(models.Plan(plan)), text)
		} else {
			out.reply = msgChoosePaymentMethod
		}
	case c.State == models.StateTrialExpired && (extract.WantsToBuy(in.text) || in.intent.Intent == models.IntentSubscribe):
		c.State = models.StateAwaitingPayment
		out.reply = e.pricing
	default:
		out.generate = true
	}
}

// finish applies auto-advance and raises the trial request when the turn entered trial_pending.
func finish(c *models.CustomerContext, entered models.State, text string, out *turnOutcome) {
	handled := c.State
	if target, ok := inferState(c); ok && !c.State.IsAdminOwned() && c.State.Before(target) {
		c.State = target
	}
	if c.State != handled && out.promptable {
		if prompt, ok := promptFor(c); ok {
			out.reply = prompt
		}
	}
	if entered != models.StateTrialPending && c.State == models.StateTrialPending {
		id := c.MACAddress
		if id == "" {
			id = c.DeviceKey
		}
		out.notifications = append(out.notifications, notification(models.NotificationTrialRequest, c,
			fmt.Sprintf("New trial request from %s: device %s, MAC/key %s, content %s", c.Phone, c.Device, orDash(id), c.ContentPreference), text))
	}
}

// inferState derives the setup state implied by the fields collected so far.
func inferState(c *models.CustomerContext) (models.State, bool) {
	hasID := c.HasDeviceIdentifier()
	switch {
	case c.Device != "" && hasID && c.ContentPreference != "":
		return models.StateTrialPending, true
	case c.Device != "" && hasID:
		return models.StateAwaitingContentPref, true
	case c.Device != "":
		return models.StateAwaitingMAC, true
	case c.State == models.StateNew:
		return models.StateAwaitingDevice, true
	}
	return "", false
}

func escalationReason(c *models.CustomerContext, in turnInput) (string, bool) {
	switch {
	case in.intent.Intent == models.IntentHumanRequest:
		return "human_request", true
	case in.intent.Sentiment == models.SentimentFrustrated:
		return "frustrated", true
	case extract.HasEscalationKeyword(in.text):
		// Repeated complaints from a lead who ignored three nudges are treated as ghosting.
		if c.State == models.StateTrialExpired && c.FollowUpsSent >= 3 {
			return "", false
		}
		return "keyword", true
	}
	return "", false
}

func escalate(c *models.CustomerContext, reason, text string, out *turnOutcome) {
	c.State = models.StateNeedsHuman
	c.NeedsHuman = true
	c.EscalationReason = reason
	c.PendingMAC, c.PendingDeviceKey = "", ""
	out.reply = msgEscalation
	out.trigger = "escalation"
	out.notifications = append(out.notifications, notification(models.NotificationEscalation, c,
		fmt.Sprintf("Customer %s needs a human (%s)", c.Phone, reason), text))
}

func acceptsScreenshot(c *models.CustomerContext) bool {
	return c.State.Rank() >= 0 && !c.State.IsAdminOwned() && !c.HasDeviceIdentifier()
}

// stagePendingVision stores values read from a screenshot until the customer confirms them.
func stagePendingVision(c *models.CustomerContext, visionText string, out *turnOutcome) bool {
	mac := extract.ExtractMAC(visionText)
	key := ""
	if mac == "" {
		key = extract.ExtractDeviceKey(visionText)
		if key == "" && looksLikeDeviceKey(visionText) {
			key = strings.TrimSpace(visionText)
		}
	}
	if mac == "" && key == "" {
		return false
	}
	c.PendingMAC = mac
	c.PendingDeviceKey = key
	seen := "the MAC address " + mac
	if mac == "" {
		seen = "the device key " + key
	}
	out.reply = fmt.Sprintf(msgVisionConfirm, seen)
	out.trigger = "vision_confirm"
	return true
}

// resolvePendingVision applies the customer's answer to a screenshot reading.
// It reports true when the turn is complete.
func resolvePendingVision(c *models.CustomerContext, text string, out *turnOutcome) bool {
	pendingMAC, pendingKey := c.PendingMAC, c.PendingDeviceKey
	c.PendingMAC, c.PendingDeviceKey = "", ""
	switch {
	case extract.IsAffirmative(text):
		if c.MACAddress == "" {
			c.MACAddress = pendingMAC
		}
		if c.DeviceKey == "" {
			c.DeviceKey = pendingKey
		}
		return false
	case extract.IsNegative(text):
		out.reply = msgVisionRejected
		out.trigger = "vision_rejected"
		return true
	}
	return false
}

func looksLikeDeviceKey(text string) bool {
	t := strings.TrimSpace(text)
	return len(t) >= minKeyPayload && !strings.ContainsAny(t, " \t\n?") && strings.ContainsAny(t, "0123456789")
}

var howToPayOpeners = []string{"how ", "can i ", "could i ", "where ", "what ", "which ", "do i ", "should i "}

func asksHowToPay(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	for _, p := range howToPayOpeners {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
