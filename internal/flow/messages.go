package flow

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/BTreeMap/SalesPipe/internal/models"
	"github.com/BTreeMap/SalesPipe/internal/scheduler"
)

// DefaultPersona is the persona document used when no prompt file is configured.
const DefaultPersona = `You are the friendly WhatsApp sales assistant of an IPTV reseller.
Keep replies short (at most three sentences), warm and practical. Use plain text, no markdown.
Offer a free 24 hour trial to new customers. To set up a trial you need the customer's device,
the MAC address or device key shown in the player app, and their content preference
(English, Europe or Worldwide). Never invent prices, credentials or links. If you cannot help,
say that a team member will follow up.`

// DefaultPricingMessage lists the plans. Override it with WithPricingMessage.
const DefaultPricingMessage = `Here are our plans:
- Monthly: 1 month
- Yearly: 12 months + 2 months free
- 2 Years: 24 months + 4 months free
- 3 Years: 36 months
- Lifetime
All plans include every channel, movies and series in HD/4K.
Which plan would you like, and will you pay by Revolut or PayPal?`

const (
	msgWelcome             = "Hi! 👋 Thanks for getting in touch. We offer a free 24 hour trial so you can test everything first.\nWhich device will you watch on? (Fire Stick, Android phone/tablet, Smart TV, Android box or TiviMate)"
	msgAskDevice           = "Which device will you be using? Fire Stick, Android phone/tablet, Smart TV, Android box or TiviMate?"
	msgAskContent          = "Great, got it! ✅ Last question: which channels matter most to you?\n1. English (UK & Ireland)\n2. Europe\n3. Worldwide"
	msgTrialPending        = "Perfect, that's everything we need! 🎉 Your free trial is being set up now. We'll message you here as soon as it's ready, usually within a few minutes."
	msgEscalation          = "I'm sorry for the trouble. I've passed your message to a member of our team and they'll get back to you here shortly."
	msgTechnical           = "Sorry you're having trouble! Can you tell me what you see on screen (an error message, buffering, or no channels loading) and which device you're using? I've let the team know as well."
	msgPaymentReceived     = "Thank you! 🙏 We've received your payment confirmation. We're verifying it now and will send your login details shortly."
	msgPaymentHold         = "Thanks! Your payment is being verified by our team. You'll receive your login details here as soon as it's confirmed."
	msgGenerationFailed    = "Sorry, I'm having a little trouble answering right now. A member of our team will reply to you here shortly."
	msgVisionConfirm       = "Thanks for the screenshot! I can see %s. Is that correct? (yes/no)"
	msgVisionRejected      = "No problem! Please type the MAC address or device key exactly as it appears on your screen."
	msgVisionUnreadable    = "Thanks for the screenshot! I couldn't read it clearly, could you type the MAC address or device key instead?"
	msgChoosePaymentMethod = "Great choice! 👍 Would you like to pay by Revolut or PayPal?"
)

var deviceInstructions = map[string]string{
	models.DeviceFirestick: "Great, a Fire Stick! 🔥 Please install the IPTV Smarters or IBO Player app from the Downloader app, open it and " +
		"send me the MAC address (looks like AA:BB:CC:DD:EE:FF) or the device key shown on the first screen. A screenshot works too.",
	models.DeviceAndroidPhone: "Great! On your phone or tablet, install IBO Player from the Play Store, open it and send me the MAC address " +
		"and device key shown on screen. A screenshot works too.",
	models.DeviceSmartTV: "Great! On your Smart TV, open the app store and install IBO Player (or Smart IPTV). Open it and send me the MAC " +
		"address shown on screen (looks like AA:BB:CC:DD:EE:FF). A photo of the screen works too.",
	models.DeviceAndroidBox: "Great! On your Android box, install IBO Player from the Play Store, open it and send me the MAC address " +
		"and device key shown on screen.",
	models.DeviceTiviMate: "TiviMate works great! 👌 No MAC address is needed, we'll send you a username and password to enter in the app.",
}

var macHelp = map[string]string{
	models.DeviceFirestick: "No worries! Open the player app on your Fire Stick. The MAC address is shown on the first screen or under " +
		"Settings > About. It looks like AA:BB:CC:DD:EE:FF. You can also send a photo of the screen.",
	models.DeviceSmartTV: "No worries! Open the player app on your TV. The MAC address is shown on the start screen or under Settings. " +
		"It looks like AA:BB:CC:DD:EE:FF. You can also send a photo of the screen.",
}

const defaultMACHelp = "No worries! Open the player app. The MAC address (like AA:BB:CC:DD:EE:FF) and the device key are shown on " +
	"the first screen or under Settings. You can also send a screenshot or photo of the screen."

var paymentInstructions = map[string]string{
	models.PaymentRevolut: "You can pay by Revolut or bank transfer. Our team will share the payment details with you here; " +
		"once you've paid, just send the receipt or reply \"paid\".",
	models.PaymentPayPal: "You can pay by PayPal (friends & family). Our team will share the PayPal address with you here; " +
		"once you've paid, just send the receipt or reply \"paid\".",
}

var followUpTexts = map[string]string{
	scheduler.TrialEighteenHours: "Hi! 👋 Just checking in, how is your free trial going? Any channels you'd like help finding? " +
		"Your trial ends in about 6 hours.",
	scheduler.TrialTwentyThreeHours: "Your free trial ends in about an hour ⏰ If you'd like to keep watching without interruption, " +
		"reply \"plans\" and I'll send you our prices.",
	scheduler.GhosterFourHours: "Hi! Just a reminder, I only need the MAC address or device key from your player app to set up " +
		"your free trial. A screenshot is fine too 📸",
	scheduler.GhosterNextDay: "Hi again! Your free trial is still waiting for you 😊 Send me the MAC address or a screenshot of " +
		"the app's first screen whenever you're ready.",
	scheduler.DayOneFollowUp: "Hi! Your free trial ended yesterday. Did you enjoy it? Reply \"plans\" to see our prices and get " +
		"connected again today.",
	scheduler.DayThreeFollowUp: "Hi! 👋 We'd love to have you back. All our plans include every channel, movies and series. " +
		"Reply \"plans\" to see the options.",
	scheduler.DaySevenFinal: "Last message from us, we promise! If you ever want to subscribe, just reply here and we'll get " +
		"you set up in minutes. Have a great week! 🙌",
}

// FollowUpText renders the nudge for a follow-up type.
func FollowUpText(followUpType string, c *models.CustomerContext) string {
	text, ok := followUpTexts[followUpType]
	if !ok {
		return ""
	}
	if c != nil && c.Name != "" {
		text = strings.Replace(text, "Hi", "Hi "+c.Name, 1)
	}
	return text
}

// StreamURL derives the M3U playlist URL for a set of Xtream credentials.
func StreamURL(creds models.Credentials) string {
	if !creds.Complete() {
		return ""
	}
	q := url.Values{}
	q.Set("username", creds.Username)
	q.Set("password", creds.Password)
	q.Set("type", "m3u_plus")
	q.Set("output", "ts")
	return strings.TrimRight(creds.ServerURL, "/") + "/get.php?" + q.Encode()
}

func setupInstructions(device string) string {
	if text, ok := deviceInstructions[device]; ok {
		return text
	}
	return msgAskDevice
}

func helpFindingMAC(device string) string {
	if text, ok := macHelp[device]; ok {
		return text
	}
	return defaultMACHelp
}

// promptFor returns the templated question for a setup state.
func promptFor(c *models.CustomerContext) (string, bool) {
	switch c.State {
	case models.StateAwaitingDevice:
		return msgAskDevice, true
	case models.StateAwaitingMAC:
		return setupInstructions(c.Device), true
	case models.StateAwaitingContentPref:
		return msgAskContent, true
	case models.StateTrialPending:
		return msgTrialPending, true
	}
	return "", false
}

func trialActivatedMessage(c *models.CustomerContext) string {
	var b strings.Builder
	b.WriteString("Your free 24 hour trial is now active! 🎉\n\n")
	if c.Device == models.DeviceTiviMate {
		b.WriteString("Open TiviMate > Add playlist > Xtream Codes and enter:\n")
		fmt.Fprintf(&b, "Server: %s\nUsername: %s\nPassword: %s\n", c.Credentials.ServerURL, c.Credentials.Username, c.Credentials.Password)
	} else {
		b.WriteString("Please fully close the player app and open it again (on a Fire Stick or TV, restart the device). " +
			"The channels will load automatically.\n")
		if c.StreamURL != "" {
			fmt.Fprintf(&b, "\nIf your app asks for a playlist link, use:\n%s\n", c.StreamURL)
		}
	}
	b.WriteString("\nEnjoy, and message me here if anything doesn't work!")
	return b.String()
}

func subscriptionWelcomeMessage(c *models.CustomerContext, plan models.Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Welcome aboard! 🎉 Your %s subscription is now active", planLabel(plan))
	if c.ExpiresAt != nil {
		fmt.Fprintf(&b, " until %s", c.ExpiresAt.Format("2 January 2006"))
	}
	b.WriteString(".\n\n")
	fmt.Fprintf(&b, "Server: %s\nUsername: %s\nPassword: %s\n", c.Credentials.ServerURL, c.Credentials.Username, c.Credentials.Password)
	if c.StreamURL != "" && c.Device != models.DeviceTiviMate {
		fmt.Fprintf(&b, "Playlist link: %s\n", c.StreamURL)
	}
	b.WriteString("\nThank you for choosing us! If you're happy with the service, a quick review would mean a lot to us ⭐")
	return b.String()
}

func planLabel(p models.Plan) string {
	switch p {
	case models.PlanMonthly:
		return "monthly"
	case models.PlanYearly:
		return "yearly"
	case models.Plan2Years:
		return "2 year"
	case models.Plan3Years:
		return "3 year"
	case models.PlanLifetime:
		return "lifetime"
	}
	return string(p)
}

// stateBlock describes the customer for the free-form system prompt.
func stateBlock(c *models.CustomerContext) string {
	var b strings.Builder
	b.WriteString("\n\nCUSTOMER CONTEXT\n")
	fmt.Fprintf(&b, "Current state: %s\n", c.State)
	fields := c.Fields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == "phone" || k == "state" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 0 {
		b.WriteString("Known details:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, fields[k])
		}
	}
	if c.TrialExpiresAt != nil {
		fmt.Fprintf(&b, "Trial ends: %s\n", c.TrialExpiresAt.UTC().Format("2006-01-02 15:04 MST"))
	}
	if c.ExpiresAt != nil {
		fmt.Fprintf(&b, "Subscription ends: %s\n", c.ExpiresAt.UTC().Format("2006-01-02"))
	}
	if missing := c.MissingFields(); len(missing) > 0 && c.State.Rank() >= 0 && c.State.Rank() < models.StateTrialActive.Rank() {
		fmt.Fprintf(&b, "Still need: %s\n", strings.Join(missing, ", "))
	}
	if c.Language != "" && c.Language != "en" {
		fmt.Fprintf(&b, "Reply in the customer's language (%s).\n", c.Language)
	}
	return b.String()
}

func snippet(text string, max int) string {
	text = strings.TrimSpace(text)
	r := []rune(text)
	if len(r) <= max {
		return text
	}
	return string(r[:max]) + "…"
}
