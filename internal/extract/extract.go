// Package extract recognises funnel details in raw customer text.
//
// Every function is pure and case-insensitive. The results serve both as the
// fast path inside state handlers and as the first tier beneath the language
// model classifier (see Merge).
package extract

import (
	"regexp"
	"strings"

	"github.com/BTreeMap/SalesPipe/internal/models"
)

var (
	macSeparatedRegex = regexp.MustCompile(`(?i)\b[0-9a-f]{2}(?:[:-][0-9a-f]{2}){5}\b`)
	macBareRegex      = regexp.MustCompile(`(?i)\b[0-9a-f]{12}\b`)
	// Device keys are shown as a run of digits by most player apps.
	deviceKeyRegex = regexp.MustCompile(`\b\d{6,10}\b`)
)

type keyword struct {
	word  string
	value string
}

// Order matters: the first keyword found wins.
var deviceKeywords = []keyword{
	{"tivimate", models.DeviceTiviMate},
	{"firestick", models.DeviceFirestick},
	{"fire stick", models.DeviceFirestick},
	{"fire", models.DeviceFirestick},
	{"amazon", models.DeviceFirestick},
	{"phone", models.DeviceAndroidPhone},
	{"mobile", models.DeviceAndroidPhone},
	{"tablet", models.DeviceAndroidPhone},
	{"smart tv", models.DeviceSmartTV},
	{"smarttv", models.DeviceSmartTV},
	{"samsung", models.DeviceSmartTV},
	{"lg", models.DeviceSmartTV},
	{"sony", models.DeviceSmartTV},
	{"hisense", models.DeviceSmartTV},
	{"tcl", models.DeviceSmartTV},
	{"philips", models.DeviceSmartTV},
	{"xiaomi", models.DeviceAndroidBox},
	{"box", models.DeviceAndroidBox},
}

var contentKeywords = []keyword{
	{"english", models.ContentEnglish},
	{"uk", models.ContentEnglish},
	{"irish", models.ContentEnglish},
	{"ireland", models.ContentEnglish},
	{"european", models.ContentEurope},
	{"europe", models.ContentEurope},
	{"worldwide", models.ContentWorldwide},
	{"world", models.ContentWorldwide},
	{"everything", models.ContentWorldwide},
	{"all", models.ContentWorldwide},
}

var planKeywords = []keyword{
	{"lifetime", string(models.PlanLifetime)},
	{"3 year", string(models.Plan3Years)},
	{"3-year", string(models.Plan3Years)},
	{"3years", string(models.Plan3Years)},
	{"three year", string(models.Plan3Years)},
	{"2 year", string(models.Plan2Years)},
	{"2-year", string(models.Plan2Years)},
	{"2years", string(models.Plan2Years)},
	{"two year", string(models.Plan2Years)},
	{"yearly", string(models.PlanYearly)},
	{"annual", string(models.PlanYearly)},
	{"1 year", string(models.PlanYearly)},
	{"12 month", string(models.PlanYearly)},
	{"monthly", string(models.PlanMonthly)},
	{"1 month", string(models.PlanMonthly)},
	{"one month", string(models.PlanMonthly)},
}

var paymentMethodKeywords = []keyword{
	{"revolut", models.PaymentRevolut},
	{"iban", models.PaymentRevolut},
	{"bank", models.PaymentRevolut},
	{"paypal", models.PaymentPayPal},
}

var paymentConfirmationPhrases = []string{
	"paid", "sent", "payment", "transferred", "receipt", "done", "money sent", "just paid",
}

var escalationKeywords = []string{
	"refund", "scam", "manager", "real person", "complaint", "fraud", "speak to someone",
}

var purchaseKeywords = []string{
	"price", "pricing", "cost", "how much", "subscribe", "buy", "purchase", "yes",
}

var adultKeywords = []string{"adult", "xxx", "18+"}

var affirmativeWords = []string{
	"yes", "yeah", "yep", "yup", "correct", "right", "that's it", "thats it", "confirm", "ok", "okay", "sure", "👍",
}

var negativeWords = []string{
	"no", "nope", "wrong", "incorrect", "not right", "not it",
}

// ExtractMAC returns the first MAC-address-like token, uppercased, or "".
func ExtractMAC(text string) string {
	if m := macSeparatedRegex.FindString(text); m != "" {
		return strings.ToUpper(m)
	}
	if m := macBareRegex.FindString(text); m != "" {
		return strings.ToUpper(m)
	}
	return ""
}

// ExtractDeviceKey returns the first device-key-shaped digit run, or "".
func ExtractDeviceKey(text string) string {
	return deviceKeyRegex.FindString(text)
}

// MentionsDeviceKey reports whether the customer refers to a device key or code.
func MentionsDeviceKey(text string) bool {
	lower := strings.ToLower(text)
	return containsWholeWord(lower, "key") || containsWholeWord(lower, "code")
}

// ExtractDevice maps device keywords to a device identifier, or "".
func ExtractDevice(text string) string {
	lower := strings.ToLower(text)
	for _, k := range deviceKeywords {
		if containsWord(lower, k.word) {
			return k.value
		}
	}
	return ""
}

// MentionsTiviMate reports whether the customer mentions the TiviMate player.
func MentionsTiviMate(text string) bool {
	return strings.Contains(strings.ToLower(text), "tivimate")
}

// ExtractContentPreference maps region keywords to a content preference, or "".
func ExtractContentPreference(text string) string {
	lower := strings.ToLower(text)
	for _, k := range contentKeywords {
		if containsWord(lower, k.word) {
			return k.value
		}
	}
	return ""
}

// ExtractPlan maps plan keywords to a plan name, or "".
func ExtractPlan(text string) string {
	lower := strings.ToLower(text)
	for _, k := range planKeywords {
		if strings.Contains(lower, k.word) {
			return k.value
		}
	}
	return ""
}

// ExtractPaymentMethod maps payment keywords to a payment method, or "".
func ExtractPaymentMethod(text string) string {
	lower := strings.ToLower(text)
	for _, k := range paymentMethodKeywords {
		if strings.Contains(lower, k.word) {
			return k.value
		}
	}
	return ""
}

// IsPaymentConfirmation reports whether the text reads like "I have paid".
// Phrases match whole words, so "present" does not count as "sent".
func IsPaymentConfirmation(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range paymentConfirmationPhrases {
		if containsWholeWord(lower, p) {
			return true
		}
	}
	return false
}

// HasEscalationKeyword reports whether the text contains a complaint keyword.
func HasEscalationKeyword(text string) bool {
	return containsAny(strings.ToLower(text), escalationKeywords)
}

// WantsToBuy reports whether the text asks about price or buying.
func WantsToBuy(text string) bool {
	lower := strings.ToLower(text)
	for _, k := range purchaseKeywords {
		if containsWord(lower, k) {
			return true
		}
	}
	return false
}

// HasAdultKeyword reports whether the customer asked for adult channels.
func HasAdultKeyword(text string) bool {
	return containsAny(strings.ToLower(text), adultKeywords)
}

// IsAffirmative reports whether a short reply confirms something.
func IsAffirmative(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	if IsNegative(lower) {
		return false
	}
	for _, w := range affirmativeWords {
		if containsWord(lower, w) {
			return true
		}
	}
	return false
}

// IsNegative reports whether a short reply rejects something.
func IsNegative(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	for _, w := range negativeWords {
		if containsWord(lower, w) {
			return true
		}
	}
	return false
}

// FromText builds the heuristic entity tier for a message.
func FromText(text string) models.Entities {
	e := models.Entities{
		Device:            ExtractDevice(text),
		PlanInterest:      ExtractPlan(text),
		ContentPreference: ExtractContentPreference(text),
		MACAddress:        ExtractMAC(text),
		PaymentMethod:     ExtractPaymentMethod(text),
	}
	if e.MACAddress == "" && MentionsDeviceKey(text) {
		e.DeviceKey = ExtractDeviceKey(text)
	}
	return e
}

func containsAny(lower string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// containsWholeWord reports whether word occurs in lower with a boundary on both sides.
func containsWholeWord(lower, word string) bool {
	start := 0
	for {
		idx := strings.Index(lower[start:], word)
		if idx < 0 {
			return false
		}
		idx += start
		if isBoundary(lower, idx-1) && isBoundary(lower, idx+len(word)) {
			return true
		}
		start = idx + 1
	}
}

// containsWord matches short keywords on word boundaries so "lg" does not
// match "english" and "all" does not match "call". Multi-word keywords fall
// back to substring search.
func containsWord(lower, word string) bool {
	if len(word) > 4 || strings.ContainsAny(word, " -") {
		return strings.Contains(lower, word)
	}
	return containsWholeWord(lower, word)
}

func isBoundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	c := s[i]
	return !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9')
}
