package extract

import (
	"strings"

	"github.com/BTreeMap/SalesPipe/internal/models"
)

// Merge fills still-empty setup fields on c from the two extraction tiers.
//
// Values already on the context are never overwritten. The heuristic tier is
// applied first; classifier values only fill what is still empty and are
// ignored when blank or a placeholder such as "none" or "null". It returns the
// names of the fields it filled.
func Merge(c *models.CustomerContext, heuristic, classified models.Entities) []string {
	var filled []string
	fill := func(name string, dst *string, candidates ...string) {
		if *dst != "" {
			return
		}
		for _, v := range candidates {
			if usable(v) {
				*dst = strings.TrimSpace(v)
				filled = append(filled, name)
				return
			}
		}
	}

	fill("device", &c.Device, heuristic.Device, normaliseDevice(classified.Device))
	fill("mac_address", &c.MACAddress, heuristic.MACAddress, strings.ToUpper(classified.MACAddress))
	fill("device_key", &c.DeviceKey, heuristic.DeviceKey, classified.DeviceKey)
	fill("content_preference", &c.ContentPreference, heuristic.ContentPreference, normaliseContent(classified.ContentPreference))
	fill("payment_method", &c.PaymentMethod, heuristic.PaymentMethod, normaliseMethod(classified.PaymentMethod))
	fill("plan_interest", &c.PlanInterest, heuristic.PlanInterest, normalisePlan(classified.PlanInterest))
	return filled
}

func usable(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "none", "null", "nil", "unknown", "n/a":
		return false
	}
	return true
}

// The classifier may answer in free text; run it back through the keyword
// tables so stored values stay in the canonical vocabulary.
func normaliseDevice(v string) string {
	if !usable(v) {
		return ""
	}
	if d := ExtractDevice(v); d != "" {
		return d
	}
	return strings.ToLower(strings.TrimSpace(v))
}

func normaliseContent(v string) string {
	if !usable(v) {
		return ""
	}
	if p := ExtractContentPreference(v); p != "" {
		return p
	}
	return strings.ToLower(strings.TrimSpace(v))
}

func normaliseMethod(v string) string {
	if !usable(v) {
		return ""
	}
	if m := ExtractPaymentMethod(v); m != "" {
		return m
	}
	return strings.ToLower(strings.TrimSpace(v))
}

func normalisePlan(v string) string {
	if !usable(v) {
		return ""
	}
	if p, err := models.ParsePlan(v); err == nil {
		return string(p)
	}
	return ExtractPlan(v)
}
