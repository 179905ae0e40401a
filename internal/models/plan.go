package models

import (
	"fmt"
	"strings"
	"time"
)

// Plan is a subscription length offered for sale.
type Plan string

const (
	PlanMonthly  Plan = "monthly"
	PlanYearly   Plan = "yearly"
	Plan2Years   Plan = "2years"
	Plan3Years   Plan = "3years"
	PlanLifetime Plan = "lifetime"
)

// planMonths maps each plan to the number of months it grants.
// Yearly and multi-year plans include bonus months.
var planMonths = map[Plan]int{
	PlanMonthly:  1,
	PlanYearly:   14,
	Plan2Years:   28,
	Plan3Years:   36,
	PlanLifetime: 72,
}

// ParsePlan validates a plan name.
func ParsePlan(raw string) (Plan, error) {
	p := Plan(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := planMonths[p]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidPlan, raw)
	}
	return p, nil
}

// ExpiresAt returns the subscription expiry for a plan started at t.
func (p Plan) ExpiresAt(t time.Time) time.Time {
	if p == PlanLifetime {
		return t.AddDate(6, 0, 0)
	}
	return t.AddDate(0, planMonths[p], 0)
}
