package scheduler

import (
	"sort"
	"time"

	"github.com/BTreeMap/SalesPipe/internal/models"
)

// Follow-up types.
const (
	TrialEighteenHours    = "trial_18h"
	TrialTwentyThreeHours = "trial_23h"
	GhosterFourHours      = "ghoster_4h"
	GhosterNextDay        = "ghoster_nextday"
	DayOneFollowUp        = "day1_followup"
	DayThreeFollowUp      = "day3_followup"
	DaySevenFinal         = "day7_final"
)

const day = 24 * time.Hour

type followUpStep struct {
	series string
	step   int
}

var followUpSteps = map[string]followUpStep{
	TrialEighteenHours:    {"trial", 1},
	TrialTwentyThreeHours: {"trial", 2},
	GhosterFourHours:      {"ghoster", 1},
	GhosterNextDay:        {"ghoster", 2},
	DayOneFollowUp:        {"expired", 1},
	DayThreeFollowUp:      {"expired", 2},
	DaySevenFinal:         {"expired", 3},
}

// passed reports whether c's last follow-up is typ or a later step of the same series.
// The counter alone cannot tell, since trial activation resets it.
func passed(c *models.CustomerContext, typ string) bool {
	last, ok := followUpSteps[c.LastFollowUpType]
	if !ok {
		return false
	}
	cur := followUpSteps[typ]
	return last.series == cur.series && last.step >= cur.step
}

// Due is a follow-up that should be sent to a customer.
type Due struct {
	Phone  string    `json:"phone"`
	Type   string    `json:"type"`
	SendAt time.Time `json:"send_at"`
}

// DueFollowUp returns the next follow-up for c, if any. The returned SendAt may
// lie in the future; callers compare it with now before sending.
func DueFollowUp(c *models.CustomerContext, now time.Time) (Due, bool) {
	if c == nil {
		return Due{}, false
	}
	sent := c.FollowUpsSent
	switch c.State {
	case models.StateTrialActive:
		if c.TrialStartedAt == nil {
			return Due{}, false
		}
		start := *c.TrialStartedAt
		elapsed := now.Sub(start)
		switch {
		case sent == 0 && elapsed < 23*time.Hour && !passed(c, TrialEighteenHours):
			return Due{Phone: c.Phone, Type: TrialEighteenHours, SendAt: start.Add(18 * time.Hour)}, true
		case sent <= 1 && elapsed < day && !passed(c, TrialTwentyThreeHours):
			return Due{Phone: c.Phone, Type: TrialTwentyThreeHours, SendAt: start.Add(23 * time.Hour)}, true
		}

	case models.StateAwaitingMAC:
		if c.LastMessageAt == nil {
			return Due{}, false
		}
		idle := now.Sub(*c.LastMessageAt)
		switch {
		case idle >= 4*time.Hour && sent == 0 && !passed(c, GhosterFourHours):
			return Due{Phone: c.Phone, Type: GhosterFourHours, SendAt: now}, true
		case idle >= day && sent == 1 && !passed(c, GhosterNextDay):
			return Due{Phone: c.Phone, Type: GhosterNextDay, SendAt: now}, true
		}

	case models.StateTrialExpired:
		if c.TrialExpiresAt == nil {
			return Due{}, false
		}
		expired := *c.TrialExpiresAt
		since := now.Sub(expired)
		switch {
		case since >= day && sent <= 2 && !passed(c, DayOneFollowUp):
			return Due{Phone: c.Phone, Type: DayOneFollowUp, SendAt: expired.Add(day)}, true
		case since >= 3*day && sent <= 3 && !passed(c, DayThreeFollowUp):
			return Due{Phone: c.Phone, Type: DayThreeFollowUp, SendAt: expired.Add(3 * day)}, true
		case since >= 7*day && sent <= 4 && !passed(c, DaySevenFinal):
			return Due{Phone: c.Phone, Type: DaySevenFinal, SendAt: expired.Add(7 * day)}, true
		}
	}
	return Due{}, false
}

// Sweep returns every follow-up in contexts whose send time has been reached, ordered by phone.
func Sweep(contexts []*models.CustomerContext, now time.Time) []Due {
	var due []Due
	for _, c := range contexts {
		d, ok := DueFollowUp(c, now)
		if !ok || d.SendAt.After(now) {
			continue
		}
		due = append(due, d)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Phone < due[j].Phone })
	return due
}
