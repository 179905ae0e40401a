// Package models defines the conversation state and customer records for SalesPipe.
package models

import "fmt"

// State is a customer's position in the sales funnel.
type State string

const (
	StateNew                 State = "new"
	StateAwaitingDevice      State = "awaiting_device"
	StateAwaitingMAC         State = "awaiting_mac"
	StateAwaitingContentPref State = "awaiting_content_pref"
	StateTrialPending        State = "trial_pending"
	StateTrialActive         State = "trial_active"
	StateTrialExpired        State = "trial_expired"
	StateAwaitingPayment     State = "awaiting_payment"
	StatePaymentPending      State = "payment_pending"
	StateActiveSubscriber    State = "active_subscriber"
	// StateChurned is only ever set by an admin.
	StateChurned State = "churned"
	// StateNeedsHuman is sticky until an admin moves the customer elsewhere.
	StateNeedsHuman State = "needs_human"
)

// funnelRank orders the forward funnel. churned and needs_human are outside it.
var funnelRank = map[State]int{
	StateNew:                 0,
	StateAwaitingDevice:      1,
	StateAwaitingMAC:         2,
	StateAwaitingContentPref: 3,
	StateTrialPending:        4,
	StateTrialActive:         5,
	StateTrialExpired:        6,
	StateAwaitingPayment:     7,
	StatePaymentPending:      8,
	StateActiveSubscriber:    9,
}

// adminOwned lists states automatic inference must never leave.
var adminOwned = map[State]bool{
	StateTrialActive:      true,
	StateTrialExpired:     true,
	StateAwaitingPayment:  true,
	StatePaymentPending:   true,
	StateActiveSubscriber: true,
	StateNeedsHuman:       true,
}

// AllStates returns every known state in funnel order followed by the off-funnel states.
func AllStates() []State {
	return []State{
		StateNew, StateAwaitingDevice, StateAwaitingMAC, StateAwaitingContentPref,
		StateTrialPending, StateTrialActive, StateTrialExpired, StateAwaitingPayment,
		StatePaymentPending, StateActiveSubscriber, StateChurned, StateNeedsHuman,
	}
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	if _, ok := funnelRank[s]; ok {
		return true
	}
	return s == StateChurned || s == StateNeedsHuman
}

// IsAdminOwned reports whether only an explicit admin action may move a customer out of s.
func (s State) IsAdminOwned() bool {
	return adminOwned[s]
}

// Rank returns the funnel position of s, or -1 when s is outside the funnel.
func (s State) Rank() int {
	if r, ok := funnelRank[s]; ok {
		return r
	}
	return -1
}

// Before reports whether s sits strictly earlier in the funnel than other.
// Off-funnel states are never before anything.
func (s State) Before(other State) bool {
	a, b := s.Rank(), other.Rank()
	return a >= 0 && b >= 0 && a < b
}

// ParseState converts a raw string into a State.
func ParseState(raw string) (State, error) {
	s := State(raw)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidState, raw)
	}
	return s, nil
}
