package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/SalesPipe/internal/models"
	"github.com/BTreeMap/SalesPipe/internal/scheduler"
)

// TrialDuration is the length of a free trial.
const TrialDuration = 24 * time.Hour

// errUnchanged aborts a store update without writing.
var errUnchanged = errors.New("unchanged")

// ActivateTrial starts a customer's free trial with admin-issued credentials.
// Input is assumed validated by the caller.
func (e *Engine) ActivateTrial(ctx context.Context, phone string, creds models.Credentials) (*Result, error) {
	now := e.clock()
	var before models.State
	updated, err := e.store.Update(ctx, phone, func(c *models.CustomerContext) error {
		before = c.State
		c.State = models.StateTrialActive
		c.TrialStartedAt = models.TimePtr(now)
		c.TrialExpiresAt = models.TimePtr(now.Add(TrialDuration))
		c.Credentials = creds
		c.StreamURL = StreamURL(creds)
		c.FollowUpsSent = 0
		c.LastFollowUpType = ""
		c.NeedsHuman = false
		c.EscalationReason = ""
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("activate trial for %s: %w", phone, err)
	}

	reply := trialActivatedMessage(updated)
	e.RecordAssistant(ctx, phone, reply, "activate_trial")
	slog.Info("Engine trial activated", "phone", phone, "from", before, "expires_at", updated.TrialExpiresAt)
	return &Result{Reply: reply, State: updated.State, PreviousState: before, Context: updated}, nil
}

// ActivateSubscription turns a customer into a paying subscriber for plan.
// Input is assumed validated by the caller.
func (e *Engine) ActivateSubscription(ctx context.Context, phone string, plan models.Plan, creds models.Credentials) (*Result, error) {
	now := e.clock()
	var before models.State
	updated, err := e.store.Update(ctx, phone, func(c *models.CustomerContext) error {
		before = c.State
		c.State = models.StateActiveSubscriber
		c.PlanInterest = string(plan)
		c.SubscribedAt = models.TimePtr(now)
		c.ExpiresAt = models.TimePtr(plan.ExpiresAt(now))
		c.PaymentPending = false
		c.Credentials = creds
		c.StreamURL = StreamURL(creds)
		c.NeedsHuman = false
		c.EscalationReason = ""
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("activate subscription for %s: %w", phone, err)
	}

	reply := subscriptionWelcomeMessage(updated, plan)
	e.RecordAssistant(ctx, phone, reply, "activate_subscription")
	slog.Info("Engine subscription activated", "phone", phone, "plan", plan, "expires_at", updated.ExpiresAt)
	return &Result{Reply: reply, State: updated.State, PreviousState: before, Context: updated}, nil
}

// SetState moves a customer to any state. It is how an admin resolves needs_human
// or marks a customer churned.
func (e *Engine) SetState(ctx context.Context, phone string, state models.State, reason string) (*Result, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidState, state)
	}
	var before models.State
	updated, err := e.store.Update(ctx, phone, func(c *models.CustomerContext) error {
		before = c.State
		c.State = state
		c.NeedsHuman = state == models.StateNeedsHuman
		if c.NeedsHuman {
			c.EscalationReason = reason
		} else {
			c.EscalationReason = ""
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("set state for %s: %w", phone, err)
	}
	slog.Info("Engine state set by admin", "phone", phone, "from", before, "to", state, "reason", reason)
	return &Result{State: updated.State, PreviousState: before, Context: updated}, nil
}

// ExpireTrial moves a trial_active customer whose trial has ended into trial_expired.
// It reports whether the context changed.
func (e *Engine) ExpireTrial(ctx context.Context, phone string, now time.Time) (bool, error) {
	_, err := e.store.Update(ctx, phone, func(c *models.CustomerContext) error {
		if c.State != models.StateTrialActive || c.TrialExpiresAt == nil || now.Before(*c.TrialExpiresAt) {
			return errUnchanged
		}
		c.State = models.StateTrialExpired
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("expire trial for %s: %w", phone, err)
	}
	slog.Info("Engine trial expired", "phone", phone)
	return true, nil
}

// ClaimFollowUp re-checks under the context lock that followUpType is still due,
// bumps the follow-up counter and returns the text to send. Claiming before
// sending makes delivery at-most-once.
func (e *Engine) ClaimFollowUp(ctx context.Context, phone, followUpType string, now time.Time) (string, bool, error) {
	var text string
	_, err := e.store.Update(ctx, phone, func(c *models.CustomerContext) error {
		due, ok := scheduler.DueFollowUp(c, now)
		if !ok || due.Type != followUpType || due.SendAt.After(now) {
			return errUnchanged
		}
		text = FollowUpText(followUpType, c)
		if text == "" {
			return errUnchanged
		}
		c.FollowUpsSent++
		c.LastFollowUpType = followUpType
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("claim follow-up %s for %s: %w", followUpType, phone, err)
	}
	e.RecordAssistant(ctx, phone, text, followUpType)
	return text, true, nil
}
