package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/SalesPipe/internal/metrics"
	"github.com/BTreeMap/SalesPipe/internal/models"
)

// ContextLister provides the snapshot the sweep runs over.
type ContextLister interface {
	All(ctx context.Context) ([]*models.CustomerContext, error)
}

// FollowUpClaimer performs the state changes a sweep needs. ClaimFollowUp must
// re-check due-ness atomically and bump the follow-up counter before returning the text.
type FollowUpClaimer interface {
	ExpireTrial(ctx context.Context, phone string, now time.Time) (bool, error)
	ClaimFollowUp(ctx context.Context, phone, followUpType string, now time.Time) (string, bool, error)
}

// Sender delivers a follow-up message to a customer.
type Sender interface {
	SendMessage(ctx context.Context, to, body string) (string, error)
}

// SweepStats summarises one sweep.
type SweepStats struct {
	Expired int
	Sent    int
	Failed  int
}

// SweeperOpts holds configuration for a Sweeper.
type SweeperOpts struct {
	Schedule string
	Clock    func() time.Time
	Metrics  *metrics.Metrics
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*SweeperOpts)

// WithSchedule sets the cron expression the sweep runs on.
func WithSchedule(expr string) SweeperOption {
	return func(o *SweeperOpts) { o.Schedule = expr }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) SweeperOption {
	return func(o *SweeperOpts) { o.Clock = clock }
}

// WithMetrics records follow-up delivery counters.
func WithMetrics(m *metrics.Metrics) SweeperOption {
	return func(o *SweeperOpts) { o.Metrics = m }
}

// Sweeper periodically expires finished trials and sends due follow-ups.
type Sweeper struct {
	contexts ContextLister
	claimer  FollowUpClaimer
	sender   Sender
	schedule string
	clock    func() time.Time
	metrics  *metrics.Metrics
	sched    *Scheduler
}

// NewSweeper creates a sweeper. It does nothing until Start or RunOnce is called.
func NewSweeper(contexts ContextLister, claimer FollowUpClaimer, sender Sender, opts ...SweeperOption) *Sweeper {
	cfg := SweeperOpts{Schedule: DefaultSchedule, Clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Sweeper{
		contexts: contexts,
		claimer:  claimer,
		sender:   sender,
		schedule: cfg.Schedule,
		clock:    cfg.Clock,
		metrics:  cfg.Metrics,
	}
}

// Start registers the sweep on the cron schedule. The sweep stops when ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	s.sched = NewScheduler()
	if err := s.sched.AddJob(s.schedule, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.RunOnce(ctx); err != nil {
			slog.Error("Sweeper run failed", "error", err)
		}
	}); err != nil {
		s.sched.Stop()
		return fmt.Errorf("invalid follow-up schedule %q: %w", s.schedule, err)
	}
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	slog.Info("Sweeper started", "schedule", s.schedule)
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep.
func (s *Sweeper) Stop() {
	if s.sched != nil {
		s.sched.Stop()
	}
}

// RunOnce performs a single sweep. Each customer is handled independently, so
// one failed send never blocks the others.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	now := s.clock()

	contexts, err := s.contexts.All(ctx)
	if err != nil {
		return stats, fmt.Errorf("list contexts: %w", err)
	}

	for _, c := range contexts {
		if c.State != models.StateTrialActive || c.TrialExpiresAt == nil || now.Before(*c.TrialExpiresAt) {
			continue
		}
		expired, err := s.claimer.ExpireTrial(ctx, c.Phone, now)
		if err != nil {
			slog.Error("Sweeper failed to expire trial", "phone", c.Phone, "error", err)
			continue
		}
		if expired {
			stats.Expired++
		}
	}
	if stats.Expired > 0 {
		if contexts, err = s.contexts.All(ctx); err != nil {
			return stats, fmt.Errorf("list contexts: %w", err)
		}
	}

	for _, due := range Sweep(contexts, now) {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		text, claimed, err := s.claimer.ClaimFollowUp(ctx, due.Phone, due.Type, now)
		if err != nil {
			slog.Error("Sweeper failed to claim follow-up", "phone", due.Phone, "type", due.Type, "error", err)
			stats.Failed++
			continue
		}
		if !claimed {
			slog.Debug("Sweeper follow-up no longer due", "phone", due.Phone, "type", due.Type)
			continue
		}
		_, err = s.sender.SendMessage(ctx, due.Phone, text)
		s.metrics.ObserveFollowUp(due.Type, err)
		if err != nil {
			slog.Error("Sweeper failed to send follow-up", "phone", due.Phone, "type", due.Type, "error", err)
			stats.Failed++
			continue
		}
		slog.Info("Sweeper sent follow-up", "phone", due.Phone, "type", due.Type)
		stats.Sent++
	}
	return stats, nil
}
