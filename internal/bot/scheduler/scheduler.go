// Package scheduler implements spec §4.F: a 60s subscription sweep plus a
// 5-minute maintenance prune, both declared as cron jobs in the same
// declarative style aristath-sentinel's internal/scheduler package uses
// robfig/cron/v3 for its own background jobs.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"botplatform/internal/bot/botlib"
)

// ExecutionQueue hands a due subscription off to the worker pool that
// actually runs RunCycle. The scheduler only enqueues; it never executes a
// cycle itself.
type ExecutionQueue interface {
	Enqueue(ctx context.Context, subscriptionID int64, delay time.Duration) error
}

// SubscriptionStore is the subset of store.Store the scheduler needs.
type SubscriptionStore interface {
	DueSubscriptions(ctx context.Context, now time.Time) ([]botlib.Subscription, error)
	SweepableSubscriptions(ctx context.Context) ([]botlib.Subscription, error)
	SetSubscriptionStatus(ctx context.Context, id int64, status botlib.SubscriptionStatus) error
	PruneActionLogs(ctx context.Context, retention time.Duration) (int64, error)
}

const (
	sweepEnqueueDelay = 5 * time.Second
	sweepSchedule     = "@every 60s"
	maintSchedule     = "@every 5m"
)

// Scheduler drives the sweep and maintenance jobs on their own cron
// schedules and is itself stateless: every sweep recomputes what's due from
// next_run_at, so a restart never double-fires or loses a run.
type Scheduler struct {
	cron             *cron.Cron
	store            SubscriptionStore
	queue            ExecutionQueue
	logger           botlib.Logger
	actionLogRetention time.Duration
}

func New(store SubscriptionStore, queue ExecutionQueue, logger botlib.Logger, actionLogRetention time.Duration) *Scheduler {
	return &Scheduler{
		cron:               cron.New(cron.WithSeconds()),
		store:              store,
		queue:              queue,
		logger:             logger.WithField("component", "scheduler"),
		actionLogRetention: actionLogRetention,
	}
}

// Start registers both jobs and performs the cold-start immediate sweep
// spec §4.F requires, then starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(sweepSchedule, func() { s.runSweep(context.Background()) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(maintSchedule, func() { s.runMaintenance(context.Background()) }); err != nil {
		return err
	}

	s.logger.Info("performing cold-start sweep")
	s.runSweep(ctx)

	s.cron.Start()
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) Stop() error {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("scheduler stopped")
	return nil
}

// runSweep implements spec §4.F's per-tick contract: expire trial/paid
// subscriptions past their window, enqueue everything else that's due.
// Subscriptions in PAUSED are swept for expiry only, never enqueued.
func (s *Scheduler) runSweep(ctx context.Context) {
	now := time.Now()

	subs, err := s.store.SweepableSubscriptions(ctx)
	if err != nil {
		s.logger.Error("sweep: list subscriptions failed", "error", err)
		return
	}

	var expired, enqueued int
	for _, sub := range subs {
		if s.expireIfPast(ctx, sub, now) {
			expired++
			continue
		}
		if sub.Status != botlib.SubscriptionActive {
			continue
		}
		if sub.NextRunAt != nil && sub.NextRunAt.After(now) {
			continue
		}
		if err := s.queue.Enqueue(ctx, sub.ID, sweepEnqueueDelay); err != nil {
			s.logger.Error("sweep: enqueue failed", "subscription_id", sub.ID, "error", err)
			continue
		}
		enqueued++
	}

	s.logger.Debug("sweep complete", "considered", len(subs), "enqueued", enqueued, "expired", expired)
}

// expireIfPast transitions a subscription whose window has lapsed and
// reports whether it did so, per spec §4.F's expiry rule.
func (s *Scheduler) expireIfPast(ctx context.Context, sub botlib.Subscription, now time.Time) bool {
	if sub.IsTrial {
		if sub.TrialExpiresAt != nil && sub.TrialExpiresAt.Before(now) {
			if err := s.store.SetSubscriptionStatus(ctx, sub.ID, botlib.SubscriptionExpired); err != nil {
				s.logger.Error("sweep: expire trial failed", "subscription_id", sub.ID, "error", err)
				return false
			}
			return true
		}
		return false
	}
	if sub.ExpiresAt != nil && sub.ExpiresAt.Before(now) {
		if err := s.store.SetSubscriptionStatus(ctx, sub.ID, botlib.SubscriptionCancelled); err != nil {
			s.logger.Error("sweep: cancel expired subscription failed", "subscription_id", sub.ID, "error", err)
			return false
		}
		return true
	}
	return false
}

// runMaintenance implements spec §4.F's 5-minute ActionLog retention prune.
func (s *Scheduler) runMaintenance(ctx context.Context) {
	removed, err := s.store.PruneActionLogs(ctx, s.actionLogRetention)
	if err != nil {
		s.logger.Error("maintenance: prune action logs failed", "error", err)
		return
	}
	s.logger.Debug("maintenance complete", "removed", removed)
}
