// Package scheduler runs the reminder batch once per minute.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/subtrackhq/subtrack/internal/db"
	"github.com/subtrackhq/subtrack/internal/metrics"
	"github.com/subtrackhq/subtrack/internal/redis"
	"github.com/subtrackhq/subtrack/internal/reminder"
)

// Store fetches the batch input.
type Store interface {
	ListUpcoming(ctx context.Context, today string) ([]*db.Subscription, error)
}

// Dispatcher runs one batch.
type Dispatcher interface {
	RunBatch(ctx context.Context, subs []*db.Subscription) reminder.Summary
}

// Scheduler fires the reminder batch every minute. Eligibility matches
// the configured reminder time to the exact minute, so anything coarser
// than a per-minute tick would silently skip reminders.
type Scheduler struct {
	store      Store
	dispatcher Dispatcher
	runLock    *redis.RunLock // nil if Redis not configured
	logger     *zap.Logger
	cron       *cron.Cron
}

// New creates a scheduler. runLock may be nil.
func New(store Store, dispatcher Dispatcher, runLock *redis.RunLock, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		runLock:    runLock,
		logger:     logger,
		cron:       cron.New(),
	}
}

// Start runs the per-minute cron until ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc("* * * * *", func() { s.tick(ctx) })
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("reminder scheduler started")

	<-ctx.Done()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("reminder scheduler stopped")
	return nil
}

// tick performs one scheduling cycle: lock, fetch, dispatch.
func (s *Scheduler) tick(ctx context.Context) {
	if s.runLock != nil {
		err := s.runLock.Acquire(ctx)
		switch {
		case errors.Is(err, redis.ErrRunInProgress):
			s.logger.Info("skipping tick, reminder run already in progress")
			return
		case err != nil:
			s.logger.Warn("run lock unavailable, proceeding without it", zap.Error(err))
		default:
			defer s.runLock.Release(ctx)
		}
	}

	s.runTick(ctx)
}

func (s *Scheduler) runTick(ctx context.Context) {
	today := time.Now().Format("2006-01-02")
	subs, err := s.store.ListUpcoming(ctx, today)
	if err != nil {
		s.logger.Error("failed to fetch upcoming subscriptions", zap.Error(err))
		return
	}
	if len(subs) == 0 {
		return
	}

	summary := s.dispatcher.RunBatch(ctx, subs)
	metrics.RecordBatchRun()

	if summary.Sent > 0 || summary.Failed > 0 {
		s.logger.Info("scheduled reminder run",
			zap.Int("total", summary.Total),
			zap.Int("sent", summary.Sent),
			zap.Int("failed", summary.Failed),
			zap.Int("skipped", summary.Skipped),
		)
	}
}
