package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	// runLockKey guards the reminder batch: the cron tick and the HTTP
	// trigger share one lock so two runs never overlap.
	runLockKey = "reminders:run-lock"

	// runLockTTL bounds how long a crashed run can hold the lock.
	runLockTTL = 2 * time.Minute
)

// ErrRunInProgress indicates another reminder batch currently holds the lock.
var ErrRunInProgress = errors.New("a reminder run is already in progress")

// RunLock provides mutual exclusion for reminder batch runs using
// SET NX with a TTL.
type RunLock struct {
	client *Client
	logger *zap.Logger
}

// NewRunLock creates a new run lock service.
func NewRunLock(client *Client, logger *zap.Logger) *RunLock {
	return &RunLock{
		client: client,
		logger: logger,
	}
}

// Acquire takes the lock or returns ErrRunInProgress if it is held.
func (l *RunLock) Acquire(ctx context.Context) error {
	set, err := l.client.rdb.SetNX(ctx, runLockKey, "held", runLockTTL).Result()
	if err != nil {
		return fmt.Errorf("redis setnx failed: %w", err)
	}
	if !set {
		return ErrRunInProgress
	}
	return nil
}

// Release frees the lock. Safe to call even if the TTL already expired.
func (l *RunLock) Release(ctx context.Context) {
	if err := l.client.rdb.Del(ctx, runLockKey).Err(); err != nil {
		l.logger.Warn("failed to release run lock", zap.Error(err))
	}
}
