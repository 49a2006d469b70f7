package utils

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/nesting_backend/config"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

// ErrLockHeld means another instance holds the lock right now.
var ErrLockHeld = errors.New("lock held by another instance")

// TryLock takes a best-effort redislock on key. Without Redis, or when Redis errors, the caller
// proceeds unlocked and TryLock returns a no-op release. Only a lock actively held elsewhere
// is reported, as ErrLockHeld.
func TryLock(ctx context.Context, locker *redislock.Client, key string, ttl time.Duration, moduleName, functionName string) (func(), error) {
	noop := func() {}
	logger := config.GetLogger()
	if locker == nil {
		logger.WithFields(logrus.Fields{
			"field":    moduleName,
			"function": functionName,
			"lock_key": key,
		}).Debug("redis lock not configured; proceeding without lock")
		return noop, nil
	}

	lock, err := locker.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return noop, ErrLockHeld
	}
	if err != nil {
		config.LogError(logger, moduleName, functionName, "Error obtaining lock; proceeding without lock", key, err)
		return noop, nil
	}
	return func() {
		// Release with a fresh context: the caller's ctx may already be cancelled.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lock.Release(releaseCtx)
	}, nil
}
