package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"ms-occupancy/internal/logger"
	"ms-occupancy/internal/occupancy"
)

const (
	defaultLockTTL  = 5 * time.Second
	defaultLockWait = 2 * time.Second
	retryInterval   = 10 * time.Millisecond
)

// releaseScript deletes the lock only while it still holds our token, so a
// holder whose TTL lapsed cannot free a lock someone else now owns.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AreaLock serialises ledger writes to one area across service instances.
type AreaLock struct {
	Client *redis.Client
	Logger *logger.Logger
	TTL    time.Duration
	Wait   time.Duration
}

func NewAreaLock(client *redis.Client, ttl, wait time.Duration, log *logger.Logger) *AreaLock {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	if wait <= 0 {
		wait = defaultLockWait
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &AreaLock{Client: client, Logger: log, TTL: ttl, Wait: wait}
}

func lockKey(areaID string) string {
	return "occupancy_lock:" + areaID
}

// TryLock makes a single SETNX attempt.
func (l *AreaLock) TryLock(ctx context.Context, areaID, token string) (bool, error) {
	return l.Client.SetNX(ctx, lockKey(areaID), token, l.TTL).Result()
}

// Unlock removes the lock if token still owns it.
func (l *AreaLock) Unlock(ctx context.Context, areaID, token string) error {
	return releaseScript.Run(ctx, l.Client, []string{lockKey(areaID)}, token).Err()
}

// isLocked reports whether any holder currently owns the area lock.
func (l *AreaLock) isLocked(ctx context.Context, areaID string) (bool, error) {
	_, err := l.Client.Get(ctx, lockKey(areaID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Acquire polls for the area lock until Wait elapses. Timing out is reported
// as occupancy.ErrStorageConflict so callers retry it like any other
// contention.
func (l *AreaLock) Acquire(ctx context.Context, areaID string) (func(), error) {
	token := uuid.NewString()
	deadline := time.Now().Add(l.Wait)

	for {
		ok, err := l.TryLock(ctx, areaID, token)
		if err != nil {
			return nil, fmt.Errorf("redis area lock %s: %w", areaID, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			l.Logger.Warn("REDIS", fmt.Sprintf("timed out waiting %s for area lock %s", l.Wait, areaID))
			return nil, fmt.Errorf("%w: area %s is locked", occupancy.ErrStorageConflict, areaID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}

	return func() {
		// The caller's context may already be cancelled; release regardless.
		if err := l.Unlock(context.Background(), areaID, token); err != nil {
			l.Logger.Error("REDIS", fmt.Sprintf("failed to release area lock %s: %v", areaID, err))
		}
	}, nil
}
