package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"ms-occupancy/internal/logger"
)

const scopeCachePrefix = "authz"

// Authorizer matches occupancy.Authorizer.
type Authorizer interface {
	Authorize(ctx context.Context, actorID, businessID, venueID string) (bool, error)
}

// CachedAuthorizer remembers scope decisions in Redis for a short TTL so
// high-rate door taps do not hit business_members on every request.
type CachedAuthorizer struct {
	Next   Authorizer
	Client *redis.Client
	TTL    time.Duration
	Logger *logger.Logger
}

func NewCachedAuthorizer(next Authorizer, client *redis.Client, ttl time.Duration, log *logger.Logger) *CachedAuthorizer {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &CachedAuthorizer{Next: next, Client: client, TTL: ttl, Logger: log}
}

func scopeCacheKey(actorID, businessID, venueID string) string {
	return fmt.Sprintf("%s:%s:%s:%s", scopeCachePrefix, actorID, businessID, venueID)
}

func (c *CachedAuthorizer) Authorize(ctx context.Context, actorID, businessID, venueID string) (bool, error) {
	key := scopeCacheKey(actorID, businessID, venueID)

	cached, err := c.Client.Get(ctx, key).Result()
	switch {
	case err == nil:
		return cached == "1", nil
	case err != redis.Nil:
		// Redis trouble degrades to the database, never to a denial.
		c.Logger.Warn("AUTH", fmt.Sprintf("scope cache read failed: %v", err))
	}

	allowed, err := c.Next.Authorize(ctx, actorID, businessID, venueID)
	if err != nil {
		return false, err
	}

	val := "0"
	if allowed {
		val = "1"
	}
	if err := c.Client.Set(ctx, key, val, c.TTL).Err(); err != nil {
		c.Logger.Warn("AUTH", fmt.Sprintf("scope cache write failed: %v", err))
	}
	return allowed, nil
}

// Invalidate drops cached decisions for an actor, e.g. after a membership change.
func (c *CachedAuthorizer) Invalidate(ctx context.Context, actorID string) error {
	iter := c.Client.Scan(ctx, 0, fmt.Sprintf("%s:%s:*", scopeCachePrefix, actorID), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.Client.Del(ctx, keys...).Err()
}

// ConnectRedis opens a client and checks the connection
func ConnectRedis(addr, password string, db int, log *logger.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: 10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		log.Error("REDIS", fmt.Sprintf("Failed to connect to Redis at %s: %v", addr, err))
		client.Close()
		return nil, err
	}
	log.Info("REDIS", fmt.Sprintf("Connected to Redis at %s", addr))
	return client, nil
}
