package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache holds computed effective permission sets in Redis. Permission checks
// are read-heavy; the cache is invalidated on every mutation touching the
// user, so staleness is bounded by write paths rather than the TTL. Cache
// failures degrade to recomputation, never to a wrong answer.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCache constructs a Cache. ttl <= 0 defaults to five minutes.
func NewCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{client: client, ttl: ttl, logger: logger}
}

func cacheKey(userID int64) string {
	return fmt.Sprintf("perm:effective:%d", userID)
}

// Get returns the cached effective set for the user, or ok=false on miss or
// any Redis failure.
func (c *Cache) Get(ctx context.Context, userID int64) ([]EffectivePermission, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	raw, err := c.client.Get(ctx, cacheKey(userID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("effective permission cache read failed", slog.Int64("user_id", userID), slog.Any("error", err))
		}
		return nil, false
	}
	var perms []EffectivePermission
	if err := json.Unmarshal(raw, &perms); err != nil {
		c.logger.Warn("effective permission cache decode failed", slog.Int64("user_id", userID), slog.Any("error", err))
		return nil, false
	}
	return perms, true
}

// Set stores the effective set. Failures are logged and ignored.
func (c *Cache) Set(ctx context.Context, userID int64, perms []EffectivePermission) {
	if c == nil || c.client == nil {
		return
	}
	raw, err := json.Marshal(perms)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKey(userID), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("effective permission cache write failed", slog.Int64("user_id", userID), slog.Any("error", err))
	}
}

// Invalidate drops the cached set for one user. Called by every mutating path
// that can change the user's effective permissions.
func (c *Cache) Invalidate(ctx context.Context, userID int64) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Del(ctx, cacheKey(userID)).Err(); err != nil {
		c.logger.Warn("effective permission cache invalidate failed", slog.Int64("user_id", userID), slog.Any("error", err))
	}
}
