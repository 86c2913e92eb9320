package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	cacheGenKey    = "rbac:gen"
	cacheKeyFormat = "rbac:d:%s:%d:%s"
)

// DecisionCache is an optional read-through cache for UserHasRole decisions.
// Keys carry a store-wide generation counter; any mutation bumps the counter
// so every cached decision drops out at once without key scans. The cache is
// an optimization only and keeps the read-committed contract: a decision
// racing a rule change may observe either state, never a corrupted one.
type DecisionCache struct {
	client   *redis.Client
	ttl      time.Duration
	logger   *slog.Logger
	group    singleflight.Group
	observer CacheObserver
}

// CacheObserver receives cache lookup results, typically for metrics.
type CacheObserver interface {
	ObserveCache(result string)
}

// NewDecisionCache wires a cache. A nil client disables caching and every
// call falls through to compute.
func NewDecisionCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *DecisionCache {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &DecisionCache{client: client, ttl: ttl, logger: logger}
}

// WithObserver attaches a lookup observer and returns the cache.
func (c *DecisionCache) WithObserver(o CacheObserver) *DecisionCache {
	if c != nil {
		c.observer = o
	}
	return c
}

func (c *DecisionCache) observe(result string) {
	if c.observer != nil {
		c.observer.ObserveCache(result)
	}
}

// Decide returns the cached decision for (member, role) or runs compute and
// stores its result. Concurrent identical lookups collapse into one compute.
// Redis failures degrade to computing directly; a cache outage must never
// turn into a permission failure.
func (c *DecisionCache) Decide(ctx context.Context, memberID int64, role string, compute func() (bool, error)) (bool, error) {
	if c == nil || c.client == nil {
		return compute()
	}

	gen, err := c.generation(ctx)
	if err != nil {
		c.logger.Warn("rbac cache generation", slog.Any("error", err))
		return compute()
	}
	key := fmt.Sprintf(cacheKeyFormat, gen, memberID, role)

	val, err := c.client.Get(ctx, key).Result()
	if err == nil {
		c.observe("hit")
		return val == "1", nil
	}
	if !errors.Is(err, redis.Nil) {
		c.logger.Warn("rbac cache get", slog.Any("error", err))
		return compute()
	}
	c.observe("miss")

	res, err, _ := c.group.Do(key, func() (any, error) {
		allowed, err := compute()
		if err != nil {
			return false, err
		}
		stored := "0"
		if allowed {
			stored = "1"
		}
		if err := c.client.Set(ctx, key, stored, c.ttl).Err(); err != nil {
			c.logger.Warn("rbac cache set", slog.Any("error", err))
		}
		return allowed, nil
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// Invalidate drops every cached decision by bumping the generation counter.
func (c *DecisionCache) Invalidate(ctx context.Context) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Incr(ctx, cacheGenKey).Err(); err != nil {
		c.logger.Warn("rbac cache invalidate", slog.Any("error", err))
	}
}

func (c *DecisionCache) generation(ctx context.Context) (string, error) {
	gen, err := c.client.Get(ctx, cacheGenKey).Result()
	if errors.Is(err, redis.Nil) {
		return "0", nil
	}
	return gen, err
}
