//
//  Copyright © Manetu Inc. All rights reserved.
//

// Package cache is a write-through, fail-open TTL cache fronting the
// delegation, persona, and authorization stores, backed by Redis per
// SPEC_FULL.md §9's "Cache as aspect, not core" design note.
//
// Grounded on flowpilot-services' shared-libraries/cache.py for the
// fail-open and resource-family-prefix invalidation behavior, reimplemented
// over github.com/redis/go-redis/v9 (tested against
// github.com/alicebob/miniredis/v2) rather than the original's asyncio
// Redis client.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowpilot/flowpilot/internal/logging"
)

var logger = logging.GetLogger("flowpilot.cache")

// Family is a resource family, used as a key-prefix for bulk invalidation.
type Family string

const (
	FamilyPersona    Family = "persona"
	FamilyDelegation Family = "delegation"
	FamilyAuthz      Family = "authz"
)

// Cache wraps a Redis client. A nil *Cache (or one built with Enabled=false)
// is a safe no-op: every method degrades to a cache miss rather than
// panicking, so callers never need a nil-check before use.
type Cache struct {
	client  *redis.Client
	enabled bool
}

// New builds a Cache against redisURL (e.g. "redis://localhost:6379/0").
// enabled=false (or an empty redisURL) returns a no-op cache.
func New(redisURL string, enabled bool) (*Cache, error) {
	if !enabled || redisURL == "" {
		return &Cache{enabled: false}, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &Cache{client: redis.NewClient(opts), enabled: true}, nil
}

// Get looks up key within family, decoding into dst. Returns found=false on
// a miss OR on any Redis error - a cache outage degrades to "not cached"
// rather than failing the caller's request (fail-open, matching cache.py's
// try/except-and-return-None pattern).
func (c *Cache) Get(ctx context.Context, family Family, key string, dst any) (found bool) {
	if c == nil || !c.enabled {
		return false
	}

	raw, err := c.client.Get(ctx, fullKey(family, key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			logger.SysWarnf("cache get failed, treating as miss: %v", err)
		}
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		logger.SysWarnf("cache value corrupt, treating as miss: %v", err)
		return false
	}
	return true
}

// Set writes value into the cache with ttl. Errors are logged and
// swallowed: a failed write never fails the caller's request.
func (c *Cache) Set(ctx context.Context, family Family, key string, value any, ttl time.Duration) {
	if c == nil || !c.enabled {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		logger.SysWarnf("cache value not serializable, skipping write: %v", err)
		return
	}
	if err := c.client.Set(ctx, fullKey(family, key), raw, ttl).Err(); err != nil {
		logger.SysWarnf("cache set failed: %v", err)
	}
}

// Invalidate removes every cached key in family that relates to
// subjectKey (e.g. a user_sub or principal_id), used when a write to the
// persona or delegation store makes cached decisions stale.
func (c *Cache) Invalidate(ctx context.Context, family Family, subjectKey string) {
	if c == nil || !c.enabled {
		return
	}
	pattern := fullKey(family, subjectKey) + "*"
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		logger.SysWarnf("cache invalidation scan failed: %v", err)
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		logger.SysWarnf("cache invalidation delete failed: %v", err)
	}
}

func fullKey(family Family, key string) string {
	return string(family) + ":" + key
}
