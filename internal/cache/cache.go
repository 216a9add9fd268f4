// Package cache wraps the shared Redis cache. Every operation is fail-silent:
// a broken or absent Redis turns each read into a miss and each write into a
// no-op, so callers never branch on cache health.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"fundingflow/logger"
)

type Cache struct {
	client *redis.Client
	log    *logger.Entry
}

// New connects to Redis at addr. An empty addr yields a disabled cache.
func New(addr, password string, db int) *Cache {
	c := &Cache{log: logger.GetLogger().WithComponent("cache")}
	if addr == "" {
		return c
	}
	c.client = redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	return c
}

func (c *Cache) Enabled() bool { return c != nil && c.client != nil }

// GetJSON loads key into out. It reports false on miss, decode failure, or
// any Redis error.
func (c *Cache) GetJSON(ctx context.Context, key string, out interface{}) bool {
	if !c.Enabled() {
		return false
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.WithError(err).WithFields(logger.Fields{"key": key}).Debug("cache read failed")
		}
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		c.log.WithError(err).WithFields(logger.Fields{"key": key}).Warn("cache entry undecodable, treating as miss")
		return false
	}
	return true
}

// SetJSON stores value under key with a TTL. Failures are logged and dropped.
func (c *Cache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	if !c.Enabled() {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		c.log.WithError(err).WithFields(logger.Fields{"key": key}).Warn("cache value unencodable")
		return
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		c.log.WithError(err).WithFields(logger.Fields{"key": key}).Debug("cache write failed")
	}
}

// Delete removes a key; used by force-refresh paths.
func (c *Cache) Delete(ctx context.Context, key string) {
	if !c.Enabled() {
		return
	}
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.log.WithError(err).WithFields(logger.Fields{"key": key}).Debug("cache delete failed")
	}
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Close()
}
