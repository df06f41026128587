package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/docflow/keygate/pkg/models"
)

// Cache provides shared counters and caching using Redis. The per-minute
// rate windows live here rather than in Postgres so every server instance
// sees the same live count.
type Cache struct {
	client *redis.Client
}

// NewCache creates a new cache instance
func NewCache(host string, port int, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// Per-minute rate windows

// AllowKeyRequest consumes one unit of a provider key's per-minute window.
// The count is incremented first and the window expiry set on the first
// request, so concurrent callers over the limit are all refused.
func (c *Cache) AllowKeyRequest(ctx context.Context, keyID string, limit int64) (bool, error) {
	window := fmt.Sprintf("ratewindow:key:%s", keyID)

	count, err := c.client.Incr(ctx, window).Result()
	if err != nil {
		return false, fmt.Errorf("failed to increment rate window: %w", err)
	}

	if count == 1 {
		if err := c.client.Expire(ctx, window, time.Minute).Err(); err != nil {
			return false, fmt.Errorf("failed to set window expiry: %w", err)
		}
	}

	return count <= limit, nil
}

// KeyWindowCount returns the current count of a key's per-minute window.
func (c *Cache) KeyWindowCount(ctx context.Context, keyID string) (int64, error) {
	window := fmt.Sprintf("ratewindow:key:%s", keyID)
	count, err := c.client.Get(ctx, window).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return count, err
}

// Key pool status cache for dashboards

// SetPoolStatus caches the key pool view served to dashboards.
func (c *Cache) SetPoolStatus(ctx context.Context, provider string, keys []*models.ProviderKey, ttl time.Duration) error {
	data, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("failed to marshal pool status: %w", err)
	}

	key := fmt.Sprintf("pool:status:%s", provider)
	return c.client.Set(ctx, key, data, ttl).Err()
}

// GetPoolStatus retrieves the cached key pool view. Returns nil on a miss;
// dashboard reads tolerate staleness up to the TTL.
func (c *Cache) GetPoolStatus(ctx context.Context, provider string) ([]*models.ProviderKey, error) {
	key := fmt.Sprintf("pool:status:%s", provider)
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // Cache miss
		}
		return nil, fmt.Errorf("failed to get pool status from cache: %w", err)
	}

	var keys []*models.ProviderKey
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pool status: %w", err)
	}

	return keys, nil
}

// InvalidatePoolStatus drops the cached pool view after an admin change.
func (c *Cache) InvalidatePoolStatus(ctx context.Context, provider string) error {
	key := fmt.Sprintf("pool:status:%s", provider)
	return c.client.Del(ctx, key).Err()
}

// Quota info cache

// SetQuotaInfo caches a user's quota view for status endpoints.
func (c *Cache) SetQuotaInfo(ctx context.Context, userID string, info *models.QuotaInfo, ttl time.Duration) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal quota info: %w", err)
	}

	key := fmt.Sprintf("quota:user:%s", userID)
	return c.client.Set(ctx, key, data, ttl).Err()
}

// GetQuotaInfo retrieves a cached quota view. Returns nil on a miss.
func (c *Cache) GetQuotaInfo(ctx context.Context, userID string) (*models.QuotaInfo, error) {
	key := fmt.Sprintf("quota:user:%s", userID)
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // Cache miss
		}
		return nil, fmt.Errorf("failed to get quota info from cache: %w", err)
	}

	var info models.QuotaInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal quota info: %w", err)
	}

	return &info, nil
}

// InvalidateQuotaInfo drops a user's cached quota view after a mutation.
func (c *Cache) InvalidateQuotaInfo(ctx context.Context, userID string) error {
	key := fmt.Sprintf("quota:user:%s", userID)
	return c.client.Del(ctx, key).Err()
}

// Locking Operations for Distributed Systems

// AcquireLock attempts to acquire a distributed lock
func (c *Cache) AcquireLock(ctx context.Context, resource string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("lock:%s", resource)
	return c.client.SetNX(ctx, key, "locked", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Cache) ReleaseLock(ctx context.Context, resource string) error {
	key := fmt.Sprintf("lock:%s", resource)
	return c.client.Del(ctx, key).Err()
}

// Health check
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
