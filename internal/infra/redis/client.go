package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for cross-process coordination: the dispatch
// single-flight lock, webhook dedup, and inbound rate limiting.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks if Redis is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key helpers
func lockKey(name string) string {
	return fmt.Sprintf("courier:lock:%s", name)
}

func seenKey(eventID string) string {
	return fmt.Sprintf("courier:seen:%s", eventID)
}

func rateKey(source string, window time.Time) string {
	return fmt.Sprintf("courier:rate:%s:%d", source, window.Unix())
}

// AcquireLock attempts to acquire a named lock with a TTL. The TTL bounds how
// long a crashed holder can block other processes.
func (c *Client) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, lockKey(name), "locked", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// ReleaseLock releases a named lock.
func (c *Client) ReleaseLock(ctx context.Context, name string) error {
	return c.rdb.Del(ctx, lockKey(name)).Err()
}

// MarkSeen returns true if the event ID has NOT been seen before, marking it
// as seen atomically (SETNX) so a re-delivered webhook is a no-op.
func (c *Client) MarkSeen(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	set, err := c.rdb.SetNX(ctx, seenKey(eventID), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx failed: %w", err)
	}
	return set, nil
}

// Allow counts a request from source against a fixed one-minute window and
// reports whether it is within limit.
func (c *Client) Allow(ctx context.Context, source string, limit int) (bool, error) {
	key := rateKey(source, time.Now().Truncate(time.Minute))
	count, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("rate incr failed: %w", err)
	}
	if count == 1 {
		// First hit in the window owns the expiry
		if err := c.rdb.Expire(ctx, key, 2*time.Minute).Err(); err != nil {
			return false, fmt.Errorf("rate expire failed: %w", err)
		}
	}
	return count <= int64(limit), nil
}
