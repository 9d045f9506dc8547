package expiry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache stores session entries as redis keys and listens for their
// keyevent expired notifications.
type RedisCache struct {
	client    *redis.Client
	prefix    string
	configure bool
}

type RedisOption func(*RedisCache)

func WithKeyPrefix(prefix string) RedisOption {
	return func(c *RedisCache) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// WithNotificationSetup turns on expired events with CONFIG SET before subscribing.
func WithNotificationSetup(enabled bool) RedisOption {
	return func(c *RedisCache) {
		c.configure = enabled
	}
}

func NewRedisCache(client *redis.Client, opts ...RedisOption) *RedisCache {
	c := &RedisCache{
		client: client,
		prefix: KeyPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RedisCache) Set(ctx context.Context, sessionID string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.prefix+sessionID, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set session %s: %w", sessionID, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, sessionID string) error {
	if err := c.client.Del(ctx, c.prefix+sessionID).Err(); err != nil {
		return fmt.Errorf("redis del session %s: %w", sessionID, err)
	}
	return nil
}

func (c *RedisCache) channel() string {
	return fmt.Sprintf("__keyevent@%d__:expired", c.client.Options().DB)
}

func (c *RedisCache) Expirations(ctx context.Context) (<-chan string, error) {
	if c.configure {
		if err := c.client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
			// managed redis often forbids CONFIG; the sweep still runs
			slog.Warn("redis enable keyspace notifications", "error", err)
		}
	}

	pubsub := c.client.Subscribe(ctx, c.channel())
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", c.channel(), err)
	}

	out := make(chan string, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				sessionID, found := strings.CutPrefix(msg.Payload, c.prefix)
				if !found || sessionID == "" {
					continue
				}
				select {
				case out <- sessionID:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

var _ Cache = (*RedisCache)(nil)
