package redisbackend

import (
	"context"
	"errors"

	"github.com/go-redis/redis"
)

// Backend publishes events to a Redis pub/sub channel.
type Backend struct {
	// Client is used if set, otherwise Start connects to the "addr" option.
	Client *redis.Client

	owned bool
}

// ID returns "redis".
func (b *Backend) ID() string {
	return "redis"
}

// Start verifies the connection to Redis.
func (b *Backend) Start(ctx context.Context, cfg map[string]interface{}) error {
	if b.Client == nil {
		addr, ok := cfg["addr"].(string)
		if !ok || addr == "" {
			return errors.New("addr must be a non-empty string when no client is provided")
		}
		b.Client = redis.NewClient(&redis.Options{Addr: addr})
		b.owned = true
	}

	return b.Client.WithContext(ctx).Ping().Err()
}

// Publish publishes payload to channel.
func (b *Backend) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.Client.WithContext(ctx).Publish(channel, payload).Err()
}

// Stop closes the Redis connection, if the backend opened it.
func (b *Backend) Stop() error {
	if b.owned {
		return b.Client.Close()
	}
	return nil
}
