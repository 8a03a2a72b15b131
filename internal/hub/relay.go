// ABOUTME: Cross-instance broadcast relay so rooms span every router process.
// ABOUTME: RedisRelay publishes room broadcasts on a Redis pub/sub channel.

package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RelayMessage is one broadcast as carried between instances. Room is empty
// for broadcast-to-all.
type RelayMessage struct {
	Origin  string          `json:"origin"`
	Room    string          `json:"room,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Relay carries broadcasts between router instances.
type Relay interface {
	Publish(ctx context.Context, msg RelayMessage) error
	// Subscribe calls fn for every relayed message until ctx ends.
	Subscribe(ctx context.Context, fn func(RelayMessage)) error
	// Ping reports whether the relay backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// RedisRelay implements Relay over Redis pub/sub.
type RedisRelay struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisRelay connects to redisURL and verifies the connection.
func NewRedisRelay(ctx context.Context, redisURL, channel string, logger *slog.Logger) (*RedisRelay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{
		client:  client,
		channel: channel,
		logger:  logger.With("component", "relay"),
	}, nil
}

// Publish sends msg to every subscribed instance.
func (r *RedisRelay) Publish(ctx context.Context, msg RelayMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding relay message: %w", err)
	}
	return r.client.Publish(ctx, r.channel, data).Err()
}

// Subscribe blocks delivering relayed messages to fn until ctx ends.
func (r *RedisRelay) Subscribe(ctx context.Context, fn func(RelayMessage)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", r.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg RelayMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				r.logger.Warn("dropping malformed relay message", "error", err)
				continue
			}
			fn(msg)
		}
	}
}

// Ping checks the Redis connection.
func (r *RedisRelay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *RedisRelay) Close() error {
	return r.client.Close()
}
