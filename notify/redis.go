// Package notify delivers engine events to the outside world.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/warp/clinic-engine/clinic"
)

// =============================================================================
// REDIS CLIENT
// =============================================================================

// Client wraps a go-redis client.
type Client struct {
	client *redis.Client
}

// NewClient connects to the Redis instance named by url
// (redis://[:password@]host:port/db) and verifies it with a ping.
func NewClient(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &Client{client: client}, nil
}

// Client returns the underlying Redis client.
func (c *Client) Client() *redis.Client {
	return c.client
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// =============================================================================
// REDIS NOTIFIER
// =============================================================================

// RedisNotifier publishes every event as JSON on a shared channel and on a
// per-doctor channel ("<channel>:<doctorId>") that queue displays subscribe to.
type RedisNotifier struct {
	client  redis.Cmdable
	channel string
	log     zerolog.Logger
}

func NewRedisNotifier(client redis.Cmdable, channel string, log zerolog.Logger) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel, log: log}
}

func (n *RedisNotifier) Notify(ctx context.Context, e clinic.Event) error {
	data, err := encodeEvent(e)
	if err != nil {
		return err
	}
	for _, ch := range n.channels(e) {
		if err := n.client.Publish(ctx, ch, data).Err(); err != nil {
			return fmt.Errorf("failed to publish %s to %s: %w", e.Type, ch, err)
		}
	}
	n.log.Debug().Str("event", string(e.Type)).Str("channel", n.channel).Msg("published event")
	return nil
}

func (n *RedisNotifier) channels(e clinic.Event) []string {
	out := []string{n.channel}
	if e.DoctorID != "" {
		out = append(out, n.channel+":"+string(e.DoctorID))
	}
	return out
}

func encodeEvent(e clinic.Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}
