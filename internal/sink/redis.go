// ABOUTME: Redis pub/sub sink publishing fan-out envelopes as JSON
// ABOUTME: Attached to the connection manager as an observer channel

package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/wire"
)

// RedisPublisher is the subset of *redis.Client the sink needs.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Close() error
}

// Redis sends envelopes to a single pub/sub channel.
type Redis struct {
	client  RedisPublisher
	channel string
	logger  *slog.Logger
}

// NewRedis wraps an existing client.
func NewRedis(client RedisPublisher, channel string, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client:  client,
		channel: channel,
		logger:  logger.With("component", "sink.redis"),
	}
}

// DialRedis connects to the configured server, verifying it with PING.
func DialRedis(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connecting to Redis: %w", err)
	}

	r := NewRedis(rdb, cfg.Channel, logger)
	r.logger.Info("Redis sink connected", "addr", cfg.Addr, "channel", cfg.Channel)
	return r, nil
}

// Send publishes msg to the configured channel.
func (r *Redis) Send(ctx context.Context, msg *wire.Envelope) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	receivers, err := r.client.Publish(ctx, r.channel, data).Result()
	if err != nil {
		return fmt.Errorf("publishing to Redis: %w", err)
	}
	r.logger.Debug("published", "type", msg.Type, "seq", msg.Seq, "receivers", receivers)
	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
