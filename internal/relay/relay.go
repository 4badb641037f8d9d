// Package relay republishes routed dashboard messages to Redis pub/sub so
// other services can follow the same feeds without their own WebSocket.
//
// Each message is published on <prefix><channel> wrapped in an Envelope
// carrying this instance's id, so subscribers can tell instances apart.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rickgao/adminlive/internal/config"
	"github.com/rickgao/adminlive/internal/router"
)

const (
	maxRetries     = 2
	initialBackoff = 50 * time.Millisecond
	maxBackoff     = 500 * time.Millisecond
)

// Client is the subset of *redis.Client the publisher needs.
type Client interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Envelope is the relayed form of a router.Message.
type Envelope struct {
	InstanceID string          `json:"instance_id"`
	Channel    string          `json:"channel"`
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  string          `json:"timestamp,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Stats contains publisher statistics.
type Stats struct {
	Published  int64
	Failed     int64
	Subscribed int64 // Receivers reported by Redis across all publishes
}

// Publisher relays messages to Redis.
type Publisher struct {
	client     Client
	prefix     string
	instanceID string
	timeout    time.Duration
	logger     *slog.Logger

	published  atomic.Int64
	failed     atomic.Int64
	subscribed atomic.Int64
}

// NewRedisClient creates the Redis client described by cfg.
func NewRedisClient(cfg config.RelayConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// New creates a Publisher. timeout bounds each Publish including retries.
func New(client Client, prefix string, timeout time.Duration, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = config.DefaultPublishTimeout
	}

	id := uuid.New().String()
	return &Publisher{
		client:     client,
		prefix:     prefix,
		instanceID: id,
		timeout:    timeout,
		logger:     logger.With("component", "relay", "instance_id", id),
	}
}

// InstanceID returns the id stamped on every envelope.
func (p *Publisher) InstanceID() string {
	return p.instanceID
}

// Topic returns the Redis channel for a dashboard channel.
func (p *Publisher) Topic(channel string) string {
	return p.prefix + channel
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Apply publishes msg. It lets the publisher sit next to a dashboard in a
// projector.Multi.
func (p *Publisher) Apply(msg router.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	return p.Publish(ctx, msg)
}

// Publish sends msg on its channel's topic, retrying briefly on failure.
func (p *Publisher) Publish(ctx context.Context, msg router.Message) error {
	data, err := json.Marshal(Envelope{
		InstanceID: p.instanceID,
		Channel:    msg.Channel,
		Type:       msg.Type,
		Data:       msg.Data,
		Timestamp:  msg.Timestamp,
		ReceivedAt: msg.ReceivedAt,
	})
	if err != nil {
		p.failed.Add(1)
		return fmt.Errorf("encode envelope: %w", err)
	}

	topic := p.Topic(msg.Channel)
	operation := func() error {
		receivers, err := p.client.Publish(ctx, topic, data).Result()
		if err != nil {
			return err
		}
		p.subscribed.Add(receivers)
		return nil
	}

	backoffStrategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(initialBackoff),
				backoff.WithMaxInterval(maxBackoff),
			),
			maxRetries,
		),
		ctx,
	)

	err = backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		p.logger.Debug("retrying redis publish",
			"topic", topic,
			"error", err,
			"next_attempt_in", d,
		)
	})
	if err != nil {
		p.failed.Add(1)
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	p.published.Add(1)
	return nil
}

// Stats returns current statistics.
func (p *Publisher) Stats() Stats {
	return Stats{
		Published:  p.published.Load(),
		Failed:     p.failed.Load(),
		Subscribed: p.subscribed.Load(),
	}
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
