package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"chatgate/internal/domain"
)

const DefaultRedisChannel = "chatgate:messages"

type RedisConfig struct {
	URL     string // redis://host:port/db
	Channel string // default: chatgate:messages
	Logger  *slog.Logger
}

// RedisBroker fans notifications out to every gateway instance: Notify
// publishes on a Redis channel and Run feeds what it receives into the
// local registry, so a long-poll parked on another instance still fires.
type RedisBroker struct {
	client  *redis.Client
	channel string
	local   *Registry
	logger  *slog.Logger
}

type envelope struct {
	ConversationID string            `json:"conversationId"`
	Messages       []*domain.Message `json:"messages"`
}

func NewRedisBroker(cfg RedisConfig, local *Registry) (*RedisBroker, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.MaxRetries = 3
	return newRedisBroker(redis.NewClient(opts), cfg, local), nil
}

func newRedisBroker(client *redis.Client, cfg RedisConfig, local *Registry) *RedisBroker {
	if cfg.Channel == "" {
		cfg.Channel = DefaultRedisChannel
	}
	return &RedisBroker{client: client, channel: cfg.Channel, local: local, logger: cfg.Logger}
}

// Ping checks the connection.
func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Notify publishes the batch. When Redis is unreachable the batch is still
// delivered to local watchers.
func (b *RedisBroker) Notify(ctx context.Context, conversationID string, msgs []*domain.Message) {
	if len(msgs) == 0 {
		return
	}
	data, err := json.Marshal(envelope{ConversationID: conversationID, Messages: msgs})
	if err != nil {
		b.logger.Error("encode watcher notification", "err", err)
		b.local.Notify(ctx, conversationID, msgs)
		return
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		b.logger.Warn("redis publish failed, notifying locally", "conversation_id", conversationID, "err", err)
		b.local.Notify(ctx, conversationID, msgs)
	}
}

// Run subscribes to the broker channel until ctx is cancelled.
func (b *RedisBroker) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", b.channel, err)
	}
	b.logger.Info("watcher broker subscribed", "channel", b.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			b.deliver(ctx, m.Payload)
		}
	}
}

func (b *RedisBroker) deliver(ctx context.Context, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.Warn("invalid watcher notification", "err", err)
		return
	}
	if env.ConversationID == "" {
		return
	}
	b.local.Notify(ctx, env.ConversationID, env.Messages)
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
