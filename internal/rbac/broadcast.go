package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultInvalidationChannel is the redis channel peers exchange invalidations on.
const DefaultInvalidationChannel = "proxapeople.rbac.invalidate"

// Broadcaster applies invalidations locally and publishes them so other
// instances drop the same cached decisions.
type Broadcaster struct {
	client   *redis.Client
	local    Invalidator
	channel  string
	instance string
	logger   *slog.Logger
}

// NewBroadcaster wraps local. An empty channel uses DefaultInvalidationChannel.
// A nil local only publishes, which suits processes without a decision cache.
func NewBroadcaster(client *redis.Client, local Invalidator, channel string, logger *slog.Logger) *Broadcaster {
	if channel == "" {
		channel = DefaultInvalidationChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		client:   client,
		local:    local,
		channel:  channel,
		instance: uuid.NewString(),
		logger:   logger,
	}
}

// InvalidateUser implements Invalidator.
func (b *Broadcaster) InvalidateUser(userID int64) {
	if b.local != nil {
		b.local.InvalidateUser(userID)
	}
	b.publish("user:" + strconv.FormatInt(userID, 10))
}

// InvalidateAll implements Invalidator.
func (b *Broadcaster) InvalidateAll() {
	if b.local != nil {
		b.local.InvalidateAll()
	}
	b.publish("all")
}

func (b *Broadcaster) publish(body string) {
	if b.client == nil {
		return
	}
	payload := b.instance + "|" + body
	// Local state is already consistent; peers fall back to the cache TTL when this fails.
	if err := b.client.Publish(context.Background(), b.channel, payload).Err(); err != nil {
		b.logger.Warn("publish rbac invalidation", slog.String("payload", body), slog.Any("error", err))
	}
}

// Listen subscribes to the channel and applies invalidations from other
// instances until ctx is done. It returns once the subscription is confirmed.
func (b *Broadcaster) Listen(ctx context.Context) error {
	if b == nil || b.client == nil {
		return nil
	}
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("rbac: subscribe %s: %w", b.channel, err)
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.apply(msg.Payload)
			}
		}
	}()
	return nil
}

func (b *Broadcaster) apply(payload string) {
	origin, body, ok := strings.Cut(payload, "|")
	if !ok {
		b.logger.Warn("malformed rbac invalidation", slog.String("payload", payload))
		return
	}
	if origin == b.instance || b.local == nil {
		return
	}
	switch {
	case body == "all":
		b.local.InvalidateAll()
	case strings.HasPrefix(body, "user:"):
		userID, err := strconv.ParseInt(strings.TrimPrefix(body, "user:"), 10, 64)
		if err != nil {
			b.logger.Warn("malformed rbac invalidation", slog.String("payload", payload))
			return
		}
		b.local.InvalidateUser(userID)
	default:
		b.logger.Warn("unknown rbac invalidation", slog.String("payload", payload))
	}
}
