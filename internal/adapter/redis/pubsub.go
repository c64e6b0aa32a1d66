package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pscheid92/streamcast/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const DefaultChannelPrefix = "streamcast:broadcast:"

// PubSub is a domain.Transport that fans publishes out to every instance through Redis
// Pub/Sub. Each instance runs Relay to feed received messages into its local hub.
type PubSub struct {
	rdb    *goredis.Client
	prefix string
}

func NewPubSub(rdb *goredis.Client, prefix string) *PubSub {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &PubSub{rdb: rdb, prefix: prefix}
}

func (ps *PubSub) Publish(ctx context.Context, channel domain.ChannelName, data []byte) error {
	if err := ps.rdb.Publish(ctx, ps.prefix+string(channel), data).Err(); err != nil {
		return &domain.PublishError{Channel: channel, Err: fmt.Errorf("%w: %w", domain.ErrTransportUnavailable, err)}
	}
	return nil
}

// Relay subscribes to every broadcast channel and hands received messages to deliver.
// It blocks until ctx is cancelled. ready, if non-nil, is closed once the subscription
// is confirmed by Redis.
func (ps *PubSub) Relay(ctx context.Context, deliver domain.DeliverFunc, ready chan<- struct{}) error {
	sub := ps.rdb.PSubscribe(ctx, ps.prefix+"*")
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to broadcasts: %w", err)
	}
	if ready != nil {
		close(ready)
	}
	slog.Info("Relaying broadcasts from Redis", "pattern", ps.prefix+"*")

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			channel := strings.TrimPrefix(msg.Channel, ps.prefix)
			if channel == "" {
				slog.Warn("Ignoring broadcast without channel", "redis_channel", msg.Channel)
				continue
			}
			deliver(domain.ChannelName(channel), []byte(msg.Payload))
		case <-ctx.Done():
			return nil
		}
	}
}
