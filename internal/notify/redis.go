package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/castline/escrowd/internal/logging"
	"github.com/redis/go-redis/v9"
)

const channelPrefix = "notifications:"

// Channel is the pub/sub channel carrying userID's notifications.
func Channel(userID string) string {
	return channelPrefix + userID
}

func inboxKey(userID string) string {
	return channelPrefix + userID + ":recent"
}

// RedisSink publishes notifications on a per-user channel and keeps a
// capped list of recent ones. It is both a Sink and an Inbox.
type RedisSink struct {
	client redis.UniversalClient
	size   int64
}

// NewRedisSink creates a sink on client keeping size entries per user.
func NewRedisSink(client redis.UniversalClient, size int) *RedisSink {
	if size <= 0 {
		size = DefaultInboxSize
	}
	return &RedisSink{client: client, size: int64(size)}
}

func (r *RedisSink) Name() string { return "redis" }

func (r *RedisSink) Deliver(ctx context.Context, n *Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, inboxKey(n.UserID), payload)
		pipe.LTrim(ctx, inboxKey(n.UserID), 0, r.size-1)
		pipe.Publish(ctx, Channel(n.UserID), payload)
		return nil
	})
	return err
}

func (r *RedisSink) Recent(ctx context.Context, userID string, limit int) ([]*Notification, error) {
	stop := r.size - 1
	if limit > 0 && int64(limit) <= r.size {
		stop = int64(limit) - 1
	}
	raw, err := r.client.LRange(ctx, inboxKey(userID), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Notification, 0, len(raw))
	for _, item := range raw {
		var n Notification
		if err := json.Unmarshal([]byte(item), &n); err != nil {
			continue
		}
		out = append(out, &n)
	}
	return out, nil
}

// Relay subscribes to every user channel and hands each notification to
// sink until ctx is cancelled. It lets every server instance feed its own
// websocket clients from one Redis.
func Relay(ctx context.Context, client redis.UniversalClient, sink Sink) error {
	pubsub := client.PSubscribe(ctx, channelPrefix+"*")
	defer func() { _ = pubsub.Close() }()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var n Notification
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				logging.L(ctx).Warn("relay: bad notification payload", "channel", msg.Channel, "error", err)
				continue
			}
			if err := sink.Deliver(ctx, &n); err != nil {
				logging.L(ctx).Warn("relay: delivery failed", "sink", sink.Name(), "error", err)
			}
		}
	}
}

var (
	_ Sink  = (*RedisSink)(nil)
	_ Inbox = (*RedisSink)(nil)
)
