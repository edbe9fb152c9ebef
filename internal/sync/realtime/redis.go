package realtime

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	apperrors "github.com/kimhsiao/novachat/backend/internal/errors"
	"github.com/kimhsiao/novachat/backend/internal/logging"
	"github.com/kimhsiao/novachat/backend/internal/metrics"
)

// DefaultChannelPrefix prefixes the per-tenant pub/sub channel.
const DefaultChannelPrefix = "novasync:changes:"

// RedisFeed reads change envelopes from a Redis pub/sub channel per
// tenant. Publish is the matching writer, used by relays that bridge the
// remote store's replication stream into Redis.
type RedisFeed struct {
	client *redis.Client
	prefix string
	buffer int
}

// NewRedisFeed wraps an existing client.
func NewRedisFeed(client *redis.Client) *RedisFeed {
	return &RedisFeed{client: client, prefix: DefaultChannelPrefix, buffer: 64}
}

// NewRedisFeedFromURL connects to redisURL and checks the connection.
func NewRedisFeedFromURL(ctx context.Context, redisURL string) (*RedisFeed, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "invalid redis URL", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, apperrors.Wrap(apperrors.ErrSyncTransient, "redis ping failed", err)
	}
	return NewRedisFeed(client), nil
}

// Channel returns tenant's pub/sub channel name.
func (f *RedisFeed) Channel(tenant string) string {
	return f.prefix + tenant
}

// Subscribe listens on tenant's channel.
func (f *RedisFeed) Subscribe(ctx context.Context, tenant string) (Subscription, error) {
	ps := f.client.Subscribe(ctx, f.Channel(tenant))
	// Wait for the subscription confirmation so dial errors surface here.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.Wrap(apperrors.ErrSyncTransient, "redis subscribe failed", err)
	}

	sub := newSubscription(f.buffer)
	sub.onClose = func() { _ = ps.Close() }

	go func() {
		sub.end(f.pump(ctx, ps, sub))
	}()
	return sub, nil
}

func (f *RedisFeed) pump(ctx context.Context, ps *redis.PubSub, sub *subscription) error {
	defer ps.Close()
	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			select {
			case <-sub.stop:
				return nil
			default:
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return apperrors.Wrap(apperrors.ErrSyncTransient, "redis subscription lost", err)
		}

		ev, ok, err := DecodeEvent([]byte(msg.Payload))
		if err != nil {
			metrics.RealtimeEvents.WithLabelValues("", "error").Inc()
			logging.Warn("Dropping malformed realtime message",
				map[string]interface{}{"channel": msg.Channel, "error": err.Error()})
			continue
		}
		if !ok {
			continue
		}
		if !sub.deliver(ev) {
			return nil
		}
	}
}

// Publish sends ev to its owner's channel.
func (f *RedisFeed) Publish(ctx context.Context, ev Event) error {
	owner := ev.Owner()
	if owner == "" {
		return apperrors.New(apperrors.ErrValidation, "event has no owner_id")
	}
	payload, err := EncodeEvent(ev)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "failed to encode event", err)
	}
	if err := f.client.Publish(ctx, f.Channel(owner), payload).Err(); err != nil {
		return apperrors.Wrap(apperrors.ErrSyncTransient, fmt.Sprintf("redis publish to %s failed", f.Channel(owner)), err)
	}
	return nil
}

// Close releases the client.
func (f *RedisFeed) Close() error {
	return f.client.Close()
}
