package realtime

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/novachat/backend/internal/logging"
	"github.com/kimhsiao/novachat/backend/internal/metrics"
)

// Publisher forwards events to another transport. *RedisFeed implements it.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Relay is a Sink that republishes every event it receives, so that one
// database listener can fan changes out to many devices over Redis.
type Relay struct {
	pub     Publisher
	timeout time.Duration

	forwarded atomic.Int64
	failed    atomic.Int64
}

// NewRelay creates a relay. Each publish is bounded by timeout.
func NewRelay(pub Publisher, timeout time.Duration) *Relay {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Relay{pub: pub, timeout: timeout}
}

var _ Sink = (*Relay)(nil)

// Enqueue publishes ev and reports whether it was forwarded. A failed
// publish is logged and dropped; subscribers catch up on reconnect.
func (r *Relay) Enqueue(ev Event) bool {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.pub.Publish(ctx, ev); err != nil {
		r.failed.Add(1)
		metrics.RealtimeEvents.WithLabelValues(string(ev.Table), "relay_error").Inc()
		logging.Warn("Failed to relay change",
			map[string]interface{}{"table": string(ev.Table), "owner_id": ev.Owner(), "error": err.Error()})
		return false
	}
	r.forwarded.Add(1)
	metrics.RealtimeEvents.WithLabelValues(string(ev.Table), "relayed").Inc()
	return true
}

// Forwarded returns how many events were published.
func (r *Relay) Forwarded() int64 { return r.forwarded.Load() }

// Failed returns how many events could not be published.
func (r *Relay) Failed() int64 { return r.failed.Load() }
