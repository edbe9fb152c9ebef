package realtime

import (
	"context"
	"sync"

	apperrors "github.com/kimhsiao/novachat/backend/internal/errors"
	"github.com/kimhsiao/novachat/backend/internal/logging"
	"github.com/kimhsiao/novachat/backend/internal/metrics"
	"github.com/kimhsiao/novachat/backend/internal/models"
	"github.com/kimhsiao/novachat/backend/internal/sync/apply"
	"github.com/kimhsiao/novachat/backend/internal/sync/conflict"
	"github.com/kimhsiao/novachat/backend/internal/sync/pull"
	"github.com/kimhsiao/novachat/backend/internal/sync/remote"
	"github.com/kimhsiao/novachat/backend/internal/sync/scheduler"
)

// Requester asks the scheduler for a catch-up round.
type Requester interface {
	RequestSync(tenant string, opts scheduler.Options) scheduler.Decision
}

// TombstoneFetcher re-applies remote message tombstones after a restore.
// *pull.Engine implements it.
type TombstoneFetcher interface {
	ReapplyMessageTombstones(ctx context.Context, tenant string, ids []models.UUID) (*pull.Result, error)
}

// ConsumerConfig tunes a Consumer.
type ConsumerConfig struct {
	// Workers apply events concurrently. One worker keeps feed order.
	Workers int
	// QueueSize bounds events waiting for a worker.
	QueueSize int
}

// DefaultConsumerConfig returns the default consumer configuration.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{Workers: 1, QueueSize: 256}
}

// Consumer applies one tenant's realtime events to the local store.
// Enqueue never blocks; when the queue is full the event is dropped and a
// catch-up sync is requested instead.
type Consumer struct {
	tenant    string
	applier   *apply.Applier
	requester Requester
	fetcher   TombstoneFetcher
	cfg       ConsumerConfig

	queue chan Event
	wg    sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool
}

// NewConsumer creates a consumer. requester and fetcher may be nil.
func NewConsumer(tenant string, applier *apply.Applier, requester Requester, fetcher TombstoneFetcher, cfg ConsumerConfig) *Consumer {
	def := DefaultConsumerConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	return &Consumer{
		tenant:    tenant,
		applier:   applier,
		requester: requester,
		fetcher:   fetcher,
		cfg:       cfg,
		queue:     make(chan Event, cfg.QueueSize),
	}
}

// Start launches the workers. They exit when Stop is called.
func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return
	}
	c.started = true

	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for ev := range c.queue {
				if err := c.Apply(ctx, ev); err != nil {
					logging.Error("Failed to apply realtime event", err,
						map[string]interface{}{
							"tenant": c.tenant,
							"table":  string(ev.Table),
							"op":     string(ev.Op),
						})
				}
			}
		}()
	}
}

// Stop drains queued events and waits for the workers.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.queue)
	c.mu.Unlock()

	c.wg.Wait()
}

// Enqueue hands ev to a worker. It reports false if ev was dropped.
func (c *Consumer) Enqueue(ev Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		return false
	}

	select {
	case c.queue <- ev:
		return true
	default:
	}

	metrics.RealtimeEvents.WithLabelValues(string(ev.Table), "dropped").Inc()
	logging.Warn("Realtime queue full, dropping event",
		map[string]interface{}{"tenant": c.tenant, "table": string(ev.Table)})
	c.request("realtime_overflow")
	return false
}

func (c *Consumer) request(reason string) {
	if c.requester != nil {
		c.requester.RequestSync(c.tenant, scheduler.Options{IsActive: true, Reason: reason})
	}
}

// Apply applies one event synchronously. INSERT and UPDATE are both
// upserts; a newly set deleted_at tombstones and a cleared one restores.
// Hard deletes are ignored: only tombstones delete locally. A truncated
// event is replaced by a catch-up sync request.
func (c *Consumer) Apply(ctx context.Context, ev Event) error {
	if ev.Owner() != c.tenant {
		c.count(ev.Table, "skipped")
		return nil
	}
	if ev.Op == OpDelete {
		logging.Debug("Ignoring hard delete from realtime feed",
			map[string]interface{}{"tenant": c.tenant, "table": string(ev.Table), "id": ev.Row["id"]})
		c.count(ev.Table, "skipped")
		return nil
	}
	if ev.Truncated {
		c.count(ev.Table, "skipped")
		c.request("realtime_truncated")
		return nil
	}

	var (
		out apply.Outcome
		err error
	)
	switch ev.Table {
	case remote.TableConversations:
		out, err = c.conversation(ctx, ev.Row)
	case remote.TableMessages:
		out, err = c.message(ctx, ev.Row)
	default:
		err = apperrors.New(apperrors.ErrValidation, "unknown table "+string(ev.Table))
	}
	if err != nil {
		c.count(ev.Table, "error")
		return err
	}

	if out.Applied {
		c.count(ev.Table, "applied")
	} else {
		c.count(ev.Table, "skipped")
	}
	return nil
}

func (c *Consumer) conversation(ctx context.Context, row remote.Row) (apply.Outcome, error) {
	conv, err := remote.ConversationFromRow(row)
	if err != nil {
		return apply.Outcome{}, err
	}
	out, err := c.applier.Conversation(ctx, conv)
	if err != nil {
		return out, err
	}
	if out.Action == conflict.ActionRestore && out.Applied {
		c.afterRestore(ctx, conv.ID)
	}
	return out, nil
}

// afterRestore puts back message tombstones that the restore cleared but
// that are still deleted remotely. Without a fetcher it falls back to a
// catch-up sync.
func (c *Consumer) afterRestore(ctx context.Context, id models.UUID) {
	if c.fetcher == nil {
		c.request("realtime_restore")
		return
	}
	if _, err := c.fetcher.ReapplyMessageTombstones(ctx, c.tenant, []models.UUID{id}); err != nil {
		logging.Warn("Failed to reapply message tombstones after restore",
			map[string]interface{}{"tenant": c.tenant, "conversation_id": string(id), "error": err.Error()})
		c.request("realtime_restore")
	}
}

func (c *Consumer) message(ctx context.Context, row remote.Row) (apply.Outcome, error) {
	m, err := remote.MessageFromRow(row)
	if err != nil {
		return apply.Outcome{}, err
	}
	return c.applier.Message(ctx, m)
}

func (c *Consumer) count(table remote.Table, outcome string) {
	metrics.RealtimeEvents.WithLabelValues(string(table), outcome).Inc()
}
