package realtime

import (
	"context"
	"sync"

	"github.com/kimhsiao/novachat/backend/internal/sync/remote"
)

// MemoryFeed turns the change notifications of a remote.Memory into a
// Feed. Tests use Disconnect and FailSubscribe to simulate a flaky
// connection.
type MemoryFeed struct {
	store  *remote.Memory
	buffer int

	mu       sync.Mutex
	kills    map[*subscription]chan error
	failErr  error
	failLeft int
}

// NewMemoryFeed creates a feed over store. buffer bounds each
// subscription's queue; changes beyond it are dropped.
func NewMemoryFeed(store *remote.Memory, buffer int) *MemoryFeed {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryFeed{store: store, buffer: buffer, kills: make(map[*subscription]chan error)}
}

// Subscribe starts delivering tenant's changes.
func (f *MemoryFeed) Subscribe(ctx context.Context, tenant string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	if f.failLeft > 0 {
		f.failLeft--
		err := f.failErr
		f.mu.Unlock()
		return nil, err
	}
	sub := newSubscription(f.buffer)
	kill := make(chan error, 1)
	f.kills[sub] = kill
	f.mu.Unlock()

	changes, unsubscribe := f.store.Subscribe(tenant, f.buffer)
	sub.onClose = unsubscribe

	go func() {
		err := f.pump(ctx, sub, changes, kill)
		unsubscribe()
		f.mu.Lock()
		delete(f.kills, sub)
		f.mu.Unlock()
		sub.end(err)
	}()
	return sub, nil
}

func (f *MemoryFeed) pump(ctx context.Context, sub *subscription, changes <-chan remote.Change, kill <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-kill:
			return err
		case c, ok := <-changes:
			if !ok {
				return nil
			}
			op := OpInsert
			if c.Op == remote.ChangeUpdate {
				op = OpUpdate
			}
			if !sub.deliver(Event{Table: c.Table, Op: op, Row: c.Row}) {
				return nil
			}
		}
	}
}

// Disconnect ends every open subscription with err.
func (f *MemoryFeed) Disconnect(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, kill := range f.kills {
		select {
		case kill <- err:
		default:
		}
	}
}

// FailSubscribe makes the next n Subscribe calls fail with err.
func (f *MemoryFeed) FailSubscribe(err error, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failErr = err
	f.failLeft = n
}

// Open returns the number of live subscriptions.
func (f *MemoryFeed) Open() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.kills)
}
