package realtime

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/novachat/backend/internal/errors"
	"github.com/kimhsiao/novachat/backend/internal/logging"
	"github.com/kimhsiao/novachat/backend/internal/metrics"
	"github.com/kimhsiao/novachat/backend/internal/sync/retry"
	"github.com/kimhsiao/novachat/backend/internal/sync/scheduler"
)

// Sink receives the events of a live subscription. *Consumer implements it.
type Sink interface {
	Enqueue(ev Event) bool
}

var _ Sink = (*Consumer)(nil)

// Supervisor keeps one tenant subscribed to a Feed, feeding a Sink.
// Every established subscription is followed by a sync request, since
// events published while disconnected are lost.
type Supervisor struct {
	feed      Feed
	tenant    string
	sink      Sink
	requester Requester
	backoff   retry.Policy
	sleep     func(ctx context.Context, d time.Duration) error
	// doneGrace bounds the wait for Done after Events closes.
	doneGrace time.Duration

	mu          sync.Mutex
	connected   bool
	connections int
}

// NewSupervisor creates a supervisor. backoff's delays space out
// reconnect attempts; its Sleep, if set, replaces the wait. requester
// may be nil.
func NewSupervisor(feed Feed, tenant string, sink Sink, requester Requester, backoff retry.Policy) *Supervisor {
	sleep := backoff.Sleep
	if sleep == nil {
		sleep = retry.Sleep
	}
	return &Supervisor{
		feed:      feed,
		tenant:    tenant,
		sink:      sink,
		requester: requester,
		backoff:   backoff,
		sleep:     sleep,
		doneGrace: defaultDoneGrace,
	}
}

const defaultDoneGrace = time.Second

// Run subscribes and re-subscribes until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	failures := 0
	for {
		sub, err := s.feed.Subscribe(ctx, s.tenant)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			delay := s.backoff.Backoff(failures)
			if apperrors.IsAuth(err) && s.backoff.MaxDelay > 0 {
				delay = s.backoff.MaxDelay
			}
			failures++
			logging.Warn("Realtime subscribe failed",
				map[string]interface{}{
					"tenant":   s.tenant,
					"attempt":  failures,
					"delay_ms": delay.Milliseconds(),
					"code":     string(apperrors.CodeOf(err)),
					"error":    err.Error(),
				})
			if err := s.sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}

		failures = 0
		reason := s.established()
		if s.requester != nil {
			s.requester.RequestSync(s.tenant, scheduler.Options{IsActive: true, Reason: reason})
		}

		err = s.pump(ctx, sub)
		s.setConnected(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fields := map[string]interface{}{"tenant": s.tenant}
		if err != nil {
			fields["error"] = err.Error()
		}
		logging.Warn("Realtime subscription ended", fields)

		if err := s.sleep(ctx, s.backoff.Backoff(0)); err != nil {
			return err
		}
	}
}

func (s *Supervisor) pump(ctx context.Context, sub Subscription) error {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return s.ended(ctx, sub)
			}
			s.sink.Enqueue(ev)
		}
	}
}

// ended returns the error of a subscription whose events have closed. A
// transport that never signals Done is treated as a clean end.
func (s *Supervisor) ended(ctx context.Context, sub Subscription) error {
	grace := time.NewTimer(s.doneGrace)
	defer grace.Stop()
	select {
	case err := <-sub.Done():
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-grace.C:
		logging.Debug("Realtime subscription closed without a final error",
			map[string]interface{}{"tenant": s.tenant})
		return nil
	}
}

// established records a new subscription and returns the sync reason.
func (s *Supervisor) established() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	s.connections++
	if s.connections == 1 {
		logging.Info("Realtime subscription established", map[string]interface{}{"tenant": s.tenant})
		return "subscribe"
	}
	metrics.RealtimeReconnects.Inc()
	logging.Info("Realtime subscription re-established",
		map[string]interface{}{"tenant": s.tenant, "connections": s.connections})
	return "reconnect"
}

func (s *Supervisor) setConnected(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = v
}

// Connected reports whether a subscription is currently open.
func (s *Supervisor) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Connections returns how many subscriptions have been established.
func (s *Supervisor) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections
}
