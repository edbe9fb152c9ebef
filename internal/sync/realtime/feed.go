// Package realtime consumes the remote store's row-change feed.
//
// Delivery is at-least-once and may reorder or duplicate events, so every
// event is applied as an idempotent upsert through the same resolver the
// pull engine uses.
package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	apperrors "github.com/kimhsiao/novachat/backend/internal/errors"
	"github.com/kimhsiao/novachat/backend/internal/sync/remote"
)

// Op is the kind of change an Event reports.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Event is one row change.
type Event struct {
	Table remote.Table
	Op    Op
	// Row is the new row image. For OpDelete it is the old image.
	Row remote.Row
	// Truncated events carry only id and owner_id because the full row
	// did not fit the transport's payload limit.
	Truncated bool
}

// Owner returns the tenant the row belongs to.
func (e Event) Owner() string {
	owner, _ := e.Row["owner_id"].(string)
	return owner
}

// Feed opens subscriptions to a tenant's changes.
type Feed interface {
	Subscribe(ctx context.Context, tenant string) (Subscription, error)
}

// Subscription is one live connection to a Feed.
type Subscription interface {
	// Events is closed when the subscription ends.
	Events() <-chan Event
	// Done yields the error that ended the subscription, then closes.
	// A subscription ended by Close yields nothing.
	Done() <-chan error
	Close()
}

// envelope is the JSON wire format shared by the WebSocket and Redis
// transports.
type envelope struct {
	Type      string                 `json:"type"`
	Table     string                 `json:"table"`
	Record    map[string]interface{} `json:"record"`
	OldRecord map[string]interface{} `json:"old_record,omitempty"`
	Truncated bool                   `json:"truncated,omitempty"`
}

// DecodeEvent parses one wire message. Control frames such as
// heartbeats decode to ok == false.
func DecodeEvent(data []byte) (ev Event, ok bool, err error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, false, apperrors.Wrap(apperrors.ErrValidation, "malformed realtime message", err)
	}

	op := Op(strings.ToUpper(env.Type))
	switch op {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return Event{}, false, nil
	}

	table := remote.Table(env.Table)
	if _, err := remote.Columns(table); err != nil {
		return Event{}, false, err
	}

	row := env.Record
	if op == OpDelete {
		row = env.OldRecord
	}
	if row == nil {
		return Event{}, false, apperrors.New(apperrors.ErrValidation, "realtime message without record")
	}
	return Event{Table: table, Op: op, Row: remote.Row(row), Truncated: env.Truncated}, true, nil
}

// EncodeEvent renders ev in the wire format read by DecodeEvent.
func EncodeEvent(ev Event) ([]byte, error) {
	env := envelope{Type: string(ev.Op), Table: string(ev.Table), Truncated: ev.Truncated}
	if ev.Op == OpDelete {
		env.OldRecord = ev.Row
	} else {
		env.Record = ev.Row
	}
	return json.Marshal(env)
}

// subscription is the channel plumbing shared by the transports.
type subscription struct {
	events chan Event
	done   chan error
	stop   chan struct{}
	closed chan struct{}

	once sync.Once
	// onClose unblocks the transport's read loop.
	onClose func()
}

func newSubscription(buffer int) *subscription {
	return &subscription{
		events: make(chan Event, buffer),
		done:   make(chan error, 1),
		stop:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (s *subscription) Events() <-chan Event { return s.events }
func (s *subscription) Done() <-chan error { return s.done }

// Close stops the subscription and waits for its read loop to exit.
func (s *subscription) Close() {
	s.once.Do(func() {
		close(s.stop)
		if s.onClose != nil {
			s.onClose()
		}
	})
	<-s.closed
}

// deliver hands ev to the reader. It reports false once the
// subscription is stopping.
func (s *subscription) deliver(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.stop:
		return false
	}
}

// end is called once by the transport's read loop when it exits.
func (s *subscription) end(err error) {
	select {
	case <-s.stop:
	default:
		if err != nil {
			s.done <- err
		}
	}
	close(s.events)
	close(s.done)
	close(s.closed)
}
