// Package outbox finds local rows that still need to reach the remote store.
package outbox

import (
	"context"
	"time"

	"github.com/kimhsiao/novachat/backend/internal/db"
	"github.com/kimhsiao/novachat/backend/internal/logging"
	"github.com/kimhsiao/novachat/backend/internal/models"
)

// Repository is the subset of the local store the scanner reads.
type Repository interface {
	QueryConversations(ctx context.Context, q db.ConversationQuery) ([]*models.Conversation, error)
	CountConversations(ctx context.Context, q db.ConversationQuery) (int, error)
	QueryMessages(ctx context.Context, q db.MessageQuery) ([]*models.Message, error)
	CountMessages(ctx context.Context, q db.MessageQuery) (int, error)
	RetryFailed(ctx context.Context, ownerID string, now int64) (int64, error)
}

// Counts summarizes a tenant's unsynced rows.
type Counts struct {
	PendingConversations int `json:"pending_conversations"`
	PendingMessages      int `json:"pending_messages"`
	FailedConversations  int `json:"failed_conversations"`
	FailedMessages       int `json:"failed_messages"`
}

// Pending returns the total number of pending rows.
func (c Counts) Pending() int {
	return c.PendingConversations + c.PendingMessages
}

// Failed returns the total number of failed rows.
func (c Counts) Failed() int {
	return c.FailedConversations + c.FailedMessages
}

// Scanner selects outbox rows. Only rows edited within Window are
// offered for push, at most BatchSize per table, oldest first.
type Scanner struct {
	repo      Repository
	window    time.Duration
	batchSize int
	now       func() time.Time
}

// NewScanner creates a scanner. A zero window disables the recency bound.
func NewScanner(repo Repository, window time.Duration, batchSize int, now func() time.Time) *Scanner {
	if now == nil {
		now = time.Now
	}
	return &Scanner{repo: repo, window: window, batchSize: batchSize, now: now}
}

func (s *Scanner) since() int64 {
	if s.window <= 0 {
		return 0
	}
	return s.now().Add(-s.window).UnixMilli()
}

// PendingConversations returns pending conversations, tombstones included.
func (s *Scanner) PendingConversations(ctx context.Context, tenant string) ([]*models.Conversation, error) {
	return s.repo.QueryConversations(ctx, db.ConversationQuery{
		OwnerID:        tenant,
		UpdatedSince:   s.since(),
		SyncState:      models.SyncStatePending,
		IncludeDeleted: true,
		Order:          db.OrderUpdatedAsc,
		Limit:          s.batchSize,
	})
}

// PendingMessages returns pending messages, tombstones included.
func (s *Scanner) PendingMessages(ctx context.Context, tenant string) ([]*models.Message, error) {
	return s.repo.QueryMessages(ctx, db.MessageQuery{
		OwnerID:        tenant,
		UpdatedSince:   s.since(),
		SyncState:      models.SyncStatePending,
		IncludeDeleted: true,
		Order:          db.OrderUpdatedAsc,
		Limit:          s.batchSize,
	})
}

// Counts reports pending and failed rows regardless of the push window.
func (s *Scanner) Counts(ctx context.Context, tenant string) (Counts, error) {
	var c Counts
	var err error
	convQuery := func(state models.SyncState) db.ConversationQuery {
		return db.ConversationQuery{OwnerID: tenant, SyncState: state, IncludeDeleted: true}
	}
	msgQuery := func(state models.SyncState) db.MessageQuery {
		return db.MessageQuery{OwnerID: tenant, SyncState: state, IncludeDeleted: true}
	}
	if c.PendingConversations, err = s.repo.CountConversations(ctx, convQuery(models.SyncStatePending)); err != nil {
		return Counts{}, err
	}
	if c.FailedConversations, err = s.repo.CountConversations(ctx, convQuery(models.SyncStateFailed)); err != nil {
		return Counts{}, err
	}
	if c.PendingMessages, err = s.repo.CountMessages(ctx, msgQuery(models.SyncStatePending)); err != nil {
		return Counts{}, err
	}
	if c.FailedMessages, err = s.repo.CountMessages(ctx, msgQuery(models.SyncStateFailed)); err != nil {
		return Counts{}, err
	}
	return c, nil
}

// RetryFailed returns failed rows to the outbox with a fresh updated_at
// so they fall inside the push window again.
func (s *Scanner) RetryFailed(ctx context.Context, tenant string) (int64, error) {
	n, err := s.repo.RetryFailed(ctx, tenant, s.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("Failed rows returned to outbox",
			map[string]interface{}{"tenant": tenant, "rows": n})
	}
	return n, nil
}
