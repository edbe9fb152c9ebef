// Package push sends outbox rows to the remote store. Parents are
// upserted before their messages and every upsert is idempotent, so a
// retried push never duplicates a row.
package push

import (
	"context"
	"time"

	apperrors "github.com/kimhsiao/novachat/backend/internal/errors"
	"github.com/kimhsiao/novachat/backend/internal/logging"
	"github.com/kimhsiao/novachat/backend/internal/metrics"
	"github.com/kimhsiao/novachat/backend/internal/models"
	"github.com/kimhsiao/novachat/backend/internal/sync/apply"
	"github.com/kimhsiao/novachat/backend/internal/sync/remote"
	"github.com/kimhsiao/novachat/backend/internal/sync/retry"
)

// Store is the subset of the local store the push engine writes.
type Store interface {
	GetConversation(ctx context.Context, id models.UUID) (*models.Conversation, error)
	MarkConversationSynced(ctx context.Context, id models.UUID, updatedAt int64) (bool, error)
	MarkConversationFailed(ctx context.Context, id models.UUID, updatedAt int64) (bool, error)
	MarkMessageSynced(ctx context.Context, id models.UUID, updatedAt int64) (bool, error)
	MarkMessageFailed(ctx context.Context, id models.UUID, updatedAt int64) (bool, error)
}

// Outbox supplies the rows to push.
type Outbox interface {
	PendingConversations(ctx context.Context, tenant string) ([]*models.Conversation, error)
	PendingMessages(ctx context.Context, tenant string) ([]*models.Message, error)
}

// Config tunes the push engine.
type Config struct {
	// ReferentialRetries bounds parent-then-child retries after the
	// remote store reports a missing parent.
	ReferentialRetries int
	// ReferentialDelay is the pause before each of those retries.
	ReferentialDelay time.Duration
	// Retry wraps every remote call.
	Retry retry.Policy
}

// DefaultConfig returns the default push configuration.
func DefaultConfig() Config {
	return Config{
		ReferentialRetries: 2,
		ReferentialDelay:   300 * time.Millisecond,
		Retry:              retry.DefaultPolicy(),
	}
}

// TableResult counts push outcomes for one table.
type TableResult struct {
	Synced    int `json:"synced"`
	Conflicts int `json:"conflicts"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"`
}

// Result reports a push.
type Result struct {
	Conversations TableResult `json:"conversations"`
	Messages      TableResult `json:"messages"`
	// Err is the first error that left a row pending.
	Err error `json:"-"`
}

// Deferred returns the number of rows left pending for the next round.
func (r *Result) Deferred() int {
	return r.Conversations.Deferred + r.Messages.Deferred
}

func (r *Result) deferRow(t *TableResult, err error) {
	t.Deferred++
	if r.Err == nil {
		r.Err = err
	}
}

// Engine pushes one tenant's outbox at a time.
type Engine struct {
	remote remote.Store
	local  Store
	outbox Outbox
	// refresh, when set, re-applies the remote copy of a conversation
	// whose push lost last-writer-wins.
	refresh *apply.Applier
	cfg     Config
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a push engine. applier may be nil.
func New(rs remote.Store, local Store, outbox Outbox, applier *apply.Applier, cfg Config) *Engine {
	sleep := cfg.Retry.Sleep
	if sleep == nil {
		sleep = retry.Sleep
	}
	return &Engine{remote: rs, local: local, outbox: outbox, refresh: applier, cfg: cfg, sleep: sleep}
}

// round holds per-push state.
type round struct {
	tenant string
	res    *Result
	// parents already upserted during this push
	ensured map[models.UUID]bool
}

// Push sends the tenant's outbox. Per-row failures leave rows pending or
// failed and are reported in Result. An authentication failure aborts
// the push and is returned, as are local store errors.
func (e *Engine) Push(ctx context.Context, tenant string) (*Result, error) {
	r := &round{tenant: tenant, res: &Result{}, ensured: map[models.UUID]bool{}}
	start := time.Now()

	convs, err := e.outbox.PendingConversations(ctx, tenant)
	if err != nil {
		return r.res, err
	}
	for _, c := range convs {
		if err := e.pushConversation(ctx, r, c); err != nil {
			return r.res, err
		}
	}

	msgs, err := e.outbox.PendingMessages(ctx, tenant)
	if err != nil {
		return r.res, err
	}
	for _, m := range msgs {
		if err := e.pushMessage(ctx, r, m); err != nil {
			return r.res, err
		}
	}

	if len(convs)+len(msgs) > 0 {
		logging.Info("Push completed",
			map[string]interface{}{
				"tenant":                 tenant,
				"conversations_synced":   r.res.Conversations.Synced,
				"conversations_deferred": r.res.Conversations.Deferred,
				"messages_synced":        r.res.Messages.Synced,
				"messages_conflicts":     r.res.Messages.Conflicts,
				"messages_deferred":      r.res.Messages.Deferred,
				"failed":                 r.res.Conversations.Failed + r.res.Messages.Failed,
				"duration_ms":            time.Since(start).Milliseconds(),
			})
	}
	return r.res, nil
}

func (e *Engine) pushConversation(ctx context.Context, r *round, c *models.Conversation) error {
	t := &r.res.Conversations
	res, err := e.upsert(ctx, remote.TableConversations, remote.ConversationToRow(c))
	if err != nil {
		return e.rowFailed(ctx, r, t, "conversations", c.ID, c.UpdatedAt, err, e.local.MarkConversationFailed)
	}

	r.ensured[c.ID] = true
	if _, err := e.local.MarkConversationSynced(ctx, c.ID, c.UpdatedAt); err != nil {
		return err
	}
	if res == remote.Conflict {
		t.Conflicts++
		metrics.PushedRows.WithLabelValues("conversations", "conflict").Inc()
		return e.refreshConversation(ctx, c.ID)
	}
	t.Synced++
	metrics.PushedRows.WithLabelValues("conversations", "synced").Inc()
	return nil
}

// refreshConversation applies the remote copy of a conversation that
// was at least as new as the pushed one, so the device converges without
// waiting for its cursor to cover it.
func (e *Engine) refreshConversation(ctx context.Context, id models.UUID) error {
	if e.refresh == nil {
		return nil
	}
	rows, err := retry.DoValue(ctx, e.cfg.Retry, func(ctx context.Context) ([]remote.Row, error) {
		return e.remote.Select(ctx, remote.Query{
			Table:   remote.TableConversations,
			Filters: []remote.Filter{remote.Eq("id", string(id))},
			Limit:   1,
		})
	})
	if err != nil || len(rows) == 0 {
		// the next pull catches up
		return nil
	}
	c, err := remote.ConversationFromRow(rows[0])
	if err != nil {
		return nil
	}
	_, err = e.refresh.Conversation(ctx, c)
	return err
}

func (e *Engine) pushMessage(ctx context.Context, r *round, m *models.Message) error {
	t := &r.res.Messages
	row := remote.MessageToRow(m)

	if err := e.ensureParent(ctx, r, m.ConversationID, false); err != nil {
		if apperrors.IsAuth(err) || ctx.Err() != nil {
			return err
		}
		logging.Warn("Parent upsert failed, message deferred",
			map[string]interface{}{"message_id": m.ID, "conversation_id": m.ConversationID, "error": err.Error()})
		r.res.deferRow(t, err)
		metrics.PushedRows.WithLabelValues("messages", "deferred").Inc()
		return nil
	}

	res, err := e.upsert(ctx, remote.TableMessages, row)
	for attempt := 0; err != nil && apperrors.IsReferential(err) && attempt < e.cfg.ReferentialRetries; attempt++ {
		metrics.ReferentialRetries.Inc()
		logging.Warn("Parent not visible, retrying message",
			map[string]interface{}{
				"message_id":      m.ID,
				"conversation_id": m.ConversationID,
				"attempt":         attempt + 1,
			})
		if perr := e.ensureParent(ctx, r, m.ConversationID, true); perr != nil {
			err = perr
			break
		}
		if serr := e.sleep(ctx, e.cfg.ReferentialDelay); serr != nil {
			return serr
		}
		res, err = e.upsert(ctx, remote.TableMessages, row)
	}
	if err != nil {
		return e.rowFailed(ctx, r, t, "messages", m.ID, m.UpdatedAt, err, e.local.MarkMessageFailed)
	}

	// A conflict means another writer already stored this immutable row.
	if _, err := e.local.MarkMessageSynced(ctx, m.ID, m.UpdatedAt); err != nil {
		return err
	}
	if res == remote.Conflict {
		t.Conflicts++
		metrics.PushedRows.WithLabelValues("messages", "conflict").Inc()
		return nil
	}
	t.Synced++
	metrics.PushedRows.WithLabelValues("messages", "synced").Inc()
	return nil
}

// ensureParent upserts the local copy of a message's conversation unless
// it was already upserted in this push. force ignores that cache.
func (e *Engine) ensureParent(ctx context.Context, r *round, id models.UUID, force bool) error {
	if r.ensured[id] && !force {
		return nil
	}
	parent, err := e.local.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if parent == nil {
		// Nothing to send; the message upsert reports whether the remote
		// store knows the conversation.
		return nil
	}
	if _, err := e.upsert(ctx, remote.TableConversations, remote.ConversationToRow(parent)); err != nil {
		return err
	}
	r.ensured[id] = true
	return nil
}

func (e *Engine) upsert(ctx context.Context, table remote.Table, row remote.Row) (remote.UpsertResult, error) {
	op := "upsert " + string(table)
	p := e.cfg.Retry
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.RemoteRetries.WithLabelValues(op).Inc()
		logging.Warn("Retrying remote call",
			map[string]interface{}{
				"op":       op,
				"id":       row["id"],
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
				"error":    err.Error(),
			})
	}
	res, err := retry.DoValue(ctx, p, func(ctx context.Context) (remote.UpsertResult, error) {
		return e.remote.Upsert(ctx, table, row, "id")
	})
	if apperrors.IsConflict(err) {
		// a uniqueness violation is a duplicate write, not a failure
		return remote.Conflict, nil
	}
	return res, err
}

// rowFailed classifies a failed upsert. Validation failures mark the row
// failed; authentication aborts the push; anything else leaves it pending.
func (e *Engine) rowFailed(ctx context.Context, r *round, t *TableResult, table string, id models.UUID, updatedAt int64, err error,
	markFailed func(context.Context, models.UUID, int64) (bool, error)) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case apperrors.IsAuth(err):
		logging.Warn("Push aborted: not authorized",
			map[string]interface{}{"tenant": r.tenant, "error": err.Error()})
		return err
	case apperrors.IsValidation(err):
		logging.Error("Remote store rejected row", err,
			map[string]interface{}{"table": table, "id": id})
		if _, merr := markFailed(ctx, id, updatedAt); merr != nil {
			return merr
		}
		t.Failed++
		metrics.PushedRows.WithLabelValues(table, "failed").Inc()
		return nil
	default:
		logging.Warn("Push deferred",
			map[string]interface{}{"table": table, "id": id, "error": err.Error()})
		r.res.deferRow(t, err)
		metrics.PushedRows.WithLabelValues(table, "deferred").Inc()
		return nil
	}
}
