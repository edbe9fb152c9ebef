// Package pull fetches remote changes since a tenant's cursor and applies
// them to the local store.
package pull

import (
	"context"
	"time"

	apperrors "github.com/kimhsiao/novachat/backend/internal/errors"
	"github.com/kimhsiao/novachat/backend/internal/logging"
	"github.com/kimhsiao/novachat/backend/internal/metrics"
	"github.com/kimhsiao/novachat/backend/internal/models"
	"github.com/kimhsiao/novachat/backend/internal/sync/apply"
	"github.com/kimhsiao/novachat/backend/internal/sync/conflict"
	"github.com/kimhsiao/novachat/backend/internal/sync/remote"
	"github.com/kimhsiao/novachat/backend/internal/sync/retry"
)

// Config tunes the pull engine.
type Config struct {
	// PageSize bounds each conversation page.
	PageSize int
	// MessagePageSize bounds each message page.
	MessagePageSize int
	// Retry wraps every remote call.
	Retry retry.Policy
}

// DefaultConfig returns the default pull configuration.
func DefaultConfig() Config {
	return Config{
		PageSize:        50,
		MessagePageSize: 200,
		Retry:           retry.DefaultPolicy(),
	}
}

// Result counts what a pull applied locally.
type Result struct {
	Full              bool `json:"full"`
	Conversations     int  `json:"conversations"`
	Tombstones        int  `json:"tombstones"`
	Restores          int  `json:"restores"`
	Messages          int  `json:"messages"`
	MessageTombstones int  `json:"message_tombstones"`
	Conflicts         int  `json:"conflicts"`
	Skipped           int  `json:"skipped"`
}

// Applied returns the number of rows that changed locally.
func (r *Result) Applied() int {
	return r.Conversations + r.Tombstones + r.Restores + r.Messages + r.MessageTombstones
}

// Engine pulls remote rows for one tenant at a time. It never deletes a
// local row that is merely absent remotely; only tombstones delete.
type Engine struct {
	remote  remote.Store
	applier *apply.Applier
	cfg     Config
}

// New creates a pull engine.
func New(rs remote.Store, applier *apply.Applier, cfg Config) *Engine {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultConfig().PageSize
	}
	if cfg.MessagePageSize <= 0 {
		cfg.MessagePageSize = DefaultConfig().MessagePageSize
	}
	return &Engine{remote: rs, applier: applier, cfg: cfg}
}

// Pull applies remote changes newer than cursor. A nil cursor pulls
// everything. The caller advances the cursor.
func (e *Engine) Pull(ctx context.Context, tenant string, cursor *models.SyncCursor) (*Result, error) {
	res := &Result{Full: cursor == nil}
	var since int64
	if cursor != nil {
		since = cursor.LastSyncedAt
	}
	start := time.Now()

	var touched, inserted, restored []models.UUID

	// Live conversations, newest first.
	live := []remote.Filter{remote.Eq("owner_id", tenant), remote.IsNull("deleted_at")}
	if !res.Full {
		live = append(live, remote.Gt("updated_at", since))
	}
	err := e.walk(ctx, remote.Query{
		Table:   remote.TableConversations,
		Filters: live,
		Order:   &remote.Order{Column: "updated_at", Desc: true},
		Limit:   e.cfg.PageSize,
	}, func(row remote.Row) error {
		c, err := remote.ConversationFromRow(row)
		if err != nil {
			return err
		}
		out, err := e.applier.Conversation(ctx, c)
		if err != nil {
			return err
		}
		res.countConversation(out)
		touched = append(touched, c.ID)
		switch {
		case !out.Applied:
		case out.Action == conflict.ActionInsert:
			inserted = append(inserted, c.ID)
		case out.Action == conflict.ActionRestore:
			restored = append(restored, c.ID)
		}
		return nil
	})
	if err != nil {
		return res, err
	}

	// Tombstones are excluded above and need their own pass.
	tombs := []remote.Filter{remote.Eq("owner_id", tenant), remote.NotNull("deleted_at")}
	if !res.Full {
		tombs = append(tombs, remote.Gt("updated_at", since))
	}
	err = e.walk(ctx, remote.Query{
		Table:   remote.TableConversations,
		Filters: tombs,
		Order:   &remote.Order{Column: "updated_at", Desc: true},
		Limit:   e.cfg.PageSize,
	}, func(row remote.Row) error {
		c, err := remote.ConversationFromRow(row)
		if err != nil {
			return err
		}
		out, err := e.applier.Conversation(ctx, c)
		if err != nil {
			return err
		}
		res.countConversation(out)
		return nil
	})
	if err != nil {
		return res, err
	}

	// Messages. A new message does not bump its conversation, so a delta
	// pull reads every message changed since the cursor whatever its
	// parent, plus the full history of conversations new to this device.
	// Pull only inserts what is missing; realtime is the primary message
	// writer.
	full := touched
	if !res.Full {
		full = inserted
		changed := []remote.Filter{remote.Eq("owner_id", tenant), remote.Gt("updated_at", since)}
		if err := e.pullMessages(ctx, changed, "updated_at", res); err != nil {
			return res, err
		}
	}
	for _, ids := range chunk(full, e.cfg.PageSize) {
		filters := []remote.Filter{remote.Eq("owner_id", tenant), remote.In("conversation_id", uuidValues(ids)...)}
		if err := e.pullMessages(ctx, filters, "created_at", res); err != nil {
			return res, err
		}
	}

	if err := e.reapplyTombstones(ctx, tenant, restored, res); err != nil {
		return res, err
	}

	logging.Info("Pull completed",
		map[string]interface{}{
			"tenant":        tenant,
			"full":          res.Full,
			"conversations": res.Conversations,
			"tombstones":    res.Tombstones,
			"restores":      res.Restores,
			"messages":      res.Messages,
			"conflicts":     res.Conflicts,
			"duration_ms":   time.Since(start).Milliseconds(),
		})
	return res, nil
}

// ReapplyMessageTombstones applies every remote message tombstone of the
// given conversations, whatever its age. A local restore clears all child
// tombstones, so this puts back the ones still deleted remotely.
func (e *Engine) ReapplyMessageTombstones(ctx context.Context, tenant string, ids []models.UUID) (*Result, error) {
	res := &Result{}
	err := e.reapplyTombstones(ctx, tenant, ids, res)
	return res, err
}

func (e *Engine) reapplyTombstones(ctx context.Context, tenant string, ids []models.UUID, res *Result) error {
	for _, page := range chunk(ids, e.cfg.PageSize) {
		filters := []remote.Filter{
			remote.Eq("owner_id", tenant),
			remote.In("conversation_id", uuidValues(page)...),
			remote.NotNull("deleted_at"),
		}
		if err := e.pullMessages(ctx, filters, "updated_at", res); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) pullMessages(ctx context.Context, filters []remote.Filter, orderBy string, res *Result) error {
	return e.walk(ctx, remote.Query{
		Table:   remote.TableMessages,
		Filters: filters,
		Order:   &remote.Order{Column: orderBy},
		Limit:   e.cfg.MessagePageSize,
	}, func(row remote.Row) error {
		m, err := remote.MessageFromRow(row)
		if err != nil {
			return err
		}
		out, err := e.applier.Message(ctx, m)
		if err != nil {
			return err
		}
		res.countMessage(out)
		return nil
	})
}

// walk reads q page by page in its order, calling fn for every row once.
// After a full page the rest of the boundary value's rows are drained by
// id before moving strictly past it, so ties never straddle a page.
func (e *Engine) walk(ctx context.Context, q remote.Query, fn func(remote.Row) error) error {
	key := q.Order.Column
	base := q.Filters

	for {
		rows, err := e.selectPage(ctx, q)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if err := fn(row); err != nil {
				return err
			}
		}
		if q.Limit == 0 || len(rows) < q.Limit {
			return nil
		}

		lastRow := rows[len(rows)-1]
		last, err := remote.ToMillis(lastRow[key])
		if err != nil {
			return apperrors.Wrap(apperrors.ErrValidation, "page boundary "+key, err)
		}
		lastID, _ := lastRow["id"].(string)
		if err := e.walkTies(ctx, q, base, key, last, lastID, fn); err != nil {
			return err
		}

		past := remote.Gt(key, last)
		if q.Order.Desc {
			past = remote.Lt(key, last)
		}
		q.Filters = withFilters(base, past)
	}
}

// walkTies visits the remaining rows whose key equals value, in id order.
func (e *Engine) walkTies(ctx context.Context, q remote.Query, base []remote.Filter, key string, value int64, afterID string, fn func(remote.Row) error) error {
	tq := q
	tq.Order = &remote.Order{Column: "id"}
	for {
		tq.Filters = withFilters(base, remote.Eq(key, value), remote.Gt("id", afterID))
		rows, err := e.selectPage(ctx, tq)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if err := fn(row); err != nil {
				return err
			}
		}
		if len(rows) < tq.Limit {
			return nil
		}
		afterID, _ = rows[len(rows)-1]["id"].(string)
	}
}

func (e *Engine) selectPage(ctx context.Context, q remote.Query) ([]remote.Row, error) {
	return retry.DoValue(ctx, e.policy("select "+string(q.Table)), func(ctx context.Context) ([]remote.Row, error) {
		return e.remote.Select(ctx, q)
	})
}

func (e *Engine) policy(op string) retry.Policy {
	p := e.cfg.Retry
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.RemoteRetries.WithLabelValues(op).Inc()
		logging.Warn("Retrying remote call",
			map[string]interface{}{
				"op":       op,
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
				"error":    err.Error(),
			})
	}
	return p
}

func withFilters(base []remote.Filter, extra ...remote.Filter) []remote.Filter {
	out := make([]remote.Filter, 0, len(base)+len(extra))
	out = append(out, base...)
	return append(out, extra...)
}

func (r *Result) countConversation(out apply.Outcome) {
	if out.Conflict {
		r.Conflicts++
	}
	if !out.Applied {
		r.Skipped++
		metrics.PulledRows.WithLabelValues("conversations", "skip").Inc()
		return
	}
	switch out.Action {
	case conflict.ActionTombstone:
		r.Tombstones++
	case conflict.ActionRestore:
		r.Restores++
	default:
		r.Conversations++
	}
	metrics.PulledRows.WithLabelValues("conversations", out.Action.String()).Inc()
}

func (r *Result) countMessage(out apply.Outcome) {
	if !out.Applied {
		r.Skipped++
		metrics.PulledRows.WithLabelValues("messages", "skip").Inc()
		return
	}
	if out.Action == conflict.ActionTombstone {
		r.MessageTombstones++
	} else {
		r.Messages++
	}
	metrics.PulledRows.WithLabelValues("messages", out.Action.String()).Inc()
}

func chunk(ids []models.UUID, size int) [][]models.UUID {
	var out [][]models.UUID
	for len(ids) > 0 {
		n := size
		if n > len(ids) {
			n = len(ids)
		}
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}

func uuidValues(ids []models.UUID) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
