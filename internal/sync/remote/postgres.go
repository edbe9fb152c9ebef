package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/kimhsiao/novachat/backend/internal/errors"
)

// Postgres is the remote store backed by a PostgreSQL database.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a connection pool for databaseURL and verifies it with a ping.
func NewPostgres(ctx context.Context, databaseURL string, opts ...func(*pgxpool.Config)) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 4
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, classify("postgres: ping", err)
	}
	return &Postgres{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool.
func NewPostgresFromPool(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Pool returns the underlying pool.
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

// Close closes the database connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Ping checks the database connection.
func (p *Postgres) Ping(ctx context.Context) error {
	return classify("ping", p.pool.Ping(ctx))
}

const remoteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	deleted_at BIGINT
);
CREATE INDEX IF NOT EXISTS idx_conversations_owner_updated ON conversations (owner_id, updated_at);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations (id),
	owner_id TEXT NOT NULL,
	role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
	content TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	deleted_at BIGINT,
	deleted_by TEXT CHECK (deleted_by IN ('self', 'everyone'))
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages (conversation_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_owner_updated ON messages (owner_id, updated_at);

CREATE OR REPLACE FUNCTION novasync_notify_change() RETURNS trigger AS $$
DECLARE
	payload TEXT;
BEGIN
	payload := json_build_object(
		'type', TG_OP,
		'table', TG_TABLE_NAME,
		'record', CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE row_to_json(NEW) END,
		'old_record', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE row_to_json(OLD) END
	)::text;
	IF octet_length(payload) > 7900 THEN
		payload := json_build_object(
			'type', TG_OP,
			'table', TG_TABLE_NAME,
			'truncated', true,
			'record', json_build_object('id', COALESCE(NEW.id, OLD.id), 'owner_id', COALESCE(NEW.owner_id, OLD.owner_id)),
			'old_record', json_build_object('id', COALESCE(NEW.id, OLD.id), 'owner_id', COALESCE(NEW.owner_id, OLD.owner_id))
		)::text;
	END IF;
	PERFORM pg_notify('novasync_changes', payload);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS conversations_notify ON conversations;
CREATE TRIGGER conversations_notify AFTER INSERT OR UPDATE OR DELETE ON conversations
	FOR EACH ROW EXECUTE FUNCTION novasync_notify_change();
DROP TRIGGER IF EXISTS messages_notify ON messages;
CREATE TRIGGER messages_notify AFTER INSERT OR UPDATE OR DELETE ON messages
	FOR EACH ROW EXECUTE FUNCTION novasync_notify_change();
`

// ChangeChannel is the NOTIFY channel the schema's triggers publish
// row changes on. Payloads over the 8000 byte NOTIFY limit are sent
// truncated to id and owner_id.
const ChangeChannel = "novasync_changes"

// EnsureSchema creates the remote tables if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, remoteSchema)
	return classify("ensure schema", err)
}

// Select runs q and returns the matching rows.
func (p *Postgres) Select(ctx context.Context, q Query) ([]Row, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	cols, _ := Columns(q.Table)

	where, args := buildWhere(q.Filters, 1)
	sql := "SELECT " + strings.Join(cols, ", ") + " FROM " + string(q.Table) + where
	if q.Order != nil {
		sql += " ORDER BY " + q.Order.Column
		if q.Order.Desc {
			sql += " DESC"
		}
		sql += ", id"
	}
	if q.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify("select "+string(q.Table), err)
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, classify("select "+string(q.Table), err)
	}

	out := make([]Row, len(maps))
	for i, m := range maps {
		out[i] = Row(m)
	}
	return out, nil
}

// Upsert inserts row, or replaces the stored row when its updated_at is
// older. A stored row that is as new or newer is left alone and reported
// as Conflict.
func (p *Postgres) Upsert(ctx context.Context, table Table, row Row, conflictKey string) (UpsertResult, error) {
	cols, err := Columns(table)
	if err != nil {
		return 0, err
	}
	if !hasColumn(table, conflictKey) {
		return 0, apperrors.New(apperrors.ErrValidation, fmt.Sprintf("unknown conflict key %q", conflictKey))
	}
	if _, ok := row[conflictKey]; !ok {
		return 0, apperrors.New(apperrors.ErrValidation, fmt.Sprintf("row has no %s", conflictKey))
	}

	var present, placeholders, updates []string
	var args []interface{}
	for _, c := range cols {
		v, ok := row[c]
		if !ok {
			continue
		}
		args = append(args, v)
		present = append(present, c)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		if c != conflictKey {
			updates = append(updates, c+" = EXCLUDED."+c)
		}
	}

	t := string(table)
	sql := "INSERT INTO " + t + " (" + strings.Join(present, ", ") + ") VALUES (" + strings.Join(placeholders, ", ") + ")" +
		" ON CONFLICT (" + conflictKey + ") DO UPDATE SET " + strings.Join(updates, ", ") +
		" WHERE " + t + ".updated_at < EXCLUDED.updated_at" +
		" RETURNING (xmax = 0) AS inserted"

	var inserted bool
	err = p.pool.QueryRow(ctx, sql, args...).Scan(&inserted)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return Conflict, nil
	case err != nil:
		return 0, classify("upsert "+t, err)
	case inserted:
		return Inserted, nil
	default:
		return Updated, nil
	}
}

// Count returns the number of rows matching filters.
func (p *Postgres) Count(ctx context.Context, table Table, filters []Filter) (int, error) {
	if _, err := Columns(table); err != nil {
		return 0, err
	}
	if err := validateFilters(table, filters); err != nil {
		return 0, err
	}
	where, args := buildWhere(filters, 1)
	var n int
	if err := p.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+string(table)+where, args...).Scan(&n); err != nil {
		return 0, classify("count "+string(table), err)
	}
	return n, nil
}

// buildWhere renders filters with $n placeholders starting at first.
func buildWhere(filters []Filter, first int) (string, []interface{}) {
	if len(filters) == 0 {
		return "", nil
	}
	var parts []string
	var args []interface{}
	next := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", first+len(args)-1)
	}
	for _, f := range filters {
		switch f.Op {
		case OpEq:
			parts = append(parts, f.Column+" = "+next(f.Value))
		case OpGt:
			parts = append(parts, f.Column+" > "+next(f.Value))
		case OpLt:
			parts = append(parts, f.Column+" < "+next(f.Value))
		case OpIsNull:
			parts = append(parts, f.Column+" IS NULL")
		case OpNotNull:
			parts = append(parts, f.Column+" IS NOT NULL")
		case OpIn:
			if len(f.Values) == 0 {
				parts = append(parts, "FALSE")
				continue
			}
			ph := make([]string, len(f.Values))
			for i, v := range f.Values {
				ph[i] = next(v)
			}
			parts = append(parts, f.Column+" IN ("+strings.Join(ph, ", ")+")")
		}
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}

// classify maps a pgx error onto the sync error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return apperrors.Wrap(apperrors.ErrSyncTimeout, op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return apperrors.Wrap(codeForSQLState(pgErr.Code), op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || pgconn.SafeToRetry(err) {
		return apperrors.Wrap(apperrors.ErrSyncTransient, op, err)
	}

	// Anything else surfaced by the driver (closed pool, broken pipe) is
	// connection-level and worth another round.
	return apperrors.Wrap(apperrors.ErrSyncTransient, op, err)
}

// codeForSQLState maps a PostgreSQL SQLSTATE to an error code.
func codeForSQLState(state string) apperrors.ErrorCode {
	switch {
	case state == "23505":
		return apperrors.ErrSyncConflict
	case state == "23503":
		return apperrors.ErrSyncReferential
	case state == "42501" || strings.HasPrefix(state, "28"):
		return apperrors.ErrSyncAuthFailed
	case state == "40001" || state == "40P01" || state == "57P01" ||
		strings.HasPrefix(state, "08") || strings.HasPrefix(state, "53"):
		return apperrors.ErrSyncTransient
	case state == "57014":
		return apperrors.ErrSyncTimeout
	case strings.HasPrefix(state, "22") || strings.HasPrefix(state, "23") || strings.HasPrefix(state, "42"):
		return apperrors.ErrValidation
	}
	return apperrors.ErrSyncFailed
}
