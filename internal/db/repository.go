package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	apperrors "github.com/kimhsiao/novachat/backend/internal/errors"
	"github.com/kimhsiao/novachat/backend/internal/models"
)

const (
	conversationColumns = "id, owner_id, title, created_at, updated_at, deleted_at, sync_state"
	messageColumns      = "id, conversation_id, owner_id, role, content, created_at, updated_at, deleted_at, deleted_by, sync_state"
)

// Repository is the local store. Every write is a single statement or a
// short single-purpose transaction, so the realtime consumer and sync
// rounds can write concurrently without further locking.
type Repository struct {
	db *sql.DB

	// Prepared statements for the fixed-shape queries, keyed by SQL text.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// If another goroutine already stored one, use it and close ours
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
// Should be called when the Repository is no longer needed.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func dbError(op string, err error) error {
	return apperrors.Wrap(apperrors.ErrDatabase, op, err)
}

func nullInt(p *int64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func fromNullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func stateOrSynced(s models.SyncState) models.SyncState {
	if s == "" {
		return models.SyncStateSynced
	}
	return s
}

// =====================================================
// Conversation Operations
// =====================================================

func scanConversation(s rowScanner) (*models.Conversation, error) {
	var c models.Conversation
	var deletedAt sql.NullInt64
	var state string
	if err := s.Scan(&c.ID, &c.OwnerID, &c.Title, &c.CreatedAt, &c.UpdatedAt, &deletedAt, &state); err != nil {
		return nil, err
	}
	c.DeletedAt = fromNullInt(deletedAt)
	c.SyncState = models.SyncState(state)
	return &c, nil
}

func validateConversation(c *models.Conversation) error {
	switch {
	case c == nil:
		return apperrors.New(apperrors.ErrInvalid, "conversation is nil")
	case c.ID == "":
		return apperrors.New(apperrors.ErrValidation, "conversation id is required")
	case c.OwnerID == "":
		return apperrors.New(apperrors.ErrValidation, "conversation owner is required")
	case c.SyncState != "" && !c.SyncState.Valid():
		return apperrors.New(apperrors.ErrValidation, fmt.Sprintf("invalid sync state %q", c.SyncState))
	}
	return nil
}

// GetConversation retrieves a conversation by ID, tombstoned or not.
// Returns nil, nil when the row is absent.
func (r *Repository) GetConversation(ctx context.Context, id models.UUID) (*models.Conversation, error) {
	stmt, err := r.PrepareStmt(ctx, "SELECT "+conversationColumns+" FROM conversations WHERE id = ?")
	if err != nil {
		return nil, dbError("get conversation", err)
	}
	c, err := scanConversation(stmt.QueryRowContext(ctx, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("get conversation", err)
	}
	return c, nil
}

const upsertConversationSQL = `
	INSERT INTO conversations (` + conversationColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		owner_id = excluded.owner_id,
		title = excluded.title,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		deleted_at = excluded.deleted_at,
		sync_state = excluded.sync_state`

func conversationArgs(c *models.Conversation) []interface{} {
	return []interface{}{
		string(c.ID), c.OwnerID, c.Title, c.CreatedAt, c.UpdatedAt,
		nullInt(c.DeletedAt), string(stateOrSynced(c.SyncState)),
	}
}

// PutConversation inserts or replaces a conversation.
func (r *Repository) PutConversation(ctx context.Context, c *models.Conversation) error {
	if err := validateConversation(c); err != nil {
		return err
	}
	c.SyncState = stateOrSynced(c.SyncState)
	if _, err := r.db.ExecContext(ctx, upsertConversationSQL, conversationArgs(c)...); err != nil {
		return dbError("put conversation", err)
	}
	return nil
}

// BulkPutConversations upserts conversations in one transaction.
func (r *Repository) BulkPutConversations(ctx context.Context, convs []*models.Conversation) error {
	for _, c := range convs {
		if err := validateConversation(c); err != nil {
			return err
		}
	}
	return r.bulk(ctx, upsertConversationSQL, len(convs), func(i int) []interface{} {
		convs[i].SyncState = stateOrSynced(convs[i].SyncState)
		return conversationArgs(convs[i])
	})
}

// InsertConversationIfAbsent inserts c unless a row with its ID exists.
// Reports whether the row was inserted.
func (r *Repository) InsertConversationIfAbsent(ctx context.Context, c *models.Conversation) (bool, error) {
	if err := validateConversation(c); err != nil {
		return false, err
	}
	c.SyncState = stateOrSynced(c.SyncState)
	query := `INSERT INTO conversations (` + conversationColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`
	return r.affected(ctx, r.db, "insert conversation", query, conversationArgs(c)...)
}

// UpdateConversationIfNewer overwrites the local row with c only when the
// stored updated_at is older than c's. The row is marked synced.
func (r *Repository) UpdateConversationIfNewer(ctx context.Context, c *models.Conversation) (bool, error) {
	if err := validateConversation(c); err != nil {
		return false, err
	}
	query := `
	UPDATE conversations
	SET title = ?, created_at = ?, updated_at = ?, deleted_at = ?, sync_state = 'synced'
	WHERE id = ? AND updated_at < ?`
	return r.affected(ctx, r.db, "update conversation", query,
		c.Title, c.CreatedAt, c.UpdatedAt, nullInt(c.DeletedAt), string(c.ID), c.UpdatedAt)
}

// QueryConversations lists conversations matching q.
func (r *Repository) QueryConversations(ctx context.Context, q ConversationQuery) ([]*models.Conversation, error) {
	where, args := q.filters().Where()
	query := "SELECT " + conversationColumns + " FROM conversations" + where + q.Order.clause(OrderUpdatedDesc)
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbError("query conversations", err)
	}
	defer rows.Close()

	var convs []*models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, dbError("scan conversation", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("query conversations", err)
	}
	return convs, nil
}

// CountConversations counts conversations matching q. Order and Limit are ignored.
func (r *Repository) CountConversations(ctx context.Context, q ConversationQuery) (int, error) {
	return r.count(ctx, "conversations", q.filters())
}

// DeleteConversation physically removes a conversation and its messages.
func (r *Repository) DeleteConversation(ctx context.Context, id models.UUID) error {
	return r.inTx(ctx, "delete conversation", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", string(id)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", string(id))
		return err
	})
}

// =====================================================
// Message Operations
// =====================================================

func scanMessage(s rowScanner) (*models.Message, error) {
	var m models.Message
	var role, content, deletedBy, state string
	var deletedAt sql.NullInt64
	if err := s.Scan(&m.ID, &m.ConversationID, &m.OwnerID, &role, &content,
		&m.CreatedAt, &m.UpdatedAt, &deletedAt, &deletedBy, &state); err != nil {
		return nil, err
	}
	m.Role = models.Role(role)
	m.Content = models.DecodeContent(content)
	m.DeletedAt = fromNullInt(deletedAt)
	m.DeletedBy = models.DeletedBy(deletedBy)
	m.SyncState = models.SyncState(state)
	return &m, nil
}

func validateMessage(m *models.Message) error {
	switch {
	case m == nil:
		return apperrors.New(apperrors.ErrInvalid, "message is nil")
	case m.ID == "":
		return apperrors.New(apperrors.ErrValidation, "message id is required")
	case m.ConversationID == "":
		return apperrors.New(apperrors.ErrValidation, "message conversation is required")
	case m.OwnerID == "":
		return apperrors.New(apperrors.ErrValidation, "message owner is required")
	case !m.Role.Valid():
		return apperrors.New(apperrors.ErrValidation, fmt.Sprintf("invalid role %q", m.Role))
	case m.SyncState != "" && !m.SyncState.Valid():
		return apperrors.New(apperrors.ErrValidation, fmt.Sprintf("invalid sync state %q", m.SyncState))
	}
	return nil
}

func messageArgs(m *models.Message) []interface{} {
	return []interface{}{
		string(m.ID), string(m.ConversationID), m.OwnerID, string(m.Role),
		models.EncodeContent(m.Content), m.CreatedAt, m.UpdatedAt,
		nullInt(m.DeletedAt), string(m.DeletedBy), string(stateOrSynced(m.SyncState)),
	}
}

const upsertMessageSQL = `
	INSERT INTO messages (` + messageColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		conversation_id = excluded.conversation_id,
		owner_id = excluded.owner_id,
		role = excluded.role,
		content = excluded.content,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		deleted_at = excluded.deleted_at,
		deleted_by = excluded.deleted_by,
		sync_state = excluded.sync_state`

// GetMessage retrieves a message by ID. Returns nil, nil when absent.
func (r *Repository) GetMessage(ctx context.Context, id models.UUID) (*models.Message, error) {
	stmt, err := r.PrepareStmt(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?")
	if err != nil {
		return nil, dbError("get message", err)
	}
	m, err := scanMessage(stmt.QueryRowContext(ctx, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("get message", err)
	}
	return m, nil
}

// PutMessage inserts or replaces a message.
func (r *Repository) PutMessage(ctx context.Context, m *models.Message) error {
	if err := validateMessage(m); err != nil {
		return err
	}
	m.SyncState = stateOrSynced(m.SyncState)
	if _, err := r.db.ExecContext(ctx, upsertMessageSQL, messageArgs(m)...); err != nil {
		return dbError("put message", err)
	}
	return nil
}

// BulkPutMessages upserts messages in one transaction.
func (r *Repository) BulkPutMessages(ctx context.Context, msgs []*models.Message) error {
	for _, m := range msgs {
		if err := validateMessage(m); err != nil {
			return err
		}
	}
	return r.bulk(ctx, upsertMessageSQL, len(msgs), func(i int) []interface{} {
		msgs[i].SyncState = stateOrSynced(msgs[i].SyncState)
		return messageArgs(msgs[i])
	})
}

// InsertMessageIfAbsent inserts m unless a message with its ID exists.
// The existence check and the insert are one statement.
func (r *Repository) InsertMessageIfAbsent(ctx context.Context, m *models.Message) (bool, error) {
	if err := validateMessage(m); err != nil {
		return false, err
	}
	m.SyncState = stateOrSynced(m.SyncState)
	query := `INSERT INTO messages (` + messageColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`
	return r.affected(ctx, r.db, "insert message", query, messageArgs(m)...)
}

// QueryMessages lists messages matching q.
func (r *Repository) QueryMessages(ctx context.Context, q MessageQuery) ([]*models.Message, error) {
	where, args := q.filters().Where()
	query := "SELECT " + messageColumns + " FROM messages" + where + q.Order.clause(OrderCreatedAsc)
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbError("query messages", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, dbError("scan message", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("query messages", err)
	}
	return msgs, nil
}

// CountMessages counts messages matching q. Order and Limit are ignored.
func (r *Repository) CountMessages(ctx context.Context, q MessageQuery) (int, error) {
	return r.count(ctx, "messages", q.filters())
}

// DeleteMessage physically removes a message.
func (r *Repository) DeleteMessage(ctx context.Context, id models.UUID) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", string(id)); err != nil {
		return dbError("delete message", err)
	}
	return nil
}

// =====================================================
// Helpers
// =====================================================

func (r *Repository) count(ctx context.Context, table string, fb *FilterBuilder) (int, error) {
	where, args := fb.Where()
	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+where, args...).Scan(&n); err != nil {
		return 0, dbError("count "+table, err)
	}
	return n, nil
}

func (r *Repository) affected(ctx context.Context, ex execer, op, query string, args ...interface{}) (bool, error) {
	res, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return false, dbError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, dbError(op, err)
	}
	return n > 0, nil
}

func (r *Repository) bulk(ctx context.Context, query string, n int, args func(i int) []interface{}) error {
	if n == 0 {
		return nil
	}
	return r.inTx(ctx, "bulk put", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i := 0; i < n; i++ {
			if _, err := stmt.ExecContext(ctx, args(i)...); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Repository) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return dbError(op, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			return err
		}
		return dbError(op, err)
	}
	if err := tx.Commit(); err != nil {
		return dbError(op, err)
	}
	return nil
}
