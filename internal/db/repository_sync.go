package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	apperrors "github.com/kimhsiao/novachat/backend/internal/errors"
	"github.com/kimhsiao/novachat/backend/internal/models"
	"github.com/kimhsiao/novachat/backend/internal/uuid"
)

// =====================================================
// Tombstones
// =====================================================

// TombstoneConversation applies a remote tombstone to a conversation and
// cascades it to every live child message. The row is marked synced.
func (r *Repository) TombstoneConversation(ctx context.Context, id models.UUID, deletedAt, updatedAt int64) error {
	return r.tombstoneConversation(ctx, id, deletedAt, updatedAt, models.SyncStateSynced)
}

func (r *Repository) tombstoneConversation(ctx context.Context, id models.UUID, deletedAt, updatedAt int64, state models.SyncState) error {
	return r.inTx(ctx, "tombstone conversation", func(tx *sql.Tx) error {
		found, err := r.affected(ctx, tx, "tombstone conversation", `
			UPDATE conversations
			SET deleted_at = ?, updated_at = MAX(updated_at, ?), sync_state = ?
			WHERE id = ?`,
			deletedAt, updatedAt, string(state), string(id))
		if err != nil {
			return err
		}
		if !found {
			return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("conversation not found: %s", id))
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE messages SET deleted_at = ?, deleted_by = ?
			WHERE conversation_id = ? AND deleted_at IS NULL`,
			deletedAt, string(models.DeletedByEveryone), string(id))
		return err
	})
}

// RestoreConversation clears the tombstone on a conversation and on all of
// its messages, taking title and timestamps from c. The row is marked
// synced. Returns the number of messages restored.
func (r *Repository) RestoreConversation(ctx context.Context, c *models.Conversation) (int64, error) {
	if err := validateConversation(c); err != nil {
		return 0, err
	}
	var restored int64
	err := r.inTx(ctx, "restore conversation", func(tx *sql.Tx) error {
		found, err := r.affected(ctx, tx, "restore conversation", `
			UPDATE conversations
			SET title = ?, created_at = ?, updated_at = ?, deleted_at = NULL, sync_state = 'synced'
			WHERE id = ?`,
			c.Title, c.CreatedAt, c.UpdatedAt, string(c.ID))
		if err != nil {
			return err
		}
		if !found {
			return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("conversation not found: %s", c.ID))
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE messages SET deleted_at = NULL, deleted_by = ''
			WHERE conversation_id = ? AND deleted_at IS NOT NULL`,
			string(c.ID))
		if err != nil {
			return err
		}
		restored, err = res.RowsAffected()
		return err
	})
	return restored, err
}

// TombstoneMessage sets a message tombstone if none is set locally.
// Reports whether the tombstone was applied.
func (r *Repository) TombstoneMessage(ctx context.Context, id models.UUID, deletedAt int64, by models.DeletedBy, updatedAt int64) (bool, error) {
	if by == models.DeletedByNone {
		by = models.DeletedByEveryone
	}
	return r.affected(ctx, r.db, "tombstone message", `
		UPDATE messages
		SET deleted_at = ?, deleted_by = ?, updated_at = MAX(updated_at, ?), sync_state = 'synced'
		WHERE id = ? AND deleted_at IS NULL`,
		deletedAt, string(by), updatedAt, string(id))
}

// =====================================================
// Sync State
// =====================================================

// MarkConversationSynced marks a pushed conversation synced, but only if
// it was not edited again since the pushed version (updatedAt).
func (r *Repository) MarkConversationSynced(ctx context.Context, id models.UUID, updatedAt int64) (bool, error) {
	return r.markState(ctx, "conversations", id, updatedAt, models.SyncStateSynced)
}

// MarkConversationFailed marks a conversation as permanently rejected.
func (r *Repository) MarkConversationFailed(ctx context.Context, id models.UUID, updatedAt int64) (bool, error) {
	return r.markState(ctx, "conversations", id, updatedAt, models.SyncStateFailed)
}

// MarkMessageSynced marks a pushed message synced if unchanged since updatedAt.
func (r *Repository) MarkMessageSynced(ctx context.Context, id models.UUID, updatedAt int64) (bool, error) {
	return r.markState(ctx, "messages", id, updatedAt, models.SyncStateSynced)
}

// MarkMessageFailed marks a message as permanently rejected.
func (r *Repository) MarkMessageFailed(ctx context.Context, id models.UUID, updatedAt int64) (bool, error) {
	return r.markState(ctx, "messages", id, updatedAt, models.SyncStateFailed)
}

func (r *Repository) markState(ctx context.Context, table string, id models.UUID, updatedAt int64, state models.SyncState) (bool, error) {
	query := "UPDATE " + table + " SET sync_state = ? WHERE id = ? AND updated_at = ? AND sync_state != ?"
	return r.affected(ctx, r.db, "mark "+table+" "+string(state), query, string(state), string(id), updatedAt, string(state))
}

// RetryFailed moves failed rows of a tenant back to pending and bumps
// their updated_at to now so they re-enter the push window.
func (r *Repository) RetryFailed(ctx context.Context, ownerID string, now int64) (int64, error) {
	var total int64
	err := r.inTx(ctx, "retry failed", func(tx *sql.Tx) error {
		for _, table := range []string{"conversations", "messages"} {
			res, err := tx.ExecContext(ctx,
				"UPDATE "+table+" SET sync_state = 'pending', updated_at = MAX(updated_at, ?) WHERE owner_id = ? AND sync_state = 'failed'",
				now, ownerID)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	return total, err
}

// =====================================================
// Cursors
// =====================================================

// GetCursor returns the tenant's sync cursor, or nil if none exists.
func (r *Repository) GetCursor(ctx context.Context, ownerID string) (*models.SyncCursor, error) {
	var c models.SyncCursor
	err := r.db.QueryRowContext(ctx,
		"SELECT owner_id, last_synced_at, protocol_version FROM sync_cursor WHERE owner_id = ?", ownerID).
		Scan(&c.OwnerID, &c.LastSyncedAt, &c.ProtocolVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("get cursor", err)
	}
	return &c, nil
}

// PutCursor writes the tenant's sync cursor.
func (r *Repository) PutCursor(ctx context.Context, c *models.SyncCursor) error {
	if c == nil || c.OwnerID == "" {
		return apperrors.New(apperrors.ErrValidation, "cursor owner is required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_cursor (owner_id, last_synced_at, protocol_version) VALUES (?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			last_synced_at = excluded.last_synced_at,
			protocol_version = excluded.protocol_version`,
		c.OwnerID, c.LastSyncedAt, c.ProtocolVersion)
	if err != nil {
		return dbError("put cursor", err)
	}
	return nil
}

// DeleteCursor removes the tenant's cursor. Deleting a missing cursor is not an error.
func (r *Repository) DeleteCursor(ctx context.Context, ownerID string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM sync_cursor WHERE owner_id = ?", ownerID); err != nil {
		return dbError("delete cursor", err)
	}
	return nil
}

// =====================================================
// ConflictLog Operations
// =====================================================

// CreateConflictLog creates a new conflict log entry.
func (r *Repository) CreateConflictLog(ctx context.Context, log *models.ConflictLog) error {
	if log.ID == "" {
		log.ID = models.UUID(uuid.New())
	}
	query := `
	INSERT INTO conflict_log (id, owner_id, item_id, item_table, local_timestamp,
		remote_timestamp, resolution, detected_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query, string(log.ID), log.OwnerID, string(log.ItemID), log.ItemTable,
		log.LocalTimestamp, log.RemoteTimestamp, log.Resolution, log.DetectedAt)
	if err != nil {
		return dbError("create conflict log", err)
	}
	return nil
}

// ListConflictLogs returns the tenant's most recent conflicts first.
func (r *Repository) ListConflictLogs(ctx context.Context, ownerID string, limit int) ([]*models.ConflictLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, owner_id, item_id, item_table, local_timestamp, remote_timestamp, resolution, detected_at
		FROM conflict_log WHERE owner_id = ?
		ORDER BY detected_at DESC, id DESC LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, dbError("list conflict logs", err)
	}
	defer rows.Close()

	var logs []*models.ConflictLog
	for rows.Next() {
		var l models.ConflictLog
		if err := rows.Scan(&l.ID, &l.OwnerID, &l.ItemID, &l.ItemTable, &l.LocalTimestamp,
			&l.RemoteTimestamp, &l.Resolution, &l.DetectedAt); err != nil {
			return nil, dbError("scan conflict log", err)
		}
		logs = append(logs, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("list conflict logs", err)
	}
	return logs, nil
}
