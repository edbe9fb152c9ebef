package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/novachat/backend/internal/errors"
	"github.com/kimhsiao/novachat/backend/internal/models"
	"github.com/kimhsiao/novachat/backend/internal/uuid"
)

// Application write path. Every mutation marks the row pending so the
// outbox picks it up, and bumps updated_at strictly past the stored value
// so a local edit always wins last-writer-wins against its own past.

// CreateConversation creates a new pending conversation.
func (r *Repository) CreateConversation(ctx context.Context, ownerID, title string, now time.Time) (*models.Conversation, error) {
	ms := now.UnixMilli()
	c := &models.Conversation{
		ID:        models.UUID(uuid.New()),
		OwnerID:   ownerID,
		Title:     strings.TrimSpace(title),
		CreatedAt: ms,
		UpdatedAt: ms,
		SyncState: models.SyncStatePending,
	}
	if err := r.PutConversation(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// RenameConversation changes the title of a live conversation.
func (r *Repository) RenameConversation(ctx context.Context, id models.UUID, title string, now time.Time) error {
	found, err := r.affected(ctx, r.db, "rename conversation", `
		UPDATE conversations
		SET title = ?, updated_at = MAX(updated_at + 1, ?), sync_state = 'pending'
		WHERE id = ? AND deleted_at IS NULL`,
		strings.TrimSpace(title), now.UnixMilli(), string(id))
	if err != nil {
		return err
	}
	if !found {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("conversation not found: %s", id))
	}
	return nil
}

// DeleteConversationLocal tombstones a conversation and its messages on
// behalf of the user. The tombstone is pushed by the next round.
func (r *Repository) DeleteConversationLocal(ctx context.Context, id models.UUID, now time.Time) error {
	c, err := r.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if c == nil {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("conversation not found: %s", id))
	}
	if c.IsDeleted() {
		return nil
	}
	ms := now.UnixMilli()
	updatedAt := ms
	if updatedAt <= c.UpdatedAt {
		updatedAt = c.UpdatedAt + 1
	}
	return r.tombstoneConversation(ctx, id, ms, updatedAt, models.SyncStatePending)
}

// AppendMessage stores a new pending message. The conversation must exist
// locally and be live. ID and timestamps are assigned when unset.
func (r *Repository) AppendMessage(ctx context.Context, m *models.Message, now time.Time) error {
	if m == nil {
		return apperrors.New(apperrors.ErrInvalid, "message is nil")
	}
	parent, err := r.GetConversation(ctx, m.ConversationID)
	if err != nil {
		return err
	}
	if parent == nil || parent.IsDeleted() {
		return apperrors.New(apperrors.ErrValidation, fmt.Sprintf("conversation %s is missing or deleted", m.ConversationID))
	}

	if m.ID == "" {
		m.ID = models.UUID(uuid.New())
	}
	if m.OwnerID == "" {
		m.OwnerID = parent.OwnerID
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = now.UnixMilli()
	}
	m.UpdatedAt = m.CreatedAt
	m.DeletedAt = nil
	m.DeletedBy = models.DeletedByNone
	m.SyncState = models.SyncStatePending
	return r.PutMessage(ctx, m)
}

// DeleteMessageLocal tombstones a single message on behalf of the user.
func (r *Repository) DeleteMessageLocal(ctx context.Context, id models.UUID, by models.DeletedBy, now time.Time) error {
	if by != models.DeletedBySelf && by != models.DeletedByEveryone {
		return apperrors.New(apperrors.ErrValidation, fmt.Sprintf("invalid deleted_by %q", by))
	}
	ms := now.UnixMilli()
	found, err := r.affected(ctx, r.db, "delete message", `
		UPDATE messages
		SET deleted_at = ?, deleted_by = ?, updated_at = MAX(updated_at + 1, ?), sync_state = 'pending'
		WHERE id = ? AND deleted_at IS NULL`,
		ms, string(by), ms, string(id))
	if err != nil {
		return err
	}
	if !found {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("live message not found: %s", id))
	}
	return nil
}

// GCResult reports rows removed by GarbageCollect.
type GCResult struct {
	Conversations int64
	Messages      int64
}

// GarbageCollect physically removes synced tombstones older than
// olderThan (Unix ms). Pending tombstones are kept until pushed.
func (r *Repository) GarbageCollect(ctx context.Context, olderThan int64) (GCResult, error) {
	var res GCResult
	err := r.inTx(ctx, "garbage collect", func(tx *sql.Tx) error {
		convs := `SELECT id FROM conversations
			WHERE deleted_at IS NOT NULL AND deleted_at < ? AND sync_state = 'synced'`

		out, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id IN ("+convs+")", olderThan)
		if err != nil {
			return err
		}
		cascaded, err := out.RowsAffected()
		if err != nil {
			return err
		}

		out, err = tx.ExecContext(ctx, `DELETE FROM messages
			WHERE deleted_at IS NOT NULL AND deleted_at < ? AND sync_state = 'synced'`, olderThan)
		if err != nil {
			return err
		}
		direct, err := out.RowsAffected()
		if err != nil {
			return err
		}
		res.Messages = cascaded + direct

		out, err = tx.ExecContext(ctx, "DELETE FROM conversations WHERE id IN ("+convs+")", olderThan)
		if err != nil {
			return err
		}
		res.Conversations, err = out.RowsAffected()
		return err
	})
	return res, err
}
