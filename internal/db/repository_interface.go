package db

import (
	"context"
	"time"

	"github.com/kimhsiao/novachat/backend/internal/models"
)

// ConversationRepository defines operations for conversation persistence.
type ConversationRepository interface {
	GetConversation(ctx context.Context, id models.UUID) (*models.Conversation, error)
	PutConversation(ctx context.Context, c *models.Conversation) error
	BulkPutConversations(ctx context.Context, convs []*models.Conversation) error
	InsertConversationIfAbsent(ctx context.Context, c *models.Conversation) (bool, error)
	UpdateConversationIfNewer(ctx context.Context, c *models.Conversation) (bool, error)
	QueryConversations(ctx context.Context, q ConversationQuery) ([]*models.Conversation, error)
	CountConversations(ctx context.Context, q ConversationQuery) (int, error)
	DeleteConversation(ctx context.Context, id models.UUID) error

	// TombstoneConversation cascades to child messages.
	TombstoneConversation(ctx context.Context, id models.UUID, deletedAt, updatedAt int64) error
	// RestoreConversation clears tombstones on the conversation and its messages.
	RestoreConversation(ctx context.Context, c *models.Conversation) (int64, error)

	MarkConversationSynced(ctx context.Context, id models.UUID, updatedAt int64) (bool, error)
	MarkConversationFailed(ctx context.Context, id models.UUID, updatedAt int64) (bool, error)
}

// MessageRepository defines operations for message persistence.
type MessageRepository interface {
	GetMessage(ctx context.Context, id models.UUID) (*models.Message, error)
	PutMessage(ctx context.Context, m *models.Message) error
	BulkPutMessages(ctx context.Context, msgs []*models.Message) error
	InsertMessageIfAbsent(ctx context.Context, m *models.Message) (bool, error)
	QueryMessages(ctx context.Context, q MessageQuery) ([]*models.Message, error)
	CountMessages(ctx context.Context, q MessageQuery) (int, error)
	DeleteMessage(ctx context.Context, id models.UUID) error

	TombstoneMessage(ctx context.Context, id models.UUID, deletedAt int64, by models.DeletedBy, updatedAt int64) (bool, error)

	MarkMessageSynced(ctx context.Context, id models.UUID, updatedAt int64) (bool, error)
	MarkMessageFailed(ctx context.Context, id models.UUID, updatedAt int64) (bool, error)
}

// CursorRepository defines operations for sync cursor persistence.
type CursorRepository interface {
	GetCursor(ctx context.Context, ownerID string) (*models.SyncCursor, error)
	PutCursor(ctx context.Context, c *models.SyncCursor) error
	DeleteCursor(ctx context.Context, ownerID string) error
}

// ConflictLogRepository defines operations for conflict log persistence.
type ConflictLogRepository interface {
	CreateConflictLog(ctx context.Context, log *models.ConflictLog) error
	ListConflictLogs(ctx context.Context, ownerID string, limit int) ([]*models.ConflictLog, error)
}

// LocalStore combines everything the sync engines read and write.
type LocalStore interface {
	ConversationRepository
	MessageRepository
	CursorRepository
	ConflictLogRepository

	RetryFailed(ctx context.Context, ownerID string, now int64) (int64, error)
}

// ChatStore is the application write path on top of LocalStore.
type ChatStore interface {
	LocalStore

	CreateConversation(ctx context.Context, ownerID, title string, now time.Time) (*models.Conversation, error)
	RenameConversation(ctx context.Context, id models.UUID, title string, now time.Time) error
	DeleteConversationLocal(ctx context.Context, id models.UUID, now time.Time) error
	AppendMessage(ctx context.Context, m *models.Message, now time.Time) error
	DeleteMessageLocal(ctx context.Context, id models.UUID, by models.DeletedBy, now time.Time) error
	GarbageCollect(ctx context.Context, olderThan int64) (GCResult, error)
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ ConversationRepository = (*Repository)(nil)
	_ MessageRepository      = (*Repository)(nil)
	_ CursorRepository       = (*Repository)(nil)
	_ ConflictLogRepository  = (*Repository)(nil)
	_ LocalStore             = (*Repository)(nil)
	_ ChatStore              = (*Repository)(nil)
)
