// Package models provides data model definitions for Nova chat sync.
package models

import "time"

// SyncState tracks whether a local row has been confirmed by the remote store.
type SyncState string

const (
	SyncStateSynced  SyncState = "synced"
	SyncStatePending SyncState = "pending"
	SyncStateFailed  SyncState = "failed"
)

// Valid reports whether s is a known sync state.
func (s SyncState) Valid() bool {
	switch s {
	case SyncStateSynced, SyncStatePending, SyncStateFailed:
		return true
	}
	return false
}

// Conversation is a chat thread owned by a single tenant.
// Timestamps are Unix milliseconds. DeletedAt is the tombstone.
type Conversation struct {
	ID        UUID      `db:"id" json:"id"`
	OwnerID   string    `db:"owner_id" json:"owner_id"`
	Title     string    `db:"title" json:"title"`
	CreatedAt int64     `db:"created_at" json:"created_at"`
	UpdatedAt int64     `db:"updated_at" json:"updated_at"`
	DeletedAt *int64    `db:"deleted_at" json:"deleted_at,omitempty"`
	SyncState SyncState `db:"sync_state" json:"-"`
}

// TableName returns the table name for Conversation.
func (Conversation) TableName() string {
	return "conversations"
}

// IsDeleted reports whether the conversation carries a tombstone.
func (c *Conversation) IsDeleted() bool {
	return c.DeletedAt != nil
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (c *Conversation) UpdatedAtTime() time.Time {
	return time.UnixMilli(c.UpdatedAt)
}

// Millis returns a pointer to the millisecond value of t, for tombstone fields.
func Millis(t time.Time) *int64 {
	ms := t.UnixMilli()
	return &ms
}
