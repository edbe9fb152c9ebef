// Package models provides data model definitions for Nova chat sync.
package models

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// DeletedBy records the scope of a message deletion.
type DeletedBy string

const (
	DeletedByNone     DeletedBy = ""
	DeletedBySelf     DeletedBy = "self"
	DeletedByEveryone DeletedBy = "everyone"
)

// Message is a single chat message. ConversationID must resolve to a
// replicated Conversation before the message counts as pushed.
type Message struct {
	ID             UUID      `db:"id" json:"id"`
	ConversationID UUID      `db:"conversation_id" json:"conversation_id"`
	OwnerID        string    `db:"owner_id" json:"owner_id"`
	Role           Role      `db:"role" json:"role"`
	Content        Content   `db:"content" json:"-"`
	CreatedAt      int64     `db:"created_at" json:"created_at"`
	UpdatedAt      int64     `db:"updated_at" json:"updated_at"`
	DeletedAt      *int64    `db:"deleted_at" json:"deleted_at,omitempty"`
	DeletedBy      DeletedBy `db:"deleted_by" json:"deleted_by,omitempty"`
	SyncState      SyncState `db:"sync_state" json:"-"`
}

// TableName returns the table name for Message.
func (Message) TableName() string {
	return "messages"
}

// IsDeleted reports whether the message carries a tombstone.
func (m *Message) IsDeleted() bool {
	return m.DeletedAt != nil
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (m *Message) CreatedAtTime() time.Time {
	return time.UnixMilli(m.CreatedAt)
}

// Text returns the normalized plain text of the message body.
func (m *Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return m.Content.PlainText()
}
