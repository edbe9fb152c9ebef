// Package models provides data model definitions for Nova chat sync.
package models

import "time"

// ProtocolVersion is the sync protocol revision written with every cursor.
// Cursors written under another revision are ignored, forcing a full pull.
const ProtocolVersion = 1

// SyncCursor stores the last successful sync boundary for one tenant.
type SyncCursor struct {
	OwnerID         string `db:"owner_id" json:"owner_id"`
	LastSyncedAt    int64  `db:"last_synced_at" json:"last_synced_at"`
	ProtocolVersion int    `db:"protocol_version" json:"protocol_version"`
}

// TableName returns the table name for SyncCursor.
func (SyncCursor) TableName() string {
	return "sync_cursor"
}

// LastSyncedTime returns LastSyncedAt as time.Time.
func (c *SyncCursor) LastSyncedTime() time.Time {
	return time.UnixMilli(c.LastSyncedAt)
}
