// Package models provides data model definitions for Nova chat sync.
package models

import "time"

// ConflictLog records a remote change that collided with pending local edits.
type ConflictLog struct {
	ID              UUID   `db:"id" json:"id"`
	OwnerID         string `db:"owner_id" json:"owner_id"`
	ItemID          UUID   `db:"item_id" json:"item_id"`
	ItemTable       string `db:"item_table" json:"item_table"`
	LocalTimestamp  int64  `db:"local_timestamp" json:"local_timestamp"`
	RemoteTimestamp int64  `db:"remote_timestamp" json:"remote_timestamp"`
	Resolution      string `db:"resolution" json:"resolution"` // local_wins, remote_wins, local_delete_wins, remote_delete_wins, manual_review_required
	DetectedAt      int64  `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
