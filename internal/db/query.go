package db

import "github.com/kimhsiao/novachat/backend/internal/models"

// Order selects the sort order of a listing query.
type Order int

const (
	// OrderDefault uses the table's natural order: conversations by
	// updated_at descending, messages by created_at ascending.
	OrderDefault Order = iota
	OrderUpdatedAsc
	OrderUpdatedDesc
	OrderCreatedAsc
	OrderCreatedDesc
)

func (o Order) clause(def Order) string {
	if o == OrderDefault {
		o = def
	}
	switch o {
	case OrderUpdatedAsc:
		return " ORDER BY updated_at ASC, id ASC"
	case OrderUpdatedDesc:
		return " ORDER BY updated_at DESC, id DESC"
	case OrderCreatedDesc:
		return " ORDER BY created_at DESC, id DESC"
	default:
		return " ORDER BY created_at ASC, id ASC"
	}
}

// ConversationQuery filters a conversation listing. Zero values mean
// "no constraint". Tombstoned rows are excluded unless IncludeDeleted
// or OnlyDeleted is set.
type ConversationQuery struct {
	OwnerID        string
	IDs            []models.UUID
	UpdatedAfter   int64 // updated_at > UpdatedAfter
	UpdatedSince   int64 // updated_at >= UpdatedSince
	SyncState      models.SyncState
	IncludeDeleted bool
	OnlyDeleted    bool
	Order          Order
	Limit          int
}

func (q ConversationQuery) filters() *FilterBuilder {
	fb := NewFilterBuilder()
	if q.OwnerID != "" {
		fb.Eq("owner_id", q.OwnerID)
	}
	if q.IDs != nil {
		fb.In("id", uuidArgs(q.IDs))
	}
	fb.After("updated_at", q.UpdatedAfter).Since("updated_at", q.UpdatedSince)
	if q.SyncState != "" {
		fb.Eq("sync_state", string(q.SyncState))
	}
	deletedFilter(fb, q.IncludeDeleted, q.OnlyDeleted)
	return fb
}

// MessageQuery filters a message listing. Zero values mean "no constraint".
type MessageQuery struct {
	OwnerID         string
	ConversationID  models.UUID
	ConversationIDs []models.UUID
	CreatedAfter    int64 // created_at > CreatedAfter
	UpdatedAfter    int64 // updated_at > UpdatedAfter
	UpdatedSince    int64 // updated_at >= UpdatedSince
	DeletedBefore   int64 // deleted_at < DeletedBefore
	SyncState       models.SyncState
	IncludeDeleted  bool
	OnlyDeleted     bool
	Order           Order
	Limit           int
}

func (q MessageQuery) filters() *FilterBuilder {
	fb := NewFilterBuilder()
	if q.OwnerID != "" {
		fb.Eq("owner_id", q.OwnerID)
	}
	if q.ConversationID != "" {
		fb.Eq("conversation_id", string(q.ConversationID))
	}
	if q.ConversationIDs != nil {
		fb.In("conversation_id", uuidArgs(q.ConversationIDs))
	}
	fb.After("created_at", q.CreatedAfter).
		After("updated_at", q.UpdatedAfter).
		Since("updated_at", q.UpdatedSince).
		Before("deleted_at", q.DeletedBefore)
	if q.SyncState != "" {
		fb.Eq("sync_state", string(q.SyncState))
	}
	deletedFilter(fb, q.IncludeDeleted, q.OnlyDeleted)
	return fb
}

func deletedFilter(fb *FilterBuilder, include, only bool) {
	switch {
	case only:
		fb.NotNull("deleted_at")
	case !include:
		fb.Null("deleted_at")
	}
}

func uuidArgs(ids []models.UUID) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = string(id)
	}
	return args
}
