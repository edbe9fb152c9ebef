// Package apply writes remote rows into the local store through the
// conflict resolver. Pull and the realtime consumer share it.
package apply

import (
	"context"

	"github.com/kimhsiao/novachat/backend/internal/logging"
	"github.com/kimhsiao/novachat/backend/internal/models"
	"github.com/kimhsiao/novachat/backend/internal/sync/conflict"
)

// Store is the subset of the local store used to apply remote rows.
// Every method is a single atomic write.
type Store interface {
	GetConversation(ctx context.Context, id models.UUID) (*models.Conversation, error)
	InsertConversationIfAbsent(ctx context.Context, c *models.Conversation) (bool, error)
	UpdateConversationIfNewer(ctx context.Context, c *models.Conversation) (bool, error)
	TombstoneConversation(ctx context.Context, id models.UUID, deletedAt, updatedAt int64) error
	RestoreConversation(ctx context.Context, c *models.Conversation) (int64, error)

	GetMessage(ctx context.Context, id models.UUID) (*models.Message, error)
	InsertMessageIfAbsent(ctx context.Context, m *models.Message) (bool, error)
	TombstoneMessage(ctx context.Context, id models.UUID, deletedAt int64, by models.DeletedBy, updatedAt int64) (bool, error)

	CreateConflictLog(ctx context.Context, log *models.ConflictLog) error
}

// Outcome reports what applying one row did locally.
type Outcome struct {
	Action conflict.Action
	// Applied is false when the decision was a skip or a concurrent
	// writer got there first.
	Applied bool
	// Restored counts child messages whose tombstones were cleared.
	Restored int64
	// Conflict is set when a conflict log entry was written.
	Conflict bool
}

// Applier applies decoded remote rows.
type Applier struct {
	store    Store
	resolver *conflict.Resolver
}

// New creates an Applier.
func New(store Store, resolver *conflict.Resolver) *Applier {
	return &Applier{store: store, resolver: resolver}
}

// insertAttempts bounds re-resolution after losing an insert race with
// another local writer.
const insertAttempts = 2

// Conversation applies a remote conversation.
func (a *Applier) Conversation(ctx context.Context, remote *models.Conversation) (Outcome, error) {
	var out Outcome
	for attempt := 0; attempt < insertAttempts; attempt++ {
		local, err := a.store.GetConversation(ctx, remote.ID)
		if err != nil {
			return out, err
		}
		d, err := a.resolver.ResolveConversation(local, remote)
		if err != nil {
			return out, err
		}
		out.Action = d.Action
		if d.ConflictLog != nil && !out.Conflict {
			if err := a.store.CreateConflictLog(ctx, d.ConflictLog); err != nil {
				return out, err
			}
			out.Conflict = true
		}

		switch d.Action {
		case conflict.ActionInsert:
			out.Applied, err = a.store.InsertConversationIfAbsent(ctx, remote)
			if err != nil {
				return out, err
			}
			if !out.Applied {
				continue
			}
		case conflict.ActionUpdate:
			out.Applied, err = a.store.UpdateConversationIfNewer(ctx, remote)
		case conflict.ActionRestore:
			out.Restored, err = a.store.RestoreConversation(ctx, remote)
			out.Applied = err == nil
			if err == nil {
				logging.Info("Conversation restored from remote",
					map[string]interface{}{
						"conversation_id":   remote.ID,
						"messages_restored": out.Restored,
					})
			}
		case conflict.ActionTombstone:
			err = a.store.TombstoneConversation(ctx, remote.ID, *remote.DeletedAt, remote.UpdatedAt)
			out.Applied = err == nil
		}
		return out, err
	}
	return out, nil
}

// Message applies a remote message. A live message whose conversation is
// tombstoned locally is stored tombstoned, so children of a deleted
// conversation stay deleted.
func (a *Applier) Message(ctx context.Context, remote *models.Message) (Outcome, error) {
	var out Outcome
	for attempt := 0; attempt < insertAttempts; attempt++ {
		local, err := a.store.GetMessage(ctx, remote.ID)
		if err != nil {
			return out, err
		}
		d, err := a.resolver.ResolveMessage(local, remote)
		if err != nil {
			return out, err
		}
		out.Action = d.Action

		switch d.Action {
		case conflict.ActionInsert:
			m, err := a.inheritParentTombstone(ctx, remote)
			if err != nil {
				return out, err
			}
			out.Applied, err = a.store.InsertMessageIfAbsent(ctx, m)
			if err != nil {
				return out, err
			}
			if !out.Applied {
				continue
			}
		case conflict.ActionTombstone:
			out.Applied, err = a.store.TombstoneMessage(ctx, remote.ID, *remote.DeletedAt, remote.DeletedBy, remote.UpdatedAt)
			return out, err
		}
		return out, nil
	}
	return out, nil
}

func (a *Applier) inheritParentTombstone(ctx context.Context, m *models.Message) (*models.Message, error) {
	if m.IsDeleted() {
		return m, nil
	}
	parent, err := a.store.GetConversation(ctx, m.ConversationID)
	if err != nil {
		return nil, err
	}
	if parent == nil || !parent.IsDeleted() {
		return m, nil
	}
	cp := *m
	deletedAt := *parent.DeletedAt
	cp.DeletedAt = &deletedAt
	cp.DeletedBy = models.DeletedByEveryone
	return &cp, nil
}
