// Package conflict decides how a remote row is applied to the local store.
// Conversations use row-level last-writer-wins on updated_at; deletes are
// monotonic and message content is immutable.
package conflict

import (
	"time"

	"github.com/kimhsiao/novachat/backend/internal/logging"
	"github.com/kimhsiao/novachat/backend/internal/models"
)

// ResolutionStrategy defines how conflicts are resolved.
type ResolutionStrategy string

const (
	ResolutionStrategyLastWriteWins ResolutionStrategy = "last_write_wins"
	// ResolutionStrategyManual keeps pending local edits over newer remote
	// rows and logs them for review. Remote deletes still win.
	ResolutionStrategyManual ResolutionStrategy = "manual"
)

// Resolution values recorded in the conflict log.
const (
	ResolutionLocalWins        = "local_wins"
	ResolutionRemoteWins       = "remote_wins"
	ResolutionLocalDeleteWins  = "local_delete_wins"
	ResolutionRemoteDeleteWins = "remote_delete_wins"
	ResolutionManualReview     = "manual_review_required"
)

// Action is what the caller must do with a remote row.
type Action int

const (
	// ActionSkip leaves the local row untouched.
	ActionSkip Action = iota
	// ActionInsert stores the remote row, tombstone included.
	ActionInsert
	// ActionUpdate overwrites the local row with the remote fields.
	ActionUpdate
	// ActionRestore clears the local tombstone and its children's.
	ActionRestore
	// ActionTombstone applies the remote tombstone, cascading to children.
	ActionTombstone
)

func (a Action) String() string {
	switch a {
	case ActionInsert:
		return "insert"
	case ActionUpdate:
		return "update"
	case ActionRestore:
		return "restore"
	case ActionTombstone:
		return "tombstone"
	default:
		return "skip"
	}
}

// Decision is the outcome of resolving one remote row.
type Decision struct {
	Action Action
	// ConflictLog is set when the remote row collided with a pending
	// local edit. Callers persist it for user awareness.
	ConflictLog *models.ConflictLog
}

// Resolver handles conflict resolution during synchronization.
type Resolver struct {
	strategy ResolutionStrategy
	now      func() time.Time
}

// NewResolver creates a new Resolver with the specified strategy.
func NewResolver(strategy ResolutionStrategy) *Resolver {
	return &Resolver{
		strategy: strategy,
		now:      time.Now,
	}
}

// WithClock overrides the time source used for conflict log entries.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() ResolutionStrategy {
	return r.strategy
}

// ResolveConversation decides how remote applies over local. local is nil
// when the row does not exist locally.
func (r *Resolver) ResolveConversation(local, remote *models.Conversation) (Decision, error) {
	if remote == nil {
		return Decision{}, ErrInvalidConflict
	}
	if local == nil {
		return Decision{Action: ActionInsert}, nil
	}
	if local.ID != remote.ID {
		return Decision{}, ErrItemIDMismatch
	}

	pending := local.SyncState != models.SyncStateSynced

	switch {
	case remote.IsDeleted():
		if local.IsDeleted() {
			return Decision{Action: ActionSkip}, nil
		}
		d := Decision{Action: ActionTombstone}
		if pending {
			d.ConflictLog = r.conversationConflict(local, remote, ResolutionRemoteDeleteWins)
		}
		return d, nil

	case local.IsDeleted():
		if remote.UpdatedAt <= local.UpdatedAt {
			// a live image no newer than the tombstone is a reordered
			// event, not a restore
			if !pending {
				return Decision{Action: ActionSkip}, nil
			}
			return Decision{
				Action:      ActionSkip,
				ConflictLog: r.conversationConflict(local, remote, ResolutionLocalDeleteWins),
			}, nil
		}
		d := Decision{Action: ActionRestore}
		if pending {
			d.ConflictLog = r.conversationConflict(local, remote, ResolutionRemoteWins)
		}
		return d, nil

	case remote.UpdatedAt > local.UpdatedAt:
		if !pending {
			return Decision{Action: ActionUpdate}, nil
		}
		if r.strategy == ResolutionStrategyManual {
			return Decision{
				Action:      ActionSkip,
				ConflictLog: r.conversationConflict(local, remote, ResolutionManualReview),
			}, nil
		}
		return Decision{
			Action:      ActionUpdate,
			ConflictLog: r.conversationConflict(local, remote, ResolutionRemoteWins),
		}, nil

	case pending && remote.UpdatedAt < local.UpdatedAt:
		return Decision{
			Action:      ActionSkip,
			ConflictLog: r.conversationConflict(local, remote, ResolutionLocalWins),
		}, nil
	}

	// same version, or a stale remote copy of a synced row
	return Decision{Action: ActionSkip}, nil
}

// ResolveMessage decides how a remote message applies over local. Content
// is immutable once created, so only inserts and tombstones propagate.
func (r *Resolver) ResolveMessage(local, remote *models.Message) (Decision, error) {
	if remote == nil {
		return Decision{}, ErrInvalidConflict
	}
	if local == nil {
		return Decision{Action: ActionInsert}, nil
	}
	if local.ID != remote.ID {
		return Decision{}, ErrItemIDMismatch
	}
	if remote.IsDeleted() && !local.IsDeleted() {
		return Decision{Action: ActionTombstone}, nil
	}
	return Decision{Action: ActionSkip}, nil
}

func (r *Resolver) conversationConflict(local, remote *models.Conversation, resolution string) *models.ConflictLog {
	logging.Warn("Concurrent edit conflict detected",
		map[string]interface{}{
			"item_id":          local.ID,
			"local_timestamp":  local.UpdatedAt,
			"remote_timestamp": remote.UpdatedAt,
			"local_deleted":    local.IsDeleted(),
			"remote_deleted":   remote.IsDeleted(),
			"resolution":       resolution,
			"strategy":         r.strategy,
		})

	return &models.ConflictLog{
		OwnerID:         local.OwnerID,
		ItemID:          local.ID,
		ItemTable:       models.Conversation{}.TableName(),
		LocalTimestamp:  local.UpdatedAt,
		RemoteTimestamp: remote.UpdatedAt,
		Resolution:      resolution,
		DetectedAt:      r.now().UnixMilli(),
	}
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: remote row must be non-nil"}
	ErrItemIDMismatch  = &ConflictError{Message: "item ID mismatch"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
