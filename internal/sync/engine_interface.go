package sync

import (
	"context"
)

// SyncEngineInterface defines the interface for sync engine operations.
// The scheduler and the HTTP surface depend on it so tests can substitute
// a fake.
type SyncEngineInterface interface {
	// Sync runs one pull-then-push round for tenant.
	Sync(ctx context.Context, tenant string) (*SyncResult, error)

	// ResetCursor makes the next round for tenant a full pull.
	ResetCursor(ctx context.Context, tenant string) error

	// TenantStatus reports tenant's cursor, outbox counts and last round.
	TenantStatus(ctx context.Context, tenant string) (*TenantStatus, error)

	// SetEventHandler sets the event handler for sync notifications.
	SetEventHandler(handler SyncEventHandler)
}

var _ SyncEngineInterface = (*Engine)(nil)
