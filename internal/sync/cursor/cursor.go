// Package cursor persists the per-tenant delta sync boundary.
package cursor

import (
	"context"
	"time"

	apperrors "github.com/kimhsiao/novachat/backend/internal/errors"
	"github.com/kimhsiao/novachat/backend/internal/logging"
	"github.com/kimhsiao/novachat/backend/internal/models"
)

// Store reads and writes sync cursors through the local repository.
type Store struct {
	repo    Repository
	version int
}

// Repository is the subset of the local store used for cursors.
type Repository interface {
	GetCursor(ctx context.Context, ownerID string) (*models.SyncCursor, error)
	PutCursor(ctx context.Context, c *models.SyncCursor) error
	DeleteCursor(ctx context.Context, ownerID string) error
}

// New creates a cursor store for the current protocol version.
func New(repo Repository) *Store {
	return &Store{repo: repo, version: models.ProtocolVersion}
}

// Get returns the tenant's cursor. A nil cursor means the next pull must
// fetch everything. Cursors written under another protocol version are
// treated as absent.
func (s *Store) Get(ctx context.Context, tenant string) (*models.SyncCursor, error) {
	c, err := s.repo.GetCursor(ctx, tenant)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, nil
	}
	if c.ProtocolVersion != s.version {
		logging.Info("Ignoring cursor from another protocol version",
			map[string]interface{}{
				"tenant":         tenant,
				"cursor_version": c.ProtocolVersion,
				"version":        s.version,
			})
		return nil, nil
	}
	return c, nil
}

// Put records a successful sync round that started at ts.
func (s *Store) Put(ctx context.Context, tenant string, ts time.Time) error {
	if tenant == "" {
		return apperrors.New(apperrors.ErrValidation, "tenant is required")
	}
	return s.repo.PutCursor(ctx, &models.SyncCursor{
		OwnerID:         tenant,
		LastSyncedAt:    ts.UnixMilli(),
		ProtocolVersion: s.version,
	})
}

// Reset deletes the tenant's cursor so the next round is a full sync.
// Resetting a tenant without a cursor succeeds.
func (s *Store) Reset(ctx context.Context, tenant string) error {
	return s.repo.DeleteCursor(ctx, tenant)
}
