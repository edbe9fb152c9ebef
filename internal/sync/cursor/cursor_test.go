package cursor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/novachat/backend/internal/db"
	"github.com/kimhsiao/novachat/backend/internal/models"
	"github.com/kimhsiao/novachat/backend/internal/testutil"
)

func setupStore(t *testing.T) (*Store, *db.Repository) {
	t.Helper()
	repo := testutil.NewRepository(t)
	return New(repo), repo
}

func TestStore_GetAbsent(t *testing.T) {
	s, _ := setupStore(t)

	c, err := s.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Nil(t, c, "first sync must see no cursor")
}

func TestStore_PutGet(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	ts := time.UnixMilli(1_700_000_000_123)

	require.NoError(t, s.Put(ctx, "t1", ts))
	c, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, int64(1_700_000_000_123), c.LastSyncedAt)
	assert.Equal(t, models.ProtocolVersion, c.ProtocolVersion)

	later := ts.Add(time.Minute)
	require.NoError(t, s.Put(ctx, "t1", later))
	c, err = s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, later.UnixMilli(), c.LastSyncedAt)

	other, err := s.Get(ctx, "t2")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestStore_PutRequiresTenant(t *testing.T) {
	s, _ := setupStore(t)
	assert.Error(t, s.Put(context.Background(), "", time.Now()))
}

func TestStore_ResetIdempotent(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Reset(ctx, "t1"), "reset without cursor")
	require.NoError(t, s.Put(ctx, "t1", time.Now()))
	require.NoError(t, s.Reset(ctx, "t1"))
	require.NoError(t, s.Reset(ctx, "t1"))

	c, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestStore_IgnoresOtherProtocolVersion(t *testing.T) {
	s, repo := setupStore(t)
	ctx := context.Background()

	require.NoError(t, repo.PutCursor(ctx, &models.SyncCursor{
		OwnerID:         "t1",
		LastSyncedAt:    42,
		ProtocolVersion: models.ProtocolVersion + 1,
	}))
	c, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, c)
}
