package db

import (
	"context"
	"testing"
	"time"

	apperrors "github.com/kimhsiao/novachat/backend/internal/errors"
	"github.com/kimhsiao/novachat/backend/internal/models"
	"github.com/kimhsiao/novachat/backend/internal/uuid"
)

func TestCreateConversation(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	now := time.UnixMilli(1000)

	c, err := repo.CreateConversation(ctx, "t1", "  Trip plans ", now)
	if err != nil {
		t.Fatalf("CreateConversation() failed: %v", err)
	}
	if !uuid.IsValid(string(c.ID)) {
		t.Errorf("ID %q is not a UUID", c.ID)
	}
	if c.Title != "Trip plans" || c.CreatedAt != 1000 || c.SyncState != models.SyncStatePending {
		t.Errorf("conversation = %+v", c)
	}
}

func TestRenameConversation_bumpsUpdatedAt(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	createTestConversation(t, repo, "c1", "t1", 5000)

	// Clock behind the stored timestamp still moves updated_at forward
	if err := repo.RenameConversation(ctx, "c1", "new", time.UnixMilli(1000)); err != nil {
		t.Fatalf("RenameConversation() failed: %v", err)
	}
	c, _ := repo.GetConversation(ctx, "c1")
	if c.UpdatedAt != 5001 || c.SyncState != models.SyncStatePending {
		t.Errorf("conversation = %+v", c)
	}

	if err := repo.RenameConversation(ctx, "missing", "x", time.Now()); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("rename missing error = %v", err)
	}
}

func TestDeleteConversationLocal(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	createTestConversation(t, repo, "c1", "t1", 100)
	createTestMessage(t, repo, "m1", "c1", "t1", 110)

	if err := repo.DeleteConversationLocal(ctx, "c1", time.UnixMilli(200)); err != nil {
		t.Fatalf("DeleteConversationLocal() failed: %v", err)
	}
	c, _ := repo.GetConversation(ctx, "c1")
	if c.DeletedAt == nil || *c.DeletedAt != 200 || c.SyncState != models.SyncStatePending {
		t.Errorf("conversation = %+v", c)
	}
	m, _ := repo.GetMessage(ctx, "m1")
	if m.DeletedAt == nil {
		t.Error("child message should be tombstoned")
	}

	// Deleting twice is a no-op
	if err := repo.DeleteConversationLocal(ctx, "c1", time.UnixMilli(300)); err != nil {
		t.Errorf("second delete failed: %v", err)
	}
	c, _ = repo.GetConversation(ctx, "c1")
	if *c.DeletedAt != 200 {
		t.Errorf("DeletedAt = %d, want 200", *c.DeletedAt)
	}
}

func TestAppendMessage(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	createTestConversation(t, repo, "c1", "t1", 100)

	m := &models.Message{ConversationID: "c1", Role: models.RoleUser, Content: models.TextContent("hi")}
	if err := repo.AppendMessage(ctx, m, time.UnixMilli(150)); err != nil {
		t.Fatalf("AppendMessage() failed: %v", err)
	}
	if m.ID == "" || m.OwnerID != "t1" || m.CreatedAt != 150 || m.SyncState != models.SyncStatePending {
		t.Errorf("message = %+v", m)
	}

	got, _ := repo.GetMessage(ctx, m.ID)
	if got == nil || got.Text() != "hi" {
		t.Errorf("stored message = %+v", got)
	}
}

func TestAppendMessage_requiresLiveConversation(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	createTestConversation(t, repo, "dead", "t1", 100)
	if err := repo.TombstoneConversation(ctx, "dead", 110, 110); err != nil {
		t.Fatalf("TombstoneConversation() failed: %v", err)
	}

	for _, convID := range []models.UUID{"missing", "dead"} {
		err := repo.AppendMessage(ctx, &models.Message{ConversationID: convID, Role: models.RoleUser}, time.Now())
		if !apperrors.IsValidation(err) {
			t.Errorf("AppendMessage(%s) error = %v, want validation", convID, err)
		}
	}
}

func TestDeleteMessageLocal(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	createTestMessage(t, repo, "m1", "c1", "t1", 10)

	if err := repo.DeleteMessageLocal(ctx, "m1", "nobody", time.Now()); !apperrors.IsValidation(err) {
		t.Errorf("invalid deleted_by error = %v", err)
	}
	if err := repo.DeleteMessageLocal(ctx, "m1", models.DeletedBySelf, time.UnixMilli(50)); err != nil {
		t.Fatalf("DeleteMessageLocal() failed: %v", err)
	}
	m, _ := repo.GetMessage(ctx, "m1")
	if m.DeletedBy != models.DeletedBySelf || m.SyncState != models.SyncStatePending || m.UpdatedAt != 50 {
		t.Errorf("message = %+v", m)
	}
	if err := repo.DeleteMessageLocal(ctx, "m1", models.DeletedBySelf, time.Now()); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("second delete error = %v, want not found", err)
	}
}

func TestGarbageCollect(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	createTestConversation(t, repo, "old", "t1", 100)
	createTestMessage(t, repo, "old-m", "old", "t1", 110)
	if err := repo.TombstoneConversation(ctx, "old", 200, 200); err != nil {
		t.Fatalf("TombstoneConversation() failed: %v", err)
	}

	createTestConversation(t, repo, "pending", "t1", 100)
	if err := repo.DeleteConversationLocal(ctx, "pending", time.UnixMilli(200)); err != nil {
		t.Fatalf("DeleteConversationLocal() failed: %v", err)
	}

	createTestConversation(t, repo, "live", "t1", 100)
	createTestMessage(t, repo, "dead-m", "live", "t1", 120)
	if _, err := repo.TombstoneMessage(ctx, "dead-m", 210, models.DeletedByEveryone, 210); err != nil {
		t.Fatalf("TombstoneMessage() failed: %v", err)
	}
	createTestMessage(t, repo, "fresh-m", "live", "t1", 130)
	if _, err := repo.TombstoneMessage(ctx, "fresh-m", 900, models.DeletedByEveryone, 900); err != nil {
		t.Fatalf("TombstoneMessage() failed: %v", err)
	}

	res, err := repo.GarbageCollect(ctx, 500)
	if err != nil {
		t.Fatalf("GarbageCollect() failed: %v", err)
	}
	if res.Conversations != 1 || res.Messages != 2 {
		t.Errorf("GarbageCollect() = %+v, want 1 conversation, 2 messages", res)
	}

	if c, _ := repo.GetConversation(ctx, "pending"); c == nil {
		t.Error("pending tombstone must survive until pushed")
	}
	if m, _ := repo.GetMessage(ctx, "fresh-m"); m == nil {
		t.Error("recent tombstone must survive")
	}
	if c, _ := repo.GetConversation(ctx, "live"); c == nil {
		t.Error("live conversation must survive")
	}
}
