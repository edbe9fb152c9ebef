// Package db provides unit tests for local store operations.
package db

import (
	"context"
	"sync"
	"testing"
	"time"

	apperrors "github.com/kimhsiao/novachat/backend/internal/errors"
	"github.com/kimhsiao/novachat/backend/internal/models"
)

// setupTestRepo opens a migrated database in a temp dir.
func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := OpenAndMigrate(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	repo := NewRepository(db.DB)
	t.Cleanup(func() {
		repo.Close()
		db.Close()
	})
	return repo
}

func createTestConversation(t *testing.T, repo *Repository, id, owner string, updatedAt int64) *models.Conversation {
	t.Helper()
	c := &models.Conversation{
		ID:        models.UUID(id),
		OwnerID:   owner,
		Title:     "Conversation " + id,
		CreatedAt: updatedAt,
		UpdatedAt: updatedAt,
		SyncState: models.SyncStateSynced,
	}
	if err := repo.PutConversation(context.Background(), c); err != nil {
		t.Fatalf("PutConversation() failed: %v", err)
	}
	return c
}

func createTestMessage(t *testing.T, repo *Repository, id, convID, owner string, createdAt int64) *models.Message {
	t.Helper()
	m := &models.Message{
		ID:             models.UUID(id),
		ConversationID: models.UUID(convID),
		OwnerID:        owner,
		Role:           models.RoleUser,
		Content:        models.TextContent("hello " + id),
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
		SyncState:      models.SyncStateSynced,
	}
	if err := repo.PutMessage(context.Background(), m); err != nil {
		t.Fatalf("PutMessage() failed: %v", err)
	}
	return m
}

// =====================================================
// Conversation Tests
// =====================================================

func TestPutAndGetConversation(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	created := createTestConversation(t, repo, "c1", "t1", 100)

	got, err := repo.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("GetConversation() failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetConversation() returned nil")
	}
	if got.Title != created.Title || got.UpdatedAt != 100 || got.SyncState != models.SyncStateSynced {
		t.Errorf("GetConversation() = %+v", got)
	}
	if got.DeletedAt != nil {
		t.Error("DeletedAt should be nil")
	}

	// Upsert replaces
	created.Title = "Renamed"
	created.UpdatedAt = 200
	if err := repo.PutConversation(ctx, created); err != nil {
		t.Fatalf("PutConversation() upsert failed: %v", err)
	}
	got, _ = repo.GetConversation(ctx, "c1")
	if got.Title != "Renamed" || got.UpdatedAt != 200 {
		t.Errorf("after upsert = %+v", got)
	}
}

func TestGetConversation_notFound(t *testing.T) {
	repo := setupTestRepo(t)

	got, err := repo.GetConversation(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if got != nil {
		t.Errorf("GetConversation() = %+v, want nil", got)
	}
}

func TestPutConversation_validation(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	tests := []struct {
		name string
		conv *models.Conversation
	}{
		{"nil", nil},
		{"missing id", &models.Conversation{OwnerID: "t1"}},
		{"missing owner", &models.Conversation{ID: "c1"}},
		{"bad state", &models.Conversation{ID: "c1", OwnerID: "t1", SyncState: "weird"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := repo.PutConversation(ctx, tt.conv)
			if !apperrors.IsValidation(err) {
				t.Errorf("PutConversation() error = %v, want validation error", err)
			}
		})
	}
}

func TestQueryConversations(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	createTestConversation(t, repo, "c1", "t1", 100)
	createTestConversation(t, repo, "c2", "t1", 300)
	createTestConversation(t, repo, "c3", "t1", 200)
	createTestConversation(t, repo, "other", "t2", 400)
	if err := repo.TombstoneConversation(ctx, "c3", 250, 250); err != nil {
		t.Fatalf("TombstoneConversation() failed: %v", err)
	}

	live, err := repo.QueryConversations(ctx, ConversationQuery{OwnerID: "t1"})
	if err != nil {
		t.Fatalf("QueryConversations() failed: %v", err)
	}
	if len(live) != 2 || live[0].ID != "c2" || live[1].ID != "c1" {
		t.Errorf("live conversations = %v, want [c2 c1]", ids(live))
	}

	all, _ := repo.QueryConversations(ctx, ConversationQuery{OwnerID: "t1", IncludeDeleted: true, Order: OrderUpdatedAsc})
	if len(all) != 3 || all[0].ID != "c1" || all[2].ID != "c2" {
		t.Errorf("all conversations = %v, want [c1 c3 c2]", ids(all))
	}

	dead, _ := repo.QueryConversations(ctx, ConversationQuery{OwnerID: "t1", OnlyDeleted: true})
	if len(dead) != 1 || dead[0].ID != "c3" {
		t.Errorf("deleted conversations = %v, want [c3]", ids(dead))
	}

	recent, _ := repo.QueryConversations(ctx, ConversationQuery{OwnerID: "t1", UpdatedAfter: 100, Limit: 1})
	if len(recent) != 1 || recent[0].ID != "c2" {
		t.Errorf("recent conversations = %v, want [c2]", ids(recent))
	}

	byID, _ := repo.QueryConversations(ctx, ConversationQuery{IDs: []models.UUID{"c1", "other"}})
	if len(byID) != 2 {
		t.Errorf("by id = %v, want 2 rows", ids(byID))
	}

	n, err := repo.CountConversations(ctx, ConversationQuery{OwnerID: "t1"})
	if err != nil || n != 2 {
		t.Errorf("CountConversations() = %d, %v; want 2", n, err)
	}
}

func TestBulkPutConversations(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	convs := []*models.Conversation{
		{ID: "b1", OwnerID: "t1", CreatedAt: 1, UpdatedAt: 1},
		{ID: "b2", OwnerID: "t1", CreatedAt: 2, UpdatedAt: 2},
	}
	if err := repo.BulkPutConversations(ctx, convs); err != nil {
		t.Fatalf("BulkPutConversations() failed: %v", err)
	}
	n, _ := repo.CountConversations(ctx, ConversationQuery{OwnerID: "t1"})
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
	if convs[0].SyncState != models.SyncStateSynced {
		t.Errorf("default sync state = %q, want synced", convs[0].SyncState)
	}

	// One invalid row rejects the whole batch before writing
	bad := []*models.Conversation{{ID: "b3", OwnerID: "t1"}, {ID: "", OwnerID: "t1"}}
	if err := repo.BulkPutConversations(ctx, bad); err == nil {
		t.Error("BulkPutConversations() should reject invalid rows")
	}
	if c, _ := repo.GetConversation(ctx, "b3"); c != nil {
		t.Error("no row of a rejected batch should be written")
	}
}

func TestInsertConversationIfAbsent(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	c := &models.Conversation{ID: "c1", OwnerID: "t1", Title: "first", CreatedAt: 1, UpdatedAt: 1}
	inserted, err := repo.InsertConversationIfAbsent(ctx, c)
	if err != nil || !inserted {
		t.Fatalf("first insert = %v, %v", inserted, err)
	}

	dup := &models.Conversation{ID: "c1", OwnerID: "t1", Title: "second", CreatedAt: 1, UpdatedAt: 2}
	inserted, err = repo.InsertConversationIfAbsent(ctx, dup)
	if err != nil || inserted {
		t.Fatalf("duplicate insert = %v, %v", inserted, err)
	}
	got, _ := repo.GetConversation(ctx, "c1")
	if got.Title != "first" {
		t.Errorf("title = %q, want first", got.Title)
	}
}

func TestUpdateConversationIfNewer(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	createTestConversation(t, repo, "c1", "t1", 100)

	older := &models.Conversation{ID: "c1", OwnerID: "t1", Title: "old", CreatedAt: 100, UpdatedAt: 50}
	if ok, _ := repo.UpdateConversationIfNewer(ctx, older); ok {
		t.Error("older remote row should not overwrite")
	}

	newer := &models.Conversation{ID: "c1", OwnerID: "t1", Title: "new", CreatedAt: 100, UpdatedAt: 150}
	ok, err := repo.UpdateConversationIfNewer(ctx, newer)
	if err != nil || !ok {
		t.Fatalf("UpdateConversationIfNewer() = %v, %v", ok, err)
	}
	got, _ := repo.GetConversation(ctx, "c1")
	if got.Title != "new" || got.UpdatedAt != 150 {
		t.Errorf("after update = %+v", got)
	}
}

func TestDeleteConversation_physical(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	createTestConversation(t, repo, "c1", "t1", 100)
	createTestMessage(t, repo, "m1", "c1", "t1", 110)

	if err := repo.DeleteConversation(ctx, "c1"); err != nil {
		t.Fatalf("DeleteConversation() failed: %v", err)
	}
	if c, _ := repo.GetConversation(ctx, "c1"); c != nil {
		t.Error("conversation should be gone")
	}
	if m, _ := repo.GetMessage(ctx, "m1"); m != nil {
		t.Error("child message should be gone")
	}
}

// =====================================================
// Message Tests
// =====================================================

func TestPutAndGetMessage(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	m := &models.Message{
		ID:             "m1",
		ConversationID: "c1",
		OwnerID:        "t1",
		Role:           models.RoleAssistant,
		Content: models.StructuredContent{
			Type:  "image",
			Text:  "a picture",
			Files: []models.Attachment{{URL: "https://cdn/x.png", MimeType: "image/png"}},
		},
		CreatedAt: 10,
		UpdatedAt: 10,
		SyncState: models.SyncStatePending,
	}
	if err := repo.PutMessage(ctx, m); err != nil {
		t.Fatalf("PutMessage() failed: %v", err)
	}

	got, err := repo.GetMessage(ctx, "m1")
	if err != nil || got == nil {
		t.Fatalf("GetMessage() = %v, %v", got, err)
	}
	if got.Content.Kind() != models.ContentKindStructured {
		t.Errorf("content kind = %q, want structured", got.Content.Kind())
	}
	if got.Text() != "a picture" || len(got.Content.Attachments()) != 1 {
		t.Errorf("content = %+v", got.Content)
	}
	if got.Role != models.RoleAssistant || got.SyncState != models.SyncStatePending {
		t.Errorf("message = %+v", got)
	}
}

func TestPutMessage_invalidRole(t *testing.T) {
	repo := setupTestRepo(t)
	err := repo.PutMessage(context.Background(), &models.Message{
		ID: "m1", ConversationID: "c1", OwnerID: "t1", Role: "robot",
	})
	if !apperrors.IsValidation(err) {
		t.Errorf("PutMessage() error = %v, want validation", err)
	}
}

func TestInsertMessageIfAbsent(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	m := createTestMessage(t, repo, "m1", "c1", "t1", 10)

	dup := *m
	dup.Content = models.TextContent("changed")
	inserted, err := repo.InsertMessageIfAbsent(ctx, &dup)
	if err != nil || inserted {
		t.Fatalf("InsertMessageIfAbsent() = %v, %v; want false, nil", inserted, err)
	}
	got, _ := repo.GetMessage(ctx, "m1")
	if got.Text() != "hello m1" {
		t.Errorf("content = %q, existing row must be kept", got.Text())
	}
}

func TestInsertMessageIfAbsent_concurrent(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.InsertMessageIfAbsent(ctx, &models.Message{
				ID: "m1", ConversationID: "c1", OwnerID: "t1", Role: models.RoleUser,
				Content: models.TextContent("x"), CreatedAt: 1, UpdatedAt: 1,
			})
			if err != nil {
				t.Errorf("InsertMessageIfAbsent() error = %v", err)
			}
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	inserted := 0
	for ok := range results {
		if ok {
			inserted++
		}
	}
	if inserted != 1 {
		t.Errorf("inserted = %d, want exactly 1", inserted)
	}
}

func TestQueryMessages(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	createTestMessage(t, repo, "m3", "c1", "t1", 30)
	createTestMessage(t, repo, "m1", "c1", "t1", 10)
	createTestMessage(t, repo, "m2", "c1", "t1", 20)
	createTestMessage(t, repo, "x1", "c2", "t1", 15)
	if _, err := repo.TombstoneMessage(ctx, "m2", 25, models.DeletedBySelf, 25); err != nil {
		t.Fatalf("TombstoneMessage() failed: %v", err)
	}

	msgs, err := repo.QueryMessages(ctx, MessageQuery{ConversationID: "c1"})
	if err != nil {
		t.Fatalf("QueryMessages() failed: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m3" {
		t.Errorf("messages = %v, want [m1 m3]", msgIDs(msgs))
	}

	after, _ := repo.QueryMessages(ctx, MessageQuery{ConversationIDs: []models.UUID{"c1", "c2"}, CreatedAfter: 12, IncludeDeleted: true})
	if len(after) != 3 || after[0].ID != "x1" {
		t.Errorf("after = %v, want [x1 m2 m3]", msgIDs(after))
	}

	n, _ := repo.CountMessages(ctx, MessageQuery{OwnerID: "t1", OnlyDeleted: true})
	if n != 1 {
		t.Errorf("deleted count = %d, want 1", n)
	}
}

// =====================================================
// Tombstone Tests
// =====================================================

func TestTombstoneConversation_cascades(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	createTestConversation(t, repo, "c1", "t1", 100)
	createTestMessage(t, repo, "m1", "c1", "t1", 110)
	createTestMessage(t, repo, "m2", "c1", "t1", 120)
	createTestMessage(t, repo, "other", "c2", "t1", 120)

	if err := repo.TombstoneConversation(ctx, "c1", 500, 500); err != nil {
		t.Fatalf("TombstoneConversation() failed: %v", err)
	}

	c, _ := repo.GetConversation(ctx, "c1")
	if c.DeletedAt == nil || *c.DeletedAt != 500 || c.SyncState != models.SyncStateSynced {
		t.Errorf("conversation = %+v", c)
	}
	for _, id := range []models.UUID{"m1", "m2"} {
		m, _ := repo.GetMessage(ctx, id)
		if m.DeletedAt == nil || m.DeletedBy != models.DeletedByEveryone {
			t.Errorf("message %s not tombstoned: %+v", id, m)
		}
	}
	if m, _ := repo.GetMessage(ctx, "other"); m.DeletedAt != nil {
		t.Error("message of another conversation must not be tombstoned")
	}
}

func TestTombstoneConversation_missing(t *testing.T) {
	repo := setupTestRepo(t)
	err := repo.TombstoneConversation(context.Background(), "missing", 1, 1)
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("error = %v, want not found", err)
	}
}

func TestRestoreConversation(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	createTestConversation(t, repo, "c1", "t1", 100)
	createTestMessage(t, repo, "m1", "c1", "t1", 110)
	createTestMessage(t, repo, "m2", "c1", "t1", 120)
	if err := repo.TombstoneConversation(ctx, "c1", 200, 200); err != nil {
		t.Fatalf("TombstoneConversation() failed: %v", err)
	}

	remote := &models.Conversation{ID: "c1", OwnerID: "t1", Title: "back", CreatedAt: 100, UpdatedAt: 300}
	restored, err := repo.RestoreConversation(ctx, remote)
	if err != nil {
		t.Fatalf("RestoreConversation() failed: %v", err)
	}
	if restored != 2 {
		t.Errorf("restored messages = %d, want 2", restored)
	}

	c, _ := repo.GetConversation(ctx, "c1")
	if c.DeletedAt != nil || c.Title != "back" || c.UpdatedAt != 300 {
		t.Errorf("conversation = %+v", c)
	}
	n, _ := repo.CountMessages(ctx, MessageQuery{ConversationID: "c1"})
	if n != 2 {
		t.Errorf("live messages = %d, want 2", n)
	}
}

func TestTombstoneMessage_onlyIfUnset(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	createTestMessage(t, repo, "m1", "c1", "t1", 10)

	applied, err := repo.TombstoneMessage(ctx, "m1", 20, models.DeletedByNone, 20)
	if err != nil || !applied {
		t.Fatalf("first tombstone = %v, %v", applied, err)
	}
	applied, _ = repo.TombstoneMessage(ctx, "m1", 30, models.DeletedBySelf, 30)
	if applied {
		t.Error("second tombstone must not overwrite")
	}

	m, _ := repo.GetMessage(ctx, "m1")
	if *m.DeletedAt != 20 || m.DeletedBy != models.DeletedByEveryone {
		t.Errorf("message = %+v", m)
	}
}

// =====================================================
// Sync State Tests
// =====================================================

func TestMarkSynced_conditionalOnUpdatedAt(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	c := &models.Conversation{ID: "c1", OwnerID: "t1", CreatedAt: 1, UpdatedAt: 100, SyncState: models.SyncStatePending}
	if err := repo.PutConversation(ctx, c); err != nil {
		t.Fatalf("PutConversation() failed: %v", err)
	}

	// A concurrent local edit bumped updated_at after the push read the row
	if err := repo.RenameConversation(ctx, "c1", "edited", time.UnixMilli(150)); err != nil {
		t.Fatalf("RenameConversation() failed: %v", err)
	}
	ok, err := repo.MarkConversationSynced(ctx, "c1", 100)
	if err != nil || ok {
		t.Fatalf("MarkConversationSynced(stale) = %v, %v; want false", ok, err)
	}
	got, _ := repo.GetConversation(ctx, "c1")
	if got.SyncState != models.SyncStatePending {
		t.Errorf("state = %q, want pending", got.SyncState)
	}

	ok, _ = repo.MarkConversationSynced(ctx, "c1", got.UpdatedAt)
	if !ok {
		t.Error("MarkConversationSynced(current) should succeed")
	}
}

func TestMarkMessageFailed_andRetry(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	m := createTestMessage(t, repo, "m1", "c1", "t1", 10)

	if ok, err := repo.MarkMessageFailed(ctx, "m1", m.UpdatedAt); err != nil || !ok {
		t.Fatalf("MarkMessageFailed() = %v, %v", ok, err)
	}
	n, _ := repo.CountMessages(ctx, MessageQuery{OwnerID: "t1", SyncState: models.SyncStateFailed})
	if n != 1 {
		t.Errorf("failed count = %d, want 1", n)
	}

	moved, err := repo.RetryFailed(ctx, "t1", 999)
	if err != nil || moved != 1 {
		t.Fatalf("RetryFailed() = %d, %v; want 1", moved, err)
	}
	got, _ := repo.GetMessage(ctx, "m1")
	if got.SyncState != models.SyncStatePending || got.UpdatedAt != 999 {
		t.Errorf("after retry = %+v", got)
	}
}

// =====================================================
// Cursor and ConflictLog Tests
// =====================================================

func TestCursorLifecycle(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	c, err := repo.GetCursor(ctx, "t1")
	if err != nil || c != nil {
		t.Fatalf("GetCursor() on empty = %v, %v; want nil", c, err)
	}

	if err := repo.PutCursor(ctx, &models.SyncCursor{OwnerID: "t1", LastSyncedAt: 10, ProtocolVersion: 1}); err != nil {
		t.Fatalf("PutCursor() failed: %v", err)
	}
	if err := repo.PutCursor(ctx, &models.SyncCursor{OwnerID: "t1", LastSyncedAt: 20, ProtocolVersion: 1}); err != nil {
		t.Fatalf("PutCursor() overwrite failed: %v", err)
	}
	c, _ = repo.GetCursor(ctx, "t1")
	if c == nil || c.LastSyncedAt != 20 {
		t.Errorf("GetCursor() = %+v, want LastSyncedAt 20", c)
	}

	for i := 0; i < 2; i++ {
		if err := repo.DeleteCursor(ctx, "t1"); err != nil {
			t.Errorf("DeleteCursor() #%d failed: %v", i+1, err)
		}
	}
	if c, _ = repo.GetCursor(ctx, "t1"); c != nil {
		t.Errorf("cursor should be gone, got %+v", c)
	}
}

func TestConflictLogs(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	for i, ts := range []int64{100, 300, 200} {
		log := &models.ConflictLog{
			OwnerID:         "t1",
			ItemID:          models.UUID("c" + string(rune('1'+i))),
			ItemTable:       "conversations",
			LocalTimestamp:  ts + 1,
			RemoteTimestamp: ts,
			Resolution:      "local_wins",
			DetectedAt:      ts,
		}
		if err := repo.CreateConflictLog(ctx, log); err != nil {
			t.Fatalf("CreateConflictLog() failed: %v", err)
		}
		if log.ID == "" {
			t.Error("CreateConflictLog() should assign an ID")
		}
	}

	logs, err := repo.ListConflictLogs(ctx, "t1", 2)
	if err != nil {
		t.Fatalf("ListConflictLogs() failed: %v", err)
	}
	if len(logs) != 2 || logs[0].DetectedAt != 300 || logs[1].DetectedAt != 200 {
		t.Errorf("logs = %+v", logs)
	}
}

func ids(convs []*models.Conversation) []models.UUID {
	out := make([]models.UUID, len(convs))
	for i, c := range convs {
		out[i] = c.ID
	}
	return out
}

func msgIDs(msgs []*models.Message) []models.UUID {
	out := make([]models.UUID, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
