package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pmelo/clipchat/internal/model"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestConversationRoundtrip(t *testing.T) {
	db := testDB(t)

	c := model.Conversation{
		ConversationID:   "c1",
		ConversationName: "friends",
		ConversationType: model.ConversationGroup,
		UnreadCount:      2,
	}
	if err := db.UpsertConversation(c, time.Now()); err != nil {
		t.Fatal(err)
	}

	got, err := db.ListConversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].ConversationName != "friends" || got[0].UnreadCount != 2 {
		t.Errorf("unexpected conversation: %+v", got[0])
	}
}

func TestConversationsOrderedByActivity(t *testing.T) {
	db := testDB(t)

	base := time.Now()
	for _, c := range []struct {
		id string
		at time.Time
	}{
		{"old", base.Add(-time.Hour)},
		{"new", base},
		{"mid", base.Add(-time.Minute)},
	} {
		if err := db.UpsertConversation(model.Conversation{ConversationID: c.id}, c.at); err != nil {
			t.Fatal(err)
		}
	}

	got, err := db.ListConversations()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"new", "mid", "old"}
	for i, id := range want {
		if got[i].ConversationID != id {
			t.Errorf("position %d = %s, want %s", i, got[i].ConversationID, id)
		}
	}
}

func TestUpsertConversationMergesOnConflict(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertConversation(model.Conversation{ConversationID: "c1", UnreadCount: 1}, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertConversation(model.Conversation{ConversationID: "c1", UnreadCount: 5}, time.Now()); err != nil {
		t.Fatal(err)
	}

	got, err := db.ListConversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].UnreadCount != 5 {
		t.Errorf("UnreadCount = %d, want 5", got[0].UnreadCount)
	}
}

func TestMessageHistory(t *testing.T) {
	db := testDB(t)

	msgs := []model.Message{
		{ID: "m2", ConversationID: "c1", Body: "second", CreatedAt: "2026-08-01T10:01:00Z"},
		{ID: "m1", ConversationID: "c1", Body: "first", CreatedAt: "2026-08-01T10:00:00Z"},
	}
	if err := db.ReplaceMessages("c1", msgs); err != nil {
		t.Fatal(err)
	}

	got, err := db.ListMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "m2" {
		t.Errorf("newest first: got %s, want m2", got[0].ID)
	}

	// Upserting the same id again must not duplicate.
	if err := db.UpsertMessage(msgs[0]); err != nil {
		t.Fatal(err)
	}
	got, err = db.ListMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("len after re-upsert = %d, want 2", len(got))
	}
}

func TestDeleteConversationDropsMessages(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertConversation(model.Conversation{ConversationID: "c1"}, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(model.Message{ID: "m1", ConversationID: "c1", Body: "hi"}); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteConversation("c1"); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("messages survived conversation delete: %d", len(msgs))
	}
}

func TestOutboxLifecycle(t *testing.T) {
	db := testDB(t)

	e := OutboxEntry{
		ClientMsgID:    "cm-1",
		ConversationID: "c1",
		Kind:           OutboxDirect,
		TargetID:       "ud-2",
		Body:           "hello",
	}
	if err := db.QueueOutbox(e); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Status != "queued" {
		t.Fatalf("pending = %+v", pending)
	}

	if err := db.MarkOutboxSending("cm-1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSent("cm-1", "srv-9"); err != nil {
		t.Fatal(err)
	}

	pending, err = db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("sent entry still pending: %+v", pending)
	}
}

func TestOutboxFailureKeepsError(t *testing.T) {
	db := testDB(t)

	if err := db.QueueOutbox(OutboxEntry{ClientMsgID: "cm-1", ConversationID: "c1", Kind: OutboxGroup, TargetID: "c1", Body: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxFailed("cm-1", "send group message: forbidden"); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("failed entry still pending: %+v", pending)
	}
}
