package store

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *ConversationWindow {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	w, err := NewConversationWindow(db)
	if err != nil {
		t.Fatalf("NewConversationWindow: %v", err)
	}
	return w
}

func insertMessage(t *testing.T, w *ConversationWindow, chatID, sender, text string, ts time.Time) {
	t.Helper()
	_, err := w.db.Exec(`INSERT INTO messages (chat_id, sender, text, timestamp) VALUES (?, ?, ?, ?)`,
		chatID, sender, text, ts.UTC())
	if err != nil {
		t.Fatalf("insert message: %v", err)
	}
}

func TestConversationWindow_WindowOrdersOldestFirst(t *testing.T) {
	w := openTestDB(t)
	base := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	insertMessage(t, w, "chat1", "anna", "erste Nachricht", base)
	insertMessage(t, w, "chat1", "ben", "zweite Nachricht", base.Add(time.Minute))
	insertMessage(t, w, "chat1", "anna", "dritte Nachricht", base.Add(2*time.Minute))

	msgs, err := w.Window("chat1", 10)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Text != "erste Nachricht" || msgs[2].Text != "dritte Nachricht" {
		t.Fatalf("expected oldest-first ordering, got %+v", msgs)
	}
}

func TestConversationWindow_WindowRespectsLimit(t *testing.T) {
	w := openTestDB(t)
	base := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		insertMessage(t, w, "chat1", "anna", "msg", base.Add(time.Duration(i)*time.Minute))
	}

	msgs, err := w.Window("chat1", 2)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
}

func TestConversationWindow_WindowScopedToChat(t *testing.T) {
	w := openTestDB(t)
	base := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	insertMessage(t, w, "chat1", "anna", "in chat1", base)
	insertMessage(t, w, "chat2", "ben", "in chat2", base)

	msgs, err := w.Window("chat1", 10)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ChatID != "chat1" {
		t.Fatalf("expected only chat1 messages, got %+v", msgs)
	}
}

func TestConversationWindow_Since(t *testing.T) {
	w := openTestDB(t)
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	insertMessage(t, w, "chat1", "anna", "alt", now.Add(-48*time.Hour))
	insertMessage(t, w, "chat1", "anna", "neu", now.Add(-1*time.Hour))

	cutoff := now.Add(-24 * time.Hour)
	msgs, err := w.Since("chat1", cutoff, 50)
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "neu" {
		t.Fatalf("expected only the recent message, got %+v", msgs)
	}
}

func TestConversationWindow_SearchLIKEFallback(t *testing.T) {
	w := openTestDB(t)
	w.ftsEnabled = false // force the LIKE path regardless of build's FTS5 availability
	base := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	insertMessage(t, w, "chat1", "anna", "Schwimmtraining dienstags 17 Uhr", base)
	insertMessage(t, w, "chat1", "ben", "Einkaufen gehen", base.Add(time.Minute))

	msgs, err := w.Search("chat1", "Schwimm", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 match, got %d: %+v", len(msgs), msgs)
	}
}
