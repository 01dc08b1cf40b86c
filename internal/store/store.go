// Package store provides the shared SQLite database handle and the
// read-only ConversationWindow view over the messages table. The
// appointments table sharing the same handle is owned and migrated by
// internal/appointment, following the teacher's convention of each
// package migrating only the tables it is responsible for against one
// shared *sql.DB.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens (creating if necessary) the SQLite database at path with
// WAL journaling and a busy timeout, matching internal/usage.Store and
// internal/memory's archive database conventions. _txlock=immediate
// makes every db.Begin() on this handle issue BEGIN IMMEDIATE rather
// than SQLite's default deferred transaction, so internal/appointment
// can take its duplicate-check row lock up front instead of upgrading
// a read lock to a write lock mid-transaction and risking SQLITE_BUSY
// against a concurrent writer.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Message is one row of the messages table. This core never writes
// messages — that is the ingest collaborator's responsibility (spec.md
// §6) — but it migrates the table defensively so ConversationWindow
// and the reflection agent's 24h read work against a standalone
// database in development and tests.
type Message struct {
	ID        int64
	ChatID    string
	Sender    string
	Text      string
	Timestamp time.Time
}

// ConversationWindow is a read-only view over recent messages for a
// chat, grounded on internal/facts.Store's migrate-on-open idiom
// (CREATE TABLE IF NOT EXISTS plus additive ALTER TABLE) and
// internal/anticipation.Store's time-ordered window queries.
type ConversationWindow struct {
	db         *sql.DB
	ftsEnabled bool
}

// NewConversationWindow wraps db, ensuring the messages table and its
// FTS5 index (best-effort) exist.
func NewConversationWindow(db *sql.DB) (*ConversationWindow, error) {
	w := &ConversationWindow{db: db}
	if err := w.migrate(); err != nil {
		return nil, fmt.Errorf("migrate messages: %w", err)
	}
	w.tryEnableFTS()
	return w, nil
}

func (w *ConversationWindow) migrate() error {
	_, err := w.db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			text TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_messages_chat_time
			ON messages(chat_id, timestamp);
	`)
	return err
}

// tryEnableFTS creates the FTS5 index over message text for future
// recall-style search. If FTS5 is unavailable, ConversationWindow
// silently falls back to its plain indexed-column queries, which never
// rely on FTS — matching facts.Store's graceful-degradation behavior.
func (w *ConversationWindow) tryEnableFTS() {
	_, err := w.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
			text,
			content=messages,
			content_rowid=id
		)
	`)
	if err != nil {
		return
	}
	w.ftsEnabled = true
	w.db.Exec(`INSERT INTO messages_fts(messages_fts) VALUES('rebuild')`)
}

// Window returns the last n messages for chatID, oldest first, the
// shape ContextAssembler renders directly into the prompt's
// conversation-window section (spec.md §4.2/§4.3).
func (w *ConversationWindow) Window(chatID string, n int) ([]Message, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := w.db.Query(`
		SELECT id, chat_id, sender, text, timestamp
		FROM messages
		WHERE chat_id = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, chatID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

// Since returns messages for chatID at or after cutoff, oldest first,
// capped at limit. Used by the reflection agent's 24h message read
// (spec.md §4.10).
func (w *ConversationWindow) Since(chatID string, cutoff time.Time, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := w.db.Query(`
		SELECT id, chat_id, sender, text, timestamp
		FROM messages
		WHERE chat_id = ? AND timestamp >= ?
		ORDER BY timestamp ASC
		LIMIT ?
	`, chatID, cutoff.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// Search performs a best-effort full-text lookup across a chat's
// history, using FTS5 when available and a LIKE fallback otherwise —
// the same two-tier strategy as facts.Store.Search.
func (w *ConversationWindow) Search(chatID, query string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	if w.ftsEnabled {
		msgs, err := w.searchFTS(chatID, query, limit)
		if err == nil {
			return msgs, nil
		}
	}
	return w.searchLIKE(chatID, query, limit)
}

func (w *ConversationWindow) searchFTS(chatID, query string, limit int) ([]Message, error) {
	sanitized := sanitizeFTS5Query(query)
	if sanitized == "" {
		return nil, nil
	}
	rows, err := w.db.Query(`
		SELECT messages.id, messages.chat_id, messages.sender, messages.text, messages.timestamp
		FROM messages_fts
		JOIN messages ON messages_fts.rowid = messages.id
		WHERE messages_fts MATCH ? AND messages.chat_id = ?
		ORDER BY rank
		LIMIT ?
	`, sanitized, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (w *ConversationWindow) searchLIKE(chatID, query string, limit int) ([]Message, error) {
	pattern := "%" + query + "%"
	rows, err := w.db.Query(`
		SELECT id, chat_id, sender, text, timestamp
		FROM messages
		WHERE chat_id = ? AND text LIKE ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, chatID, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Sender, &m.Text, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func reverse(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

// sanitizeFTS5Query strips characters with special meaning to FTS5's
// query syntax, matching facts.Store's sanitizeFTS5Query.
func sanitizeFTS5Query(q string) string {
	replacer := strings.NewReplacer(`"`, " ", `*`, " ", `:`, " ", `-`, " ", `(`, " ", `)`, " ")
	return strings.TrimSpace(replacer.Replace(q))
}
