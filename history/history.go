// Package history keeps chat history in sqlite, one conversation key per
// user pair or group.
package history

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"qqchat/models"
)

// DefaultLimit is the number of entries returned when the caller asks for none.
const DefaultLimit = 100

type DB struct {
	conn   *sql.DB
	logger *slog.Logger
}

func Open(path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn, logger: logger.With("component", "history")}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation TEXT NOT NULL,
			kind TEXT NOT NULL,
			sender TEXT NOT NULL,
			receiver TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation, timestamp)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}
	return nil
}

// DirectConversation is the key shared by both directions of a user pair.
func DirectConversation(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "dm:" + a + ":" + b
}

func GroupConversation(groupID string) string {
	return "group:" + groupID
}

func (db *DB) Save(e models.HistoryEntry) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := db.conn.Exec(
		"INSERT INTO messages (conversation, kind, sender, receiver, content, timestamp) VALUES (?, ?, ?, ?, ?, ?)",
		e.Conversation, e.Kind, e.Sender, e.Receiver, e.Content, ts.UnixMilli(),
	)
	return err
}

// Recent returns the last limit entries of conversation, oldest first.
func (db *DB) Recent(conversation string, limit int) ([]models.HistoryEntry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	query := `
		SELECT id, conversation, kind, sender, receiver, content, timestamp FROM (
			SELECT id, conversation, kind, sender, receiver, content, timestamp
			FROM messages
			WHERE conversation = ?
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		) ORDER BY timestamp ASC, id ASC
	`

	rows, err := db.conn.Query(query, conversation, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.HistoryEntry
	for rows.Next() {
		var e models.HistoryEntry
		var ts int64
		if err := rows.Scan(&e.ID, &e.Conversation, &e.Kind, &e.Sender, &e.Receiver, &e.Content, &ts); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (db *DB) Clear(conversation string) error {
	_, err := db.conn.Exec("DELETE FROM messages WHERE conversation = ?", conversation)
	return err
}

// Count returns the total number of stored entries.
func (db *DB) Count() (int, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM messages").Scan(&count)
	return count, err
}
