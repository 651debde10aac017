package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/opd-ai/chatcore/conversation"
	"github.com/opd-ai/chatcore/message"
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS conversations (
  id     TEXT PRIMARY KEY,
  record TEXT NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS messages (
  id              TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL,
  unread          INTEGER NOT NULL DEFAULT 0,
  received_at     INTEGER NOT NULL,
  record          TEXT NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_conversation_time
ON messages (conversation_id, received_at);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_unread
ON messages (conversation_id, unread);
`,
}

// SQLiteStore is a Store backed by a SQLite database file. Each commit
// writes the full entity snapshot as a JSON record; the indexed columns
// exist only to serve the unread and time-bounded queries.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and
// applies migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply migration: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CommitConversation(rec conversation.Record) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode conversation %s: %w", rec.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO conversations (id, record) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET record = excluded.record`,
		rec.ID, string(blob),
	)
	return err
}

func (s *SQLiteStore) Conversation(id string) (conversation.Record, error) {
	var blob string
	err := s.db.QueryRow(`SELECT record FROM conversations WHERE id = ?`, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return conversation.Record{}, ErrNotFound
	}
	if err != nil {
		return conversation.Record{}, err
	}
	var rec conversation.Record
	if err := json.Unmarshal([]byte(blob), &rec); err != nil {
		return conversation.Record{}, fmt.Errorf("failed to decode conversation %s: %w", id, err)
	}
	return rec, nil
}

func (s *SQLiteStore) Conversations() ([]conversation.Record, error) {
	rows, err := s.db.Query(`SELECT record FROM conversations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []conversation.Record
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var rec conversation.Record
		if err := json.Unmarshal([]byte(blob), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode conversation: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CommitMessage(rec message.Record) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode message %s: %w", rec.ID, err)
	}
	unread := 0
	if rec.Unread {
		unread = 1
	}
	_, err = s.db.Exec(
		`INSERT INTO messages (id, conversation_id, unread, received_at, record)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   conversation_id = excluded.conversation_id,
		   unread          = excluded.unread,
		   received_at     = excluded.received_at,
		   record          = excluded.record`,
		rec.ID, rec.ConversationID, unread, rec.ReceivedAt.UnixMilli(), string(blob),
	)
	return err
}

func (s *SQLiteStore) Message(id string) (message.Record, error) {
	var blob string
	err := s.db.QueryRow(`SELECT record FROM messages WHERE id = ?`, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return message.Record{}, ErrNotFound
	}
	if err != nil {
		return message.Record{}, err
	}
	var rec message.Record
	if err := json.Unmarshal([]byte(blob), &rec); err != nil {
		return message.Record{}, fmt.Errorf("failed to decode message %s: %w", id, err)
	}
	return rec, nil
}

func (s *SQLiteStore) Messages(conversationID string, filter MessageFilter) ([]message.Record, error) {
	query := `SELECT record FROM messages WHERE conversation_id = ?`
	args := []interface{}{conversationID}
	if filter.UnreadOnly {
		query += ` AND unread = 1`
	}
	if !filter.ReceivedNoLaterThan.IsZero() {
		query += ` AND received_at <= ?`
		args = append(args, filter.ReceivedNoLaterThan.UnixMilli())
	}
	query += ` ORDER BY received_at`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []message.Record
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var rec message.Record
		if err := json.Unmarshal([]byte(blob), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode message: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UnreadCount(conversationID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND unread = 1`,
		conversationID,
	).Scan(&n)
	return n, err
}

func (s *SQLiteStore) RemoveMessage(id string) error {
	_, err := s.db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) RemoveAllMessages(conversationID string) error {
	_, err := s.db.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// compile-time interface checks
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
