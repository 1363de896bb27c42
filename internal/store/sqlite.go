// Package store is the relay server's message store. The client core
// never touches it; message durability is owned by the backend.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// MessageRecord is one durably stored message.
type MessageRecord struct {
	ID             string
	ConversationID string
	SenderID       string
	ReceiverID     string
	Content        string
	IdempotencyKey string
	CreatedAt      time.Time
}

// SQLiteStore persists messages in SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (and migrates) the database at dbPath.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		sender_id       TEXT NOT NULL,
		receiver_id     TEXT,
		content         TEXT NOT NULL,
		idempotency_key TEXT UNIQUE,
		created_at      DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveMessage stores one message. When the record carries an idempotency
// key that was already seen, the previously stored record is returned
// and created is false — retries never duplicate.
func (s *SQLiteStore) SaveMessage(ctx context.Context, rec MessageRecord) (MessageRecord, bool, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	if rec.IdempotencyKey != "" {
		existing, err := s.byIdempotencyKey(ctx, rec.IdempotencyKey)
		if err != nil {
			return MessageRecord{}, false, err
		}
		if existing != nil {
			s.logger.Debug("idempotent replay", "key", rec.IdempotencyKey, "id", existing.ID)
			return *existing, false, nil
		}
	}

	var key any
	if rec.IdempotencyKey != "" {
		key = rec.IdempotencyKey
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, receiver_id, content, idempotency_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ConversationID, rec.SenderID, rec.ReceiverID, rec.Content, key, rec.CreatedAt,
	)
	if err != nil {
		return MessageRecord{}, false, err
	}
	return rec, true, nil
}

func (s *SQLiteStore) byIdempotencyKey(ctx context.Context, key string) (*MessageRecord, error) {
	var rec MessageRecord
	var receiver, storedKey sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, sender_id, receiver_id, content, idempotency_key, created_at
		 FROM messages WHERE idempotency_key = ?`, key,
	).Scan(&rec.ID, &rec.ConversationID, &rec.SenderID, &receiver, &rec.Content, &storedKey, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.ReceiverID = receiver.String
	rec.IdempotencyKey = storedKey.String
	return &rec, nil
}

// ListMessages returns the conversation's messages, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]MessageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, sender_id, receiver_id, content, idempotency_key, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY created_at ASC LIMIT ?`, conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []MessageRecord
	for rows.Next() {
		var rec MessageRecord
		var receiver, key sql.NullString
		if err := rows.Scan(&rec.ID, &rec.ConversationID, &rec.SenderID, &receiver, &rec.Content, &key, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.ReceiverID = receiver.String
		rec.IdempotencyKey = key.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
