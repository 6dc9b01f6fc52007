// Package history persists conversation transcripts and assembles provider
// context from them.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/banter/pkg/models"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Store persists messages in SQLite, one row per message keyed by channel.
//
// Thread Safety:
// Store is safe for concurrent use; database/sql serializes access.
type Store struct {
	db *sql.DB
}

// StoreConfig configures the transcript store.
type StoreConfig struct {
	// Path to the SQLite database file. Empty uses an in-memory database.
	Path string
}

// NewStore opens (and if needed initializes) the transcript database.
func NewStore(cfg StoreConfig) (*Store, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			channel_key TEXT NOT NULL,
			sender_id TEXT,
			sender_name TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create messages table: %w", err)
	}

	_, err = s.db.Exec(
		"CREATE INDEX IF NOT EXISTS idx_messages_channel_created ON messages(channel_key, created_at)")
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

// Append stores a message. A missing ID or timestamp is filled in.
func (s *Store) Append(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, channel_key, sender_id, sender_name, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChannelKey(), msg.SenderID, msg.SenderName,
		string(msg.Role), msg.Content, msg.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// Recent returns up to limit messages for a channel in chronological order.
func (s *Store) Recent(ctx context.Context, channelKey string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, sender_name, role, content, created_at
		FROM messages
		WHERE channel_key = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		channelKey, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var result []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		var role string
		if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.SenderName, &role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = models.Role(role)
		result = append(result, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
