// Package history provides PostgreSQL-backed storage for chat messages.
// The schema ships with the binary and is applied with golang-migrate.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // migrate driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq" // database/sql driver
)

//go:embed migrations/*.sql
var migrations embed.FS

// MaxLimit caps the number of messages returned per page.
const MaxLimit = 100

// Message is one stored chat message.
type Message struct {
	ID     string
	ChatID string
	From   string
	Text   string
	Ts     int64 // unix millis
}

// Store manages chat messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new history store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn (a postgres:// URL), applies pending migrations and
// returns a ready Store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	if err := Migrate(dsn); err != nil {
		db.Close()
		return nil, err
	}
	return NewStore(db), nil
}

// Migrate applies every pending up migration to the database at dsn.
func Migrate(dsn string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("history: migrations source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("history: migrate up: %w", err)
	}
	return nil
}

// Append stores a message. Appending the same message ID twice is a no-op.
func (s *Store) Append(ctx context.Context, m Message) error {
	if m.ID == "" || m.ChatID == "" || m.From == "" {
		return fmt.Errorf("history: append: id, chat and sender are required")
	}

	const query = `
		INSERT INTO messages (id, chat_id, sender_id, body, ts)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, m.ID, m.ChatID, m.From, m.Text, m.Ts); err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}
	return nil
}

// Before returns up to limit messages of chatID older than before (unix
// millis; zero means newest), oldest first, and whether older messages
// remain.
func (s *Store) Before(ctx context.Context, chatID string, before int64, limit int) ([]Message, bool, error) {
	if limit <= 0 || limit > MaxLimit {
		limit = MaxLimit
	}

	const query = `
		SELECT id, chat_id, sender_id, body, ts
		FROM messages
		WHERE chat_id = $1
		  AND ($2::BIGINT = 0 OR ts < $2::BIGINT)
		ORDER BY ts DESC, id DESC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, chatID, before, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit+1)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.From, &m.Text, &m.Ts); err != nil {
			return nil, false, fmt.Errorf("history: scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("history: rows: %w", err)
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	// Rows came newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, hasMore, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
