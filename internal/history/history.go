// Package history persists applied track changes to a local SQLite
// database.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/saltyorg/autolang/internal/autolang"
)

// Store records applied change sets and answers recent-history
// queries.
type Store struct {
	db *sql.DB
}

// Entry is one persisted change record.
type Entry struct {
	ID          int64
	Username    string
	ShowTitle   string
	EpisodeName string
	EventType   string
	Description string
	AppliedAt   time.Time
}

// Open opens (or creates) the history database under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	path := filepath.Join(dataDir, "history.db")
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging history database: %w", err)
	}
	// SQLite serializes writes; a single writer connection avoids
	// busy errors under bursts.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug().Str("path", path).Msg("History database opened")
	return store, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS track_changes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL DEFAULT '',
			show_title TEXT NOT NULL,
			episode_name TEXT NOT NULL,
			event_type TEXT NOT NULL,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_track_changes_applied_at
			ON track_changes(applied_at);
	`)
	if err != nil {
		return fmt.Errorf("migrating history database: %w", err)
	}
	return nil
}

// RecordChange persists one applied change set.
func (s *Store) RecordChange(ctx context.Context, record autolang.ChangeRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO track_changes (username, show_title, episode_name, event_type, description, applied_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		record.Username,
		record.ShowTitle,
		record.EpisodeName,
		record.EventType.String(),
		record.Description,
		record.AppliedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording track change: %w", err)
	}
	return nil
}

// Recent returns the most recent entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, show_title, episode_name, event_type, description, applied_at
		FROM track_changes
		ORDER BY applied_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		if err := rows.Scan(
			&entry.ID,
			&entry.Username,
			&entry.ShowTitle,
			&entry.EpisodeName,
			&entry.EventType,
			&entry.Description,
			&entry.AppliedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Prune deletes entries older than the retention window.
func (s *Store) Prune(ctx context.Context, retention time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM track_changes WHERE applied_at < ?`,
		time.Now().Add(-retention).UTC(),
	)
	if err != nil {
		return fmt.Errorf("pruning history: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
