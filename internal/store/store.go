// Package store is the SQLite persistence layer: mirrored messages with an
// FTS5 index, forum topic titles, rollup summaries, posted digests, and a
// key/value state table for checkpoints.
package store

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

const SchemaVersion = "1"

// Store wraps a single SQLite database. Writes are serialized with mu;
// reads go straight to the pool.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex

	ftsEnabled bool
}

func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db, path: dbPath}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY,
			chat_id INTEGER NOT NULL,
			message_id INTEGER NOT NULL,
			thread_id INTEGER NULL,
			date_utc TEXT NOT NULL,
			from_id INTEGER NULL,
			from_username TEXT NULL,
			from_display TEXT NULL,
			text TEXT NULL,
			raw_json TEXT NOT NULL,
			reply_to_message_id INTEGER NULL,
			is_service INTEGER NOT NULL DEFAULT 0,
			edit_date_utc TEXT NULL,
			ingested_at_utc TEXT NOT NULL,
			UNIQUE(chat_id, message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat_thread_date ON messages(chat_id, thread_id, date_utc)`,
		`CREATE TABLE IF NOT EXISTS topics (
			id INTEGER PRIMARY KEY,
			chat_id INTEGER NOT NULL,
			thread_id INTEGER NOT NULL,
			title TEXT NULL,
			created_at_utc TEXT NULL,
			updated_at_utc TEXT NULL,
			UNIQUE(chat_id, thread_id)
		)`,
		`CREATE TABLE IF NOT EXISTS topic_rollups (
			id INTEGER PRIMARY KEY,
			chat_id INTEGER NOT NULL,
			thread_id INTEGER NULL,
			summary TEXT NOT NULL,
			last_message_id INTEGER NULL,
			updated_at_utc TEXT NOT NULL,
			model TEXT NULL,
			UNIQUE(chat_id, thread_id)
		)`,
		`CREATE TABLE IF NOT EXISTS digests (
			id INTEGER PRIMARY KEY,
			chat_id INTEGER NOT NULL,
			thread_id INTEGER NULL,
			window_start_utc TEXT NOT NULL,
			window_end_utc TEXT NOT NULL,
			digest_markdown TEXT NOT NULL,
			created_at_utc TEXT NOT NULL,
			telegram_message_ids TEXT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	if _, err := s.db.Exec(
		"INSERT OR IGNORE INTO state(key, value) VALUES ('schema_version', ?)",
		SchemaVersion,
	); err != nil {
		return fmt.Errorf("init schema version: %w", err)
	}
	version, err := s.GetState("schema_version")
	if err != nil {
		return err
	}
	if version != SchemaVersion {
		return fmt.Errorf("unsupported schema_version %q (expected %q)", version, SchemaVersion)
	}

	return s.initFTS()
}

// initFTS is best effort: without FTS5 in the SQLite build, search is
// disabled but ingestion keeps working.
func (s *Store) initFTS() error {
	stmts := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts
			USING fts5(text, content='messages', content_rowid='id')`,
		`CREATE TRIGGER IF NOT EXISTS messages_ai AFTER INSERT ON messages BEGIN
			INSERT INTO messages_fts(rowid, text) VALUES (new.id, coalesce(new.text, ''));
		END`,
		`CREATE TRIGGER IF NOT EXISTS messages_ad AFTER DELETE ON messages BEGIN
			INSERT INTO messages_fts(messages_fts, rowid, text)
			VALUES ('delete', old.id, coalesce(old.text, ''));
		END`,
		`CREATE TRIGGER IF NOT EXISTS messages_au AFTER UPDATE ON messages BEGIN
			INSERT INTO messages_fts(messages_fts, rowid, text)
			VALUES ('delete', old.id, coalesce(old.text, ''));
			INSERT INTO messages_fts(rowid, text) VALUES (new.id, coalesce(new.text, ''));
		END`,
		`INSERT INTO messages_fts(messages_fts) VALUES('rebuild')`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			log.Printf("[store] FTS5 unavailable, search disabled: %v", err)
			s.ftsEnabled = false
			return nil
		}
	}
	s.ftsEnabled = true
	return nil
}

// Path returns the database file path the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// FTSEnabled reports whether full-text search is available.
func (s *Store) FTSEnabled() bool {
	return s.ftsEnabled
}

// GetState returns the value for key, or "" when the key is absent.
func (s *Store) GetState(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get state %q: %w", key, err)
	}
	return value, nil
}

func (s *Store) SetState(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO state(key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set state %q: %w", key, err)
	}
	return nil
}

// nullInt64 maps 0 to SQL NULL. Thread, sender and reply ids use 0 as the
// absent value throughout the codebase.
func nullInt64(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
