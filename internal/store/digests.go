package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// Digest is one posted digest, kept as an audit trail.
type Digest struct {
	ID                 int64
	ChatID             int64
	ThreadID           int64
	WindowStartUTC     string
	WindowEndUTC       string
	DigestMarkdown     string
	CreatedAtUTC       string
	TelegramMessageIDs []int64
}

// InsertDigest records a built digest and the Telegram message ids it was
// delivered as (nil when it was never sent).
func (s *Store) InsertDigest(d *Digest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var idsJSON any
	if d.TelegramMessageIDs != nil {
		raw, err := json.Marshal(d.TelegramMessageIDs)
		if err != nil {
			return 0, fmt.Errorf("marshal digest message ids: %w", err)
		}
		idsJSON = string(raw)
	}

	res, err := s.db.Exec(`
		INSERT INTO digests(chat_id, thread_id, window_start_utc, window_end_utc,
			digest_markdown, created_at_utc, telegram_message_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ChatID, nullInt64(d.ThreadID), d.WindowStartUTC, d.WindowEndUTC,
		d.DigestMarkdown, d.CreatedAtUTC, idsJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("insert digest: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert digest id: %w", err)
	}
	return id, nil
}

// LatestDigest returns the most recently recorded digest for the chat, or
// nil when none exists.
func (s *Store) LatestDigest(chatID int64) (*Digest, error) {
	row := s.db.QueryRow(`
		SELECT id, chat_id, thread_id, window_start_utc, window_end_utc,
			digest_markdown, created_at_utc, telegram_message_ids
		FROM digests
		WHERE chat_id = ?
		ORDER BY id DESC
		LIMIT 1`,
		chatID,
	)

	var d Digest
	var threadID sql.NullInt64
	var idsJSON sql.NullString
	err := row.Scan(&d.ID, &d.ChatID, &threadID, &d.WindowStartUTC, &d.WindowEndUTC,
		&d.DigestMarkdown, &d.CreatedAtUTC, &idsJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest digest: %w", err)
	}
	d.ThreadID = threadID.Int64
	if idsJSON.Valid {
		// Tolerate malformed stored ids; the markdown is still useful.
		_ = json.Unmarshal([]byte(idsJSON.String), &d.TelegramMessageIDs)
	}
	return &d, nil
}

// DigestByTelegramMessageID finds a recent digest by one of the Telegram
// message ids it was posted as. The ids live in a JSON column; a small
// recent window is scanned rather than relying on SQLite JSON functions.
func (s *Store) DigestByTelegramMessageID(chatID, telegramMessageID int64, limit int) (string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT digest_markdown, telegram_message_ids
		FROM digests
		WHERE chat_id = ?
		ORDER BY id DESC
		LIMIT ?`,
		chatID, limit,
	)
	if err != nil {
		return "", fmt.Errorf("digest by message id: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var markdown string
		var idsJSON sql.NullString
		if err := rows.Scan(&markdown, &idsJSON); err != nil {
			return "", fmt.Errorf("scan digest: %w", err)
		}
		if !idsJSON.Valid {
			continue
		}
		var ids []int64
		if err := json.Unmarshal([]byte(idsJSON.String), &ids); err != nil {
			continue
		}
		for _, id := range ids {
			if id == telegramMessageID {
				return markdown, nil
			}
		}
	}
	return "", rows.Err()
}
