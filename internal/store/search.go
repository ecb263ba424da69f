package store

import (
	"errors"
	"fmt"

	"database/sql"
)

// ErrSearchUnavailable is returned when the SQLite build lacks FTS5.
var ErrSearchUnavailable = errors.New("full-text search unavailable (FTS5 not enabled)")

// SearchHit is one full-text match, best first.
type SearchHit struct {
	ChatID       int64
	MessageID    int64
	ThreadID     int64
	DateUTC      string
	FromDisplay  string
	FromUsername string
	Text         string
	Snippet      string
}

// SearchMessages runs an FTS5 MATCH query ranked by bm25, optionally
// restricted to a [startUTC, endUTC] window (empty strings mean unbounded).
func (s *Store) SearchMessages(chatID int64, query string, startUTC, endUTC string, limit int) ([]SearchHit, error) {
	if !s.ftsEnabled {
		return nil, ErrSearchUnavailable
	}

	where := "m.chat_id = ? AND messages_fts MATCH ?"
	args := []any{chatID, query}
	if startUTC != "" {
		where += " AND m.date_utc >= ?"
		args = append(args, startUTC)
	}
	if endUTC != "" {
		where += " AND m.date_utc <= ?"
		args = append(args, endUTC)
	}
	args = append(args, limit)

	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT
			m.chat_id, m.message_id, m.thread_id, m.date_utc,
			m.from_display, m.from_username, m.text,
			snippet(messages_fts, 0, '[', ']', '…', 10)
		FROM messages_fts
		JOIN messages m ON m.id = messages_fts.rowid
		WHERE %s
		ORDER BY bm25(messages_fts)
		LIMIT ?`, where),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	var out []SearchHit
	for rows.Next() {
		var h SearchHit
		var threadID sql.NullInt64
		var display, username, text, snippet sql.NullString
		if err := rows.Scan(&h.ChatID, &h.MessageID, &threadID, &h.DateUTC, &display, &username, &text, &snippet); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		h.ThreadID = threadID.Int64
		h.FromDisplay = display.String
		h.FromUsername = username.String
		h.Text = text.String
		h.Snippet = snippet.String
		out = append(out, h)
	}
	return out, rows.Err()
}
