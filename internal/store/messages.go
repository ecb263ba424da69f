package store

import (
	"database/sql"
	"fmt"
)

// Message is one mirrored chat message. Zero-valued ThreadID, FromID and
// ReplyToMessageID persist as NULL.
type Message struct {
	ChatID           int64
	MessageID        int64
	ThreadID         int64
	DateUTC          string
	FromID           int64
	FromUsername     string
	FromDisplay      string
	Text             string
	RawJSON          string
	ReplyToMessageID int64
	IsService        bool
	EditDateUTC      string
	IngestedAtUTC    string
}

// TopicActivity summarizes one thread's traffic inside a window.
type TopicActivity struct {
	ThreadID     int64
	MessageCount int
	FirstDateUTC string
	LastDateUTC  string
}

// UpsertMessage inserts or refreshes a message keyed by (chat_id,
// message_id). Nullable columns only move forward: a later partial record
// (an edit without text, say) never erases what an earlier one stored.
func (s *Store) UpsertMessage(m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	isService := 0
	if m.IsService {
		isService = 1
	}

	_, err := s.db.Exec(`
		INSERT INTO messages (
			chat_id, message_id, thread_id, date_utc,
			from_id, from_username, from_display, text, raw_json,
			reply_to_message_id, is_service, edit_date_utc, ingested_at_utc
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, message_id) DO UPDATE SET
			thread_id = COALESCE(excluded.thread_id, messages.thread_id),
			date_utc = excluded.date_utc,
			from_id = COALESCE(excluded.from_id, messages.from_id),
			from_username = COALESCE(excluded.from_username, messages.from_username),
			from_display = COALESCE(excluded.from_display, messages.from_display),
			text = COALESCE(excluded.text, messages.text),
			raw_json = excluded.raw_json,
			reply_to_message_id = COALESCE(excluded.reply_to_message_id, messages.reply_to_message_id),
			is_service = excluded.is_service,
			edit_date_utc = COALESCE(excluded.edit_date_utc, messages.edit_date_utc),
			ingested_at_utc = excluded.ingested_at_utc`,
		m.ChatID, m.MessageID, nullInt64(m.ThreadID), m.DateUTC,
		nullInt64(m.FromID), nullString(m.FromUsername), nullString(m.FromDisplay),
		nullString(m.Text), m.RawJSON,
		nullInt64(m.ReplyToMessageID), isService, nullString(m.EditDateUTC), m.IngestedAtUTC,
	)
	if err != nil {
		return fmt.Errorf("upsert message %d/%d: %w", m.ChatID, m.MessageID, err)
	}
	return nil
}

// HasMessage reports whether (chatID, messageID) is already stored.
func (s *Store) HasMessage(chatID, messageID int64) (bool, error) {
	var one int
	err := s.db.QueryRow(
		"SELECT 1 FROM messages WHERE chat_id = ? AND message_id = ?",
		chatID, messageID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has message: %w", err)
	}
	return true, nil
}

func (s *Store) MessageCount(chatID int64) (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM messages WHERE chat_id = ?", chatID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

// LastMessageDate returns the max date_utc for the chat, or "" when empty.
func (s *Store) LastMessageDate(chatID int64) (string, error) {
	var last sql.NullString
	err := s.db.QueryRow("SELECT MAX(date_utc) FROM messages WHERE chat_id = ?", chatID).Scan(&last)
	if err != nil {
		return "", fmt.Errorf("last message date: %w", err)
	}
	return last.String, nil
}

// WindowStats returns the non-service message count and distinct topic count
// inside [startUTC, endUTC].
func (s *Store) WindowStats(chatID int64, startUTC, endUTC string) (messages, topics int, err error) {
	err = s.db.QueryRow(`
		SELECT COUNT(*), COUNT(DISTINCT COALESCE(thread_id, -1))
		FROM messages
		WHERE chat_id = ? AND is_service = 0
			AND date_utc >= ? AND date_utc <= ?`,
		chatID, startUTC, endUTC,
	).Scan(&messages, &topics)
	if err != nil {
		return 0, 0, fmt.Errorf("window stats: %w", err)
	}
	return messages, topics, nil
}

// TopicActivityInWindow lists the busiest threads inside the window, most
// active first.
func (s *Store) TopicActivityInWindow(chatID int64, startUTC, endUTC string, limit int) ([]TopicActivity, error) {
	rows, err := s.db.Query(`
		SELECT thread_id, COUNT(*), MIN(date_utc), MAX(date_utc)
		FROM messages
		WHERE chat_id = ? AND is_service = 0
			AND date_utc >= ? AND date_utc <= ?
		GROUP BY thread_id
		ORDER BY COUNT(*) DESC
		LIMIT ?`,
		chatID, startUTC, endUTC, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("topic activity: %w", err)
	}
	defer rows.Close()

	var out []TopicActivity
	for rows.Next() {
		var a TopicActivity
		var threadID sql.NullInt64
		if err := rows.Scan(&threadID, &a.MessageCount, &a.FirstDateUTC, &a.LastDateUTC); err != nil {
			return nil, fmt.Errorf("scan topic activity: %w", err)
		}
		a.ThreadID = threadID.Int64
		out = append(out, a)
	}
	return out, rows.Err()
}

const messageColumns = `message_id, thread_id, date_utc, from_id, from_username, from_display, text`

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var threadID, fromID sql.NullInt64
		var username, display, text sql.NullString
		if err := rows.Scan(&m.MessageID, &threadID, &m.DateUTC, &fromID, &username, &display, &text); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ThreadID = threadID.Int64
		m.FromID = fromID.Int64
		m.FromUsername = username.String
		m.FromDisplay = display.String
		m.Text = text.String
		out = append(out, m)
	}
	return out, rows.Err()
}

func threadClause(threadID int64) (string, []any) {
	if threadID == 0 {
		return "thread_id IS NULL", nil
	}
	return "thread_id = ?", []any{threadID}
}

// MessagesForTopic returns non-service messages of one thread inside the
// window, in chronological order.
func (s *Store) MessagesForTopic(chatID, threadID int64, startUTC, endUTC string, limit int) ([]Message, error) {
	clause, extra := threadClause(threadID)
	args := append([]any{chatID}, extra...)
	args = append(args, startUTC, endUTC, limit)

	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE chat_id = ? AND is_service = 0 AND %s
			AND date_utc >= ? AND date_utc <= ?
		ORDER BY date_utc ASC
		LIMIT ?`, clause),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("messages for topic: %w", err)
	}
	return scanMessages(rows)
}

// LastMessagesForTopic returns the most recent non-service messages of one
// thread, in chronological order.
func (s *Store) LastMessagesForTopic(chatID, threadID int64, limit int) ([]Message, error) {
	clause, extra := threadClause(threadID)
	args := append([]any{chatID}, extra...)
	args = append(args, limit)

	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE chat_id = ? AND is_service = 0 AND %s
		ORDER BY message_id DESC
		LIMIT ?`, clause),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("last messages for topic: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

// LastMessagesForTopicInWindow returns the most recent non-service messages
// of one thread inside the window, in chronological order.
func (s *Store) LastMessagesForTopicInWindow(chatID, threadID int64, startUTC, endUTC string, limit int) ([]Message, error) {
	clause, extra := threadClause(threadID)
	args := append([]any{chatID}, extra...)
	args = append(args, startUTC, endUTC, limit)

	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE chat_id = ? AND is_service = 0 AND %s
			AND date_utc >= ? AND date_utc <= ?
		ORDER BY date_utc DESC
		LIMIT ?`, clause),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("last messages in window: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

// MessagesForTopicAfterMessageID returns non-service messages of one thread
// with message_id greater than afterID, oldest first.
func (s *Store) MessagesForTopicAfterMessageID(chatID, threadID, afterID int64, limit int) ([]Message, error) {
	clause, extra := threadClause(threadID)
	args := append([]any{chatID}, extra...)
	args = append(args, afterID, limit)

	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE chat_id = ? AND is_service = 0 AND %s
			AND message_id > ?
		ORDER BY message_id ASC
		LIMIT ?`, clause),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("messages after id: %w", err)
	}
	return scanMessages(rows)
}

// CountMessagesAfter counts non-service messages of one thread that arrived
// after the given message id or were ingested after sinceUTC. Rollup
// staleness checks use this.
func (s *Store) CountMessagesAfter(chatID, threadID, afterMessageID int64, sinceIngestedUTC string) (int, error) {
	clause, extra := threadClause(threadID)
	args := append([]any{chatID}, extra...)
	args = append(args, afterMessageID, sinceIngestedUTC)

	var count int
	err := s.db.QueryRow(fmt.Sprintf(`
		SELECT COUNT(*)
		FROM messages
		WHERE chat_id = ? AND is_service = 0 AND %s
			AND (message_id > ? OR ingested_at_utc > ?)`, clause),
		args...,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count messages after: %w", err)
	}
	return count, nil
}

func reverse(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
