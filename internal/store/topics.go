package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// UpsertTopic records a forum topic title. An empty title never clobbers a
// known one.
func (s *Store) UpsertTopic(chatID, threadID int64, title, nowUTC string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO topics(chat_id, thread_id, title, created_at_utc, updated_at_utc)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, thread_id) DO UPDATE SET
			title = COALESCE(excluded.title, topics.title),
			updated_at_utc = excluded.updated_at_utc`,
		chatID, threadID, nullString(title), nowUTC, nowUTC,
	)
	if err != nil {
		return fmt.Errorf("upsert topic %d/%d: %w", chatID, threadID, err)
	}
	return nil
}

// TopicTitles returns the known titles for the given thread ids. Threads
// without a stored title are absent from the result.
func (s *Store) TopicTitles(chatID int64, threadIDs []int64) (map[int64]string, error) {
	if len(threadIDs) == 0 {
		return map[int64]string{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(threadIDs)), ",")
	args := make([]any, 0, len(threadIDs)+1)
	args = append(args, chatID)
	for _, id := range threadIDs {
		args = append(args, id)
	}

	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT thread_id, title FROM topics
		WHERE chat_id = ? AND thread_id IN (%s)`, placeholders),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("topic titles: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]string)
	for rows.Next() {
		var threadID int64
		var title sql.NullString
		if err := rows.Scan(&threadID, &title); err != nil {
			return nil, fmt.Errorf("scan topic title: %w", err)
		}
		if title.String != "" {
			out[threadID] = title.String
		}
	}
	return out, rows.Err()
}

// BackfillTopicTitles recovers topic titles from stored raw update payloads.
// The Bot API has no call to fetch a topic title by thread id, so the only
// sources are forum_topic_created / forum_topic_edited service messages that
// were already mirrored. Returns the number of distinct threads titled.
func (s *Store) BackfillTopicTitles(chatID int64, threadIDs []int64, limit int, nowUTC string) (int, error) {
	where := `chat_id = ? AND (raw_json LIKE '%forum_topic_created%' OR raw_json LIKE '%forum_topic_edited%')`
	args := []any{chatID}

	if threadIDs != nil {
		if len(threadIDs) == 0 {
			return 0, nil
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(threadIDs)), ",")
		where += fmt.Sprintf(" AND thread_id IN (%s)", placeholders)
		for _, id := range threadIDs {
			args = append(args, id)
		}
	}
	args = append(args, limit)

	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT thread_id, raw_json FROM messages
		WHERE %s
		ORDER BY date_utc DESC
		LIMIT ?`, where),
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("backfill topic titles: %w", err)
	}

	type candidate struct {
		threadID int64
		title    string
	}
	var candidates []candidate

	func() {
		defer rows.Close()
		for rows.Next() {
			var threadID sql.NullInt64
			var raw string
			if err := rows.Scan(&threadID, &raw); err != nil {
				continue
			}
			resolvedThread, title := topicTitleFromRaw(raw, threadID.Int64)
			if resolvedThread == 0 || title == "" {
				continue
			}
			candidates = append(candidates, candidate{resolvedThread, title})
		}
	}()

	updated := make(map[int64]bool)
	for _, c := range candidates {
		if err := s.UpsertTopic(chatID, c.threadID, c.title, nowUTC); err != nil {
			return len(updated), err
		}
		updated[c.threadID] = true
	}
	return len(updated), nil
}

// topicTitleFromRaw digs a (thread id, title) pair out of a stored update or
// message JSON payload.
func topicTitleFromRaw(raw string, fallbackThreadID int64) (int64, string) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return 0, ""
	}

	message := obj
	if m, ok := obj["message"].(map[string]any); ok {
		message = m
	} else if m, ok := obj["edited_message"].(map[string]any); ok {
		message = m
	}

	title := topicName(message["forum_topic_created"])
	if title == "" {
		title = topicName(message["forum_topic_edited"])
	}
	threadID := asInt64(message["message_thread_id"])

	if title == "" {
		if reply, ok := message["reply_to_message"].(map[string]any); ok {
			title = topicName(reply["forum_topic_created"])
			if title == "" {
				title = topicName(reply["forum_topic_edited"])
			}
			if id := asInt64(reply["message_thread_id"]); id != 0 {
				threadID = id
			} else if id := asInt64(reply["message_id"]); id != 0 {
				threadID = id
			}
		}
	}

	if threadID == 0 {
		threadID = fallbackThreadID
	}
	return threadID, title
}

func topicName(v any) string {
	container, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	name, _ := container["name"].(string)
	return strings.TrimSpace(name)
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}
