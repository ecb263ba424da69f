package store

import (
	"database/sql"
	"fmt"
	"strings"
)

// TopicRollup is the persisted rolling summary of one thread. ThreadID 0
// covers messages outside any topic.
type TopicRollup struct {
	ChatID        int64
	ThreadID      int64
	Summary       string
	LastMessageID int64
	UpdatedAtUTC  string
	Model         string
}

// TopicRollups fetches the cached rollups for the given threads, keyed by
// thread id. Missing threads are absent from the map.
func (s *Store) TopicRollups(chatID int64, threadIDs []int64) (map[int64]TopicRollup, error) {
	out := make(map[int64]TopicRollup)
	if len(threadIDs) == 0 {
		return out, nil
	}

	wantNull := false
	var nonNull []int64
	for _, id := range threadIDs {
		if id == 0 {
			wantNull = true
		} else {
			nonNull = append(nonNull, id)
		}
	}

	const cols = `chat_id, thread_id, summary, last_message_id, updated_at_utc, model`

	collect := func(rows *sql.Rows, err error) error {
		if err != nil {
			return fmt.Errorf("topic rollups: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r TopicRollup
			var threadID, lastID sql.NullInt64
			var model sql.NullString
			if err := rows.Scan(&r.ChatID, &threadID, &r.Summary, &lastID, &r.UpdatedAtUTC, &model); err != nil {
				return fmt.Errorf("scan rollup: %w", err)
			}
			r.ThreadID = threadID.Int64
			r.LastMessageID = lastID.Int64
			r.Model = model.String
			out[r.ThreadID] = r
		}
		return rows.Err()
	}

	if len(nonNull) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(nonNull)), ",")
		args := make([]any, 0, len(nonNull)+1)
		args = append(args, chatID)
		for _, id := range nonNull {
			args = append(args, id)
		}
		if err := collect(s.db.Query(fmt.Sprintf(`
			SELECT `+cols+` FROM topic_rollups
			WHERE chat_id = ? AND thread_id IN (%s)`, placeholders),
			args...,
		)); err != nil {
			return nil, err
		}
	}
	if wantNull {
		if err := collect(s.db.Query(`
			SELECT `+cols+` FROM topic_rollups
			WHERE chat_id = ? AND thread_id IS NULL`,
			chatID,
		)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UpsertTopicRollup replaces the cached rollup for one thread. The NULL
// thread row needs an explicit update pass because SQLite UNIQUE treats
// NULLs as distinct, so ON CONFLICT never fires for it.
func (s *Store) UpsertTopicRollup(r *TopicRollup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ThreadID == 0 {
		res, err := s.db.Exec(`
			UPDATE topic_rollups
			SET summary = ?, last_message_id = ?, updated_at_utc = ?, model = ?
			WHERE chat_id = ? AND thread_id IS NULL`,
			r.Summary, nullInt64(r.LastMessageID), r.UpdatedAtUTC, nullString(r.Model), r.ChatID,
		)
		if err != nil {
			return fmt.Errorf("update rollup %d/none: %w", r.ChatID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		_, err = s.db.Exec(`
			INSERT INTO topic_rollups(chat_id, thread_id, summary, last_message_id, updated_at_utc, model)
			VALUES (?, NULL, ?, ?, ?, ?)`,
			r.ChatID, r.Summary, nullInt64(r.LastMessageID), r.UpdatedAtUTC, nullString(r.Model),
		)
		if err != nil {
			return fmt.Errorf("insert rollup %d/none: %w", r.ChatID, err)
		}
		return nil
	}

	_, err := s.db.Exec(`
		INSERT INTO topic_rollups(chat_id, thread_id, summary, last_message_id, updated_at_utc, model)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, thread_id) DO UPDATE SET
			summary = excluded.summary,
			last_message_id = excluded.last_message_id,
			updated_at_utc = excluded.updated_at_utc,
			model = excluded.model`,
		r.ChatID, r.ThreadID, r.Summary, nullInt64(r.LastMessageID),
		r.UpdatedAtUTC, nullString(r.Model),
	)
	if err != nil {
		return fmt.Errorf("upsert rollup %d/%d: %w", r.ChatID, r.ThreadID, err)
	}
	return nil
}
