// Package ingest mirrors chat traffic into the store, from two sources: live
// getUpdates payloads and Telegram Desktop JSON exports.
package ingest

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/stellarlinkco/chatdigest/internal/config"
	"github.com/stellarlinkco/chatdigest/internal/store"
	"github.com/stellarlinkco/chatdigest/internal/timeutil"
)

// ParseError marks input that could not be decoded at all, as opposed to IO
// or storage failures.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("parse: %s", e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Message keys that mark Telegram service messages. Kept as raw-JSON key
// probes because the typed bot API structs lag behind the wire format.
var serviceKeys = []string{
	"forum_topic_created",
	"forum_topic_edited",
	"new_chat_members",
	"left_chat_member",
	"pinned_message",
	"new_chat_title",
	"delete_chat_photo",
	"group_chat_created",
	"supergroup_chat_created",
	"channel_chat_created",
	"message_auto_delete_timer_changed",
	"migrate_to_chat_id",
	"migrate_from_chat_id",
}

// Update is the decoded shape of one getUpdates entry, limited to the fields
// ingestion and command routing need. Raw retains the wire payload.
type Update struct {
	UpdateID      int64            `json:"update_id"`
	Message       *IncomingMessage `json:"message"`
	EditedMessage *IncomingMessage `json:"edited_message"`

	Raw json.RawMessage `json:"-"`
}

// Msg returns the carried message and whether it arrived as an edit.
func (u *Update) Msg() (*IncomingMessage, bool) {
	if u.Message != nil {
		return u.Message, false
	}
	return u.EditedMessage, true
}

type IncomingMessage struct {
	MessageID       int64            `json:"message_id"`
	Date            int64            `json:"date"`
	EditDate        int64            `json:"edit_date"`
	MessageThreadID int64            `json:"message_thread_id"`
	Chat            Chat             `json:"chat"`
	From            *User            `json:"from"`
	ReplyToMessage  *IncomingMessage `json:"reply_to_message"`
	Text            string           `json:"text"`
	Caption         string           `json:"caption"`

	ForumTopicCreated *ForumTopic `json:"forum_topic_created"`
	ForumTopicEdited  *ForumTopic `json:"forum_topic_edited"`
}

type Chat struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	Username string `json:"username"`
}

type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// DisplayName joins first and last name.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	parts := make([]string, 0, 2)
	if u.FirstName != "" {
		parts = append(parts, u.FirstName)
	}
	if u.LastName != "" {
		parts = append(parts, u.LastName)
	}
	return strings.Join(parts, " ")
}

type ForumTopic struct {
	Name string `json:"name"`
}

// BodyText returns the message text, falling back to a media caption.
func (m *IncomingMessage) BodyText() string {
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}

// IsService reports whether the raw message payload carries any service key.
func isService(rawMessage json.RawMessage) bool {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(rawMessage, &keys); err != nil {
		return false
	}
	for _, k := range serviceKeys {
		if _, ok := keys[k]; ok {
			return true
		}
	}
	return false
}

// ParseUpdate decodes one raw getUpdates entry.
func ParseUpdate(raw json.RawMessage) (*Update, error) {
	var u Update
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, &ParseError{Reason: "malformed update json", Err: err}
	}
	u.Raw = raw
	return &u, nil
}

// RecordUpdate mirrors the update's message into the store when it belongs
// to the source chat or a control chat. Returns the stored message, or nil
// when the update carried nothing to mirror.
func RecordUpdate(db *store.Store, cfg *config.Config, u *Update) (*store.Message, error) {
	msg, edited := u.Msg()
	if msg == nil {
		return nil, nil
	}
	if msg.Chat.ID != cfg.Telegram.SourceChatID && !cfg.IsControlChat(msg.Chat.ID) {
		return nil, nil
	}
	if msg.MessageID == 0 || msg.Date == 0 {
		return nil, nil
	}

	now := timeutil.NowISOUTC()

	rawMsgKey := "message"
	if edited {
		rawMsgKey = "edited_message"
	}
	var wrapper map[string]json.RawMessage
	service := false
	if err := json.Unmarshal(u.Raw, &wrapper); err == nil {
		service = isService(wrapper[rawMsgKey])
	}

	replyTo := int64(0)
	if msg.ReplyToMessage != nil {
		replyTo = msg.ReplyToMessage.MessageID
	}
	editDate := ""
	if edited && msg.EditDate != 0 {
		editDate = timeutil.ToISOUTC(time.Unix(msg.EditDate, 0))
	}
	var fromID int64
	var fromUsername string
	if msg.From != nil {
		fromID = msg.From.ID
		fromUsername = msg.From.Username
	}

	rec := &store.Message{
		ChatID:           msg.Chat.ID,
		MessageID:        msg.MessageID,
		ThreadID:         msg.MessageThreadID,
		DateUTC:          timeutil.ToISOUTC(time.Unix(msg.Date, 0)),
		FromID:           fromID,
		FromUsername:     fromUsername,
		FromDisplay:      msg.From.DisplayName(),
		Text:             msg.BodyText(),
		RawJSON:          string(u.Raw),
		ReplyToMessageID: replyTo,
		IsService:        service,
		EditDateUTC:      editDate,
		IngestedAtUTC:    now,
	}
	if err := db.UpsertMessage(rec); err != nil {
		return nil, err
	}
	if err := db.SetState("last_ingest_at_utc", now); err != nil {
		return nil, err
	}

	if msg.MessageThreadID != 0 && msg.Chat.ID == cfg.Telegram.SourceChatID {
		if err := db.UpsertTopic(msg.Chat.ID, msg.MessageThreadID, "", now); err != nil {
			return nil, err
		}
	}
	if msg.ForumTopicCreated != nil && msg.MessageThreadID != 0 {
		title := strings.TrimSpace(msg.ForumTopicCreated.Name)
		if err := db.UpsertTopic(msg.Chat.ID, msg.MessageThreadID, title, now); err != nil {
			return nil, err
		}
		log.Printf("[ingest] topic created: chat=%d thread=%d title=%q", msg.Chat.ID, msg.MessageThreadID, title)
	}
	if msg.ForumTopicEdited != nil && msg.MessageThreadID != 0 {
		title := strings.TrimSpace(msg.ForumTopicEdited.Name)
		if err := db.UpsertTopic(msg.Chat.ID, msg.MessageThreadID, title, now); err != nil {
			return nil, err
		}
		log.Printf("[ingest] topic edited: chat=%d thread=%d title=%q", msg.Chat.ID, msg.MessageThreadID, title)
	}

	return rec, nil
}
