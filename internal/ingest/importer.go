package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/stellarlinkco/chatdigest/internal/store"
	"github.com/stellarlinkco/chatdigest/internal/timeutil"
)

var exportFromIDRe = regexp.MustCompile(`^(?:user|channel|chat)(\d+)$`)

// exportMessage is one entry of a Telegram Desktop export. Fields that vary
// in shape (text, from_id, timestamps) stay raw and are normalized below.
type exportMessage struct {
	ID               int64           `json:"id"`
	Type             string          `json:"type"`
	Action           string          `json:"action"`
	Title            string          `json:"title"`
	Date             string          `json:"date"`
	DateUnixtime     json.RawMessage `json:"date_unixtime"`
	EditedUnixtime   json.RawMessage `json:"edited_unixtime"`
	From             string          `json:"from"`
	FromID           json.RawMessage `json:"from_id"`
	Text             json.RawMessage `json:"text"`
	ReplyToMessageID int64           `json:"reply_to_message_id"`

	raw json.RawMessage
}

type exportChat struct {
	Name     string            `json:"name"`
	Messages []json.RawMessage `json:"messages"`
}

type exportPayload struct {
	Messages []json.RawMessage `json:"messages"`
	Chats    struct {
		List []exportChat `json:"list"`
	} `json:"chats"`
}

// ImportFile reads and imports one export file.
func ImportFile(db *store.Store, chatID int64, path, ingestedAtUTC, exportChatName string) (inserted, skipped int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("read export %s: %w", path, err)
	}
	return ImportExport(db, chatID, data, ingestedAtUTC, exportChatName)
}

// ImportExport imports a Telegram Desktop JSON export payload. Records
// lacking an id or a usable date are skipped and counted; a storage failure
// mid-way returns the counts so far alongside the error. Reimporting the
// same export is a no-op thanks to the message upsert.
func ImportExport(db *store.Store, chatID int64, payload []byte, ingestedAtUTC, exportChatName string) (inserted, skipped int, err error) {
	rawMessages, err := extractMessages(payload, exportChatName)
	if err != nil {
		return 0, 0, err
	}

	messages := make([]*exportMessage, 0, len(rawMessages))
	for _, raw := range rawMessages {
		var m exportMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			skipped++
			continue
		}
		m.raw = raw
		messages = append(messages, &m)
	}

	topicRoots := extractTopics(messages)
	hasTopics := exportHasTopics(messages)

	if hasTopics {
		if err := db.UpsertTopic(chatID, 1, "General", ingestedAtUTC); err != nil {
			return inserted, skipped, err
		}
	}
	for threadID, title := range topicRoots {
		if err := db.UpsertTopic(chatID, threadID, title, ingestedAtUTC); err != nil {
			return inserted, skipped, err
		}
	}

	threadIDs := resolveThreadIDs(messages, topicRoots, hasTopics)

	for _, m := range messages {
		if m.ID == 0 {
			skipped++
			continue
		}

		dateUTC := parseExportUnixtime(m.DateUnixtime)
		if dateUTC == "" {
			dateUTC = parseExportISODate(m.Date)
		}
		if dateUTC == "" {
			skipped++
			continue
		}

		rec := &store.Message{
			ChatID:           chatID,
			MessageID:        m.ID,
			ThreadID:         threadIDs[m.ID],
			DateUTC:          dateUTC,
			FromID:           parseExportFromID(m.FromID),
			FromDisplay:      m.From,
			Text:             normalizeExportText(m.Text),
			RawJSON:          string(m.raw),
			ReplyToMessageID: m.ReplyToMessageID,
			IsService:        m.Type != "message",
			EditDateUTC:      parseExportUnixtime(m.EditedUnixtime),
			IngestedAtUTC:    ingestedAtUTC,
		}
		if err := db.UpsertMessage(rec); err != nil {
			return inserted, skipped, err
		}
		inserted++
	}

	return inserted, skipped, nil
}

// extractMessages locates the message list: either top-level "messages" or
// one chat inside "chats.list", selected by name when several are present.
func extractMessages(payload []byte, exportChatName string) ([]json.RawMessage, error) {
	var p exportPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, &ParseError{Reason: "malformed export json", Err: err}
	}

	if p.Messages != nil {
		return p.Messages, nil
	}

	chats := p.Chats.List
	if len(chats) > 0 {
		if exportChatName != "" {
			for _, chat := range chats {
				if chat.Name == exportChatName {
					return chat.Messages, nil
				}
			}
			return nil, &ParseError{Reason: fmt.Sprintf("no chat named %q in export", exportChatName)}
		}
		if len(chats) == 1 {
			return chats[0].Messages, nil
		}
		return nil, &ParseError{Reason: "export contains multiple chats; pass --export-chat-name to select one"}
	}

	return nil, &ParseError{Reason: "unrecognized export structure (expected a messages list)"}
}

// extractTopics maps topic_created service message ids to topic titles.
func extractTopics(messages []*exportMessage) map[int64]string {
	topics := make(map[int64]string)
	for _, m := range messages {
		if m.Type != "service" || m.Action != "topic_created" {
			continue
		}
		title := strings.TrimSpace(m.Title)
		if m.ID != 0 && title != "" {
			topics[m.ID] = title
		}
	}
	return topics
}

func exportHasTopics(messages []*exportMessage) bool {
	for _, m := range messages {
		if m.Type == "service" && (m.Action == "topic_created" || m.Action == "topic_edit") {
			return true
		}
	}
	return false
}

// resolveThreadIDs walks reply chains up to topic_created roots. In a forum
// export, messages whose chain ends nowhere belong to the General topic
// (thread 1); without topics they belong to no thread (0).
func resolveThreadIDs(messages []*exportMessage, topicRoots map[int64]string, assumeGeneral bool) map[int64]int64 {
	replyTo := make(map[int64]int64)
	for _, m := range messages {
		if m.ID != 0 && m.ReplyToMessageID != 0 {
			replyTo[m.ID] = m.ReplyToMessageID
		}
	}

	var generalThread int64
	if assumeGeneral {
		generalThread = 1
	}

	cache := make(map[int64]int64)
	for _, m := range messages {
		if m.ID == 0 {
			continue
		}
		if _, done := cache[m.ID]; done {
			continue
		}

		var path []int64
		cur := m.ID
		seen := make(map[int64]bool)
		var root int64

		for {
			if r, ok := cache[cur]; ok {
				root = r
				break
			}
			if _, ok := topicRoots[cur]; ok {
				root = cur
				break
			}
			parent, ok := replyTo[cur]
			if !ok || seen[cur] {
				root = generalThread
				break
			}
			seen[cur] = true
			path = append(path, cur)
			cur = parent
		}

		for _, id := range path {
			cache[id] = root
		}
		cache[m.ID] = root
	}
	return cache
}

// normalizeExportText flattens the export's string-or-fragment-array text
// field. Fragments look like {"type":"bold","text":"foo"}.
func normalizeExportText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var fragments []json.RawMessage
	if err := json.Unmarshal(raw, &fragments); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, frag := range fragments {
		var part string
		if err := json.Unmarshal(frag, &part); err == nil {
			sb.WriteString(part)
			continue
		}
		var obj struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(frag, &obj); err == nil {
			sb.WriteString(obj.Text)
		}
	}
	return sb.String()
}

// parseExportUnixtime handles date_unixtime values, which exports write as
// either a string or a number.
func parseExportUnixtime(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		ts, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return ""
		}
		return timeutil.ToISOUTC(time.Unix(ts, 0))
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return timeutil.ToISOUTC(time.Unix(n, 0))
	}
	return ""
}

// parseExportISODate is the fallback for exports without date_unixtime. A
// zoneless timestamp is taken as UTC.
func parseExportISODate(s string) string {
	if s == "" {
		return ""
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return timeutil.ToISOUTC(t)
		}
	}
	return ""
}

// parseExportFromID accepts numeric ids and the export's "user123" /
// "channel123" / "chat123" forms.
func parseExportFromID(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0
	}
	s = strings.TrimSpace(s)
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return id
	}
	if m := exportFromIDRe.FindStringSubmatch(s); m != nil {
		id, _ := strconv.ParseInt(m[1], 10, 64)
		return id
	}
	return 0
}
