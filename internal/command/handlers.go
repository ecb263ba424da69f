package command

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/stellarlinkco/chatdigest/internal/rollup"
	"github.com/stellarlinkco/chatdigest/internal/store"
	"github.com/stellarlinkco/chatdigest/internal/tgfmt"
	"github.com/stellarlinkco/chatdigest/internal/timeutil"
)

var urlRe = regexp.MustCompile(`(?i)https?://\S+`)

func oneLine(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func excerpt(text string, maxChars int) string {
	text = oneLine(text)
	if len(text) <= maxChars {
		return text
	}
	return strings.TrimRight(text[:maxChars-3], " ") + "..."
}

func hitAuthor(h *store.SearchHit) string {
	if h.FromDisplay != "" {
		return h.FromDisplay
	}
	if h.FromUsername != "" {
		return h.FromUsername
	}
	return "?"
}

func msgAuthor(m *store.Message) string {
	if m.FromDisplay != "" {
		return m.FromDisplay
	}
	if m.FromUsername != "" {
		return m.FromUsername
	}
	return "?"
}

// parseThreadToken reads a thread id argument; "none" selects messages
// without a forum topic (thread 0).
func parseThreadToken(token string) (int64, bool) {
	switch strings.ToLower(token) {
	case "none", "no_topic", "no-topic":
		return 0, true
	}
	id, err := strconv.ParseInt(token, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func threadIDLabel(threadID int64) string {
	if threadID == 0 {
		return "none"
	}
	return strconv.FormatInt(threadID, 10)
}

func (h *Handler) topicTitle(threadID int64) string {
	if threadID == 0 {
		return ""
	}
	titles, err := h.db.TopicTitles(h.cfg.Telegram.SourceChatID, []int64{threadID})
	if err != nil {
		return ""
	}
	return titles[threadID]
}

func (h *Handler) Help() string {
	return "Commands (control chat only):\n" +
		"/help\n" +
		"/health\n" +
		"/latest [6h|2d] [brief|full] [peek]  (no args = since last check-in)\n" +
		"  (Shortcut: just send 'latest')\n" +
		"/latest reset\n" +
		"/search <terms>\n" +
		"/ask [6h|2d|all] <question>\n" +
		"/teach <thread_id> [6h|2d|1w] [detail]\n" +
		"/topic <thread_id> [6h|2d|1w]\n" +
		"/rollup <thread_id> [6h|2d|all|rebuild]\n" +
		"/digest [6h|2d] [overview|full] [advance]  (no args = since last digest)\n" +
		"/debug_ids\n" +
		"/backfill_topics  (recover topic titles)\n" +
		"/set_topic_title <thread_id> <title>\n"
}

func (h *Handler) Health() string {
	chatID := h.cfg.Telegram.SourceChatID
	count, _ := h.db.MessageCount(chatID)
	lastDate, _ := h.db.LastMessageDate(chatID)
	lastImport, _ := h.db.GetState("last_import_at_utc")
	lastDigestEnd, _ := h.db.GetState("last_digest_end_utc")
	lastIngest, _ := h.db.GetState("last_ingest_at_utc")
	offset, _ := h.db.GetState("telegram_update_offset")

	return "Health\n" +
		fmt.Sprintf("- db_path: %s\n", h.db.Path()) +
		fmt.Sprintf("- source_chat_id: %d\n", chatID) +
		fmt.Sprintf("- source_messages: %d\n", count) +
		fmt.Sprintf("- source_last_date_utc: %s\n", lastDate) +
		fmt.Sprintf("- last_import_at_utc: %s\n", lastImport) +
		fmt.Sprintf("- last_digest_end_utc: %s\n", lastDigestEnd) +
		fmt.Sprintf("- last_ingest_at_utc: %s\n", lastIngest) +
		fmt.Sprintf("- telegram_update_offset: %s\n", offset)
}

func (h *Handler) Search(args string) string {
	query := strings.TrimSpace(args)
	if query == "" {
		return "Usage: /search <terms>"
	}

	hits, err := h.db.SearchMessages(h.cfg.Telegram.SourceChatID, query, "", "", 10)
	if err != nil {
		if errors.Is(err, store.ErrSearchUnavailable) {
			return fmt.Sprintf("Search unavailable: %v", err)
		}
		return fmt.Sprintf("Search failed: %v", err)
	}
	if len(hits) == 0 {
		return fmt.Sprintf("No matches for: %q", query)
	}

	lines := []string{fmt.Sprintf("Search: %q", query)}
	for i := range hits {
		hit := &hits[i]
		snippet := hit.Snippet
		if snippet == "" {
			snippet = hit.Text
		}
		snippet = excerpt(snippet, 200)
		lines = append(lines, fmt.Sprintf("- [%s] %s: %s (msg_id=%d, thread=%s)",
			hit.DateUTC, hitAuthor(hit), snippet, hit.MessageID, threadIDLabel(hit.ThreadID)))
	}
	return strings.Join(lines, "\n")
}

const topicUsage = "Usage: /topic <thread_id> [6h|2d|1w]"

func (h *Handler) Topic(args string) string {
	parts := strings.Fields(args)
	if len(parts) == 0 {
		return topicUsage
	}
	threadID, ok := parseThreadToken(parts[0])
	if !ok {
		return topicUsage
	}

	duration := time.Duration(h.cfg.Latest.DefaultWindowHours) * time.Hour
	if len(parts) >= 2 {
		d, err := timeutil.ParseWindow(parts[1])
		if err != nil {
			return topicUsage
		}
		duration = d
	}

	now := time.Now()
	startUTC := timeutil.ToISOUTC(now.Add(-duration))
	endUTC := timeutil.ToISOUTC(now)
	chatID := h.cfg.Telegram.SourceChatID

	label := rollup.TopicLabel(h.topicTitle(threadID), threadID)
	rollups, err := h.db.TopicRollups(chatID, []int64{threadID})
	if err != nil {
		return fmt.Sprintf("Topic lookup failed: %v", err)
	}

	msgs, err := h.db.LastMessagesForTopicInWindow(chatID, threadID, startUTC, endUTC, 60)
	if err != nil {
		return fmt.Sprintf("Topic lookup failed: %v", err)
	}
	if len(msgs) == 0 {
		return fmt.Sprintf("No messages for topic in window (UTC: %s → %s).", startUTC, endUTC)
	}

	links := collectLinks(msgs, 10)
	recent := msgs
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}

	lines := []string{
		fmt.Sprintf("Topic: %s", label),
		fmt.Sprintf("Window (UTC): %s → %s", startUTC, endUTC),
		fmt.Sprintf("Messages: %d (showing last %d)", len(msgs), len(recent)),
		"",
		"Rollup",
	}
	if r, ok := rollups[threadID]; ok && strings.TrimSpace(r.Summary) != "" {
		meta := fmt.Sprintf("- updated_at_utc: %s", r.UpdatedAtUTC)
		if r.LastMessageID != 0 {
			meta += fmt.Sprintf(", last_message_id: %d", r.LastMessageID)
		}
		lines = append(lines, meta, strings.TrimSpace(r.Summary))
	} else {
		lines = append(lines, "- (none yet) Run: /rollup <thread_id> rebuild")
	}

	if len(links) > 0 {
		lines = append(lines, "", "Links")
		for _, url := range links {
			lines = append(lines, "- "+url)
		}
	}

	lines = append(lines, "", "Recent")
	for i := range recent {
		m := &recent[i]
		line := fmt.Sprintf("- [%s] %s: %s", m.DateUTC, msgAuthor(m), excerpt(m.Text, 260))
		link := tgfmt.BuildMessageLink(chatID, m.MessageID, threadID, h.cfg.Telegram.SourceChatUsername)
		if link != "" {
			line += " — " + link
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func collectLinks(msgs []store.Message, limit int) []string {
	var links []string
	seen := map[string]bool{}
	for _, m := range msgs {
		if m.Text == "" {
			continue
		}
		for _, url := range urlRe.FindAllString(m.Text, -1) {
			if seen[url] {
				continue
			}
			seen[url] = true
			links = append(links, url)
			if len(links) >= limit {
				return links
			}
		}
	}
	return links
}

func (h *Handler) DebugIDs(chatID, threadID int64) string {
	return "Debug IDs:\n" +
		fmt.Sprintf("chat_id: %d\n", chatID) +
		fmt.Sprintf("thread_id: %s\n", threadIDLabel(threadID))
}

func (h *Handler) BackfillTopics() string {
	updated, err := h.db.BackfillTopicTitles(h.cfg.Telegram.SourceChatID, nil, 5000, timeutil.NowISOUTC())
	if err != nil {
		return fmt.Sprintf("Backfill failed: %v", err)
	}
	return fmt.Sprintf("Backfilled %d topic title(s).", updated)
}

func (h *Handler) SetTopicTitle(args string) string {
	const usage = "Usage: /set_topic_title <thread_id> <title>"
	parts := strings.SplitN(strings.TrimSpace(args), " ", 2)
	if len(parts) != 2 {
		return usage
	}
	title := strings.TrimSpace(parts[1])
	if title == "" {
		return usage
	}
	threadID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || threadID <= 0 {
		return fmt.Sprintf("Invalid thread_id: %q", parts[0])
	}

	if err := h.db.UpsertTopic(h.cfg.Telegram.SourceChatID, threadID, title, timeutil.NowISOUTC()); err != nil {
		return fmt.Sprintf("Failed to set topic title: %v", err)
	}
	return fmt.Sprintf("Set topic title for thread %d: %s", threadID, title)
}
