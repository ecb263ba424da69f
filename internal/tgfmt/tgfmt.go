// Package tgfmt splits long report text into Telegram-sized messages and
// builds best-effort t.me permalinks.
package tgfmt

import (
	"fmt"
	"strings"
)

// MaxMessageChars is Telegram's hard limit on a single message.
const MaxMessageChars = 4096

// Section headers that must not end a chunk; a trailing header is pushed
// into the next message so it stays with its content.
var orphanHeaders = map[string]bool{
	"Summary":     true,
	"Top threads": true,
	"By topic":    true,
	"Links:":      true,
	"Quotes:":     true,
	"Answer":      true,
	"Receipts":    true,
}

func avoidOrphanHeaderCut(chunk string) int {
	stripped := strings.TrimRight(chunk, " \t\r\n")
	if stripped == "" {
		return -1
	}
	lines := strings.Split(stripped, "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return -1
	}
	last := strings.TrimSpace(lines[len(lines)-1])
	if !orphanHeaders[last] && !strings.HasPrefix(last, "Topic: ") {
		return -1
	}
	newCut := len(strings.Join(lines[:len(lines)-1], "\n"))
	if newCut <= 0 {
		return -1
	}
	return newCut
}

// ChunkText splits text into pieces no longer than limit, preferring to cut
// at "Topic:" section boundaries, then blank lines, then line breaks.
func ChunkText(text string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageChars
	}
	if len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for remaining != "" {
		if len(remaining) <= limit {
			chunks = append(chunks, remaining)
			break
		}

		cut := strings.LastIndex(remaining[:limit], "\n\nTopic:")
		if cut <= 0 {
			cut = strings.LastIndex(remaining[:limit], "\n\n")
		}
		if cut <= 0 {
			cut = strings.LastIndex(remaining[:limit], "\n")
		}
		if cut <= 0 {
			cut = limit
		}

		if override := avoidOrphanHeaderCut(remaining[:cut]); override > 0 {
			cut = override
		}

		chunks = append(chunks, strings.TrimRight(remaining[:cut], " \t\r\n"))
		remaining = strings.TrimLeft(remaining[cut:], "\n")
	}

	out := chunks[:0]
	for _, c := range chunks {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// internalChatID converts a -100-prefixed supergroup id into the bare id
// used by t.me/c/ links. Returns 0 when no link can be built.
func internalChatID(chatID int64) int64 {
	abs := chatID
	if abs < 0 {
		abs = -abs
	}
	if abs >= 1_000_000_000_000 {
		internal := abs - 1_000_000_000_000
		if internal > 0 {
			return internal
		}
		return 0
	}
	return abs
}

// BuildMessageLink returns a best-effort permalink to a message, or "" when
// none can be constructed. Thread 0 and 1 (the General topic) are omitted
// from the path.
func BuildMessageLink(chatID int64, messageID int64, threadID int64, username string) string {
	threadPart := threadID
	if threadPart == 1 {
		threadPart = 0
	}

	if username != "" {
		if threadPart != 0 {
			return fmt.Sprintf("https://t.me/%s/%d/%d", username, threadPart, messageID)
		}
		return fmt.Sprintf("https://t.me/%s/%d", username, messageID)
	}

	internal := internalChatID(chatID)
	if internal == 0 {
		return ""
	}
	if threadPart != 0 {
		return fmt.Sprintf("https://t.me/c/%d/%d/%d", internal, threadPart, messageID)
	}
	return fmt.Sprintf("https://t.me/c/%d/%d", internal, messageID)
}
