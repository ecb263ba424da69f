package command

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stellarlinkco/chatdigest/internal/store"
)

func TestScoreEvidence(t *testing.T) {
	pr := scoreEvidence("merged https://github.com/org/repo/pull/123")
	logs := scoreEvidence("INFO Processed 500 blocks in 2s")
	plain := scoreEvidence("short note")
	if pr <= plain {
		t.Errorf("PR link should outrank plain text: pr=%d plain=%d", pr, plain)
	}
	if logs >= plain {
		t.Errorf("log spam should rank below plain text: logs=%d plain=%d", logs, plain)
	}
}

func TestSelectEvidence(t *testing.T) {
	msgs := []store.Message{
		{MessageID: 1, DateUTC: "2025-01-01T00:00:00Z", Text: "INFO Processed 100 blocks"},
		{MessageID: 2, DateUTC: "2025-01-01T01:00:00Z", Text: "merged https://github.com/org/repo/pull/9"},
		{MessageID: 3, DateUTC: "2025-01-01T02:00:00Z", Text: ""},
		{MessageID: 4, DateUTC: "2025-01-01T03:00:00Z", Text: "latest status note"},
	}

	got := selectEvidence(msgs, 2)
	if len(got) != 2 {
		t.Fatalf("len = %d", len(got))
	}
	// Chronological output, PR link picked on score, most recent kept.
	if got[0].MessageID != 2 || got[1].MessageID != 4 {
		t.Errorf("picked = [%d %d]", got[0].MessageID, got[1].MessageID)
	}
}

func TestParseTeachArgs(t *testing.T) {
	p, usage := parseTeachArgs("7 2d detail", 24)
	if usage != "" {
		t.Fatalf("usage = %q", usage)
	}
	if p.threadID != 7 || !p.detail {
		t.Errorf("params = %#v", p)
	}

	p, usage = parseTeachArgs("none", 24)
	if usage != "" || p.threadID != 0 || p.detail {
		t.Errorf("none = %#v (usage %q)", p, usage)
	}

	if _, usage = parseTeachArgs("", 24); usage == "" {
		t.Error("empty args should return usage")
	}
	if _, usage = parseTeachArgs("7 2d 6h", 24); usage == "" {
		t.Error("double window should return usage")
	}
	if _, usage = parseTeachArgs("abc", 24); usage == "" {
		t.Error("bad thread should return usage")
	}
}

func TestTeach_Overview(t *testing.T) {
	client := &fakeLLM{reply: "### WHAT_HAPPENED (from chat)\n- rollout merged (E1)"}
	h, db := newTestHandler(t, client)
	seedMessage(t, db, 1, 7, time.Hour, "Alice", "merged https://github.com/org/repo/pull/9")
	if err := db.UpsertTopic(-100, 7, "Rollout", "2025-01-01T00:00:00Z"); err != nil {
		t.Fatalf("UpsertTopic: %v", err)
	}

	got := h.Teach(context.Background(), "7")
	for _, want := range []string{
		"Teach me: Rollout (id=7)",
		"- rollout merged (E1)",
		"More: /teach 7 detail",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("teach missing %q:\n%s", want, got)
		}
	}
	if !strings.Contains(client.prompts[0], "E1: Alice: merged https://github.com/org/repo/pull/9") {
		t.Errorf("prompt missing evidence:\n%s", client.prompts[0])
	}
	if !strings.Contains(client.prompts[0], "Links seen:") {
		t.Errorf("prompt missing links:\n%s", client.prompts[0])
	}
}

func TestTeach_DetailPrompt(t *testing.T) {
	client := &fakeLLM{reply: "### FACTS (from chat)\n- shipped (E1)"}
	h, db := newTestHandler(t, client)
	seedMessage(t, db, 1, 7, time.Hour, "Alice", "release shipped")

	got := h.Teach(context.Background(), "7 detail")
	if !strings.Contains(got, "- shipped (E1)") {
		t.Errorf("missing completion:\n%s", got)
	}
	if !strings.Contains(client.prompts[0], "### FACTS (from chat)") {
		t.Errorf("detail prompt not used:\n%s", client.prompts[0])
	}
}

func TestTeach_NoLLM(t *testing.T) {
	h, db := newTestHandler(t, nil)
	seedMessage(t, db, 1, 7, time.Hour, "Alice", "release shipped")
	err := db.UpsertTopicRollup(&store.TopicRollup{
		ChatID: -100, ThreadID: 7, Summary: "- prior summary",
		LastMessageID: 1, UpdatedAtUTC: "2025-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("UpsertTopicRollup: %v", err)
	}

	got := h.Teach(context.Background(), "7")
	if !strings.Contains(got, "Context (existing rollup)\n- prior summary") {
		t.Errorf("overview fallback missing rollup:\n%s", got)
	}

	got = h.Teach(context.Background(), "7 detail")
	if !strings.Contains(got, "LLM is disabled/unavailable; enable it to get explanations.") {
		t.Errorf("detail fallback missing notice:\n%s", got)
	}
	if !strings.Contains(got, "Rollup (existing)\n- prior summary") {
		t.Errorf("detail fallback missing rollup:\n%s", got)
	}
}

func TestTeach_LLMFailure(t *testing.T) {
	h, db := newTestHandler(t, nil)
	h.client = &fakeLLM{err: errors.New("boom")}
	seedMessage(t, db, 1, 7, time.Hour, "Alice", "release shipped")

	got := h.Teach(context.Background(), "7")
	if !strings.Contains(got, "LLM call failed: boom") {
		t.Errorf("missing failure notice:\n%s", got)
	}
	if !strings.Contains(got, "Evidence") {
		t.Errorf("missing evidence fallback:\n%s", got)
	}
}

func TestTeach_EmptyWindow(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	got := h.Teach(context.Background(), "7 1h")
	if !strings.Contains(got, "No messages for topic in window") {
		t.Errorf("empty = %q", got)
	}
}
