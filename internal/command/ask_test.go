package command

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stellarlinkco/chatdigest/internal/store"
)

func TestBuildFTSQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"what is the rollout status?", "rollout OR status"},
		{"Did we merge the parser fix?", "merge OR parser OR fix"},
		{"the a an", "the a an"},
		{"rollout rollout rollout", "rollout"},
	}
	for _, tt := range tests {
		if got := buildFTSQuery(tt.in); got != tt.want {
			t.Errorf("buildFTSQuery(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseAskArgs(t *testing.T) {
	if _, ok := parseAskArgs("  "); ok {
		t.Error("empty args should fail")
	}
	if _, ok := parseAskArgs("all"); ok {
		t.Error("bare all should fail")
	}

	got, ok := parseAskArgs("all what happened?")
	if !ok || !got.allTime || got.question != "what happened?" {
		t.Errorf("all-time = %#v", got)
	}

	got, ok = parseAskArgs("6h what happened?")
	if !ok || got.allTime || !got.explicit || got.duration != 6*time.Hour || got.question != "what happened?" {
		t.Errorf("windowed = %#v", got)
	}

	// A non-window first token belongs to the question.
	got, ok = parseAskArgs("why did it break?")
	if !ok || got.explicit || got.question != "why did it break?" {
		t.Errorf("plain = %#v", got)
	}
}

func TestExtractCitations(t *testing.T) {
	text := "Answer:\nIt shipped.\n\nCitations: E2, E1, E2, E99"
	got := extractCitations(text, 5)
	if len(got) != 2 || got[0] != 2 || got[1] != 1 {
		t.Errorf("citations = %v", got)
	}
	if got := extractCitations("no citations here", 5); got != nil {
		t.Errorf("citations = %v", got)
	}
}

func TestExtractAnswer(t *testing.T) {
	text := "Answer:\nIt shipped yesterday.\nMore detail.\n\nCitations: E1"
	if got := extractAnswer(text); got != "It shipped yesterday.\nMore detail." {
		t.Errorf("answer = %q", got)
	}
	if got := extractAnswer("freeform reply"); got != "freeform reply" {
		t.Errorf("freeform = %q", got)
	}
}

func TestAsk_NoHits(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	got := h.Ask(context.Background(), "anything happen?")
	if !strings.Contains(got, "Not found in captured messages") {
		t.Errorf("no hits = %q", got)
	}
}

func TestAsk_NoLLMShowsMatches(t *testing.T) {
	h, db := newTestHandler(t, nil)
	seedMessage(t, db, 1, 7, time.Hour, "Alice", "the testnet rollout finished")

	got := h.Ask(context.Background(), "rollout status?")
	if !strings.Contains(got, "LLM is disabled/unavailable; showing closest matches:") {
		t.Errorf("missing degraded notice:\n%s", got)
	}
	if !strings.Contains(got, "E1 (Topic: Thread 7)") {
		t.Errorf("missing evidence:\n%s", got)
	}
	if !strings.Contains(got, "https://t.me/sourcechat/7/1") {
		t.Errorf("missing permalink:\n%s", got)
	}
}

func TestAsk_AnswerWithCitations(t *testing.T) {
	client := &fakeLLM{reply: "Answer:\nThe rollout finished.\n\nCitations: E1"}
	h, db := newTestHandler(t, nil)
	h.client = client
	seedMessage(t, db, 1, 7, time.Hour, "Alice", "the testnet rollout finished")
	seedMessage(t, db, 2, 7, time.Minute, "Bob", "rollout looks stable so far")
	err := db.UpsertTopicRollup(&store.TopicRollup{
		ChatID: -100, ThreadID: 7, Summary: "- rollout in progress",
		LastMessageID: 1, UpdatedAtUTC: "2025-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("UpsertTopicRollup: %v", err)
	}

	got := h.Ask(context.Background(), "rollout status?")
	if !strings.Contains(got, "Answer\nThe rollout finished.") {
		t.Errorf("missing answer:\n%s", got)
	}
	if !strings.Contains(got, "Receipts\nE1 (Topic: Thread 7)") {
		t.Errorf("missing cited receipt:\n%s", got)
	}
	if client.calls != 1 {
		t.Errorf("calls = %d", client.calls)
	}
	if !strings.Contains(client.prompts[0], "Topic rollups (context):") {
		t.Errorf("prompt missing rollup context:\n%s", client.prompts[0])
	}
	if !strings.Contains(client.prompts[0], "EVIDENCE:") {
		t.Errorf("prompt missing evidence:\n%s", client.prompts[0])
	}
}

func TestAsk_LLMFailureShowsMatches(t *testing.T) {
	h, db := newTestHandler(t, nil)
	h.client = &fakeLLM{err: errors.New("boom")}
	seedMessage(t, db, 1, 0, time.Hour, "Alice", "the testnet rollout finished")

	got := h.Ask(context.Background(), "rollout status?")
	if !strings.Contains(got, "LLM call failed; showing closest matches:") {
		t.Errorf("missing degraded notice:\n%s", got)
	}
	if !strings.Contains(got, "LLM error: boom") {
		t.Errorf("missing error line:\n%s", got)
	}
}

func TestAsk_Usage(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	if got := h.Ask(context.Background(), ""); got != askUsage {
		t.Errorf("usage = %q", got)
	}
}
