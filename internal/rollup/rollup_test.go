package rollup

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stellarlinkco/chatdigest/internal/config"
	"github.com/stellarlinkco/chatdigest/internal/llm"
	"github.com/stellarlinkco/chatdigest/internal/store"
	"github.com/stellarlinkco/chatdigest/internal/timeutil"
)

type fakeLLM struct {
	reply   string
	err     error
	calls   int
	prompts []string
}

func (f *fakeLLM) Chat(ctx context.Context, messages []llm.Message, opts llm.Options) (string, error) {
	f.calls++
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	f.prompts = append(f.prompts, sb.String())
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeLLM) Model() string { return "fake-model" }

func newTestService(t *testing.T, client llm.Client) (*Service, *store.Store) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.DefaultConfig()
	cfg.Telegram.SourceChatID = -100
	cfg.Telegram.ControlChatIDs = []int64{-200}
	return New(db, cfg, client), db
}

// seedMessages stores n messages dated within the last n minutes, so they
// fall inside any now-relative rebuild window.
func seedMessages(t *testing.T, db *store.Store, threadID int64, n int) {
	t.Helper()
	now := time.Now()
	for i := 1; i <= n; i++ {
		date := timeutil.ToISOUTC(now.Add(-time.Duration(n-i) * time.Minute))
		err := db.UpsertMessage(&store.Message{
			ChatID:        -100,
			MessageID:     int64(i),
			ThreadID:      threadID,
			DateUTC:       date,
			FromDisplay:   "Alice",
			Text:          fmt.Sprintf("message %d", i),
			RawJSON:       "{}",
			IngestedAtUTC: date,
		})
		if err != nil {
			t.Fatalf("seed message %d: %v", i, err)
		}
	}
}

func TestTopicLabel(t *testing.T) {
	if got := TopicLabel("Releases", 7); got != "Releases" {
		t.Errorf("label = %q", got)
	}
	if got := TopicLabel("", 7); got != "Thread 7" {
		t.Errorf("label = %q", got)
	}
	if got := TopicLabel("", 0); got != "No topic" {
		t.Errorf("label = %q", got)
	}
}

func TestFormatMessageLines(t *testing.T) {
	msgs := []store.Message{
		{DateUTC: "2025-06-01T10:00:00Z", FromDisplay: "Alice", Text: "multi\nline"},
		{DateUTC: "2025-06-01T10:01:00Z", FromUsername: "bob", Text: "short"},
		{DateUTC: "2025-06-01T10:02:00Z", Text: ""},
		{DateUTC: "2025-06-01T10:03:00Z", Text: strings.Repeat("x", 300)},
	}
	lines := FormatMessageLines(msgs, 240)
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3 (empty skipped)", len(lines))
	}
	if lines[0] != "- [2025-06-01T10:00:00Z] Alice: multi line" {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.Contains(lines[1], "bob: short") {
		t.Errorf("line 1 = %q", lines[1])
	}
	if !strings.HasSuffix(lines[2], "…") || len(lines[2]) > 300 {
		t.Errorf("long line not truncated: %q", lines[2])
	}
}

func TestUpdate_InitialBuild(t *testing.T) {
	fake := &fakeLLM{reply: "- did things\n- decided stuff"}
	svc, db := newTestService(t, fake)
	seedMessages(t, db, 7, 3)

	res, err := svc.Update(context.Background(), 7, "")
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if !res.Updated || res.MessagesUsed != 3 || res.LastMessageID != 3 {
		t.Errorf("result = %+v", res)
	}
	if res.Summary != "- did things\n- decided stuff" {
		t.Errorf("summary = %q", res.Summary)
	}
	if !strings.Contains(res.WindowLabel, "→") {
		t.Errorf("window label = %q, want a rebuild window", res.WindowLabel)
	}

	stored, _ := db.TopicRollups(-100, []int64{7})
	if stored[7].LastMessageID != 3 || stored[7].Model != "fake-model" {
		t.Errorf("stored rollup = %+v", stored[7])
	}
}

func TestUpdate_Incremental(t *testing.T) {
	fake := &fakeLLM{reply: "- initial"}
	svc, db := newTestService(t, fake)
	seedMessages(t, db, 7, 2)

	if _, err := svc.Update(context.Background(), 7, ""); err != nil {
		t.Fatalf("initial Update error: %v", err)
	}

	seedMessages(t, db, 7, 4) // adds messages 3 and 4
	fake.reply = "- extended"

	res, err := svc.Update(context.Background(), 7, "")
	if err != nil {
		t.Fatalf("incremental Update error: %v", err)
	}
	if res.WindowLabel != "since message_id 2" {
		t.Errorf("window label = %q", res.WindowLabel)
	}
	if res.MessagesUsed != 2 || res.LastMessageID != 4 {
		t.Errorf("result = %+v", res)
	}
	// The incremental prompt carries the previous summary.
	last := fake.prompts[len(fake.prompts)-1]
	if !strings.Contains(last, "Previous summary:\n- initial") {
		t.Errorf("prompt missing previous summary:\n%s", last)
	}
}

func TestUpdate_NoNewMessagesKeepsCached(t *testing.T) {
	fake := &fakeLLM{reply: "- cached"}
	svc, db := newTestService(t, fake)
	seedMessages(t, db, 7, 2)

	if _, err := svc.Update(context.Background(), 7, ""); err != nil {
		t.Fatalf("initial Update error: %v", err)
	}
	callsBefore := fake.calls

	res, err := svc.Update(context.Background(), 7, "")
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if res.Updated {
		t.Error("expected Updated=false with no new messages")
	}
	if res.Summary != "- cached" {
		t.Errorf("summary = %q", res.Summary)
	}
	if fake.calls != callsBefore {
		t.Error("LLM called although nothing changed")
	}
}

func TestUpdate_EmptyTopicFails(t *testing.T) {
	svc, _ := newTestService(t, &fakeLLM{reply: "x"})
	if _, err := svc.Update(context.Background(), 99, ""); err == nil {
		t.Error("expected error for empty topic")
	}
}

func TestUpdate_Modes(t *testing.T) {
	fake := &fakeLLM{reply: "- bullets"}
	svc, db := newTestService(t, fake)
	seedMessages(t, db, 7, 3)

	res, err := svc.Update(context.Background(), 7, "all")
	if err != nil {
		t.Fatalf("all Update error: %v", err)
	}
	if res.WindowLabel != "all time (recent tail)" {
		t.Errorf("all window label = %q", res.WindowLabel)
	}

	res, err = svc.Update(context.Background(), 7, "rebuild")
	if err != nil {
		t.Fatalf("rebuild Update error: %v", err)
	}
	if !strings.Contains(res.WindowLabel, "→") {
		t.Errorf("rebuild window label = %q", res.WindowLabel)
	}

	if _, err := svc.Update(context.Background(), 7, "bogus"); err == nil {
		t.Error("expected error for invalid mode")
	}
}

func TestUpdate_WindowMode(t *testing.T) {
	fake := &fakeLLM{reply: "- windowed"}
	svc, db := newTestService(t, fake)

	// One old message outside a 1h window, one recent inside it.
	old := timeutil.ToISOUTC(time.Now().Add(-48 * time.Hour))
	db.UpsertMessage(&store.Message{
		ChatID: -100, MessageID: 1, ThreadID: 7, DateUTC: old,
		FromDisplay: "Alice", Text: "ancient history", RawJSON: "{}", IngestedAtUTC: old,
	})
	recent := timeutil.ToISOUTC(time.Now().Add(-5 * time.Minute))
	db.UpsertMessage(&store.Message{
		ChatID: -100, MessageID: 2, ThreadID: 7, DateUTC: recent,
		FromDisplay: "Bob", Text: "fresh update", RawJSON: "{}", IngestedAtUTC: recent,
	})

	res, err := svc.Update(context.Background(), 7, "1h")
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if res.MessagesUsed != 1 {
		t.Errorf("messages used = %d, want 1 (old one excluded)", res.MessagesUsed)
	}
	last := fake.prompts[len(fake.prompts)-1]
	if strings.Contains(last, "ancient history") {
		t.Error("prompt includes message outside the window")
	}
}

func TestUpdate_NilClient(t *testing.T) {
	svc, db := newTestService(t, nil)
	seedMessages(t, db, 7, 2)
	if _, err := svc.Update(context.Background(), 7, ""); err == nil {
		t.Error("expected error with nil client")
	}
}

func TestGetOrBuild(t *testing.T) {
	fake := &fakeLLM{reply: "- built"}
	svc, db := newTestService(t, fake)
	seedMessages(t, db, 7, 2)

	res, err := svc.GetOrBuild(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetOrBuild error: %v", err)
	}
	if !res.Updated || fake.calls != 1 {
		t.Errorf("first GetOrBuild: updated=%v calls=%d", res.Updated, fake.calls)
	}

	// Fresh cache: no further LLM call.
	res, err = svc.GetOrBuild(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetOrBuild error: %v", err)
	}
	if res.Updated || fake.calls != 1 {
		t.Errorf("cached GetOrBuild: updated=%v calls=%d", res.Updated, fake.calls)
	}

	// New message makes it stale.
	seedMessages(t, db, 7, 3)
	res, err = svc.GetOrBuild(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetOrBuild error: %v", err)
	}
	if !res.Updated || fake.calls != 2 {
		t.Errorf("stale GetOrBuild: updated=%v calls=%d", res.Updated, fake.calls)
	}
}

func TestGetOrBuild_NilClientServesCache(t *testing.T) {
	fake := &fakeLLM{reply: "- built"}
	svc, db := newTestService(t, fake)
	seedMessages(t, db, 7, 2)
	if _, err := svc.Update(context.Background(), 7, ""); err != nil {
		t.Fatalf("Update error: %v", err)
	}

	svcNoLLM := New(db, svc.cfg, nil)
	res, err := svcNoLLM.GetOrBuild(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetOrBuild error: %v", err)
	}
	if res.Summary != "- built" || res.Updated {
		t.Errorf("result = %+v, want cached summary", res)
	}

	// No cache and no client: error.
	if _, err := svcNoLLM.GetOrBuild(context.Background(), 99); err == nil {
		t.Error("expected error without cache or client")
	}
}

func TestGetOrBuild_BackfilledHistoryForcesRebuild(t *testing.T) {
	fake := &fakeLLM{reply: "- summary v1"}
	svc, db := newTestService(t, fake)

	now := time.Now()
	for i, id := range []int64{100, 101, 102} {
		date := timeutil.ToISOUTC(now.Add(-time.Duration(30-i) * time.Minute))
		err := db.UpsertMessage(&store.Message{
			ChatID: -100, MessageID: id, ThreadID: 7, DateUTC: date,
			FromDisplay: "Alice", Text: fmt.Sprintf("live message %d", id),
			RawJSON: "{}", IngestedAtUTC: date,
		})
		if err != nil {
			t.Fatalf("seed message %d: %v", id, err)
		}
	}
	if _, err := svc.Update(context.Background(), 7, ""); err != nil {
		t.Fatalf("initial Update error: %v", err)
	}

	// A later import fills in an older message: its id sits below the cached
	// last_message_id, so only the ingest timestamp reveals it.
	err := db.UpsertMessage(&store.Message{
		ChatID: -100, MessageID: 5, ThreadID: 7,
		DateUTC:       timeutil.ToISOUTC(now.Add(-2 * time.Hour)),
		FromDisplay:   "Bob", Text: "imported early discussion",
		RawJSON:       "{}",
		IngestedAtUTC: timeutil.ToISOUTC(now.Add(time.Minute)),
	})
	if err != nil {
		t.Fatalf("backfill message: %v", err)
	}

	stored, _ := db.TopicRollups(-100, []int64{7})
	r := stored[7]
	if !svc.Stale(&r) {
		t.Fatal("backfilled message should mark the rollup stale")
	}

	fake.reply = "- summary v2"
	res, err := svc.GetOrBuild(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetOrBuild error: %v", err)
	}
	if !res.Updated || res.Summary != "- summary v2" {
		t.Fatalf("result = %+v, want a rebuilt summary", res)
	}
	if !strings.Contains(res.WindowLabel, "→") {
		t.Errorf("window label = %q, want a rebuild window", res.WindowLabel)
	}
	last := fake.prompts[len(fake.prompts)-1]
	if !strings.Contains(last, "imported early discussion") {
		t.Errorf("rebuild prompt missing backfilled message:\n%s", last)
	}
}

func TestGetOrBuild_OldBackfillFallsBackToAllTime(t *testing.T) {
	fake := &fakeLLM{reply: "- summary v1"}
	svc, db := newTestService(t, fake)

	now := time.Now()
	for i, id := range []int64{100, 101, 102} {
		date := timeutil.ToISOUTC(now.Add(-60*24*time.Hour + time.Duration(i)*time.Minute))
		err := db.UpsertMessage(&store.Message{
			ChatID: -100, MessageID: id, ThreadID: 7, DateUTC: date,
			FromDisplay: "Alice", Text: fmt.Sprintf("old message %d", id),
			RawJSON: "{}", IngestedAtUTC: date,
		})
		if err != nil {
			t.Fatalf("seed message %d: %v", id, err)
		}
	}
	if _, err := svc.Update(context.Background(), 7, "all"); err != nil {
		t.Fatalf("initial Update error: %v", err)
	}

	// The backfilled message predates the rebuild window entirely.
	err := db.UpsertMessage(&store.Message{
		ChatID: -100, MessageID: 5, ThreadID: 7,
		DateUTC:       timeutil.ToISOUTC(now.Add(-90 * 24 * time.Hour)),
		FromDisplay:   "Bob", Text: "ancient imported context",
		RawJSON:       "{}",
		IngestedAtUTC: timeutil.ToISOUTC(now.Add(time.Minute)),
	})
	if err != nil {
		t.Fatalf("backfill message: %v", err)
	}

	fake.reply = "- summary v2"
	res, err := svc.GetOrBuild(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetOrBuild error: %v", err)
	}
	if !res.Updated || res.WindowLabel != "all time (recent tail)" {
		t.Fatalf("result = %+v, want an all-time rebuild", res)
	}
	last := fake.prompts[len(fake.prompts)-1]
	if !strings.Contains(last, "ancient imported context") {
		t.Errorf("rebuild prompt missing backfilled message:\n%s", last)
	}
}

func TestRefreshBeforeDigest_RateLimited(t *testing.T) {
	fake := &fakeLLM{reply: "- refreshed"}
	svc, db := newTestService(t, fake)
	seedMessages(t, db, 7, 2)

	start := timeutil.ToISOUTC(time.Now().Add(-24 * time.Hour))
	end := timeutil.NowISOUTC()

	svc.RefreshBeforeDigest(context.Background(), start, end)
	if fake.calls != 1 {
		t.Errorf("calls = %d, want 1", fake.calls)
	}
	if v, _ := db.GetState("last_rollup_refresh_at_utc"); v == "" {
		t.Error("refresh marker not set")
	}

	// Immediately again: inside the min interval, no work.
	svc.RefreshBeforeDigest(context.Background(), start, end)
	if fake.calls != 1 {
		t.Errorf("calls = %d, want still 1 (rate limited)", fake.calls)
	}
}

func TestRefreshBeforeDigest_Disabled(t *testing.T) {
	fake := &fakeLLM{reply: "- x"}
	svc, db := newTestService(t, fake)
	svc.cfg.Rollup.AutoRefreshBeforeDigest = false
	seedMessages(t, db, 7, 2)

	svc.RefreshBeforeDigest(context.Background(), timeutil.ToISOUTC(time.Now().Add(-24*time.Hour)), timeutil.NowISOUTC())
	if fake.calls != 0 {
		t.Errorf("calls = %d, want 0 when disabled", fake.calls)
	}
}
