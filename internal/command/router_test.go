package command

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stellarlinkco/chatdigest/internal/config"
	"github.com/stellarlinkco/chatdigest/internal/llm"
	"github.com/stellarlinkco/chatdigest/internal/rollup"
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

func newTestHandler(t *testing.T, client llm.Client) (*Handler, *store.Store) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.DefaultConfig()
	cfg.Telegram.SourceChatID = -100
	cfg.Telegram.SourceChatUsername = "sourcechat"
	cfg.Telegram.ControlChatIDs = []int64{-200}
	return NewHandler(db, cfg, client, rollup.New(db, cfg, client)), db
}

func seedMessage(t *testing.T, db *store.Store, id, threadID int64, ago time.Duration, display, text string) {
	t.Helper()
	date := timeutil.ToISOUTC(time.Now().Add(-ago))
	err := db.UpsertMessage(&store.Message{
		ChatID:        -100,
		MessageID:     id,
		ThreadID:      threadID,
		DateUTC:       date,
		FromDisplay:   display,
		Text:          text,
		RawJSON:       "{}",
		IngestedAtUTC: date,
	})
	if err != nil {
		t.Fatalf("seed message %d: %v", id, err)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in       string
		name     string
		args     string
		ok       bool
	}{
		{"/help", "help", "", true},
		{"/latest 6h full", "latest", "6h full", true},
		{"/ask@chatdigest_bot what changed?", "ask", "what changed?", true},
		{"/DIGEST 2d", "digest", "2d", true},
		{"/search term\nextra line ignored", "search", "term", true},
		{"  /health  ", "health", "", true},
		{"plain text", "", "", false},
		{"/", "", "", false},
	}
	for _, tt := range tests {
		name, args, ok := Parse(tt.in)
		if name != tt.name || args != tt.args || ok != tt.ok {
			t.Errorf("Parse(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.in, name, args, ok, tt.name, tt.args, tt.ok)
		}
	}
}

func TestHandle_Classification(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	if res := h.Handle("hello there", -200, 0); res != nil {
		t.Errorf("plain chat should be ignored, got %#v", res)
	}
	if res, ok := h.Handle("/help", -200, 0).(TextResponse); !ok || !strings.Contains(res.Text, "/latest") {
		t.Errorf("help = %#v", res)
	}
	if _, ok := h.Handle("/ask what changed?", -200, 0).(AskRequest); !ok {
		t.Error("ask should defer")
	}
	if _, ok := h.Handle("/teach 7", -200, 0).(TeachRequest); !ok {
		t.Error("teach should defer")
	}
	if _, ok := h.Handle("/rollup 7 rebuild", -200, 0).(RollupRequest); !ok {
		t.Error("rollup should defer")
	}
	if res, ok := h.Handle("/bogus", -200, 0).(TextResponse); !ok || !strings.Contains(res.Text, "Unknown command: /bogus") {
		t.Errorf("unknown = %#v", res)
	}
}

func TestHandle_BareLatestShortcut(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	req, ok := h.Handle("Latest", -200, 0).(LatestRequest)
	if !ok {
		t.Fatal("bare latest should classify as LatestRequest")
	}
	if req.Explicit || req.Mode != "brief" || req.Peek || req.Reset {
		t.Errorf("bare latest = %#v", req)
	}
}

func TestParseLatest(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	req, ok := h.Handle("/latest 6h full peek", -200, 0).(LatestRequest)
	if !ok {
		t.Fatal("expected LatestRequest")
	}
	if req.Duration != 6*time.Hour || !req.Explicit || req.Mode != "full" || !req.Peek {
		t.Errorf("req = %#v", req)
	}

	if req, ok := h.Handle("/latest reset", -200, 0).(LatestRequest); !ok || !req.Reset {
		t.Errorf("reset = %#v", req)
	}

	if res, ok := h.Handle("/latest nonsense", -200, 0).(TextResponse); !ok || !strings.Contains(res.Text, "Usage: /latest") {
		t.Errorf("bad args = %#v", res)
	}
}

func TestParseDigest(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	req, ok := h.Handle("/digest", -200, 0).(DigestRequest)
	if !ok {
		t.Fatal("expected DigestRequest")
	}
	if req.Explicit || !req.Advance || req.Mode != "overview" {
		t.Errorf("no-arg digest = %#v", req)
	}

	req, ok = h.Handle("/digest 6h full", -200, 0).(DigestRequest)
	if !ok {
		t.Fatal("expected DigestRequest")
	}
	if req.Duration != 6*time.Hour || !req.Explicit || req.Advance || req.Mode != "full" {
		t.Errorf("ad-hoc digest = %#v", req)
	}

	if req, ok := h.Handle("/digest 2d advance", -200, 0).(DigestRequest); !ok || !req.Advance {
		t.Errorf("advance digest = %#v", req)
	}
	if req, ok := h.Handle("/digest since_last", -200, 0).(DigestRequest); !ok || req.Explicit || !req.Advance {
		t.Errorf("since_last digest = %#v", req)
	}
	if res, ok := h.Handle("/digest nonsense", -200, 0).(TextResponse); !ok || !strings.Contains(res.Text, "Usage: /digest") {
		t.Errorf("bad args = %#v", res)
	}
}
