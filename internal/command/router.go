// Package command classifies control-chat messages and computes replies.
// Fast commands return their text immediately; LLM-backed ones return a
// request struct the bot executes behind a placeholder message.
package command

import (
	"strings"
	"time"

	"github.com/stellarlinkco/chatdigest/internal/config"
	"github.com/stellarlinkco/chatdigest/internal/llm"
	"github.com/stellarlinkco/chatdigest/internal/rollup"
	"github.com/stellarlinkco/chatdigest/internal/store"
	"github.com/stellarlinkco/chatdigest/internal/timeutil"
)

// Result is a sum of TextResponse and the deferred request types.
type Result interface{ result() }

// TextResponse is a reply computed inline, ready to send.
type TextResponse struct {
	Text string
}

// LatestRequest defers /latest (and the bare "latest" shortcut).
// Explicit is false when no window was given and the caller's check-in
// checkpoint should define the window start.
type LatestRequest struct {
	Duration time.Duration
	Explicit bool
	Mode     string // "brief" or "full"
	Peek     bool
	Reset    bool
}

// AskRequest defers /ask to the placeholder-then-edit path.
type AskRequest struct {
	Args string
}

// TeachRequest defers /teach.
type TeachRequest struct {
	Args string
}

// RollupRequest defers /rollup.
type RollupRequest struct {
	Args string
}

// DigestRequest defers /digest. Advance moves the per-chat digest
// checkpoint after posting.
type DigestRequest struct {
	Duration time.Duration
	Explicit bool
	Mode     string // "overview" or "full"
	Advance  bool
}

func (TextResponse) result()  {}
func (LatestRequest) result() {}
func (AskRequest) result()    {}
func (TeachRequest) result()  {}
func (RollupRequest) result() {}
func (DigestRequest) result() {}

// Handler computes command replies against the store.
type Handler struct {
	db      *store.Store
	cfg     *config.Config
	client  llm.Client
	rollups *rollup.Service
}

func NewHandler(db *store.Store, cfg *config.Config, client llm.Client, rollups *rollup.Service) *Handler {
	return &Handler{db: db, cfg: cfg, client: client, rollups: rollups}
}

// Parse splits "/cmd@bot args" into a lowercase command name and its
// argument string. Only the first line is considered.
func Parse(text string) (name, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	firstLine := text
	if i := strings.IndexByte(firstLine, '\n'); i >= 0 {
		firstLine = firstLine[:i]
	}
	head, rest, _ := strings.Cut(firstLine, " ")
	name = head[1:]
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	if name == "" {
		return "", "", false
	}
	return strings.ToLower(name), strings.TrimSpace(rest), true
}

// Handle classifies a control-chat message. It returns nil for plain chat
// that is not addressed to the bot.
func (h *Handler) Handle(text string, chatID, threadID int64) Result {
	name, args, ok := Parse(text)
	if !ok {
		if strings.EqualFold(strings.TrimSpace(text), "latest") {
			return h.parseLatest("")
		}
		return nil
	}

	switch name {
	case "help", "start":
		return TextResponse{Text: h.Help()}
	case "health":
		return TextResponse{Text: h.Health()}
	case "latest":
		return h.parseLatest(args)
	case "search":
		return TextResponse{Text: h.Search(args)}
	case "ask":
		return AskRequest{Args: args}
	case "teach":
		return TeachRequest{Args: args}
	case "topic":
		return TextResponse{Text: h.Topic(args)}
	case "rollup":
		return RollupRequest{Args: args}
	case "digest":
		return h.parseDigest(args)
	case "debug_ids":
		return TextResponse{Text: h.DebugIDs(chatID, threadID)}
	case "backfill_topics":
		return TextResponse{Text: h.BackfillTopics()}
	case "set_topic_title", "set_topic":
		return TextResponse{Text: h.SetTopicTitle(args)}
	}
	return TextResponse{Text: "Unknown command: /" + name + "\n\n" + h.Help()}
}

const latestUsage = "Usage: /latest [6h|2d] [brief|full] [peek]"

func (h *Handler) parseLatest(args string) Result {
	req := LatestRequest{Mode: "brief"}
	for _, token := range strings.Fields(strings.ToLower(args)) {
		switch {
		case token == "reset":
			req.Reset = true
		case token == "peek":
			req.Peek = true
		case token == "brief" || token == "full":
			req.Mode = token
		case timeutil.IsWindow(token):
			d, err := timeutil.ParseWindow(token)
			if err != nil {
				return TextResponse{Text: latestUsage}
			}
			req.Duration = d
			req.Explicit = true
		default:
			return TextResponse{Text: latestUsage}
		}
	}
	return req
}

const digestUsage = "Usage: /digest [6h|2d] [overview|full] [advance]\n\nTip: /digest (no args) posts since last digest."

func (h *Handler) parseDigest(args string) Result {
	req := DigestRequest{Mode: "overview"}
	advanceToken := false
	for _, token := range strings.Fields(strings.ToLower(args)) {
		switch {
		case token == "since_last" || token == "since-last" || token == "since":
			req.Explicit = false
		case token == "overview" || token == "full":
			req.Mode = token
		case token == "advance" || token == "commit":
			advanceToken = true
		case timeutil.IsWindow(token):
			d, err := timeutil.ParseWindow(token)
			if err != nil {
				return TextResponse{Text: digestUsage}
			}
			req.Duration = d
			req.Explicit = true
		default:
			return TextResponse{Text: digestUsage}
		}
	}
	// No-arg digests advance the checkpoint; ad-hoc windows only when asked.
	req.Advance = !req.Explicit || advanceToken
	return req
}
