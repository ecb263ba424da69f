package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/stellarlinkco/chatdigest/internal/timeutil"
)

const rollupUsage = "Usage: /rollup <thread_id> [6h|2d|all|rebuild]"

// Rollup runs a rollup update for one thread and formats the outcome.
func (h *Handler) Rollup(ctx context.Context, args string) string {
	parts := strings.Fields(args)
	if len(parts) == 0 {
		return rollupUsage
	}
	threadID, ok := parseThreadToken(parts[0])
	if !ok {
		return rollupUsage
	}
	mode := ""
	if len(parts) > 1 {
		mode = strings.ToLower(parts[1])
	}
	switch {
	case mode == "" || mode == "all" || mode == "rebuild" || mode == "reset":
	case timeutil.IsWindow(mode):
	default:
		return rollupUsage
	}

	if h.client == nil {
		return "LLM unavailable: LLM_PROVIDER=none"
	}

	res, err := h.rollups.Update(ctx, threadID, mode)
	if err != nil {
		return fmt.Sprintf("Rollup failed: %v", err)
	}

	if !res.Updated {
		return fmt.Sprintf("Topic rollup (no new messages)\n- topic: %s\n- updated_at_utc: %s\n\n%s",
			res.Label, res.UpdatedAtUTC, res.Summary)
	}
	return fmt.Sprintf("Topic rollup updated\n- topic: %s\n- window: %s\n- last_message_id: %d\n- updated_at_utc: %s\n\n%s",
		res.Label, res.WindowLabel, res.LastMessageID, res.UpdatedAtUTC, res.Summary)
}
