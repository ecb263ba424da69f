// Package bot runs the long-polling loop: mirror every source-chat update,
// answer control-chat commands, and post the scheduled daily digest.
package bot

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stellarlinkco/chatdigest/internal/command"
	"github.com/stellarlinkco/chatdigest/internal/config"
	"github.com/stellarlinkco/chatdigest/internal/digest"
	"github.com/stellarlinkco/chatdigest/internal/ingest"
	"github.com/stellarlinkco/chatdigest/internal/llm"
	"github.com/stellarlinkco/chatdigest/internal/rollup"
	"github.com/stellarlinkco/chatdigest/internal/store"
	"github.com/stellarlinkco/chatdigest/internal/tgfmt"
	"github.com/stellarlinkco/chatdigest/internal/timeutil"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 60 * time.Second
)

// Bot owns the polling loop and command delivery.
type Bot struct {
	cfg     *config.Config
	db      *store.Store
	tg      TelegramBot
	client  llm.Client
	handler *command.Handler
	builder *digest.Builder
	rollups *rollup.Service

	offset  int64
	backoff time.Duration
	sleep   func(time.Duration)
}

// New connects to Telegram and assembles the command stack.
func New(cfg *config.Config, db *store.Store, client llm.Client) (*Bot, error) {
	return NewWithFactory(cfg, db, client, defaultBotFactory)
}

// NewWithFactory creates a Bot with a custom Telegram factory (for testing).
func NewWithFactory(cfg *config.Config, db *store.Store, client llm.Client, factory BotFactory) (*Bot, error) {
	tg, err := factory(cfg.Telegram.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	rollups := rollup.New(db, cfg, client)
	b := &Bot{
		cfg:     cfg,
		db:      db,
		tg:      tg,
		client:  client,
		handler: command.NewHandler(db, cfg, client, rollups),
		builder: digest.New(db, cfg, client),
		rollups: rollups,
		backoff: initialBackoff,
		sleep:   time.Sleep,
	}
	return b, nil
}

// Run polls until the context is canceled.
func (b *Bot) Run(ctx context.Context) error {
	if name := b.tg.Self(); name != "" {
		log.Printf("[bot] authorized as @%s", name)
	}
	b.resolveSourceUsername()

	if raw, err := b.db.GetState("telegram_update_offset"); err == nil && raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			b.offset = n
		}
	}

	stopCron, err := b.startDigestSchedule(ctx)
	if err != nil {
		return err
	}
	defer stopCron()

	for ctx.Err() == nil {
		b.pollOnce(ctx)
	}
	return ctx.Err()
}

func (b *Bot) resolveSourceUsername() {
	if b.cfg.Telegram.SourceChatUsername != "" {
		return
	}
	username, err := b.tg.ChatUsername(b.cfg.Telegram.SourceChatID)
	if err != nil {
		log.Printf("[bot] failed to auto-detect source chat username: %v", err)
		return
	}
	if username == "" {
		log.Printf("[bot] source chat has no username; receipts will use t.me/c/ links")
		return
	}
	b.cfg.Telegram.SourceChatUsername = username
	log.Printf("[bot] detected source chat username: @%s", username)
}

func (b *Bot) startDigestSchedule(ctx context.Context) (func(), error) {
	loc, err := timeutil.LoadLocation(b.cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}
	hour, minute, err := timeutil.ParseDailyTime(b.cfg.Digest.DailyTime)
	if err != nil {
		return nil, fmt.Errorf("parse daily digest time: %w", err)
	}

	c := cron.New(cron.WithLocation(loc))
	spec := fmt.Sprintf("%d %d * * *", minute, hour)
	if _, err := c.AddFunc(spec, func() { b.runScheduledDigest(ctx) }); err != nil {
		return nil, fmt.Errorf("schedule daily digest: %w", err)
	}
	c.Start()
	log.Printf("[bot] daily digest scheduled at %s (%s)", b.cfg.Digest.DailyTime, b.cfg.Timezone)
	return func() { <-c.Stop().Done() }, nil
}

// pollOnce runs one getUpdates round: ingest everything, then dispatch
// control-chat commands. Poll failures back off exponentially.
func (b *Bot) pollOnce(ctx context.Context) {
	pollISO := timeutil.NowISOUTC()
	updates, err := b.tg.GetUpdates(b.offset, b.cfg.Telegram.PollTimeoutSeconds)
	if err != nil {
		if err := b.db.SetState("last_poll_error_at_utc", pollISO); err != nil {
			log.Printf("[bot] record poll error state: %v", err)
		}
		log.Printf("[bot] getUpdates failed (%v); retrying in %s", err, b.backoff)
		b.sleep(b.backoff)
		b.backoff *= 2
		if b.backoff > maxBackoff {
			b.backoff = maxBackoff
		}
		return
	}
	if err := b.db.SetState("last_poll_ok_at_utc", pollISO); err != nil {
		log.Printf("[bot] record poll state: %v", err)
	}
	if b.backoff > initialBackoff {
		log.Printf("[bot] getUpdates recovered")
	}
	b.backoff = initialBackoff

	for _, raw := range updates {
		u, err := ingest.ParseUpdate(raw)
		if err != nil {
			log.Printf("[bot] failed to parse update: %v", err)
			continue
		}
		// Ingest first: never lose a source message to a handler bug.
		if _, err := ingest.RecordUpdate(b.db, b.cfg, u); err != nil {
			log.Printf("[bot] failed to ingest update_id=%d: %v", u.UpdateID, err)
			continue
		}

		b.offset = u.UpdateID + 1
		if err := b.db.SetState("telegram_update_offset", strconv.FormatInt(b.offset, 10)); err != nil {
			log.Printf("[bot] persist update offset: %v", err)
		}

		b.dispatch(ctx, u)
	}
}

func (b *Bot) dispatch(ctx context.Context, u *ingest.Update) {
	msg, edited := u.Msg()
	if msg == nil || edited || !b.cfg.IsControlChat(msg.Chat.ID) {
		return
	}
	chatID := msg.Chat.ID
	threadID := msg.MessageThreadID

	switch r := b.handler.Handle(msg.BodyText(), chatID, threadID).(type) {
	case nil:
	case command.TextResponse:
		b.deliver(chatID, threadID, r.Text, 0)
	case command.LatestRequest:
		b.runLatest(ctx, chatID, threadID, msg, r)
	case command.AskRequest:
		b.runDeferred(ctx, chatID, threadID, "Message received — thinking now.", func(ctx context.Context) string {
			return b.handler.Ask(ctx, r.Args)
		})
	case command.TeachRequest:
		b.runDeferred(ctx, chatID, threadID, "Message received — explaining now.", func(ctx context.Context) string {
			return b.handler.Teach(ctx, r.Args)
		})
	case command.RollupRequest:
		b.runDeferred(ctx, chatID, threadID, "Message received — updating rollup now.", func(ctx context.Context) string {
			return b.handler.Rollup(ctx, r.Args)
		})
	case command.DigestRequest:
		target := threadID
		if b.cfg.Telegram.ControlThreadID != 0 {
			target = b.cfg.Telegram.ControlThreadID
		}
		b.runDigest(ctx, chatID, target, r, true)
	}
}

// sendNotice posts the placeholder acknowledgment, returning 0 when it
// could not be sent.
func (b *Bot) sendNotice(chatID, threadID int64, text string) int64 {
	id, err := b.tg.SendMessage(chatID, threadID, text)
	if err != nil {
		log.Printf("[bot] failed sending processing notice: %v", err)
		return 0
	}
	return id
}

// deliver sends a reply, editing the placeholder with the first chunk when
// one exists. Returns the Telegram message ids that carried the reply.
func (b *Bot) deliver(chatID, threadID int64, text string, ackID int64) []int64 {
	chunks := tgfmt.ChunkText(text, tgfmt.MaxMessageChars)
	if len(chunks) == 0 {
		return nil
	}

	var ids []int64
	rest := chunks
	if ackID != 0 {
		if err := b.tg.EditMessageText(chatID, ackID, chunks[0]); err != nil {
			log.Printf("[bot] failed editing processing notice; sending normally: %v", err)
		} else {
			ids = append(ids, ackID)
			rest = chunks[1:]
		}
	}
	for _, chunk := range rest {
		id, err := b.tg.SendMessage(chatID, threadID, chunk)
		if err != nil {
			log.Printf("[bot] failed sending reply chunk: %v", err)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func (b *Bot) runDeferred(ctx context.Context, chatID, threadID int64, notice string, compute func(context.Context) string) {
	var ackID int64
	if b.client != nil {
		ackID = b.sendNotice(chatID, threadID, notice)
	}
	b.deliver(chatID, threadID, compute(ctx), ackID)
}

func latestCheckpointKey(controlChatID, userID int64) string {
	return fmt.Sprintf("latest_checkpoint_end_utc:%d:%d", controlChatID, userID)
}

func digestCheckpointKey(controlChatID int64) string {
	return fmt.Sprintf("digest_checkpoint_end_utc:%d", controlChatID)
}

func (b *Bot) runLatest(ctx context.Context, chatID, threadID int64, msg *ingest.IncomingMessage, req command.LatestRequest) {
	endISO := timeutil.NowISOUTC()

	key := ""
	if msg.From != nil {
		key = latestCheckpointKey(chatID, msg.From.ID)
	}

	if req.Reset {
		if !req.Peek && key != "" {
			if err := b.db.SetState(key, endISO); err != nil {
				log.Printf("[bot] persist latest checkpoint: %v", err)
			}
		}
		b.deliver(chatID, threadID, "Latest checkpoint reset.\n- window_end_utc: "+endISO, 0)
		return
	}

	var ackID int64
	if req.Mode == "brief" && b.client != nil {
		ackID = b.sendNotice(chatID, threadID, "Message received — summarizing now.")
	}

	var startISO, label string
	if req.Explicit {
		startISO = timeutil.ToISOUTC(time.Now().Add(-req.Duration))
		label = "last " + timeutil.FormatWindow(req.Duration)
	} else {
		lastEnd := ""
		if key != "" {
			lastEnd, _ = b.db.GetState(key)
		}
		if lastEnd != "" && lastEnd <= endISO {
			startISO = lastEnd
			label = "since last check-in"
		} else {
			hours := b.cfg.Latest.DefaultWindowHours
			startISO = timeutil.ToISOUTC(time.Now().Add(-time.Duration(hours) * time.Hour))
			label = fmt.Sprintf("last %dh", hours)
		}
	}

	var text string
	var err error
	if req.Mode == "full" {
		text, err = b.builder.LatestFull(label, startISO, endISO)
	} else {
		text, err = b.builder.LatestBrief(ctx, label, startISO, endISO)
	}
	if err != nil {
		text = fmt.Sprintf("Latest failed: %v", err)
	}
	b.deliver(chatID, threadID, text, ackID)

	if !req.Peek && key != "" {
		if err := b.db.SetState(key, endISO); err != nil {
			log.Printf("[bot] persist latest checkpoint: %v", err)
		}
	}
}

func (b *Bot) runDigest(ctx context.Context, chatID, threadID int64, req command.DigestRequest, withNotice bool) error {
	endISO := timeutil.NowISOUTC()

	var ackID int64
	if withNotice && b.client != nil {
		ackID = b.sendNotice(chatID, threadID, "Message received — generating digest now.")
	}

	var startISO string
	key := digestCheckpointKey(chatID)
	if req.Explicit {
		startISO = timeutil.ToISOUTC(time.Now().Add(-req.Duration))
	} else {
		last, _ := b.db.GetState(key)
		if last == "" {
			last, _ = b.db.GetState("last_digest_end_utc")
		}
		if last != "" {
			startISO = last
		} else {
			hours := b.cfg.Latest.DefaultWindowHours
			startISO = timeutil.ToISOUTC(time.Now().Add(-time.Duration(hours) * time.Hour))
		}
	}

	if req.Advance {
		b.rollups.RefreshBeforeDigest(ctx, startISO, endISO)
	}

	var text string
	var err error
	if req.Mode == "full" {
		text, err = b.builder.Build(ctx, startISO, endISO)
	} else {
		text, err = b.builder.BuildOverview(startISO, endISO)
	}
	if err != nil {
		b.deliver(chatID, threadID, fmt.Sprintf("Digest failed: %v", err), ackID)
		return err
	}

	ids := b.deliver(chatID, threadID, text, ackID)
	if _, err := b.db.InsertDigest(&store.Digest{
		ChatID:             chatID,
		ThreadID:           threadID,
		WindowStartUTC:     startISO,
		WindowEndUTC:       endISO,
		DigestMarkdown:     text,
		CreatedAtUTC:       endISO,
		TelegramMessageIDs: ids,
	}); err != nil {
		log.Printf("[bot] record digest: %v", err)
	}

	if req.Advance {
		if err := b.db.SetState(key, endISO); err != nil {
			log.Printf("[bot] persist digest checkpoint: %v", err)
		}
		if err := b.db.SetState("last_digest_end_utc", endISO); err != nil {
			log.Printf("[bot] persist digest checkpoint: %v", err)
		}
	}
	return nil
}

// runScheduledDigest posts the daily overview digest to the first control
// chat and advances its checkpoint. Failures are logged, never fatal.
func (b *Bot) runScheduledDigest(ctx context.Context) {
	ids := b.cfg.Telegram.ControlChatIDs
	if len(ids) == 0 {
		return
	}
	chatID := ids[0]
	for _, id := range ids[1:] {
		if id < chatID {
			chatID = id
		}
	}
	log.Printf("[bot] posting scheduled digest to chat %d", chatID)
	req := command.DigestRequest{Mode: "overview", Advance: true}
	if err := b.runDigest(ctx, chatID, b.cfg.Telegram.ControlThreadID, req, false); err != nil {
		log.Printf("[bot] scheduled digest failed (%v); retrying in 5m", err)
		time.AfterFunc(5*time.Minute, func() {
			if err := b.runDigest(ctx, chatID, b.cfg.Telegram.ControlThreadID, req, false); err != nil {
				log.Printf("[bot] scheduled digest retry failed: %v", err)
			}
		})
	}
}
