package bot

import (
	"encoding/json"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramBot is the slice of the Bot API the loop needs (allows mocking).
// Updates are returned raw so forum-topic fields the client library does
// not model survive into the mirror.
type TelegramBot interface {
	GetUpdates(offset int64, timeoutSeconds int) ([]json.RawMessage, error)
	SendMessage(chatID, threadID int64, text string) (int64, error)
	EditMessageText(chatID, messageID int64, text string) error
	ChatUsername(chatID int64) (string, error)
	Self() string
}

// tgBotWrapper wraps tgbotapi.BotAPI to implement TelegramBot.
type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdates(offset int64, timeoutSeconds int) ([]json.RawMessage, error) {
	params := tgbotapi.Params{
		"timeout":         strconv.Itoa(timeoutSeconds),
		"allowed_updates": `["message","edited_message"]`,
	}
	if offset != 0 {
		params["offset"] = strconv.FormatInt(offset, 10)
	}
	resp, err := w.bot.MakeRequest("getUpdates", params)
	if err != nil {
		return nil, err
	}
	var updates []json.RawMessage
	if err := json.Unmarshal(resp.Result, &updates); err != nil {
		return nil, fmt.Errorf("decode getUpdates result: %w", err)
	}
	return updates, nil
}

func (w *tgBotWrapper) SendMessage(chatID, threadID int64, text string) (int64, error) {
	params := tgbotapi.Params{
		"chat_id": strconv.FormatInt(chatID, 10),
		"text":    text,
	}
	if threadID != 0 {
		params["message_thread_id"] = strconv.FormatInt(threadID, 10)
	}
	resp, err := w.bot.MakeRequest("sendMessage", params)
	if err != nil {
		return 0, err
	}
	var sent struct {
		MessageID int64 `json:"message_id"`
	}
	if err := json.Unmarshal(resp.Result, &sent); err != nil {
		return 0, fmt.Errorf("decode sendMessage result: %w", err)
	}
	return sent.MessageID, nil
}

func (w *tgBotWrapper) EditMessageText(chatID, messageID int64, text string) error {
	_, err := w.bot.MakeRequest("editMessageText", tgbotapi.Params{
		"chat_id":    strconv.FormatInt(chatID, 10),
		"message_id": strconv.FormatInt(messageID, 10),
		"text":       text,
	})
	return err
}

func (w *tgBotWrapper) ChatUsername(chatID int64) (string, error) {
	chat, err := w.bot.GetChat(tgbotapi.ChatInfoConfig{
		ChatConfig: tgbotapi.ChatConfig{ChatID: chatID},
	})
	if err != nil {
		return "", err
	}
	return chat.UserName, nil
}

func (w *tgBotWrapper) Self() string {
	return w.bot.Self.UserName
}

// BotFactory creates TelegramBot instances (allows mocking).
type BotFactory func(token string) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token string) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}
