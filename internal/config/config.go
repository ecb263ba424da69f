package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	DefaultDBPath                = "./data/chatdigest.db"
	DefaultTimezone              = "Australia/Sydney"
	DefaultDailyDigestTime       = "09:00"
	DefaultLatestWindowHours     = 24
	DefaultPollTimeoutSeconds    = 30
	DefaultDigestMaxTopics       = 12
	DefaultDigestMaxQuotes       = 3
	DefaultDigestMaxMessages     = 80
	DefaultDigestQuoteMaxChars   = 220
	DefaultLLMTimeoutSeconds     = 60
	DefaultAskTemperature        = 0.2
	DefaultAskMaxTokens          = 700
	DefaultDigestTemperature     = 0.3
	DefaultDigestMaxTokens       = 1200
	DefaultOpenRouterBaseURL     = "https://openrouter.ai/api/v1"
	DefaultRollupMinIntervalSecs = 1800
	DefaultRollupRefreshTopics   = 8
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	DBPath   string         `json:"dbPath"`
	Timezone string         `json:"timezone"`
	Digest   DigestConfig   `json:"digest"`
	Latest   LatestConfig   `json:"latest"`
	LLM      LLMConfig      `json:"llm"`
	Rollup   RollupConfig   `json:"rollup"`
}

type TelegramConfig struct {
	Token              string  `json:"token"`
	SourceChatID       int64   `json:"sourceChatId"`
	SourceChatUsername string  `json:"sourceChatUsername,omitempty"`
	ControlChatIDs     []int64 `json:"controlChatIds"`
	ControlThreadID    int64   `json:"controlThreadId,omitempty"`
	PollTimeoutSeconds int     `json:"pollTimeoutSeconds"`
}

type DigestConfig struct {
	DailyTime           string `json:"dailyTime"`
	MaxTopics           int    `json:"maxTopics"`
	MaxQuotesPerTopic   int    `json:"maxQuotesPerTopic"`
	MaxMessagesPerTopic int    `json:"maxMessagesPerTopic"`
	QuoteMaxChars       int    `json:"quoteMaxChars"`
}

type LatestConfig struct {
	DefaultWindowHours int `json:"defaultWindowHours"`
}

// LLMConfig selects the summarization provider. Provider "none" (or "off",
// "disabled") runs the bot in extractive-only mode.
type LLMConfig struct {
	Provider          string  `json:"provider"`
	APIKey            string  `json:"apiKey,omitempty"`
	Model             string  `json:"model,omitempty"`
	BaseURL           string  `json:"baseUrl,omitempty"`
	SiteURL           string  `json:"siteUrl,omitempty"`
	AppName           string  `json:"appName,omitempty"`
	TimeoutSeconds    int     `json:"timeoutSeconds"`
	AskTemperature    float64 `json:"askTemperature"`
	AskMaxTokens      int     `json:"askMaxTokens"`
	DigestTemperature float64 `json:"digestTemperature"`
	DigestMaxTokens   int     `json:"digestMaxTokens"`
}

type RollupConfig struct {
	AutoRefreshBeforeDigest   bool `json:"autoRefreshBeforeDigest"`
	RefreshMinIntervalSeconds int  `json:"refreshMinIntervalSeconds"`
	RefreshMaxTopics          int  `json:"refreshMaxTopics"`
}

func DefaultConfig() *Config {
	return &Config{
		Telegram: TelegramConfig{
			PollTimeoutSeconds: DefaultPollTimeoutSeconds,
		},
		DBPath:   DefaultDBPath,
		Timezone: DefaultTimezone,
		Digest: DigestConfig{
			DailyTime:           DefaultDailyDigestTime,
			MaxTopics:           DefaultDigestMaxTopics,
			MaxQuotesPerTopic:   DefaultDigestMaxQuotes,
			MaxMessagesPerTopic: DefaultDigestMaxMessages,
			QuoteMaxChars:       DefaultDigestQuoteMaxChars,
		},
		Latest: LatestConfig{
			DefaultWindowHours: DefaultLatestWindowHours,
		},
		LLM: LLMConfig{
			Provider:          "none",
			BaseURL:           DefaultOpenRouterBaseURL,
			TimeoutSeconds:    DefaultLLMTimeoutSeconds,
			AskTemperature:    DefaultAskTemperature,
			AskMaxTokens:      DefaultAskMaxTokens,
			DigestTemperature: DefaultDigestTemperature,
			DigestMaxTokens:   DefaultDigestMaxTokens,
		},
		Rollup: RollupConfig{
			AutoRefreshBeforeDigest:   true,
			RefreshMinIntervalSeconds: DefaultRollupMinIntervalSecs,
			RefreshMaxTopics:          DefaultRollupRefreshTopics,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".chatdigest")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.Telegram.Token = token
	}
	if raw := os.Getenv("SOURCE_CHAT_ID"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse SOURCE_CHAT_ID: %w", err)
		}
		cfg.Telegram.SourceChatID = id
	}
	if raw := os.Getenv("CONTROL_CHAT_IDS"); raw != "" {
		ids, err := parseCSVInt64(raw)
		if err != nil {
			return nil, fmt.Errorf("parse CONTROL_CHAT_IDS: %w", err)
		}
		cfg.Telegram.ControlChatIDs = ids
	}
	if username := os.Getenv("SOURCE_CHAT_USERNAME"); username != "" {
		cfg.Telegram.SourceChatUsername = strings.TrimPrefix(username, "@")
	}
	if path := os.Getenv("CHATDIGEST_DB_PATH"); path != "" {
		cfg.DBPath = path
	}
	if tz := os.Getenv("CHATDIGEST_TZ"); tz != "" {
		cfg.Timezone = tz
	}
	if v := os.Getenv("DAILY_DIGEST_TIME"); v != "" {
		cfg.Digest.DailyTime = v
	}
	if v := os.Getenv("LATEST_DEFAULT_WINDOW_HOURS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.Latest.DefaultWindowHours = parsed
		}
	}
	if provider := os.Getenv("LLM_PROVIDER"); provider != "" {
		cfg.LLM.Provider = provider
	}
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
		cfg.LLM.APIKey = key
	}
	if model := os.Getenv("OPENROUTER_MODEL"); model != "" {
		cfg.LLM.Model = model
	}
	if url := os.Getenv("OPENROUTER_BASE_URL"); url != "" {
		cfg.LLM.BaseURL = url
	}
	if v := os.Getenv("ROLLUP_AUTO_REFRESH_BEFORE_DIGEST"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.Rollup.AutoRefreshBeforeDigest = parsed
		}
	}

	applyFallbacks(cfg)
	return cfg, nil
}

func applyFallbacks(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath
	}
	if cfg.Timezone == "" {
		cfg.Timezone = DefaultTimezone
	}
	if cfg.Telegram.PollTimeoutSeconds <= 0 {
		cfg.Telegram.PollTimeoutSeconds = DefaultPollTimeoutSeconds
	}
	if cfg.Digest.DailyTime == "" {
		cfg.Digest.DailyTime = DefaultDailyDigestTime
	}
	if cfg.Digest.MaxTopics <= 0 {
		cfg.Digest.MaxTopics = DefaultDigestMaxTopics
	}
	if cfg.Digest.MaxQuotesPerTopic <= 0 {
		cfg.Digest.MaxQuotesPerTopic = DefaultDigestMaxQuotes
	}
	if cfg.Digest.MaxMessagesPerTopic <= 0 {
		cfg.Digest.MaxMessagesPerTopic = DefaultDigestMaxMessages
	}
	if cfg.Digest.QuoteMaxChars <= 0 {
		cfg.Digest.QuoteMaxChars = DefaultDigestQuoteMaxChars
	}
	if cfg.Latest.DefaultWindowHours <= 0 {
		cfg.Latest.DefaultWindowHours = DefaultLatestWindowHours
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "none"
	}
	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = DefaultOpenRouterBaseURL
	}
	if cfg.LLM.TimeoutSeconds <= 0 {
		cfg.LLM.TimeoutSeconds = DefaultLLMTimeoutSeconds
	}
	if cfg.LLM.AskTemperature <= 0 {
		cfg.LLM.AskTemperature = DefaultAskTemperature
	}
	if cfg.LLM.AskMaxTokens <= 0 {
		cfg.LLM.AskMaxTokens = DefaultAskMaxTokens
	}
	if cfg.LLM.DigestTemperature <= 0 {
		cfg.LLM.DigestTemperature = DefaultDigestTemperature
	}
	if cfg.LLM.DigestMaxTokens <= 0 {
		cfg.LLM.DigestMaxTokens = DefaultDigestMaxTokens
	}
	if cfg.Rollup.RefreshMinIntervalSeconds <= 0 {
		cfg.Rollup.RefreshMinIntervalSeconds = DefaultRollupMinIntervalSecs
	}
	if cfg.Rollup.RefreshMaxTopics <= 0 {
		cfg.Rollup.RefreshMaxTopics = DefaultRollupRefreshTopics
	}
}

// Validate checks the settings the bot cannot run without. The importer only
// needs a database path, so it does not call this.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram token is required (set TELEGRAM_BOT_TOKEN)")
	}
	if c.Telegram.SourceChatID == 0 {
		return fmt.Errorf("source chat id is required (set SOURCE_CHAT_ID)")
	}
	if len(c.Telegram.ControlChatIDs) == 0 {
		return fmt.Errorf("at least one control chat id is required (set CONTROL_CHAT_IDS)")
	}
	return nil
}

// LLMEnabled reports whether a summarization provider is configured well
// enough to attempt calls.
func (c *Config) LLMEnabled() bool {
	provider := strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	switch provider {
	case "", "none", "off", "disabled":
		return false
	case "openrouter":
		return c.LLM.APIKey != "" && c.LLM.Model != ""
	default:
		return true
	}
}

// IsControlChat reports whether commands from chatID should be honored.
func (c *Config) IsControlChat(chatID int64) bool {
	for _, id := range c.Telegram.ControlChatIDs {
		if id == chatID {
			return true
		}
	}
	return false
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}

func parseCSVInt64(raw string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chat id %q: %w", part, err)
		}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty list")
	}
	return out, nil
}
