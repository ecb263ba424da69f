package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/chatdigest/internal/bot"
	"github.com/stellarlinkco/chatdigest/internal/config"
	"github.com/stellarlinkco/chatdigest/internal/ingest"
	"github.com/stellarlinkco/chatdigest/internal/llm"
	"github.com/stellarlinkco/chatdigest/internal/store"
	"github.com/stellarlinkco/chatdigest/internal/timeutil"
)

var rootCmd = &cobra.Command{
	Use:   "chatdigest",
	Short: "chatdigest - mirror a Telegram chat and serve digests over it",
}

var botCmd = &cobra.Command{
	Use:   "bot",
	Short: "Run the bot (polling, commands, scheduled digest)",
	RunE:  runBot,
}

var importCmd = &cobra.Command{
	Use:   "import --path <export.json> [--path ...]",
	Short: "Import Telegram Desktop JSON exports into the archive",
	RunE:  runImport,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directory",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show chatdigest status",
	RunE:  runStatus,
}

var (
	importChatIDFlag   int64
	importPathsFlag    []string
	importChatNameFlag string
)

func init() {
	importCmd.Flags().Int64Var(&importChatIDFlag, "chat-id", 0, "Source chat id (defaults to the configured one)")
	importCmd.Flags().StringArrayVar(&importPathsFlag, "path", nil, "Export file to import (repeatable)")
	importCmd.Flags().StringVar(&importChatNameFlag, "export-chat-name", "", "Chat name inside the export (for multi-chat exports)")
	rootCmd.AddCommand(botCmd, importCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openStore(cfg *config.Config) (*store.Store, error) {
	if dir := filepath.Dir(cfg.DBPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	return store.Open(cfg.DBPath)
}

func runBot(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	db, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	client, err := llm.New(cfg)
	if err != nil {
		return err
	}

	b, err := bot.New(cfg, db, client)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := b.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	if len(importPathsFlag) == 0 {
		return fmt.Errorf("at least one --path is required")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	chatID := importChatIDFlag
	if chatID == 0 {
		chatID = cfg.Telegram.SourceChatID
	}
	if chatID == 0 {
		return fmt.Errorf("source chat id is required (pass --chat-id or set SOURCE_CHAT_ID)")
	}

	db, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	now := timeutil.NowISOUTC()
	totalInserted, totalSkipped := 0, 0
	for _, path := range importPathsFlag {
		inserted, skipped, err := ingest.ImportFile(db, chatID, path, now, importChatNameFlag)
		if err != nil {
			return fmt.Errorf("import %s: %w", path, err)
		}
		fmt.Printf("Imported %s: inserted=%d skipped=%d\n", path, inserted, skipped)
		totalInserted += inserted
		totalSkipped += skipped
	}
	if err := db.SetState("last_import_at_utc", now); err != nil {
		return fmt.Errorf("record import time: %w", err)
	}

	fmt.Printf("Total: inserted=%d skipped=%d\n", totalInserted, totalSkipped)
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		data, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(cfgPath, data, 0644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if dir := filepath.Dir(cfg.DBPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		fmt.Printf("Data directory ready: %s\n", dir)
	}

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set telegram.token, telegram.sourceChatId and telegram.controlChatIds\n", cfgPath)
	fmt.Println("  2. Or set TELEGRAM_BOT_TOKEN, SOURCE_CHAT_ID and CONTROL_CHAT_IDS environment variables")
	fmt.Println("  3. Optionally set llm.provider to \"openrouter\" with an OPENROUTER_API_KEY for summaries")
	fmt.Println("  4. Run 'chatdigest bot' to start polling")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Database: %s\n", cfg.DBPath)
	fmt.Printf("Timezone: %s\n", cfg.Timezone)
	fmt.Printf("Source chat: %d\n", cfg.Telegram.SourceChatID)
	fmt.Printf("Control chats: %v\n", cfg.Telegram.ControlChatIDs)
	fmt.Printf("Daily digest: %s\n", cfg.Digest.DailyTime)
	fmt.Printf("LLM provider: %s\n", cfg.LLM.Provider)
	if cfg.LLM.APIKey != "" && len(cfg.LLM.APIKey) > 8 {
		masked := cfg.LLM.APIKey[:4] + "..." + cfg.LLM.APIKey[len(cfg.LLM.APIKey)-4:]
		fmt.Printf("LLM API key: %s\n", masked)
	} else if cfg.LLM.APIKey != "" {
		fmt.Println("LLM API key: set")
	} else {
		fmt.Println("LLM API key: not set")
	}

	if _, err := os.Stat(cfg.DBPath); err != nil {
		fmt.Println("Archive: no database yet (run 'chatdigest bot' or 'chatdigest import')")
		return nil
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		fmt.Printf("Archive: error (%v)\n", err)
		return nil
	}
	defer db.Close()

	count, err := db.MessageCount(cfg.Telegram.SourceChatID)
	if err != nil {
		fmt.Printf("Archive: error (%v)\n", err)
		return nil
	}
	fmt.Printf("Archive: %d messages\n", count)
	if last, err := db.LastMessageDate(cfg.Telegram.SourceChatID); err == nil && last != "" {
		fmt.Printf("Last message: %s\n", last)
	}
	fmt.Printf("Full-text search: %v\n", db.FTSEnabled())
	for _, key := range []string{"last_ingest_at_utc", "last_import_at_utc", "last_digest_end_utc", "last_poll_ok_at_utc"} {
		if v, err := db.GetState(key); err == nil && v != "" {
			fmt.Printf("%s: %s\n", key, v)
		}
	}

	return nil
}
