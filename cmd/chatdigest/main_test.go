package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/chatdigest/internal/store"
)

func captureStdout(t *testing.T, fn func() error) (string, error) {
	t.Helper()
	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w

	runErr := fn()

	w.Close()
	os.Stdout = oldStdout

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String(), runErr
}

func setTestEnv(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("CHATDIGEST_DB_PATH", filepath.Join(tmpDir, "data", "chatdigest.db"))
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("SOURCE_CHAT_ID", "-100")
	t.Setenv("CONTROL_CHAT_IDS", "")
	t.Setenv("LLM_PROVIDER", "")
	t.Setenv("OPENROUTER_API_KEY", "")
	return tmpDir
}

func TestInit(t *testing.T) {
	if rootCmd == nil || botCmd == nil || importCmd == nil || onboardCmd == nil || statusCmd == nil {
		t.Fatal("commands not initialized")
	}
	for _, name := range []string{"chat-id", "path", "export-chat-name"} {
		if importCmd.Flags().Lookup(name) == nil {
			t.Errorf("%s flag should exist", name)
		}
	}
}

func TestRunOnboard(t *testing.T) {
	tmpDir := setTestEnv(t)

	output, err := captureStdout(t, func() error {
		return runOnboard(&cobra.Command{}, nil)
	})
	if err != nil {
		t.Fatalf("runOnboard error: %v", err)
	}

	cfgPath := filepath.Join(tmpDir, ".chatdigest", "config.json")
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}
	if !strings.Contains(output, "Created config") {
		t.Errorf("unexpected output: %s", output)
	}
	if !strings.Contains(output, "Next steps:") {
		t.Errorf("missing next steps: %s", output)
	}
}

func TestRunOnboard_AlreadyExists(t *testing.T) {
	tmpDir := setTestEnv(t)

	cfgDir := filepath.Join(tmpDir, ".chatdigest")
	os.MkdirAll(cfgDir, 0755)
	os.WriteFile(filepath.Join(cfgDir, "config.json"), []byte("{}"), 0644)

	output, err := captureStdout(t, func() error {
		return runOnboard(&cobra.Command{}, nil)
	})
	if err != nil {
		t.Fatalf("runOnboard error: %v", err)
	}
	if !strings.Contains(output, "Config already exists") {
		t.Errorf("expected 'Config already exists', got: %s", output)
	}
}

func TestRunStatus_NoDatabase(t *testing.T) {
	setTestEnv(t)

	output, err := captureStdout(t, func() error {
		return runStatus(&cobra.Command{}, nil)
	})
	if err != nil {
		t.Fatalf("runStatus error: %v", err)
	}

	if !strings.Contains(output, "Config:") {
		t.Errorf("missing Config in output: %s", output)
	}
	if !strings.Contains(output, "Source chat: -100") {
		t.Errorf("missing source chat in output: %s", output)
	}
	if !strings.Contains(output, "LLM API key: not set") {
		t.Errorf("missing LLM key info in output: %s", output)
	}
	if !strings.Contains(output, "Archive: no database yet") {
		t.Errorf("expected no-database notice, got: %s", output)
	}
}

func TestRunStatus_WithDatabase(t *testing.T) {
	tmpDir := setTestEnv(t)

	dbPath := filepath.Join(tmpDir, "data", "chatdigest.db")
	os.MkdirAll(filepath.Dir(dbPath), 0755)
	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	err = db.UpsertMessage(&store.Message{
		ChatID:        -100,
		MessageID:     1,
		DateUTC:       "2026-01-02T03:04:05Z",
		FromDisplay:   "Dana",
		Text:          "hello",
		RawJSON:       "{}",
		IngestedAtUTC: "2026-01-02T03:04:05Z",
	})
	if err != nil {
		t.Fatalf("UpsertMessage: %v", err)
	}
	db.Close()

	output, err := captureStdout(t, func() error {
		return runStatus(&cobra.Command{}, nil)
	})
	if err != nil {
		t.Fatalf("runStatus error: %v", err)
	}

	if !strings.Contains(output, "Archive: 1 messages") {
		t.Errorf("missing archive count: %s", output)
	}
	if !strings.Contains(output, "Last message: 2026-01-02T03:04:05Z") {
		t.Errorf("missing last message date: %s", output)
	}
}

func setImportFlags(t *testing.T, chatID int64, paths []string, chatName string) {
	t.Helper()
	oldChatID, oldPaths, oldName := importChatIDFlag, importPathsFlag, importChatNameFlag
	importChatIDFlag, importPathsFlag, importChatNameFlag = chatID, paths, chatName
	t.Cleanup(func() {
		importChatIDFlag, importPathsFlag, importChatNameFlag = oldChatID, oldPaths, oldName
	})
}

func writeExport(t *testing.T, dir, name, payload string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(payload), 0644); err != nil {
		t.Fatalf("write export: %v", err)
	}
	return path
}

func TestRunImport(t *testing.T) {
	tmpDir := setTestEnv(t)

	exportPath := writeExport(t, tmpDir, "export.json", `{"messages": [
		{"id": 1, "type": "message", "from": "Alice", "from_id": "user42",
		 "date_unixtime": "1735726000", "text": "shipping v2 today"},
		{"id": 2, "type": "message", "from": "Bob", "from_id": "user43",
		 "date_unixtime": "1735726100", "text": "congrats"},
		{"id": 3, "type": "message", "from": "Eve", "text": "no date"}
	]}`)
	setImportFlags(t, 0, []string{exportPath}, "")

	output, err := captureStdout(t, func() error {
		return runImport(&cobra.Command{}, nil)
	})
	if err != nil {
		t.Fatalf("runImport error: %v", err)
	}

	if !strings.Contains(output, "inserted=2 skipped=1") {
		t.Errorf("missing per-file counts: %s", output)
	}
	if !strings.Contains(output, "Total: inserted=2 skipped=1") {
		t.Errorf("missing total counts: %s", output)
	}

	db, err := store.Open(filepath.Join(tmpDir, "data", "chatdigest.db"))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer db.Close()
	count, err := db.MessageCount(-100)
	if err != nil {
		t.Fatalf("MessageCount: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
	if v, _ := db.GetState("last_import_at_utc"); v == "" {
		t.Error("last_import_at_utc not recorded")
	}
}

func TestRunImport_MultiplePathsAndChatIDOverride(t *testing.T) {
	tmpDir := setTestEnv(t)
	t.Setenv("SOURCE_CHAT_ID", "")

	first := writeExport(t, tmpDir, "a.json", `{"messages": [
		{"id": 1, "type": "message", "from": "Alice", "from_id": "user42",
		 "date_unixtime": "1735726000", "text": "first export"}
	]}`)
	second := writeExport(t, tmpDir, "b.json", `{"messages": [
		{"id": 2, "type": "message", "from": "Bob", "from_id": "user43",
		 "date_unixtime": "1735726100", "text": "second export"}
	]}`)
	setImportFlags(t, -555, []string{first, second}, "")

	output, err := captureStdout(t, func() error {
		return runImport(&cobra.Command{}, nil)
	})
	if err != nil {
		t.Fatalf("runImport error: %v", err)
	}
	if !strings.Contains(output, "Total: inserted=2 skipped=0") {
		t.Errorf("missing total counts: %s", output)
	}

	db, err := store.Open(filepath.Join(tmpDir, "data", "chatdigest.db"))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer db.Close()
	count, err := db.MessageCount(-555)
	if err != nil {
		t.Fatalf("MessageCount: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d in chat -555, want 2", count)
	}
}

func TestRunImport_NoSourceChat(t *testing.T) {
	setTestEnv(t)
	t.Setenv("SOURCE_CHAT_ID", "")
	setImportFlags(t, 0, []string{"missing.json"}, "")

	_, err := captureStdout(t, func() error {
		return runImport(&cobra.Command{}, nil)
	})
	if err == nil || !strings.Contains(err.Error(), "source chat id") {
		t.Fatalf("expected source chat error, got: %v", err)
	}
}

func TestRunImport_NoPaths(t *testing.T) {
	setTestEnv(t)
	setImportFlags(t, 0, nil, "")

	_, err := captureStdout(t, func() error {
		return runImport(&cobra.Command{}, nil)
	})
	if err == nil || !strings.Contains(err.Error(), "--path") {
		t.Fatalf("expected missing-path error, got: %v", err)
	}
}

func TestRunBot_MissingToken(t *testing.T) {
	setTestEnv(t)

	err := runBot(&cobra.Command{}, nil)
	if err == nil || !strings.Contains(err.Error(), "telegram token") {
		t.Fatalf("expected token validation error, got: %v", err)
	}
}
