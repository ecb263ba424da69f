package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stellarlinkco/chatdigest/internal/config"
)

func openRouterConfig(baseURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.LLM.Provider = "openrouter"
	cfg.LLM.APIKey = "sk-or-test"
	cfg.LLM.Model = "test/model"
	cfg.LLM.BaseURL = baseURL
	cfg.LLM.SiteURL = "https://example.com"
	cfg.LLM.AppName = "chatdigest"
	return cfg
}

func TestNew_DisabledProviders(t *testing.T) {
	for _, provider := range []string{"none", "off", "disabled", ""} {
		cfg := config.DefaultConfig()
		cfg.LLM.Provider = provider
		client, err := New(cfg)
		if err != nil {
			t.Errorf("provider %q: unexpected error %v", provider, err)
		}
		if client != nil {
			t.Errorf("provider %q: expected nil client", provider)
		}
	}
}

func TestNew_OpenRouterValidation(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.LLM.Provider = "openrouter"
	if _, err := New(cfg); err == nil {
		t.Error("expected error without api key")
	}
	cfg.LLM.APIKey = "k"
	if _, err := New(cfg); err == nil {
		t.Error("expected error without model")
	}
	cfg.LLM.Model = "m"
	client, err := New(cfg)
	if err != nil || client == nil {
		t.Errorf("New = (%v, %v), want client", client, err)
	}
	if client.Model() != "m" {
		t.Errorf("Model = %q, want m", client.Model())
	}
}

func TestNew_UnknownProvider(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.LLM.Provider = "mystery"
	if _, err := New(cfg); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func completionResponse(content string) string {
	resp := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	}
	raw, _ := json.Marshal(resp)
	return string(raw)
}

func TestChat_Success(t *testing.T) {
	var gotAuth, gotReferer, gotTitle string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotReferer = r.Header.Get("HTTP-Referer")
		gotTitle = r.Header.Get("X-Title")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(completionResponse("  Answer: all good.  ")))
	}))
	defer srv.Close()

	client, err := New(openRouterConfig(srv.URL))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	out, err := client.Chat(context.Background(), []Message{
		{Role: "system", Content: "You summarize."},
		{Role: "user", Content: "Summarize this."},
	}, Options{Temperature: 0.2, MaxTokens: 100})
	if err != nil {
		t.Fatalf("Chat error: %v", err)
	}
	if out != "Answer: all good." {
		t.Errorf("content = %q, want trimmed answer", out)
	}
	if gotAuth != "Bearer sk-or-test" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotReferer != "https://example.com" || gotTitle != "chatdigest" {
		t.Errorf("attribution headers = (%q, %q)", gotReferer, gotTitle)
	}
	if gotBody["model"] != "test/model" {
		t.Errorf("model in body = %v", gotBody["model"])
	}
	if gotBody["max_tokens"] != float64(100) {
		t.Errorf("max_tokens in body = %v", gotBody["max_tokens"])
	}
}

func TestChat_ClientErrorNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	client, _ := New(openRouterConfig(srv.URL))
	_, err := client.Chat(context.Background(), []Message{{Role: "user", Content: "x"}}, Options{})
	if err == nil {
		t.Fatal("expected error")
	}
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("error type = %T, want *ServiceError", err)
	}
	if svcErr.StatusCode != http.StatusUnauthorized || svcErr.Message != "bad key" {
		t.Errorf("service error = %+v", svcErr)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (4xx not retried)", calls)
	}
}

func TestChat_ServerErrorRetriedOnce(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(completionResponse("recovered")))
	}))
	defer srv.Close()

	client, _ := New(openRouterConfig(srv.URL))
	out, err := client.Chat(context.Background(), []Message{{Role: "user", Content: "x"}}, Options{})
	if err != nil {
		t.Fatalf("Chat error after retry: %v", err)
	}
	if out != "recovered" {
		t.Errorf("content = %q", out)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestChat_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	client, _ := New(openRouterConfig(srv.URL))
	if _, err := client.Chat(context.Background(), []Message{{Role: "user", Content: "x"}}, Options{}); err == nil {
		t.Error("expected error for empty choices")
	}
}

func TestChat_ContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client, _ := New(openRouterConfig(srv.URL))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := client.Chat(ctx, []Message{{Role: "user", Content: "x"}}, Options{}); err == nil {
		t.Error("expected error with canceled context")
	}
}
