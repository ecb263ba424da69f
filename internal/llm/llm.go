// Package llm is the summarization provider behind /ask, /teach, /rollup and
// LLM digests. The only wire surface is a chat-completions POST; when no
// provider is configured every caller falls back to extractive output.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/stellarlinkco/chatdigest/internal/config"
)

// Message is one chat turn. Role is "system", "user" or "assistant".
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tune a single completion call.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// Client is the provider interface. Implementations must be safe for
// concurrent use.
type Client interface {
	Chat(ctx context.Context, messages []Message, opts Options) (string, error)
	Model() string
}

// ServiceError is a provider-side failure (transport error, non-2xx status,
// malformed payload). Callers degrade to extractive output on it.
type ServiceError struct {
	StatusCode int
	Message    string
}

func (e *ServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm service: http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("llm service: %s", e.Message)
}

// New builds a client from config. Provider "none"/"off"/"disabled" returns
// (nil, nil): a nil Client means extractive-only mode.
func New(cfg *config.Config) (Client, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	switch provider {
	case "", "none", "off", "disabled":
		return nil, nil
	case "openrouter":
		if cfg.LLM.APIKey == "" {
			return nil, fmt.Errorf("llm provider openrouter requires an api key (set OPENROUTER_API_KEY)")
		}
		if cfg.LLM.Model == "" {
			return nil, fmt.Errorf("llm provider openrouter requires a model (set OPENROUTER_MODEL)")
		}
		return &openRouterClient{
			apiKey:  cfg.LLM.APIKey,
			model:   cfg.LLM.Model,
			baseURL: strings.TrimRight(cfg.LLM.BaseURL, "/"),
			siteURL: cfg.LLM.SiteURL,
			appName: cfg.LLM.AppName,
			httpClient: &http.Client{
				Timeout: time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
			},
		}, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}

type openRouterClient struct {
	apiKey     string
	model      string
	baseURL    string
	siteURL    string
	appName    string
	httpClient *http.Client
}

func (c *openRouterClient) Model() string {
	return c.model
}

// Chat sends one completion request. Transport errors and 5xx responses are
// retried once after a short pause; 4xx responses are not.
func (c *openRouterClient) Chat(ctx context.Context, messages []Message, opts Options) (string, error) {
	content, err := c.send(ctx, messages, opts)
	if err == nil {
		return content, nil
	}

	var svcErr *ServiceError
	if errors.As(err, &svcErr) && svcErr.StatusCode >= 400 && svcErr.StatusCode < 500 {
		return "", err
	}
	if ctx.Err() != nil {
		return "", err
	}

	log.Printf("[llm] request failed, retrying once: %v", err)
	select {
	case <-ctx.Done():
		return "", err
	case <-time.After(2 * time.Second):
	}
	return c.send(ctx, messages, opts)
}

func (c *openRouterClient) send(ctx context.Context, messages []Message, opts Options) (string, error) {
	body := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"temperature": opts.Temperature,
		"max_tokens":  opts.MaxTokens,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if c.siteURL != "" {
		req.Header.Set("HTTP-Referer", c.siteURL)
	}
	if c.appName != "" {
		req.Header.Set("X-Title", c.appName)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &ServiceError{Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ServiceError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("read response: %v", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := apiErrorMessage(respBody)
		if msg == "" {
			msg = strings.TrimSpace(string(respBody))
		}
		return "", &ServiceError{StatusCode: resp.StatusCode, Message: msg}
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", &ServiceError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err)}
	}
	if len(decoded.Choices) == 0 {
		return "", &ServiceError{StatusCode: resp.StatusCode, Message: "empty choices in response"}
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", &ServiceError{StatusCode: resp.StatusCode, Message: "empty content in response"}
	}
	return content, nil
}

func apiErrorMessage(respBody []byte) string {
	var decoded struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return ""
	}
	return strings.TrimSpace(decoded.Error.Message)
}
