// Package claude is a thin single-turn client for the Anthropic Messages API.
package claude

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/sentinelvision/internal/module"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5"

// Config holds client settings.
type Config struct {
	APIKey    string
	Model     string
	MaxTokens int64
	BaseURL   string // empty for the public API
	Timeout   time.Duration
}

// Client sends one prompt and returns the text answer.
type Client struct {
	sdk       anthropic.Client
	model     string
	maxTokens int64
	hasKey    bool
}

// New creates a Client. SDK-level retries are off; the job queue owns retries.
func New(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{
		sdk:       anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		hasKey:    cfg.APIKey != "",
	}
}

// Configured reports whether an API key was supplied.
func (c *Client) Configured() bool { return c != nil && c.hasKey }

// Model returns the model name requests are sent with.
func (c *Client) Model() string { return c.model }

// Complete sends system and prompt as a single user turn and joins the text
// blocks of the reply. Upstream status errors come back as
// *module.HTTPStatusError so callers can classify them.
func (c *Client) Complete(ctx context.Context, system, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", &module.HTTPStatusError{URL: "anthropic messages", Code: apiErr.StatusCode, Body: apiErr.Error()}
		}
		return "", fmt.Errorf("claude request: %w", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("claude returned no text (stop reason %q)", msg.StopReason)
	}
	return b.String(), nil
}
