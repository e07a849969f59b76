// Package genai provides the assistant-mode reply generator backed by the OpenAI API.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Defaults for the assistant.
const (
	DefaultModel        = string(openai.ChatModelGPT4oMini)
	DefaultHistoryTurns = 10
	DefaultMaxTokens    = 512
	DefaultSystemPrompt = "You are a helpful assistant answering customers on WhatsApp. " +
		"Keep answers short and plain. If the customer wants the main menu, tell them to reply \"menu\"."
)

var (
	// ErrNoChoicesReturned is returned when the API answers without choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrNoAPIKey is returned by NewClient without an API key.
	ErrNoAPIKey = errors.New("OPENAI_API_KEY not set")
)

// chatService is the subset of the OpenAI chat completions service we use.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds client configuration.
type Opts struct {
	APIKey       string
	Model        string
	SystemPrompt string
	HistoryTurns int
	MaxTokens    int64
}

// Option configures a Client.
type Option func(*Opts)

// WithAPIKey sets the API key instead of OPENAI_API_KEY.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model name.
func WithModel(model string) Option {
	return func(o *Opts) {
		if model != "" {
			o.Model = model
		}
	}
}

// WithSystemPrompt replaces the default system prompt.
func WithSystemPrompt(p string) Option {
	return func(o *Opts) {
		if strings.TrimSpace(p) != "" {
			o.SystemPrompt = p
		}
	}
}

// WithHistoryTurns bounds how many previous exchanges are sent as context.
func WithHistoryTurns(n int) Option {
	return func(o *Opts) {
		if n >= 0 {
			o.HistoryTurns = n
		}
	}
}

type exchange struct {
	user, assistant string
}

// Client generates assistant replies and keeps a short per-conversation history.
type Client struct {
	chat   chatService
	model  string
	system string
	turns  int
	tokens int64

	mu      sync.Mutex
	history map[string][]exchange
}

// NewClient creates a client. The API key defaults to OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		APIKey:       os.Getenv("OPENAI_API_KEY"),
		Model:        DefaultModel,
		SystemPrompt: DefaultSystemPrompt,
		HistoryTurns: DefaultHistoryTurns,
		MaxTokens:    DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return newClient(&cli.Chat.Completions, cfg), nil
}

func newClient(chat chatService, cfg Opts) *Client {
	return &Client{
		chat:    chat,
		model:   cfg.Model,
		system:  cfg.SystemPrompt,
		turns:   cfg.HistoryTurns,
		tokens:  cfg.MaxTokens,
		history: make(map[string][]exchange),
	}
}

// GeneratePrompt answers userPrompt under systemPrompt without history.
func (c *Client) GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.complete(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt),
		openai.UserMessage(userPrompt),
	})
}

// Reply answers text for conversationID, including the recent exchanges of
// that conversation.
func (c *Client) Reply(ctx context.Context, conversationID, text string) (string, error) {
	c.mu.Lock()
	past := append([]exchange(nil), c.history[conversationID]...)
	c.mu.Unlock()

	messages := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(c.system)}
	for _, ex := range past {
		messages = append(messages, openai.UserMessage(ex.user), openai.AssistantMessage(ex.assistant))
	}
	messages = append(messages, openai.UserMessage(text))

	reply, err := c.complete(ctx, messages)
	if err != nil {
		slog.Error("Client.Reply: completion failed", "conversationID", conversationID, "error", err)
		return "", err
	}

	if c.turns > 0 {
		c.mu.Lock()
		h := append(c.history[conversationID], exchange{user: text, assistant: reply})
		if len(h) > c.turns {
			h = h[len(h)-c.turns:]
		}
		c.history[conversationID] = h
		c.mu.Unlock()
	}
	slog.Debug("Client.Reply: reply generated", "conversationID", conversationID, "history", len(past))
	return reply, nil
}

// Forget drops the stored history of conversationID.
func (c *Client) Forget(conversationID string) {
	c.mu.Lock()
	delete(c.history, conversationID)
	c.mu.Unlock()
}

func (c *Client) complete(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: messages,
	}
	if c.tokens > 0 {
		params.MaxCompletionTokens = openai.Int(c.tokens)
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
