// Package twiliowhatsapp wraps the Twilio API for WhatsApp delivery in FlowPipe.
package twiliowhatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Sender is the subset of the Twilio client used by the messaging layer.
type Sender interface {
	SendText(ctx context.Context, to string, body string) (string, error)
	SendContent(ctx context.Context, to string, contentSID string, vars map[string]string) (string, error)
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID     string
	AuthToken      string
	FromWhats      string
	StatusCallback string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending number, with or without the "whatsapp:" prefix.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// WithStatusCallback sets the URL Twilio posts delivery status updates to.
func WithStatusCallback(url string) Option {
	return func(o *Opts) { o.StatusCallback = url }
}

// Client wraps Twilio REST API for WhatsApp
type Client struct {
	client         *twilio.RestClient
	fromWhats      string // WhatsApp number in "whatsapp:+1234567890" format
	statusCallback string
}

// NewClient builds a Twilio client, falling back to TWILIO_* environment
// variables for values not provided via options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "",
		"StatusCallback_set", cfg.StatusCallback != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &Client{
		client:         client,
		fromWhats:      WhatsAppAddress(cfg.FromWhats),
		statusCallback: cfg.StatusCallback,
	}, nil
}

// WhatsAppAddress prefixes a phone number with "whatsapp:" and "+" if missing.
func WhatsAppAddress(number string) string {
	n := strings.TrimPrefix(strings.TrimSpace(number), "whatsapp:")
	if !strings.HasPrefix(n, "+") {
		n = "+" + n
	}
	return "whatsapp:" + n
}

func (c *Client) baseParams(to string) *twilioApi.CreateMessageParams {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(WhatsAppAddress(to))
	params.SetFrom(c.fromWhats)
	if c.statusCallback != "" {
		params.SetStatusCallback(c.statusCallback)
	}
	return params
}

func (c *Client) create(to string, params *twilioApi.CreateMessageParams) (string, error) {
	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio CreateMessage failed", "to", to, "error", err)
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	if resp == nil || resp.Sid == nil {
		return "", fmt.Errorf("twilio response for %s carried no message SID", to)
	}
	slog.Debug("Twilio message sent", "to", to, "sid", *resp.Sid)
	return *resp.Sid, nil
}

// SendText sends a plain body message and returns the message SID.
func (c *Client) SendText(ctx context.Context, to string, body string) (string, error) {
	params := c.baseParams(to)
	params.SetBody(body)
	return c.create(to, params)
}

// SendContent sends an approved Content template. vars is keyed by the
// placeholder number ("1", "2", ...).
func (c *Client) SendContent(ctx context.Context, to string, contentSID string, vars map[string]string) (string, error) {
	params := c.baseParams(to)
	params.SetContentSid(contentSID)
	if len(vars) > 0 {
		raw, err := json.Marshal(vars)
		if err != nil {
			return "", fmt.Errorf("failed to encode content variables: %w", err)
		}
		params.SetContentVariables(string(raw))
	}
	return c.create(to, params)
}

// MockClient records messages instead of calling Twilio.
type MockClient struct {
	mu       sync.Mutex
	seq      int
	Sent     []SentMessage
	SendErrs []error // consumed in order, nil entries succeed
}

// SentMessage is a message captured by MockClient.
type SentMessage struct {
	SID        string
	To         string
	Body       string
	ContentSID string
	Variables  map[string]string
}

// NewMockClient returns an empty mock.
func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) record(msg SentMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.SendErrs) > 0 {
		err := m.SendErrs[0]
		m.SendErrs = m.SendErrs[1:]
		if err != nil {
			return "", err
		}
	}
	m.seq++
	msg.SID = fmt.Sprintf("SM%032d", m.seq)
	m.Sent = append(m.Sent, msg)
	return msg.SID, nil
}

// SendText records a body message.
func (m *MockClient) SendText(ctx context.Context, to string, body string) (string, error) {
	return m.record(SentMessage{To: to, Body: body})
}

// SendContent records a content template message.
func (m *MockClient) SendContent(ctx context.Context, to string, contentSID string, vars map[string]string) (string, error) {
	return m.record(SentMessage{To: to, ContentSID: contentSID, Variables: vars})
}

// Messages returns a copy of the recorded messages.
func (m *MockClient) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.Sent...)
}
