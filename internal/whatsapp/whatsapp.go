// Package whatsapp wraps the Whatsmeow client for WhatsApp integration in FlowPipe.
//
// It provides methods for sending messages and bridges inbound whatsmeow
// events into provider-neutral inbound events and status updates.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for WhatsApp/whatsmeow SQLite database
	DefaultSQLitePath = "/var/lib/flowpipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
)

// Sender sends plain text messages and returns the provider message id.
type Sender interface {
	SendText(ctx context.Context, to string, body string) (string, error)
}

// Opts holds configuration options for the WhatsApp client.
// This focuses solely on WhatsApp/whatsmeow database configuration and login settings.
type Opts struct {
	DBDSN       string // WhatsApp/whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // use numeric login code instead of QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the WhatsApp/whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput instructs the WhatsApp client to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode instructs the WhatsApp client to use numeric login code instead of QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client wraps the Whatsmeow client for modular use
type Client struct {
	waClient *whatsmeow.Client
}

// hasForeignKeys reports whether a SQLite DSN enables foreign keys.
func hasForeignKeys(dsn string) bool {
	return strings.Contains(dsn, "_foreign_keys") || strings.Contains(dsn, "foreign_keys")
}

// NewClient creates a new WhatsApp client, applying any provided options for customization.
// When the device is not yet paired it runs the QR (or numeric code) login flow.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	dbDriver := store.DetectDSNType(dbDSN)
	if dbDriver == "sqlite3" && !hasForeignKeys(dbDSN) {
		slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled. "+
			"The whatsmeow library strongly recommends enabling foreign keys for data integrity.",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	logger := waLog.Stdout("Database", "INFO", true)
	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, logger)
	if err != nil {
		slog.Error("Failed to initialize WhatsApp DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("Failed to get first device from store", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	clientLog := waLog.Stdout("Client", "INFO", true)
	waClient := whatsmeow.NewClient(deviceStore, clientLog)

	if waClient.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow")
		qrChan, _ := waClient.GetQRChannel(context.Background())
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp during login", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				slog.Error("Failed to create QR file", "error", ferr)
				return nil, fmt.Errorf("failed to create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				if cfg.NumericCode {
					fmt.Fprintln(writer, evt.Code)
				} else {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
				}
			} else {
				slog.Debug("WhatsApp login event", "event", evt.Event)
			}
		}
	} else {
		slog.Debug("WhatsApp already logged in, connecting to server")
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp server", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp client connected successfully")
	return &Client{waClient: waClient}, nil
}

// SendText sends a WhatsApp text message and returns its message id.
func (c *Client) SendText(ctx context.Context, to string, body string) (string, error) {
	if c.waClient == nil || c.waClient.Store == nil {
		return "", fmt.Errorf("whatsapp client not initialized")
	}
	if to == "" {
		return "", models.ErrEmptyRecipient
	}
	if body == "" {
		return "", models.ErrEmptyBody
	}

	jid := types.NewJID(strings.TrimPrefix(to, "+"), JIDSuffix)
	msg := &waE2E.Message{Conversation: &body}

	resp, err := c.waClient.SendMessage(ctx, jid, msg)
	if err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", to)
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("WhatsApp message sent successfully", "to", to, "id", resp.ID)
	return string(resp.ID), nil
}

// Subscribe registers callbacks for inbound messages and delivery receipts.
// Returns the whatsmeow handler id.
func (c *Client) Subscribe(onMessage func(models.InboundEvent), onStatus func(models.StatusUpdate)) uint32 {
	return c.waClient.AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			if in, ok := InboundFromMessage(v); ok && onMessage != nil {
				onMessage(in)
			}
		case *events.Receipt:
			if onStatus == nil {
				return
			}
			for _, st := range StatusesFromReceipt(v) {
				onStatus(st)
			}
		}
	})
}

// Close disconnects from WhatsApp.
func (c *Client) Close() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// InboundFromMessage converts a whatsmeow message. ok is false for
// messages FlowPipe does not interpret (media, reactions, own messages).
func InboundFromMessage(evt *events.Message) (models.InboundEvent, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe {
		return models.InboundEvent{}, false
	}
	in := models.InboundEvent{
		From:      evt.Info.Sender.User,
		MessageID: string(evt.Info.ID),
		Timestamp: evt.Info.Timestamp,
	}
	m := evt.Message
	switch {
	case m.GetButtonsResponseMessage() != nil:
		in.Kind = models.InboundQuickReply
		in.ReplyID = m.GetButtonsResponseMessage().GetSelectedButtonID()
		in.ReplyTitle = m.GetButtonsResponseMessage().GetSelectedDisplayText()
	case m.GetListResponseMessage() != nil:
		in.Kind = models.InboundQuickReply
		in.ReplyID = m.GetListResponseMessage().GetSingleSelectReply().GetSelectedRowID()
		in.ReplyTitle = m.GetListResponseMessage().GetTitle()
	case m.GetLocationMessage() != nil:
		loc := m.GetLocationMessage()
		in.Kind = models.InboundLocation
		in.Location = &models.Location{
			Latitude:  loc.GetDegreesLatitude(),
			Longitude: loc.GetDegreesLongitude(),
			Name:      loc.GetName(),
			Address:   loc.GetAddress(),
		}
	case m.GetConversation() != "":
		in.Kind = models.InboundText
		in.Text = m.GetConversation()
	case m.GetExtendedTextMessage().GetText() != "":
		in.Kind = models.InboundText
		in.Text = m.GetExtendedTextMessage().GetText()
	default:
		slog.Debug("WhatsApp ignoring unsupported message", "from", evt.Info.Sender.String())
		return models.InboundEvent{}, false
	}
	return in, true
}

// StatusesFromReceipt converts a receipt into one status update per message id.
func StatusesFromReceipt(evt *events.Receipt) []models.StatusUpdate {
	var status string
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.DeliveryDelivered
	case events.ReceiptTypeRead:
		status = models.DeliveryRead
	default:
		return nil
	}
	out := make([]models.StatusUpdate, 0, len(evt.MessageIDs))
	for _, id := range evt.MessageIDs {
		out = append(out, models.StatusUpdate{
			ExternalID: string(id),
			Status:     status,
			Recipient:  evt.MessageSource.Chat.User,
			Timestamp:  evt.Timestamp,
		})
	}
	return out
}

// MockClient records sent messages without connecting to WhatsApp.
type MockClient struct {
	mu   sync.Mutex
	seq  int
	Sent []SentMessage
	Err  error
}

// SentMessage is a message captured by MockClient.
type SentMessage struct {
	ID   string
	To   string
	Body string
}

// NewMockClient returns an empty mock.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// SendText records the message, or returns Err when set.
func (m *MockClient) SendText(ctx context.Context, to string, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.seq++
	id := fmt.Sprintf("3EB0%012d", m.seq)
	m.Sent = append(m.Sent, SentMessage{ID: id, To: to, Body: body})
	return id, nil
}
