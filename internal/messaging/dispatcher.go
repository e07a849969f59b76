package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/util"
)

const (
	// DefaultPlaceholder replaces empty template parameters.
	DefaultPlaceholder = " "
	// FallbackPlaceholder is used when the configured placeholder is empty.
	FallbackPlaceholder = "-"
)

// Kicker asks the sync engine to attempt a record soon.
type Kicker interface {
	Kick(recordID string)
}

// OutboundMessage is the payload_json of a message-class sync record.
type OutboundMessage struct {
	To      string             `json:"to"`
	Message models.PayloadSpec `json:"message"`
}

// DispatcherOpts holds Dispatcher configuration.
type DispatcherOpts struct {
	Placeholder    string
	placeholderSet bool
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*DispatcherOpts)

// WithPlaceholder sets the substitute for empty template parameters.
// An empty value falls back to FallbackPlaceholder.
func WithPlaceholder(p string) DispatcherOption {
	return func(o *DispatcherOpts) {
		o.Placeholder = p
		o.placeholderSet = true
	}
}

// Dispatcher persists outbound messages as sync records and kicks the engine.
type Dispatcher struct {
	repo        store.SyncRepo
	kicker      Kicker
	placeholder string
}

// NewDispatcher creates a dispatcher. kicker may be nil, in which case
// records wait for the next sweep.
func NewDispatcher(repo store.SyncRepo, kicker Kicker, opts ...DispatcherOption) *Dispatcher {
	cfg := DispatcherOpts{Placeholder: DefaultPlaceholder}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.placeholderSet && cfg.Placeholder == "" {
		slog.Warn("Dispatcher: empty placeholder configured, falling back", "fallback", FallbackPlaceholder)
		cfg.Placeholder = FallbackPlaceholder
	}
	return &Dispatcher{repo: repo, kicker: kicker, placeholder: cfg.Placeholder}
}

// Placeholder returns the substitute used for empty template parameters.
func (d *Dispatcher) Placeholder() string { return d.placeholder }

// NormalizeParams trims every parameter and replaces empty or
// whitespace-only values with placeholder. The input is not modified.
func NormalizeParams(params []string, placeholder string) []string {
	if placeholder == "" {
		placeholder = FallbackPlaceholder
	}
	out := make([]string, len(params))
	for i, p := range params {
		if t := strings.TrimSpace(p); t != "" {
			out[i] = t
		} else {
			out[i] = placeholder
		}
	}
	return out
}

// Send validates and records an outbound message and returns its dispatch
// id (the sync record id). Delivery happens asynchronously.
func (d *Dispatcher) Send(ctx context.Context, target string, p models.PayloadSpec, ref string) (string, error) {
	to, err := CanonicalizeRecipient(target)
	if err != nil {
		slog.Error("Dispatcher.Send: invalid recipient", "error", err, "target", target)
		return "", err
	}

	msg := p
	msg.Params = NormalizeParams(p.Params, d.placeholder)
	msg.Options = append([]models.Option(nil), p.Options...)
	if err := msg.Validate(); err != nil {
		slog.Error("Dispatcher.Send: invalid payload", "error", err, "kind", p.Kind, "to", to)
		return "", fmt.Errorf("invalid payload for %s: %w", to, err)
	}

	raw, err := json.Marshal(OutboundMessage{To: to, Message: msg})
	if err != nil {
		return "", fmt.Errorf("failed to encode outbound message: %w", err)
	}

	rec := models.SyncRecord{
		ID:          util.GenerateSyncID(string(models.SyncClassMessage)),
		Class:       models.SyncClassMessage,
		LocalRef:    ref,
		Target:      to,
		PayloadJSON: string(raw),
		Status:      models.SyncNotSynced,
	}
	if err := d.repo.CreateSyncRecord(rec); err != nil {
		slog.Error("Dispatcher.Send: failed to record message", "error", err, "to", to)
		return "", fmt.Errorf("failed to record outbound message: %w", err)
	}
	slog.Debug("Dispatcher.Send: message recorded", "id", rec.ID, "to", to, "kind", msg.Kind, "ref", ref)

	if d.kicker != nil {
		d.kicker.Kick(rec.ID)
	}
	return rec.ID, nil
}

// MessagePusher is the sync engine pusher for message-class records.
type MessagePusher struct {
	provider Provider
}

// NewMessagePusher wraps provider.
func NewMessagePusher(provider Provider) *MessagePusher {
	return &MessagePusher{provider: provider}
}

// Push decodes the record payload and transmits it, returning the provider message id.
func (p *MessagePusher) Push(ctx context.Context, rec models.SyncRecord) (string, error) {
	var out OutboundMessage
	if err := json.Unmarshal([]byte(rec.PayloadJSON), &out); err != nil {
		return "", fmt.Errorf("invalid message payload for %s: %w", rec.ID, err)
	}
	id, err := p.provider.SendMessage(ctx, out.To, out.Message)
	if err != nil {
		return "", err
	}
	slog.Debug("MessagePusher.Push: delivered to provider", "recordID", rec.ID, "provider", p.provider.Name(), "externalID", id)
	return id, nil
}
