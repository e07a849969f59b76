package messaging

import (
	"context"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/whatsapp"
)

// WhatsAppProvider sends through a whatsmeow session using text rendering.
type WhatsAppProvider struct {
	client whatsapp.Sender
}

// NewWhatsAppProvider wraps client.
func NewWhatsAppProvider(client whatsapp.Sender) *WhatsAppProvider {
	return &WhatsAppProvider{client: client}
}

// Name identifies the provider in logs.
func (p *WhatsAppProvider) Name() string { return "whatsmeow" }

// SendMessage transmits msg as plain text.
func (p *WhatsAppProvider) SendMessage(ctx context.Context, to string, msg models.PayloadSpec) (string, error) {
	return p.client.SendText(ctx, to, RenderText(msg))
}
