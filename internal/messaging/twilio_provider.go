package messaging

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
)

// TwilioProvider sends through Twilio. Templates with a known Content SID
// go out as Content messages, everything else as rendered text.
type TwilioProvider struct {
	client      twiliowhatsapp.Sender
	contentSIDs map[string]string
}

// NewTwilioProvider creates a provider. contentSIDs maps template names to
// Twilio Content SIDs (HX...).
func NewTwilioProvider(client twiliowhatsapp.Sender, contentSIDs map[string]string) *TwilioProvider {
	sids := make(map[string]string, len(contentSIDs))
	for k, v := range contentSIDs {
		sids[k] = v
	}
	return &TwilioProvider{client: client, contentSIDs: sids}
}

// Name identifies the provider in logs.
func (p *TwilioProvider) Name() string { return "twilio" }

// SendMessage transmits msg to the recipient.
func (p *TwilioProvider) SendMessage(ctx context.Context, to string, msg models.PayloadSpec) (string, error) {
	if msg.Kind == models.PayloadTemplate {
		if sid, ok := p.contentSIDs[msg.Template]; ok {
			return p.client.SendContent(ctx, to, sid, ContentVariables(msg.Params))
		}
		slog.Warn("TwilioProvider: no content SID for template, sending text", "template", msg.Template)
	}
	return p.client.SendText(ctx, to, RenderText(msg))
}

// ContentVariables numbers params from "1" the way Twilio Content templates expect.
func ContentVariables(params []string) map[string]string {
	vars := make(map[string]string, len(params))
	for i, v := range params {
		vars[strconv.Itoa(i+1)] = v
	}
	return vars
}
