// Package messaging turns provider-neutral payloads into outbound messages.
//
// The Dispatcher records every send as a message-class sync record so the
// sync engine owns delivery and retries; providers only transmit.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Provider transmits a rendered payload and returns the provider message id.
type Provider interface {
	Name() string
	SendMessage(ctx context.Context, to string, msg models.PayloadSpec) (string, error)
}

// MinRecipientDigits is the shortest accepted phone number.
const MinRecipientDigits = 6

var phoneNumberRegex = regexp.MustCompile(`\D`)

// CanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
// It removes all non-numeric characters and requires at least MinRecipientDigits digits.
func CanonicalizeRecipient(recipient string) (string, error) {
	if strings.TrimSpace(recipient) == "" {
		return "", models.ErrEmptyRecipient
	}

	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < MinRecipientDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, MinRecipientDigits)
	}
	if canonical != recipient {
		slog.Debug("messaging canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// RenderText degrades any payload to plain text for providers without
// interactive messages. Choices become a numbered list, so a numeric reply
// still classifies against the step's options.
func RenderText(p models.PayloadSpec) string {
	var b strings.Builder
	if p.Header != "" {
		b.WriteString("*" + p.Header + "*\n")
	}

	body := p.Body
	if p.Kind == models.PayloadTemplate && body == "" {
		body = p.Template
		if len(p.Params) > 0 {
			body += ": " + strings.Join(p.Params, ", ")
		}
	}
	b.WriteString(body)

	switch p.Kind {
	case models.PayloadButtons, models.PayloadList:
		b.WriteString("\n")
		for i, o := range p.Options {
			b.WriteString("\n" + strconv.Itoa(i+1) + ". " + o.Title)
		}
		b.WriteString("\n\nReply with the number of your choice.")
	case models.PayloadLocationRequest:
		b.WriteString("\n\n(Share your location from the attachment menu.)")
	case models.PayloadForm:
		if p.Button != "" {
			b.WriteString("\n\n" + p.Button)
		}
	}

	if p.Footer != "" {
		b.WriteString("\n\n_" + p.Footer + "_")
	}
	return b.String()
}
