package cloudapi

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// DefaultListButton labels the list picker when the payload sets none.
const DefaultListButton = "Choose"

type textPart struct {
	Text string `json:"text"`
}

type header struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type interactive struct {
	Type   string         `json:"type"`
	Header *header        `json:"header,omitempty"`
	Body   *textPart      `json:"body,omitempty"`
	Footer *textPart      `json:"footer,omitempty"`
	Action map[string]any `json:"action"`
}

type templateParam struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type templateComponent struct {
	Type       string          `json:"type"`
	Parameters []templateParam `json:"parameters"`
}

type template struct {
	Name       string              `json:"name"`
	Language   map[string]string   `json:"language"`
	Components []templateComponent `json:"components,omitempty"`
}

// MessageRequest is the body of POST /{phone_number_id}/messages.
type MessageRequest struct {
	MessagingProduct string       `json:"messaging_product"`
	RecipientType    string       `json:"recipient_type"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             *struct {
		PreviewURL bool   `json:"preview_url"`
		Body       string `json:"body"`
	} `json:"text,omitempty"`
	Interactive *interactive `json:"interactive,omitempty"`
	Template    *template    `json:"template,omitempty"`
}

type messageResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// BuildMessage converts a rendered payload into a Cloud API message request.
func BuildMessage(to string, p models.PayloadSpec) (*MessageRequest, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	req := &MessageRequest{MessagingProduct: "whatsapp", RecipientType: "individual", To: to}

	switch p.Kind {
	case models.PayloadText:
		req.Type = "text"
		req.Text = &struct {
			PreviewURL bool   `json:"preview_url"`
			Body       string `json:"body"`
		}{Body: p.Body}

	case models.PayloadButtons:
		buttons := make([]map[string]any, 0, len(p.Options))
		for _, o := range p.Options {
			buttons = append(buttons, map[string]any{
				"type":  "reply",
				"reply": map[string]string{"id": o.ID, "title": truncate(o.Title, models.MaxOptionTitle)},
			})
		}
		req.Type = "interactive"
		req.Interactive = newInteractive("button", p, map[string]any{"buttons": buttons})

	case models.PayloadList:
		rows := make([]map[string]string, 0, len(p.Options))
		for _, o := range p.Options {
			row := map[string]string{"id": o.ID, "title": truncate(o.Title, models.MaxOptionTitle)}
			if o.Description != "" {
				row["description"] = o.Description
			}
			rows = append(rows, row)
		}
		label := p.Button
		if label == "" {
			label = DefaultListButton
		}
		req.Type = "interactive"
		req.Interactive = newInteractive("list", p, map[string]any{
			"button":   label,
			"sections": []map[string]any{{"title": truncate(label, models.MaxOptionTitle), "rows": rows}},
		})

	case models.PayloadTemplate:
		lang := p.Language
		if lang == "" {
			lang = "en_US"
		}
		tpl := &template{Name: p.Template, Language: map[string]string{"code": lang}}
		if len(p.Params) > 0 {
			params := make([]templateParam, 0, len(p.Params))
			for _, v := range p.Params {
				params = append(params, templateParam{Type: "text", Text: v})
			}
			tpl.Components = []templateComponent{{Type: "body", Parameters: params}}
		}
		req.Type = "template"
		req.Template = tpl

	case models.PayloadLocationRequest:
		req.Type = "interactive"
		req.Interactive = &interactive{
			Type:   "location_request_message",
			Body:   &textPart{Text: p.Body},
			Action: map[string]any{"name": "send_location"},
		}

	case models.PayloadForm:
		cta := p.Button
		if cta == "" {
			cta = "Open"
		}
		params := map[string]any{
			"flow_message_version": "3",
			"flow_token":           p.Token,
			"flow_id":              p.FormID,
			"flow_cta":             cta,
			"flow_action":          "navigate",
		}
		if p.Screen != "" {
			params["flow_action_payload"] = map[string]string{"screen": p.Screen}
		}
		req.Type = "interactive"
		req.Interactive = newInteractive("flow", p, map[string]any{"name": "flow", "parameters": params})

	default:
		return nil, fmt.Errorf("%w: unsupported kind %q", models.ErrInvalidPayload, p.Kind)
	}
	return req, nil
}

func newInteractive(kind string, p models.PayloadSpec, action map[string]any) *interactive {
	in := &interactive{Type: kind, Action: action}
	if p.Header != "" {
		in.Header = &header{Type: "text", Text: p.Header}
	}
	if p.Body != "" {
		in.Body = &textPart{Text: p.Body}
	}
	if p.Footer != "" {
		in.Footer = &textPart{Text: p.Footer}
	}
	return in
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// SendMessage posts a message and returns the provider message id (wamid).
func (c *Client) SendMessage(ctx context.Context, to string, p models.PayloadSpec) (string, error) {
	if to == "" {
		return "", models.ErrEmptyRecipient
	}
	if c.phoneNumberID == "" {
		return "", fmt.Errorf("phone number id is not configured")
	}
	req, err := BuildMessage(to, p)
	if err != nil {
		return "", err
	}

	var resp messageResponse
	if err := c.post(ctx, "/"+c.phoneNumberID+"/messages", req, &resp); err != nil {
		slog.Error("cloudapi SendMessage failed", "to", to, "kind", p.Kind, "error", err)
		return "", err
	}
	if len(resp.Messages) == 0 || resp.Messages[0].ID == "" {
		return "", &models.ProviderError{Type: "EmptyResponse", Message: "response carried no message id"}
	}
	slog.Debug("cloudapi message sent", "to", to, "kind", p.Kind, "id", resp.Messages[0].ID)
	return resp.Messages[0].ID, nil
}
