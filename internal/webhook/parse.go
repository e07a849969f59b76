package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

// ErrMalformedPayload is returned when a webhook body cannot be parsed.
var ErrMalformedPayload = errors.New("malformed webhook payload")

// StatusDedupKey is the ledger key of a delivery status event.
func StatusDedupKey(externalID, status string) string {
	return "status:" + externalID + ":" + status
}

// ParseCloudAPI extracts every message and status from a WhatsApp Cloud API
// webhook body.
func ParseCloudAPI(raw []byte) ([]models.WebhookEvent, error) {
	if !gjson.ValidBytes(raw) {
		return nil, ErrMalformedPayload
	}
	root := gjson.ParseBytes(raw)
	if !root.Get("entry").IsArray() {
		return nil, fmt.Errorf("%w: missing entry array", ErrMalformedPayload)
	}

	var events []models.WebhookEvent
	var parseErr error
	root.Get("entry").ForEach(func(_, entry gjson.Result) bool {
		entry.Get("changes").ForEach(func(_, change gjson.Result) bool {
			value := change.Get("value")
			value.Get("messages").ForEach(func(_, msg gjson.Result) bool {
				evt, ok, err := parseCloudMessage(msg)
				if err != nil {
					parseErr = err
					return false
				}
				if ok {
					events = append(events, evt)
				}
				return true
			})
			value.Get("statuses").ForEach(func(_, st gjson.Result) bool {
				events = append(events, parseCloudStatus(st))
				return true
			})
			return parseErr == nil
		})
		return parseErr == nil
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return events, nil
}

func unixTime(r gjson.Result) time.Time {
	if n, err := strconv.ParseInt(r.String(), 10, 64); err == nil && n > 0 {
		return time.Unix(n, 0).UTC()
	}
	return time.Now().UTC()
}

func identity(from string) string {
	if id, err := messaging.CanonicalizeRecipient(from); err == nil {
		return id
	}
	return from
}

func parseCloudMessage(msg gjson.Result) (models.WebhookEvent, bool, error) {
	id := msg.Get("id").String()
	if id == "" {
		return models.WebhookEvent{}, false, fmt.Errorf("%w: message without id", ErrMalformedPayload)
	}
	in := models.InboundEvent{
		From:      identity(msg.Get("from").String()),
		MessageID: id,
		Timestamp: unixTime(msg.Get("timestamp")),
	}
	kind := models.WebhookMessage

	switch msg.Get("type").String() {
	case "text":
		in.Kind = models.InboundText
		in.Text = msg.Get("text.body").String()
	case "button":
		in.Kind = models.InboundQuickReply
		in.ReplyID = msg.Get("button.payload").String()
		in.ReplyTitle = msg.Get("button.text").String()
	case "location":
		in.Kind = models.InboundLocation
		in.Location = &models.Location{
			Latitude:  msg.Get("location.latitude").Float(),
			Longitude: msg.Get("location.longitude").Float(),
			Name:      msg.Get("location.name").String(),
			Address:   msg.Get("location.address").String(),
		}
	case "interactive":
		interactive := msg.Get("interactive")
		switch t := interactive.Get("type").String(); t {
		case "button_reply", "list_reply":
			in.Kind = models.InboundQuickReply
			in.ReplyID = interactive.Get(t + ".id").String()
			in.ReplyTitle = interactive.Get(t + ".title").String()
		case "nfm_reply":
			in.Kind = models.InboundForm
			kind = models.WebhookForm
			in.Form, in.FormName = parseFormResponse(interactive.Get("nfm_reply"))
		default:
			slog.Debug("webhook.ParseCloudAPI: unsupported interactive type", "type", t, "id", id)
			return models.WebhookEvent{}, false, nil
		}
	default:
		slog.Debug("webhook.ParseCloudAPI: unsupported message type", "type", msg.Get("type").String(), "id", id)
		return models.WebhookEvent{}, false, nil
	}

	return inboundEvent(id, kind, in), true, nil
}

// parseFormResponse flattens nfm_reply.response_json into string fields and
// resolves the form name from the flow token, falling back to the reply name.
func parseFormResponse(reply gjson.Result) (map[string]string, string) {
	fields := make(map[string]string)
	resp := gjson.Parse(reply.Get("response_json").String())
	resp.ForEach(func(k, v gjson.Result) bool {
		fields[k.String()] = v.String()
		return true
	})
	name := reply.Get("name").String()
	if token := fields["flow_token"]; token != "" {
		if formName, _, ok := flow.ParseFormToken(token); ok {
			name = formName
		}
	}
	return fields, name
}

func parseCloudStatus(st gjson.Result) models.WebhookEvent {
	su := models.StatusUpdate{
		ExternalID: st.Get("id").String(),
		Status:     st.Get("status").String(),
		Recipient:  st.Get("recipient_id").String(),
		Timestamp:  unixTime(st.Get("timestamp")),
	}
	if e := st.Get("errors.0"); e.Exists() {
		su.Error = fmt.Sprintf("code=%d title=%s", e.Get("code").Int(), e.Get("title").String())
		if detail := e.Get("error_data.details").String(); detail != "" {
			su.Error += " details=" + detail
		}
	}
	return statusEvent(su)
}

func inboundEvent(dedupKey string, kind models.WebhookKind, in models.InboundEvent) models.WebhookEvent {
	raw, _ := json.Marshal(in)
	return models.WebhookEvent{DedupKey: dedupKey, Kind: kind, Payload: string(raw), Inbound: &in}
}

func statusEvent(su models.StatusUpdate) models.WebhookEvent {
	raw, _ := json.Marshal(su)
	return models.WebhookEvent{
		DedupKey: StatusDedupKey(su.ExternalID, su.Status),
		Kind:     models.WebhookStatus,
		Payload:  string(raw),
		Status:   &su,
	}
}

// twilioStatuses maps Twilio message statuses onto delivery statuses.
var twilioStatuses = map[string]string{
	"sent":        models.DeliverySent,
	"delivered":   models.DeliveryDelivered,
	"read":        models.DeliveryRead,
	"failed":      models.DeliveryFailed,
	"undelivered": models.DeliveryFailed,
}

// ParseTwilio converts a Twilio WhatsApp webhook form (inbound message or
// status callback) into events. Intermediate statuses yield no event.
func ParseTwilio(form url.Values) ([]models.WebhookEvent, error) {
	sid := form.Get("MessageSid")
	if sid == "" {
		sid = form.Get("SmsSid")
	}
	if sid == "" {
		return nil, fmt.Errorf("%w: missing MessageSid", ErrMalformedPayload)
	}

	if status := form.Get("MessageStatus"); status != "" && form.Get("Body") == "" {
		mapped, ok := twilioStatuses[strings.ToLower(status)]
		if !ok {
			return nil, nil
		}
		su := models.StatusUpdate{
			ExternalID: sid,
			Status:     mapped,
			Recipient:  identity(form.Get("To")),
			Timestamp:  time.Now().UTC(),
		}
		if code := form.Get("ErrorCode"); code != "" {
			su.Error = "code=" + code
			if msg := form.Get("ErrorMessage"); msg != "" {
				su.Error += " message=" + msg
			}
		}
		return []models.WebhookEvent{statusEvent(su)}, nil
	}

	from := form.Get("From")
	if from == "" {
		return nil, fmt.Errorf("%w: missing From", ErrMalformedPayload)
	}
	in := models.InboundEvent{
		From:      identity(strings.TrimPrefix(from, "whatsapp:")),
		MessageID: sid,
		Timestamp: time.Now().UTC(),
	}
	switch {
	case form.Get("ButtonPayload") != "":
		in.Kind = models.InboundQuickReply
		in.ReplyID = form.Get("ButtonPayload")
		in.ReplyTitle = form.Get("ButtonText")
	case form.Get("Latitude") != "":
		lat, err1 := strconv.ParseFloat(form.Get("Latitude"), 64)
		lng, err2 := strconv.ParseFloat(form.Get("Longitude"), 64)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("%w: invalid coordinates", ErrMalformedPayload)
		}
		in.Kind = models.InboundLocation
		in.Location = &models.Location{Latitude: lat, Longitude: lng, Name: form.Get("Label"), Address: form.Get("Address")}
	default:
		in.Kind = models.InboundText
		in.Text = form.Get("Body")
	}
	return []models.WebhookEvent{inboundEvent(sid, models.WebhookMessage, in)}, nil
}

// FromInbound wraps an already-verified inbound event, e.g. one delivered by
// the whatsmeow client.
func FromInbound(in models.InboundEvent) models.WebhookEvent {
	kind := models.WebhookMessage
	if in.Kind == models.InboundForm {
		kind = models.WebhookForm
	}
	return inboundEvent(in.MessageID, kind, in)
}

// FromStatus wraps an already-verified delivery status.
func FromStatus(su models.StatusUpdate) models.WebhookEvent {
	return statusEvent(su)
}
