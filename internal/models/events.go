package models

import "time"

// InboundKind classifies an end-user event.
type InboundKind string

const (
	InboundText       InboundKind = "text"
	InboundQuickReply InboundKind = "quick_reply"
	InboundLocation   InboundKind = "location"
	InboundForm       InboundKind = "form"
	InboundTimeout    InboundKind = "timeout"
)

// Location is a shared location pin.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// InboundEvent is a provider-neutral end-user event fed to the orchestrator.
type InboundEvent struct {
	Kind       InboundKind       `json:"kind"`
	From       string            `json:"from"`
	MessageID  string            `json:"message_id,omitempty"`
	Text       string            `json:"text,omitempty"`
	ReplyID    string            `json:"reply_id,omitempty"`
	ReplyTitle string            `json:"reply_title,omitempty"`
	Location   *Location         `json:"location,omitempty"`
	FormName   string            `json:"form_name,omitempty"`
	Form       map[string]string `json:"form,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// WebhookKind classifies a provider webhook event.
type WebhookKind string

const (
	WebhookMessage WebhookKind = "message"
	WebhookStatus  WebhookKind = "status"
	WebhookForm    WebhookKind = "form"
)

// StatusUpdate is a delivery receipt for a previously sent message.
type StatusUpdate struct {
	ExternalID string    `json:"external_id"`
	Status     string    `json:"status"`
	Recipient  string    `json:"recipient,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// WebhookEvent is one deduplicated unit of provider input.
type WebhookEvent struct {
	DedupKey    string        `json:"dedup_key"`
	Kind        WebhookKind   `json:"kind"`
	Payload     string        `json:"payload"`
	Processed   bool          `json:"processed"`
	Outcome     string        `json:"outcome,omitempty"`
	ReceivedAt  time.Time     `json:"received_at"`
	ProcessedAt *time.Time    `json:"processed_at,omitempty"`
	Inbound     *InboundEvent `json:"-"`
	Status      *StatusUpdate `json:"-"`
}

// EffectType names the side effect a turn requests.
type EffectType string

const (
	EffectSend           EffectType = "send"
	EffectSyncEntity     EffectType = "sync_entity"
	EffectRecord         EffectType = "record"
	EffectHandover       EffectType = "handover"
	EffectAssistantReply EffectType = "assistant_reply"
)

// Effect is a side effect produced by a turn. Only the fields relevant to
// Type are set.
type Effect struct {
	Type           EffectType      `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Target         string          `json:"target,omitempty"`
	Message        *PayloadSpec    `json:"message,omitempty"`
	Record         *BusinessRecord `json:"record,omitempty"`
	Ref            string          `json:"ref,omitempty"`
	Text           string          `json:"text,omitempty"`
}

// BusinessRecord is structured output for downstream consumers.
type BusinessRecord struct {
	ID             string            `json:"id"`
	Kind           string            `json:"kind"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Identity       string            `json:"identity,omitempty"`
	Fields         map[string]string `json:"fields"`
	CreatedAt      time.Time         `json:"created_at"`
}
