package models

import (
	"fmt"
	"time"
)

// ConversationMode selects how free text is handled.
type ConversationMode string

const (
	ModeStructuredFlow ConversationMode = "structured_flow"
	ModeAssistant      ConversationMode = "assistant"
)

// IsValidMode checks if the given mode is supported.
func IsValidMode(m ConversationMode) bool {
	return m == ModeStructuredFlow || m == ModeAssistant
}

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
	ConversationHandover ConversationStatus = "handover"
)

// StepPointer identifies exactly one step of one flow version.
type StepPointer struct {
	Flow    string `json:"flow"`
	Version int    `json:"version"`
	Step    string `json:"step"`
}

func (p StepPointer) String() string {
	return fmt.Sprintf("%s@%d/%s", p.Flow, p.Version, p.Step)
}

// Conversation is the per-identity state machine instance.
type Conversation struct {
	ID            string             `json:"id"`
	Identity      string             `json:"identity"`
	FlowName      string             `json:"flow_name"`
	FlowVersion   int                `json:"flow_version"`
	StepName      string             `json:"step_name"`
	Context       Context            `json:"context"`
	Mode          ConversationMode   `json:"mode"`
	Awaiting      string             `json:"awaiting,omitempty"`
	Status        ConversationStatus `json:"status"`
	Turn          int                `json:"turn"`
	LastInboundAt time.Time          `json:"last_inbound_at"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Pointer returns the conversation's current step pointer.
func (c *Conversation) Pointer() StepPointer {
	return StepPointer{Flow: c.FlowName, Version: c.FlowVersion, Step: c.StepName}
}

// SetPointer moves the conversation to p.
func (c *Conversation) SetPointer(p StepPointer) {
	c.FlowName = p.Flow
	c.FlowVersion = p.Version
	c.StepName = p.Step
}
