package models

import (
	"errors"
	"fmt"
	"time"
)

// StepType identifies how the orchestrator interprets a step.
type StepType string

const (
	StepTypeMessage       StepType = "message"
	StepTypeQuestion      StepType = "question"
	StepTypeAction        StepType = "action"
	StepTypeBranch        StepType = "branch"
	StepTypeSubFlowSwitch StepType = "sub_flow_switch"
	StepTypeTerminal      StepType = "terminal"
)

// IsValidStepType checks if the given step type is supported.
func IsValidStepType(t StepType) bool {
	switch t {
	case StepTypeMessage, StepTypeQuestion, StepTypeAction, StepTypeBranch, StepTypeSubFlowSwitch, StepTypeTerminal:
		return true
	default:
		return false
	}
}

// PayloadKind is the provider-neutral shape of an outbound message.
type PayloadKind string

const (
	PayloadText            PayloadKind = "text"
	PayloadButtons         PayloadKind = "buttons"
	PayloadList            PayloadKind = "list"
	PayloadTemplate        PayloadKind = "template"
	PayloadLocationRequest PayloadKind = "location_request"
	PayloadForm            PayloadKind = "form"
)

// Awaiting values a question step may set on the conversation.
const (
	AwaitReply    = "reply"
	AwaitLocation = "location"
	AwaitForm     = "form"
)

// Validation limits enforced by WhatsApp for interactive content.
const (
	MaxButtonOptions = 3
	MaxListOptions   = 10
	MaxOptionTitle   = 24
	MaxBodyLength    = 4096
)

// Option is a selectable choice in a buttons or list payload.
type Option struct {
	ID          string `json:"id" yaml:"id"`
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// PayloadSpec describes an outbound message. Text fields may hold templates
// until rendered against a conversation context.
type PayloadSpec struct {
	Kind     PayloadKind `json:"kind" yaml:"kind"`
	Header   string      `json:"header,omitempty" yaml:"header,omitempty"`
	Body     string      `json:"body,omitempty" yaml:"body,omitempty"`
	Footer   string      `json:"footer,omitempty" yaml:"footer,omitempty"`
	Button   string      `json:"button,omitempty" yaml:"button,omitempty"` // list label or form CTA
	Options  []Option    `json:"options,omitempty" yaml:"options,omitempty"`
	Template string      `json:"template,omitempty" yaml:"template,omitempty"`
	Language string      `json:"language,omitempty" yaml:"language,omitempty"`
	Params   []string    `json:"params,omitempty" yaml:"params,omitempty"`
	FormID   string      `json:"form_id,omitempty" yaml:"form_id,omitempty"`
	FormName string      `json:"form_name,omitempty" yaml:"form_name,omitempty"`
	Screen   string      `json:"screen,omitempty" yaml:"screen,omitempty"`
	Token    string      `json:"token,omitempty" yaml:"token,omitempty"` // form flow token, filled at render time
}

// Validate checks the payload shape for its kind.
func (p *PayloadSpec) Validate() error {
	switch p.Kind {
	case PayloadText, PayloadLocationRequest:
		if p.Body == "" {
			return ErrEmptyBody
		}
	case PayloadButtons:
		if p.Body == "" {
			return ErrEmptyBody
		}
		if len(p.Options) == 0 || len(p.Options) > MaxButtonOptions {
			return fmt.Errorf("%w: buttons need 1-%d options", ErrInvalidPayload, MaxButtonOptions)
		}
	case PayloadList:
		if p.Body == "" {
			return ErrEmptyBody
		}
		if len(p.Options) == 0 || len(p.Options) > MaxListOptions {
			return fmt.Errorf("%w: lists need 1-%d options", ErrInvalidPayload, MaxListOptions)
		}
	case PayloadTemplate:
		if p.Template == "" {
			return fmt.Errorf("%w: template name is required", ErrInvalidPayload)
		}
	case PayloadForm:
		if p.FormID == "" || p.FormName == "" {
			return fmt.Errorf("%w: form payloads need form_id and form_name", ErrInvalidPayload)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, p.Kind)
	}
	if len(p.Body) > MaxBodyLength {
		return fmt.Errorf("%w: body exceeds %d characters", ErrInvalidPayload, MaxBodyLength)
	}
	for _, o := range p.Options {
		if o.ID == "" || o.Title == "" {
			return fmt.Errorf("%w: options need id and title", ErrInvalidPayload)
		}
	}
	return nil
}

// ActionCall names a registered action and its parameter templates.
type ActionCall struct {
	Name   string            `json:"name" yaml:"name"`
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// BranchOp is a predicate operator used in branch rules.
type BranchOp string

const (
	BranchEq     BranchOp = "eq"
	BranchNeq    BranchOp = "neq"
	BranchExists BranchOp = "exists"
	BranchIn     BranchOp = "in"
)

// BranchRule routes to Target when the context predicate holds.
type BranchRule struct {
	Key    string   `json:"key" yaml:"key"`
	Op     BranchOp `json:"op" yaml:"op"`
	Value  string   `json:"value,omitempty" yaml:"value,omitempty"`
	Values []string `json:"values,omitempty" yaml:"values,omitempty"`
	Target string   `json:"target" yaml:"target"`
}

// Step is one node of a flow definition.
type Step struct {
	Name        string            `json:"name" yaml:"-"`
	Type        StepType          `json:"type" yaml:"type"`
	Payload     *PayloadSpec      `json:"payload,omitempty" yaml:"payload,omitempty"`
	Actions     []ActionCall      `json:"actions,omitempty" yaml:"actions,omitempty"`
	Transitions map[string]string `json:"transitions,omitempty" yaml:"transitions,omitempty"`
	Branches    []BranchRule      `json:"branches,omitempty" yaml:"branches,omitempty"`
	Default     string            `json:"default,omitempty" yaml:"default,omitempty"`
	Await       string            `json:"await,omitempty" yaml:"await,omitempty"`
	SaveAs      string            `json:"save_as,omitempty" yaml:"save_as,omitempty"`
	SubFlow     string            `json:"sub_flow,omitempty" yaml:"sub_flow,omitempty"`
	SubFlowStep string            `json:"sub_flow_step,omitempty" yaml:"sub_flow_step,omitempty"`
	ReturnTo    string            `json:"return_to,omitempty" yaml:"return_to,omitempty"`
}

// FlowDefinition is a versioned, immutable graph of steps.
type FlowDefinition struct {
	Name        string          `json:"name" yaml:"name"`
	Version     int             `json:"version" yaml:"version"`
	Active      bool            `json:"active" yaml:"-"`
	Entry       string          `json:"entry" yaml:"entry"`
	OnTimeout   string          `json:"on_timeout,omitempty" yaml:"on_timeout,omitempty"`
	Steps       map[string]Step `json:"steps" yaml:"steps"`
	PublishedAt time.Time       `json:"published_at" yaml:"-"`
}

// Step returns the named step with its Name populated.
func (f *FlowDefinition) Step(name string) (Step, bool) {
	s, ok := f.Steps[name]
	if ok {
		s.Name = name
	}
	return s, ok
}

// Validate checks structural consistency: the entry exists, every local
// target resolves, and each step carries what its type needs. Sub-flow
// references are resolved at publish time by the caller.
func (f *FlowDefinition) Validate() error {
	if f.Name == "" {
		return ErrEmptyFlowName
	}
	if f.Version <= 0 {
		return fmt.Errorf("%w: version must be positive", ErrInvalidFlow)
	}
	if len(f.Steps) == 0 {
		return fmt.Errorf("%w: flow has no steps", ErrInvalidFlow)
	}
	if _, ok := f.Steps[f.Entry]; !ok {
		return fmt.Errorf("%w: entry step %q not found", ErrInvalidFlow, f.Entry)
	}
	if f.OnTimeout != "" {
		if _, ok := f.Steps[f.OnTimeout]; !ok {
			return fmt.Errorf("%w: on_timeout step %q not found", ErrInvalidFlow, f.OnTimeout)
		}
	}
	var errs []error
	for name, s := range f.Steps {
		if err := f.validateStep(s); err != nil {
			errs = append(errs, fmt.Errorf("step %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (f *FlowDefinition) validateStep(s Step) error {
	if !IsValidStepType(s.Type) {
		return fmt.Errorf("%w: unknown step type %q", ErrInvalidFlow, s.Type)
	}
	if s.Payload != nil {
		if err := s.Payload.Validate(); err != nil {
			return err
		}
	}
	targets := []string{s.Default}
	for _, t := range s.Transitions {
		targets = append(targets, t)
	}
	for _, b := range s.Branches {
		targets = append(targets, b.Target)
	}
	for _, t := range targets {
		if t == "" {
			continue
		}
		if _, ok := f.Steps[t]; !ok {
			return fmt.Errorf("%w: target %q not found", ErrInvalidFlow, t)
		}
	}

	switch s.Type {
	case StepTypeQuestion:
		if s.Payload == nil {
			return fmt.Errorf("%w: question needs a payload", ErrInvalidFlow)
		}
	case StepTypeMessage:
		if s.Payload == nil {
			return fmt.Errorf("%w: message needs a payload", ErrInvalidFlow)
		}
	case StepTypeAction:
		if len(s.Actions) == 0 {
			return fmt.Errorf("%w: action step needs at least one action", ErrInvalidFlow)
		}
	case StepTypeBranch:
		if len(s.Branches) == 0 && s.Default == "" {
			return fmt.Errorf("%w: branch step needs rules or a default", ErrInvalidFlow)
		}
	case StepTypeSubFlowSwitch:
		if s.SubFlow == "" {
			return fmt.Errorf("%w: sub_flow is required", ErrInvalidFlow)
		}
		if s.ReturnTo != "" {
			if _, ok := f.Steps[s.ReturnTo]; !ok {
				return fmt.Errorf("%w: return_to %q not found", ErrInvalidFlow, s.ReturnTo)
			}
		}
	}
	return nil
}

// ActionNames lists every action referenced by the flow.
func (f *FlowDefinition) ActionNames() []string {
	var names []string
	seen := make(map[string]bool)
	for _, s := range f.Steps {
		for _, a := range s.Actions {
			if !seen[a.Name] {
				seen[a.Name] = true
				names = append(names, a.Name)
			}
		}
	}
	return names
}

// SubFlows lists every flow referenced by sub_flow_switch steps.
func (f *FlowDefinition) SubFlows() []string {
	var names []string
	for _, s := range f.Steps {
		if s.Type == StepTypeSubFlowSwitch {
			names = append(names, s.SubFlow)
		}
	}
	return names
}
