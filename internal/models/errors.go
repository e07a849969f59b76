package models

import (
	"errors"
	"fmt"
	"strings"
)

// Error variables for validation failures shared across modules.
var (
	ErrEmptyRecipient = errors.New("recipient cannot be empty")
	ErrEmptyBody      = errors.New("body is required")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrEmptyFlowName  = errors.New("flow name cannot be empty")
	ErrInvalidFlow    = errors.New("invalid flow definition")
	ErrInvalidItem    = errors.New("invalid catalog item")
)

// ProviderError is a structured failure reported by a remote messaging or
// catalog provider. Its Error text is what the sync engine records as last_error.
type ProviderError struct {
	HTTPStatus int    `json:"http_status,omitempty"`
	Code       int    `json:"code,omitempty"`
	Type       string `json:"type,omitempty"`
	Message    string `json:"message"`
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	if e.Code != 0 {
		fmt.Fprintf(&b, "code=%d ", e.Code)
	}
	if e.Type != "" {
		fmt.Fprintf(&b, "type=%s ", e.Type)
	}
	if e.HTTPStatus != 0 {
		fmt.Fprintf(&b, "http_status=%d ", e.HTTPStatus)
	}
	fmt.Fprintf(&b, "message=%s", e.Message)
	return b.String()
}

// Temporary reports whether the provider signalled a transient condition.
func (e *ProviderError) Temporary() bool {
	return e.HTTPStatus == 429 || e.HTTPStatus >= 500
}
