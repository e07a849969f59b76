package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client calls the FlowPipe HTTP API.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the server at base.
func NewClient(base string, timeout time.Duration) *Client {
	return &Client{base: strings.TrimRight(base, "/"), http: &http.Client{Timeout: timeout}}
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// Do sends a request and decodes the response result into out when out is non-nil.
func (c *Client) Do(ctx context.Context, method, path, contentType string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid request", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return WrapExitError(ExitCommandError, "server unreachable", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("unreadable response (HTTP %d)", resp.StatusCode), err)
	}
	if resp.StatusCode >= 300 {
		return WrapExitError(ExitFailure, "request failed", &APIError{StatusCode: resp.StatusCode, Message: env.Message})
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return WrapExitError(ExitCommandError, "unexpected response shape", err)
		}
	}
	return nil
}
