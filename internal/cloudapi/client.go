// Package cloudapi talks to the WhatsApp Cloud API and the catalog endpoints
// of the Meta Graph API.
package cloudapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

const (
	// DefaultBaseURL is the Graph API host.
	DefaultBaseURL = "https://graph.facebook.com"
	// DefaultAPIVersion is the Graph API version used when none is configured.
	DefaultAPIVersion = "v21.0"
	// DefaultTimeout bounds a single Graph API request.
	DefaultTimeout = 15 * time.Second
)

// Opts holds configuration options for the Graph API client.
type Opts struct {
	Token         string
	PhoneNumberID string
	CatalogID     string
	APIVersion    string
	BaseURL       string
	HTTPClient    *http.Client
}

// Option defines a configuration option for the Graph API client.
type Option func(*Opts)

// WithToken sets the system user access token.
func WithToken(token string) Option {
	return func(o *Opts) { o.Token = token }
}

// WithPhoneNumberID sets the sending phone number id.
func WithPhoneNumberID(id string) Option {
	return func(o *Opts) { o.PhoneNumberID = id }
}

// WithCatalogID sets the product catalog id.
func WithCatalogID(id string) Option {
	return func(o *Opts) { o.CatalogID = id }
}

// WithAPIVersion overrides the Graph API version, e.g. "v21.0".
func WithAPIVersion(v string) Option {
	return func(o *Opts) { o.APIVersion = v }
}

// WithBaseURL overrides the Graph API host (used by tests).
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client is a minimal Graph API client for messages and catalog batches.
type Client struct {
	token         string
	phoneNumberID string
	catalogID     string
	baseURL       string
	http          *http.Client
}

// NewClient builds a client, falling back to environment variables for
// values not provided through options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Token == "" {
		cfg.Token = os.Getenv("WHATSAPP_TOKEN")
	}
	if cfg.PhoneNumberID == "" {
		cfg.PhoneNumberID = os.Getenv("WHATSAPP_PHONE_NUMBER_ID")
	}
	if cfg.CatalogID == "" {
		cfg.CatalogID = os.Getenv("CATALOG_ID")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = os.Getenv("GRAPH_API_VERSION")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	slog.Debug("cloudapi client config loaded",
		"Token_set", cfg.Token != "",
		"PhoneNumberID_set", cfg.PhoneNumberID != "",
		"CatalogID_set", cfg.CatalogID != "",
		"APIVersion", cfg.APIVersion)

	if cfg.Token == "" {
		return nil, fmt.Errorf("graph API token must be provided")
	}

	return &Client{
		token:         cfg.Token,
		phoneNumberID: cfg.PhoneNumberID,
		catalogID:     cfg.CatalogID,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/") + "/" + cfg.APIVersion,
		http:          cfg.HTTPClient,
	}, nil
}

// Name identifies the provider in logs.
func (c *Client) Name() string { return "cloudapi" }

type graphError struct {
	Error *struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
		FBTraceID    string `json:"fbtrace_id"`
	} `json:"error"`
}

// post sends body as JSON to path and decodes a 2xx response into out.
// Non-2xx responses become *models.ProviderError.
func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("graph request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read graph response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		perr := &models.ProviderError{HTTPStatus: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var ge graphError
		if json.Unmarshal(data, &ge) == nil && ge.Error != nil {
			perr.Code = ge.Error.Code
			perr.Type = ge.Error.Type
			perr.Message = ge.Error.Message
		}
		slog.Warn("cloudapi request rejected", "path", path, "status", resp.StatusCode, "code", perr.Code, "type", perr.Type)
		return perr
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode graph response: %w", err)
		}
	}
	return nil
}
