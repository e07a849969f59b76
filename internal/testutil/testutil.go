// Package testutil provides common test utilities and helpers for FlowPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/FlowPipe/internal/api"
	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// TestUser is the phone number used by the webhook builders.
const TestUser = "15550001111"

// SentMessage is one message handed to a FakeProvider.
type SentMessage struct {
	To      string
	Payload models.PayloadSpec
	ID      string
}

// FakeProvider is an in-memory messaging provider.
type FakeProvider struct {
	mu   sync.Mutex
	sent []SentMessage
	err  error
	seq  int
}

// NewFakeProvider creates a provider that accepts every message.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{}
}

// Name implements messaging.Provider.
func (p *FakeProvider) Name() string { return "fake" }

// SendMessage records msg and returns a wamid-style id, or the configured error.
func (p *FakeProvider) SendMessage(_ context.Context, to string, msg models.PayloadSpec) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.seq++
	id := fmt.Sprintf("wamid.fake-%d", p.seq)
	p.sent = append(p.sent, SentMessage{To: to, Payload: msg, ID: id})
	return id, nil
}

// Fail makes every following send return err. A nil err restores success.
func (p *FakeProvider) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Messages returns a copy of the sent messages.
func (p *FakeProvider) Messages() []SentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SentMessage(nil), p.sent...)
}

// Bodies returns the body text of every sent message.
func (p *FakeProvider) Bodies() []string {
	msgs := p.Messages()
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Payload.Body
	}
	return out
}

// NewTestServer creates a fully wired server over an in-memory store and a
// fake provider. Background workers are not started; drive them through
// Flush.
func NewTestServer(t *testing.T, opts ...api.Option) (*api.Server, *FakeProvider) {
	t.Helper()
	provider := NewFakeProvider()
	srv, err := api.NewServer(store.NewInMemoryStore(), provider, opts...)
	require.NoError(t, err)
	return srv, provider
}

// PublishFlow parses and publishes a YAML flow document on srv.
func PublishFlow(t *testing.T, srv *api.Server, doc string) models.FlowDefinition {
	t.Helper()
	def, err := flow.ParseDefinition([]byte(doc))
	require.NoError(t, err)
	require.NoError(t, srv.Definitions().Publish(def))
	return def
}

// Flush runs queued effects, then attempts every pending sync record.
func Flush(t *testing.T, srv *api.Server) {
	t.Helper()
	ctx := context.Background()
	for srv.Runner().Poll(ctx) > 0 {
	}
	recs, err := srv.Store().ListSyncRecords(store.SyncFilter{Statuses: []models.SyncStatus{models.SyncNotSynced}})
	require.NoError(t, err)
	for _, rec := range recs {
		_, err := srv.Engine().AttemptSync(ctx, rec.ID)
		require.NoError(t, err)
	}
}

// CloudTextWebhook builds a Cloud API webhook carrying one text message from TestUser.
func CloudTextWebhook(messageID, body string) []byte {
	return []byte(fmt.Sprintf(`{"object":"whatsapp_business_account","entry":[{"id":"WABA","changes":[{"field":"messages","value":{
"messaging_product":"whatsapp","metadata":{"phone_number_id":"123"},
"messages":[{"from":%q,"id":%q,"timestamp":"1767225600","type":"text","text":{"body":%q}}]}}]}]}`,
		TestUser, messageID, body))
}

// CloudStatusWebhook builds a Cloud API webhook carrying one delivery status.
func CloudStatusWebhook(externalID, status string) []byte {
	return []byte(fmt.Sprintf(`{"object":"whatsapp_business_account","entry":[{"id":"WABA","changes":[{"field":"messages","value":{
"messaging_product":"whatsapp","statuses":[{"id":%q,"status":%q,"timestamp":"1767225660","recipient_id":%q}]}}]}]}`,
		externalID, status, TestUser))
}

// Do serves one request against h and returns the recorder.
func Do(t *testing.T, h http.Handler, method, url string, body []byte, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, url, bytes.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// DoJSON marshals body and serves it against h.
func DoJSON(t *testing.T, h http.Handler, method, url string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	return Do(t, h, method, url, raw, "Content-Type", "application/json")
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected int, rr *httptest.ResponseRecorder, context string) {
	t.Helper()
	require.Equalf(t, expected, rr.Code, "%s: body %s", context, rr.Body.String())
}

// DecodeResponse decodes an APIResponse, checks its status and decodes its
// result into out when out is non-nil.
func DecodeResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus models.APIStatus, out interface{}) models.APIResponse {
	t.Helper()
	var envelope struct {
		Status  string          `json:"status"`
		Message string          `json:"message"`
		Result  json.RawMessage `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &envelope), "body: %s", rr.Body.String())
	require.Equal(t, string(expectedStatus), envelope.Status, "body: %s", rr.Body.String())
	if out != nil && len(envelope.Result) > 0 {
		require.NoError(t, json.Unmarshal(envelope.Result, out))
	}
	return models.APIResponse{Status: envelope.Status, Message: envelope.Message}
}
