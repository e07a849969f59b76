package api_test

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/FlowPipe/internal/api"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/testutil"
	"github.com/BTreeMap/FlowPipe/internal/webhook"
)

const installFlow = `
name: main
version: 1
entry: ask
steps:
  ask:
    type: question
    payload:
      kind: buttons
      body: Which installation do you have?
      options:
        - {id: solar, title: Solar}
        - {id: hybrid, title: Hybrid}
    transitions:
      hybrid: thanks
      solar: thanks
      agent: human
  human:
    type: action
    actions:
      - name: handover
        params: {reason: requested an agent}
  thanks:
    type: terminal
    payload: {kind: text, body: Thanks!}
`

func newServer(t *testing.T, opts ...api.Option) (*api.Server, *testutil.FakeProvider, http.Handler) {
	t.Helper()
	srv, provider := testutil.NewTestServer(t, opts...)
	testutil.PublishFlow(t, srv, installFlow)
	return srv, provider, srv.Handler()
}

func conversationID(t *testing.T, srv *api.Server) string {
	t.Helper()
	conv, err := srv.Store().GetConversationByIdentity(testutil.TestUser)
	require.NoError(t, err)
	require.NotNil(t, conv)
	return conv.ID
}

func TestHealth(t *testing.T) {
	_, _, h := newServer(t)
	rr := testutil.Do(t, h, http.MethodGet, "/healthz", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr, "health")
	var result map[string]string
	testutil.DecodeResponse(t, rr, models.APIStatusOK, &result)
	assert.Equal(t, "fake", result["provider"])
}

func TestWebhookVerificationHandshake(t *testing.T) {
	_, _, h := newServer(t, api.WithVerifyToken("tok"))

	rr := testutil.Do(t, h, http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=tok&hub.challenge=1158201444", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr, "handshake")
	assert.Equal(t, "1158201444", rr.Body.String())

	rr = testutil.Do(t, h, http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=1", nil)
	testutil.AssertHTTPStatus(t, http.StatusForbidden, rr, "bad token")
}

func TestWebhookConversationRoundTrip(t *testing.T) {
	srv, provider, h := newServer(t)

	rr := testutil.Do(t, h, http.MethodPost, "/webhook", testutil.CloudTextWebhook("wamid.in-1", "hi"))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr, "first message")
	var first webhook.Result
	testutil.DecodeResponse(t, rr, models.APIStatusOK, &first)
	assert.False(t, first.Duplicate)

	rr = testutil.Do(t, h, http.MethodPost, "/webhook", testutil.CloudTextWebhook("wamid.in-1", "hi"))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr, "redelivery")
	var again webhook.Result
	testutil.DecodeResponse(t, rr, models.APIStatusOK, &again)
	assert.True(t, again.Duplicate)

	testutil.Flush(t, srv)
	assert.Equal(t, []string{"Which installation do you have?"}, provider.Bodies())

	rr = testutil.Do(t, h, http.MethodPost, "/webhook", testutil.CloudTextWebhook("wamid.in-2", " Hybrid "))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr, "answer")
	testutil.Flush(t, srv)
	assert.Equal(t, []string{"Which installation do you have?", "Thanks!"}, provider.Bodies())

	id := conversationID(t, srv)
	rr = testutil.Do(t, h, http.MethodGet, "/conversations/"+id, nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr, "conversation view")
	var view api.ConversationView
	testutil.DecodeResponse(t, rr, models.APIStatusOK, &view)
	assert.Equal(t, models.ConversationArchived, view.Conversation.Status)
	assert.Equal(t, "thanks", view.Conversation.StepName)

	rr = testutil.Do(t, h, http.MethodGet, "/sync?class=message&status=synced", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr, "sync list")
	var recs []models.SyncRecord
	testutil.DecodeResponse(t, rr, models.APIStatusOK, &recs)
	assert.Len(t, recs, 2)

	rr = testutil.Do(t, h, http.MethodPost, "/webhook", testutil.CloudStatusWebhook(provider.Messages()[0].ID, models.DeliveryDelivered))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr, "status")
	rec, err := srv.Store().GetSyncRecordByExternalID(models.SyncClassMessage, provider.Messages()[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryDelivered, rec.DeliveryStatus)
}

func TestWebhookSignature(t *testing.T) {
	_, _, h := newServer(t, api.WithAppSecret("app-secret"))
	body := testutil.CloudTextWebhook("wamid.sig", "hi")

	rr := testutil.Do(t, h, http.MethodPost, "/webhook", body)
	testutil.AssertHTTPStatus(t, http.StatusUnauthorized, rr, "unsigned")

	rr = testutil.Do(t, h, http.MethodPost, "/webhook", body, api.HeaderHubSignature, "sha256=00")
	testutil.AssertHTTPStatus(t, http.StatusUnauthorized, rr, "bad signature")

	rr = testutil.Do(t, h, http.MethodPost, "/webhook", body, api.HeaderHubSignature, webhook.Sign("app-secret", body))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr, "signed")
}

func TestWebhookMalformed(t *testing.T) {
	_, _, h := newServer(t)
	rr := testutil.Do(t, h, http.MethodPost, "/webhook", []byte("{not json"))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr, "malformed")
	testutil.DecodeResponse(t, rr, models.APIStatusError, nil)
}

func TestSyncDetailAndReset(t *testing.T) {
	srv, provider, h := newServer(t)
	provider.Fail(errors.New("provider down"))

	testutil.Do(t, h, http.MethodPost, "/webhook", testutil.CloudTextWebhook("wamid.in-1", "hi"))
	testutil.Flush(t, srv)

	rr := testutil.Do(t, h, http.MethodGet, "/sync?status=retry_pending", nil)
	var recs []models.SyncRecord
	testutil.DecodeResponse(t, rr, models.APIStatusOK, &recs)
	require.Len(t, recs, 1)
	id := recs[0].ID

	rr = testutil.Do(t, h, http.MethodGet, "/sync/"+id, nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr, "detail")
	var detail api.SyncDetail
	testutil.DecodeResponse(t, rr, models.APIStatusOK, &detail)
	assert.Equal(t, 1, detail.Record.AttemptCount)
	assert.Contains(t, detail.Record.LastError, "provider down")
	require.Len(t, detail.Attempts, 1)
	assert.False(t, detail.Attempts[0].Success)
	require.NotNil(t, detail.NextEligibleAt)

	rr = testutil.Do(t, h, http.MethodPost, "/sync/"+id+"/reset", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr, "reset")
	var reset models.SyncRecord
	testutil.DecodeResponse(t, rr, models.APIStatusOK, &reset)
	assert.Equal(t, 0, reset.AttemptCount)

	rr = testutil.Do(t, h, http.MethodGet, "/sync/missing", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr, "missing detail")
	rr = testutil.Do(t, h, http.MethodPost, "/sync/missing/reset", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr, "missing reset")

	rr = testutil.Do(t, h, http.MethodGet, "/sync?status=bogus", nil)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr, "bad status")
}

func TestFlowPublishing(t *testing.T) {
	_, _, h := newServer(t)

	v2 := []byte(`
name: main
version: 2
entry: hello
steps:
  hello:
    type: terminal
    payload: {kind: text, body: Hello}
`)
	rr := testutil.Do(t, h, http.MethodPost, "/flows", v2)
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr, "publish v2")

	rr = testutil.Do(t, h, http.MethodPost, "/flows", v2)
	testutil.AssertHTTPStatus(t, http.StatusConflict, rr, "republish")

	rr = testutil.Do(t, h, http.MethodPost, "/flows", []byte(`
name: broken
version: 1
entry: x
steps:
  x:
    type: action
    actions: [{name: not_registered}]
`))
	testutil.AssertHTTPStatus(t, http.StatusUnprocessableEntity, rr, "unknown action")

	rr = testutil.Do(t, h, http.MethodPost, "/flows", []byte("steps: [nope"))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr, "unparseable")

	rr = testutil.Do(t, h, http.MethodGet, "/flows", nil)
	var defs []models.FlowDefinition
	testutil.DecodeResponse(t, rr, models.APIStatusOK, &defs)
	assert.Len(t, defs, 2)
}

func TestCatalogItems(t *testing.T) {
	_, _, h := newServer(t)

	rr := testutil.DoJSON(t, h, http.MethodPut, "/catalog/items/sku-1", map[string]any{
		"name": "Solar panel", "price_minor": 19900, "currency": "usd",
	})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr, "create")
	var change api.CatalogChange
	testutil.DecodeResponse(t, rr, models.APIStatusOK, &change)
	require.NotNil(t, change.Item)
	require.NotNil(t, change.SyncRecord)
	assert.Equal(t, "sku-1", change.Item.RetailerID)
	assert.Equal(t, "USD", change.Item.Currency)
	assert.Equal(t, models.SyncClassCatalog, change.SyncRecord.Class)

	rr = testutil.DoJSON(t, h, http.MethodPut, "/catalog/items/sku-2", map[string]any{"currency": "USD"})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr, "invalid item")

	rr = testutil.Do(t, h, http.MethodDelete, "/catalog/items/unknown", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr, "delete unknown")

	rr = testutil.Do(t, h, http.MethodDelete, "/catalog/items/sku-1", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr, "delete")
	testutil.DecodeResponse(t, rr, models.APIStatusOK, &change)
	assert.True(t, change.Item.Deleted)

	rr = testutil.Do(t, h, http.MethodGet, "/catalog/items", nil)
	var items []models.CatalogItem
	testutil.DecodeResponse(t, rr, models.APIStatusOK, &items)
	assert.Len(t, items, 1)
}

func TestHandoverAndResume(t *testing.T) {
	srv, provider, h := newServer(t, api.WithHandoverMessage("An agent will reply soon."))

	testutil.Do(t, h, http.MethodPost, "/webhook", testutil.CloudTextWebhook("wamid.in-1", "hi"))
	testutil.Do(t, h, http.MethodPost, "/webhook", testutil.CloudTextWebhook("wamid.in-2", "agent"))
	testutil.Flush(t, srv)
	assert.Contains(t, provider.Bodies(), "An agent will reply soon.")

	id := conversationID(t, srv)
	rr := testutil.Do(t, h, http.MethodGet, "/conversations/"+id, nil)
	var view api.ConversationView
	testutil.DecodeResponse(t, rr, models.APIStatusOK, &view)
	assert.Equal(t, models.ConversationHandover, view.Conversation.Status)
	require.Len(t, view.Records, 1)
	assert.Equal(t, "handover", view.Records[0].Kind)

	rr = testutil.Do(t, h, http.MethodPost, "/conversations/"+id+"/resume", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr, "resume")
	var conv models.Conversation
	testutil.DecodeResponse(t, rr, models.APIStatusOK, &conv)
	assert.Equal(t, models.ConversationActive, conv.Status)

	rr = testutil.Do(t, h, http.MethodPost, "/conversations/nope/resume", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr, "resume unknown")
	rr = testutil.Do(t, h, http.MethodGet, "/conversations/nope", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr, "view unknown")
}

func TestTwilioWebhook(t *testing.T) {
	srv, _, h := newServer(t)

	rr := testutil.Do(t, h, http.MethodPost, "/webhook/twilio",
		[]byte("MessageSid=SM1&From=whatsapp%3A%2B15550001111&Body=hi"),
		"Content-Type", "application/x-www-form-urlencoded")
	testutil.AssertHTTPStatus(t, http.StatusOK, rr, "twilio message")
	assert.Equal(t, "<Response></Response>", rr.Body.String())
	conversationID(t, srv)

	signed, _, sh := newServer(t, api.WithTwilioAuthToken("token"))
	rr = testutil.Do(t, sh, http.MethodPost, "/webhook/twilio",
		[]byte("MessageSid=SM2&From=whatsapp%3A%2B15550001111&Body=hi"),
		"Content-Type", "application/x-www-form-urlencoded", api.HeaderTwilioSignature, "bogus")
	testutil.AssertHTTPStatus(t, http.StatusUnauthorized, rr, "twilio bad signature")
	conv, err := signed.Store().GetConversationByIdentity(testutil.TestUser)
	require.NoError(t, err)
	assert.Nil(t, conv)
}
