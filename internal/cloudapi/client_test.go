package cloudapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

type captured struct {
	path string
	auth string
	body map[string]any
}

func newTestServer(t *testing.T, status int, response string) (*Client, *captured) {
	t.Helper()
	got := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		got.auth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got.body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(WithToken("tok"), WithPhoneNumberID("123"), WithCatalogID("cat-9"),
		WithBaseURL(srv.URL), WithAPIVersion("v21.0"))
	require.NoError(t, err)
	return c, got
}

func TestSendTextMessage(t *testing.T) {
	c, got := newTestServer(t, http.StatusOK, `{"messaging_product":"whatsapp","messages":[{"id":"wamid.ABC"}]}`)

	id, err := c.SendMessage(context.Background(), "15550001", models.PayloadSpec{Kind: models.PayloadText, Body: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "wamid.ABC", id)
	assert.Equal(t, "/v21.0/123/messages", got.path)
	assert.Equal(t, "Bearer tok", got.auth)
	assert.Equal(t, "text", got.body["type"])
	assert.Equal(t, "hello", got.body["text"].(map[string]any)["body"])
}

func TestSendMessageProviderError(t *testing.T) {
	c, _ := newTestServer(t, http.StatusBadRequest,
		`{"error":{"message":"Recipient not in allowed list","type":"OAuthException","code":131030}}`)

	_, err := c.SendMessage(context.Background(), "15550001", models.PayloadSpec{Kind: models.PayloadText, Body: "hi"})
	var perr *models.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 131030, perr.Code)
	assert.Equal(t, "OAuthException", perr.Type)
	assert.Equal(t, http.StatusBadRequest, perr.HTTPStatus)
	assert.False(t, perr.Temporary())
	assert.Contains(t, err.Error(), "code=131030 type=OAuthException")
}

func TestBuildMessageShapes(t *testing.T) {
	tests := []struct {
		name    string
		payload models.PayloadSpec
		check   func(t *testing.T, m *MessageRequest)
	}{
		{
			name: "buttons",
			payload: models.PayloadSpec{Kind: models.PayloadButtons, Body: "Pick one", Options: []models.Option{
				{ID: "grid", Title: "Grid"}, {ID: "hybrid", Title: "Hybrid"},
			}},
			check: func(t *testing.T, m *MessageRequest) {
				require.NotNil(t, m.Interactive)
				assert.Equal(t, "button", m.Interactive.Type)
				assert.Len(t, m.Interactive.Action["buttons"], 2)
			},
		},
		{
			name: "list",
			payload: models.PayloadSpec{Kind: models.PayloadList, Body: "Choose", Options: []models.Option{
				{ID: "a", Title: "A very long option title that exceeds the limit"},
			}},
			check: func(t *testing.T, m *MessageRequest) {
				assert.Equal(t, "list", m.Interactive.Type)
				assert.Equal(t, DefaultListButton, m.Interactive.Action["button"])
				sections := m.Interactive.Action["sections"].([]map[string]any)
				rows := sections[0]["rows"].([]map[string]string)
				assert.Len(t, []rune(rows[0]["title"]), models.MaxOptionTitle)
			},
		},
		{
			name:    "template",
			payload: models.PayloadSpec{Kind: models.PayloadTemplate, Template: "order_update", Language: "pt_BR", Params: []string{"Ada", " "}},
			check: func(t *testing.T, m *MessageRequest) {
				require.NotNil(t, m.Template)
				assert.Equal(t, "pt_BR", m.Template.Language["code"])
				require.Len(t, m.Template.Components, 1)
				assert.Equal(t, " ", m.Template.Components[0].Parameters[1].Text)
			},
		},
		{
			name:    "location request",
			payload: models.PayloadSpec{Kind: models.PayloadLocationRequest, Body: "Where are you?"},
			check: func(t *testing.T, m *MessageRequest) {
				assert.Equal(t, "location_request_message", m.Interactive.Type)
				assert.Equal(t, "send_location", m.Interactive.Action["name"])
			},
		},
		{
			name:    "form",
			payload: models.PayloadSpec{Kind: models.PayloadForm, Body: "Fill in", FormID: "f-1", FormName: "survey", Token: "survey:c-1", Screen: "START"},
			check: func(t *testing.T, m *MessageRequest) {
				assert.Equal(t, "flow", m.Interactive.Type)
				params := m.Interactive.Action["parameters"].(map[string]any)
				assert.Equal(t, "survey:c-1", params["flow_token"])
				assert.Equal(t, "f-1", params["flow_id"])
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := BuildMessage("15550001", tt.payload)
			require.NoError(t, err)
			tt.check(t, m)
		})
	}

	_, err := BuildMessage("1", models.PayloadSpec{Kind: models.PayloadButtons, Body: "x"})
	assert.ErrorIs(t, err, models.ErrInvalidPayload)
}

func TestPushItem(t *testing.T) {
	c, got := newTestServer(t, http.StatusOK, `{"handles":["h-1"]}`)

	handle, err := c.PushItem(context.Background(), BatchUpdate, models.CatalogItem{
		RetailerID: "sku-1", Name: "Panel", PriceMinor: 1999, Currency: "eur",
	})
	require.NoError(t, err)
	assert.Equal(t, "h-1", handle)
	assert.Equal(t, "/v21.0/cat-9/items_batch", got.path)

	reqs := got.body["requests"].([]any)
	data := reqs[0].(map[string]any)["data"].(map[string]any)
	assert.Equal(t, "sku-1", data["id"])
	assert.Equal(t, "19.99 EUR", data["price"])
	assert.Equal(t, models.AvailabilityInStock, data["availability"])
}

func TestPushItemValidationErrors(t *testing.T) {
	c, _ := newTestServer(t, http.StatusOK,
		`{"handles":[],"validation_status":[{"retailer_id":"sku-1","errors":[{"message":"Invalid price"}]}]}`)

	_, err := c.PushItem(context.Background(), BatchCreate, models.CatalogItem{RetailerID: "sku-1", Name: "x", Currency: "EUR"})
	var perr *models.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "Invalid price", perr.Message)
}

func TestServerErrorIsTemporary(t *testing.T) {
	c, _ := newTestServer(t, http.StatusServiceUnavailable, `upstream down`)
	_, err := c.PushItem(context.Background(), BatchDelete, models.CatalogItem{RetailerID: "sku-1"})
	var perr *models.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.True(t, perr.Temporary())
}

func TestFormatPrice(t *testing.T) {
	assert.Equal(t, "0.05 USD", FormatPrice(5, "usd"))
	assert.Equal(t, "120.00 BRL", FormatPrice(12000, "BRL"))
}

func TestNewClientRequiresToken(t *testing.T) {
	t.Setenv("WHATSAPP_TOKEN", "")
	_, err := NewClient()
	assert.Error(t, err)
}
