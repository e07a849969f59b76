package whatsapp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

func strPtr(s string) *string    { return &s }
func f64Ptr(f float64) *float64 { return &f }

func messageFrom(user string, m *waE2E.Message) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Sender: types.NewJID(user, JIDSuffix)},
			ID:            "3EB0ABC",
			Timestamp:     time.Unix(1700000000, 0),
		},
		Message: m,
	}
}

func TestInboundFromMessage(t *testing.T) {
	tests := []struct {
		name  string
		msg   *waE2E.Message
		check func(t *testing.T, in models.InboundEvent)
	}{
		{
			name: "conversation text",
			msg:  &waE2E.Message{Conversation: strPtr("hybrid")},
			check: func(t *testing.T, in models.InboundEvent) {
				assert.Equal(t, models.InboundText, in.Kind)
				assert.Equal(t, "hybrid", in.Text)
			},
		},
		{
			name: "extended text",
			msg:  &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: strPtr("hello there")}},
			check: func(t *testing.T, in models.InboundEvent) {
				assert.Equal(t, "hello there", in.Text)
			},
		},
		{
			name: "location",
			msg: &waE2E.Message{LocationMessage: &waE2E.LocationMessage{
				DegreesLatitude: f64Ptr(38.72), DegreesLongitude: f64Ptr(-9.14), Name: strPtr("Office"),
			}},
			check: func(t *testing.T, in models.InboundEvent) {
				assert.Equal(t, models.InboundLocation, in.Kind)
				require.NotNil(t, in.Location)
				assert.InDelta(t, 38.72, in.Location.Latitude, 1e-9)
				assert.Equal(t, "Office", in.Location.Name)
			},
		},
		{
			name: "button reply",
			msg:  &waE2E.Message{ButtonsResponseMessage: &waE2E.ButtonsResponseMessage{SelectedButtonID: strPtr("grid")}},
			check: func(t *testing.T, in models.InboundEvent) {
				assert.Equal(t, models.InboundQuickReply, in.Kind)
				assert.Equal(t, "grid", in.ReplyID)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, ok := InboundFromMessage(messageFrom("15550001", tt.msg))
			require.True(t, ok)
			assert.Equal(t, "15550001", in.From)
			assert.Equal(t, "3EB0ABC", in.MessageID)
			tt.check(t, in)
		})
	}

	_, ok := InboundFromMessage(messageFrom("15550001", &waE2E.Message{}))
	assert.False(t, ok, "media and empty messages are ignored")
}

func TestStatusesFromReceipt(t *testing.T) {
	evt := &events.Receipt{
		MessageSource: types.MessageSource{Chat: types.NewJID("15550001", JIDSuffix)},
		MessageIDs:    []types.MessageID{"a", "b"},
		Type:          events.ReceiptTypeRead,
		Timestamp:     time.Now(),
	}
	got := StatusesFromReceipt(evt)
	require.Len(t, got, 2)
	assert.Equal(t, models.DeliveryRead, got[0].Status)
	assert.Equal(t, "b", got[1].ExternalID)

	evt.Type = events.ReceiptTypeReadSelf
	assert.Empty(t, StatusesFromReceipt(evt))
}

func TestForeignKeyDetection(t *testing.T) {
	assert.False(t, hasForeignKeys("/tmp/test.db"))
	assert.True(t, hasForeignKeys("file:/tmp/test.db?_foreign_keys=on"))
	assert.True(t, hasForeignKeys("/tmp/test.db?foreign_keys=on"))
}

func TestOptions(t *testing.T) {
	opts := &Opts{}
	WithDBDSN("/var/lib/flowpipe/test.db")(opts)
	WithQRCodeOutput("/tmp/qr.txt")(opts)
	WithNumericCode()(opts)
	assert.Equal(t, "/var/lib/flowpipe/test.db", opts.DBDSN)
	assert.Equal(t, "/tmp/qr.txt", opts.QRPath)
	assert.True(t, opts.NumericCode)
}

func TestMockClient(t *testing.T) {
	m := NewMockClient()
	id, err := m.SendText(context.Background(), "15550001", "hi")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.Len(t, m.Sent, 1)
	assert.Equal(t, "hi", m.Sent[0].Body)
}
