package testutil

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

func TestFakeProvider(t *testing.T) {
	p := NewFakeProvider()
	id, err := p.SendMessage(context.Background(), TestUser, models.PayloadSpec{Kind: models.PayloadText, Body: "one"})
	require.NoError(t, err)
	assert.Equal(t, "wamid.fake-1", id)

	p.Fail(errors.New("down"))
	_, err = p.SendMessage(context.Background(), TestUser, models.PayloadSpec{Kind: models.PayloadText, Body: "two"})
	assert.EqualError(t, err, "down")

	p.Fail(nil)
	id, err = p.SendMessage(context.Background(), TestUser, models.PayloadSpec{Kind: models.PayloadText, Body: "three"})
	require.NoError(t, err)
	assert.Equal(t, "wamid.fake-2", id)
	assert.Equal(t, []string{"one", "three"}, p.Bodies())
}

func TestNewTestServerServesHealth(t *testing.T) {
	srv, _ := NewTestServer(t)
	rr := Do(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	AssertHTTPStatus(t, http.StatusOK, rr, "health")
	DecodeResponse(t, rr, models.APIStatusOK, nil)
}
