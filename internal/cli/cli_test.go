package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/FlowPipe/internal/api"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/testutil"
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
  thanks:
    type: terminal
    payload: {kind: text, body: Thanks!}
`

func startServer(t *testing.T) (*api.Server, *testutil.FakeProvider, *httptest.Server) {
	t.Helper()
	srv, provider := testutil.NewTestServer(t)
	testutil.PublishFlow(t, srv, installFlow)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, provider, ts
}

func execute(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", server}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommandStructure(t *testing.T) {
	cmd := NewRootCommand()
	for _, path := range [][]string{
		{"sync", "list"}, {"sync", "show"}, {"sync", "reset"},
		{"flows", "list"}, {"flows", "publish"},
		{"conversations", "show"}, {"conv", "resume"},
	} {
		found, _, err := cmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], found.Name())
	}
	assert.NotNil(t, cmd.PersistentFlags().Lookup("server"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("format"))

	_, err := execute(t, DefaultServer, "--format", "yaml", "sync", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestSyncCommands(t *testing.T) {
	srv, provider, ts := startServer(t)
	provider.Fail(errors.New("provider down"))
	h := srv.Handler()
	testutil.Do(t, h, http.MethodPost, "/webhook", testutil.CloudTextWebhook("wamid.in-1", "hi"))
	testutil.Flush(t, srv)

	out, err := execute(t, ts.URL, "--format", "json", "sync", "list", "--status", "retry_pending")
	require.NoError(t, err)
	var recs []models.SyncRecord
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	require.Len(t, recs, 1)
	id := recs[0].ID

	out, err = execute(t, ts.URL, "sync", "list", "--class", "message")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "ID"))
	assert.Contains(t, out, id)
	assert.Contains(t, out, "retry_pending")

	out, err = execute(t, ts.URL, "sync", "show", id)
	require.NoError(t, err)
	assert.Contains(t, out, "provider down")
	assert.Contains(t, out, "ATTEMPT")
	assert.Contains(t, out, "Next attempt:")

	out, err = execute(t, ts.URL, "sync", "reset", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Reset "+id)

	rec, err := srv.Store().GetSyncRecord(id)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.AttemptCount)
}

func TestSyncShowMissingRecord(t *testing.T) {
	_, _, ts := startServer(t)

	_, err := execute(t, ts.URL, "sync", "show", "message_missing")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	_, err = execute(t, ts.URL, "sync", "list", "--status", "bogus")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func TestUnreachableServer(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := execute(t, url, "flows", "list")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestFlowsPublishAndList(t *testing.T) {
	_, _, ts := startServer(t)
	file := filepath.Join(t.TempDir(), "main.yaml")
	require.NoError(t, os.WriteFile(file, []byte(strings.Replace(installFlow, "version: 1", "version: 2", 1)), 0o644))

	out, err := execute(t, ts.URL, "flows", "publish", file)
	require.NoError(t, err)
	assert.Contains(t, out, "Published main v2")

	_, err = execute(t, ts.URL, "flows", "publish", file)
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)

	_, err = execute(t, ts.URL, "flows", "publish", filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	out, err = execute(t, ts.URL, "--format", "json", "flows", "list", "--active")
	require.NoError(t, err)
	var defs []models.FlowDefinition
	require.NoError(t, json.Unmarshal([]byte(out), &defs))
	require.Len(t, defs, 1)
	assert.Equal(t, 2, defs[0].Version)

	out, err = execute(t, ts.URL, "flows", "list")
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(out, "\n"), "header plus two versions")
}

func TestConversationCommands(t *testing.T) {
	srv, _, ts := startServer(t)
	h := srv.Handler()
	testutil.Do(t, h, http.MethodPost, "/webhook", testutil.CloudTextWebhook("wamid.in-1", "hi"))
	testutil.Do(t, h, http.MethodPost, "/webhook", testutil.CloudTextWebhook("wamid.in-2", "agent"))
	testutil.Flush(t, srv)

	conv, err := srv.Store().GetConversationByIdentity(testutil.TestUser)
	require.NoError(t, err)
	require.NotNil(t, conv)

	out, err := execute(t, ts.URL, "conversations", "show", conv.ID)
	require.NoError(t, err)
	assert.Contains(t, out, string(models.ConversationHandover))
	assert.Contains(t, out, "handover")

	out, err = execute(t, ts.URL, "conversations", "resume", conv.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Resumed "+conv.ID)

	_, err = execute(t, ts.URL, "conv", "resume", "nope")
	assert.Equal(t, ExitFailure, GetExitCode(err))
}
