package genai

import (
	"context"
	"errors"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockChatService struct {
	replies []string
	err     error
	calls   []openai.ChatCompletionNewParams
}

func (m *mockChatService) New(_ context.Context, params openai.ChatCompletionNewParams, _ ...option.RequestOption) (*openai.ChatCompletion, error) {
	m.calls = append(m.calls, params)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.replies) == 0 {
		return &openai.ChatCompletion{}, nil
	}
	reply := m.replies[0]
	m.replies = m.replies[1:]
	return &openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{
		{Message: openai.ChatCompletionMessage{Content: reply}},
	}}, nil
}

func testClient(mock *mockChatService, opts ...Option) *Client {
	cfg := Opts{Model: DefaultModel, SystemPrompt: DefaultSystemPrompt, HistoryTurns: 2, MaxTokens: DefaultMaxTokens}
	for _, opt := range opts {
		opt(&cfg)
	}
	return newClient(mock, cfg)
}

func TestGeneratePrompt(t *testing.T) {
	mock := &mockChatService{replies: []string{" Hello World \n"}}
	out, err := testClient(mock).GeneratePrompt(context.Background(), "system prompt", "user prompt")
	require.NoError(t, err)
	assert.Equal(t, "Hello World", out)
	require.Len(t, mock.calls, 1)
	assert.Len(t, mock.calls[0].Messages, 2)
	assert.Equal(t, openai.ChatModelGPT4oMini, mock.calls[0].Model)
}

func TestGeneratePromptErrors(t *testing.T) {
	_, err := testClient(&mockChatService{err: errors.New("service failure")}).GeneratePrompt(context.Background(), "s", "u")
	assert.ErrorContains(t, err, "service failure")

	_, err = testClient(&mockChatService{}).GeneratePrompt(context.Background(), "s", "u")
	assert.ErrorIs(t, err, ErrNoChoicesReturned)
}

func TestReplyKeepsBoundedHistory(t *testing.T) {
	mock := &mockChatService{replies: []string{"one", "two", "three", "four"}}
	c := testClient(mock)
	ctx := context.Background()

	for _, q := range []string{"q1", "q2", "q3"} {
		_, err := c.Reply(ctx, "conv-1", q)
		require.NoError(t, err)
	}
	// system + 2 stored exchanges + the new question
	assert.Len(t, mock.calls[2].Messages, 1+2*2+1)

	_, err := c.Reply(ctx, "conv-2", "other")
	require.NoError(t, err)
	assert.Len(t, mock.calls[3].Messages, 2, "history is per conversation")

	c.Forget("conv-1")
	c.mu.Lock()
	_, ok := c.history["conv-1"]
	c.mu.Unlock()
	assert.False(t, ok)
}

func TestNewClientRequiresKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient()
	assert.ErrorIs(t, err, ErrNoAPIKey)

	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-4o"), WithHistoryTurns(0))
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", cli.model)
	assert.Equal(t, 0, cli.turns)
}
