package ai_test

import (
	"context"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-tavern/personabot/internal/config"
	"github.com/zhouzirui/z-tavern/personabot/internal/logging"
	"github.com/zhouzirui/z-tavern/personabot/internal/model/chat"
	"github.com/zhouzirui/z-tavern/personabot/internal/service/ai"
)

type recordingModel struct {
	input []*schema.Message
	reply string
}

func (m *recordingModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.input = input
	return schema.AssistantMessage(m.reply, nil), nil
}

func (m *recordingModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (m *recordingModel) BindTools([]*schema.ToolInfo) error { return nil }

func TestEinoBackendBuildsConversation(t *testing.T) {
	ctx := context.Background()
	fake := &recordingModel{reply: "well met"}

	backend, err := ai.NewEinoBackend(ctx, "ark:test", fake)
	require.NoError(t, err)
	assert.Equal(t, "ark:test", backend.ID())

	history := chat.History{chat.UserTurn("hello {there}"), chat.PersonaTurn("hi")}
	got, err := backend.Generate(ctx, "how are you?", history, "You are a bard.")
	require.NoError(t, err)
	assert.Equal(t, "well met", got)

	require.Len(t, fake.input, 4)
	assert.Equal(t, schema.System, fake.input[0].Role)
	assert.Equal(t, "You are a bard.", fake.input[0].Content)
	assert.Equal(t, schema.User, fake.input[1].Role)
	assert.Equal(t, "hello {there}", fake.input[1].Content)
	assert.Equal(t, schema.Assistant, fake.input[2].Role)
	assert.Equal(t, schema.User, fake.input[3].Role)
	assert.Equal(t, "how are you?", fake.input[3].Content)
}

func TestEinoBackendEmptyReply(t *testing.T) {
	ctx := context.Background()
	backend, err := ai.NewEinoBackend(ctx, "ark:test", &recordingModel{reply: "  "})
	require.NoError(t, err)

	_, err = backend.Generate(ctx, "hi", nil, "sys")
	assert.ErrorIs(t, err, ai.ErrEmptyResponse)
}

func TestNewBackendsSkipsMissingCredentials(t *testing.T) {
	cfg := config.AIConfig{
		Backends: []config.BackendSpec{
			{Provider: config.ProviderGemini, Model: "gemini-2.5-pro"},
			{Provider: config.ProviderArk, Model: "doubao"},
		},
	}
	backends := ai.NewBackends(context.Background(), cfg, logging.Discard())
	assert.Empty(t, backends)
}
