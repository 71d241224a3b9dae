package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/z-tavern/personabot/internal/model/chat"
)

// EinoBackend runs any eino ChatModel through a system/history/query chain.
type EinoBackend struct {
	id    string
	chain compose.Runnable[map[string]any, *schema.Message]
}

// NewEinoBackend compiles the prompt chain around chatModel.
func NewEinoBackend(ctx context.Context, id string, chatModel model.ChatModel) (*EinoBackend, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &EinoBackend{id: id, chain: runnable}, nil
}

// ID implements Backend.
func (b *EinoBackend) ID() string { return b.id }

// Generate implements Backend.
func (b *EinoBackend) Generate(ctx context.Context, text string, history chat.History, systemInstruction string) (string, error) {
	input := map[string]any{
		"system":  systemInstruction,
		"history": toSchemaMessages(history),
		"query":   text,
	}

	response, err := b.chain.Invoke(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to run AI chain: %w", err)
	}
	if response == nil || strings.TrimSpace(response.Content) == "" {
		return "", ErrEmptyResponse
	}
	return response.Content, nil
}

func toSchemaMessages(history chat.History) []*schema.Message {
	if len(history) == 0 {
		return nil
	}

	messages := make([]*schema.Message, 0, len(history))
	for _, turn := range history {
		switch turn.Role {
		case chat.RoleUser:
			messages = append(messages, schema.UserMessage(turn.Text))
		case chat.RolePersona:
			messages = append(messages, schema.AssistantMessage(turn.Text, nil))
		}
	}
	return messages
}
