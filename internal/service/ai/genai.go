package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/zhouzirui/z-tavern/personabot/internal/model/chat"
)

// GenAIBackend talks to a Gemini model through google.golang.org/genai.
type GenAIBackend struct {
	client *genai.Client
	model  string
}

// NewGenAIBackend creates a client bound to one model.
func NewGenAIBackend(ctx context.Context, apiKey, model string) (*GenAIBackend, error) {
	if apiKey == "" {
		return nil, errors.New("GenAI API key is required")
	}
	if model == "" {
		return nil, errors.New("GenAI model is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIBackend{client: client, model: model}, nil
}

// ID implements Backend.
func (b *GenAIBackend) ID() string { return "gemini:" + b.model }

// Generate implements Backend.
func (b *GenAIBackend) Generate(ctx context.Context, text string, history chat.History, systemInstruction string) (string, error) {
	contents := toGenAIContents(history)
	contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))

	cfg := &genai.GenerateContentConfig{}
	if strings.TrimSpace(systemInstruction) != "" {
		cfg.SystemInstruction = genai.NewContentFromText(systemInstruction, genai.RoleUser)
	}

	resp, err := b.client.Models.GenerateContent(ctx, b.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("generateContent %s: %w", b.model, err)
	}
	reply := resp.Text()
	if strings.TrimSpace(reply) == "" {
		return "", ErrEmptyResponse
	}
	return reply, nil
}

func toGenAIContents(history chat.History) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, turn := range history {
		switch turn.Role {
		case chat.RoleUser:
			contents = append(contents, genai.NewContentFromText(turn.Text, genai.RoleUser))
		case chat.RolePersona:
			contents = append(contents, genai.NewContentFromText(turn.Text, genai.RoleModel))
		}
	}
	return contents
}
