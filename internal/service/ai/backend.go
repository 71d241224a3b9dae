package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zhouzirui/z-tavern/personabot/internal/config"
	"github.com/zhouzirui/z-tavern/personabot/internal/logging"
	"github.com/zhouzirui/z-tavern/personabot/internal/model/chat"
)

// ErrEmptyResponse is returned by a backend that produced no text.
var ErrEmptyResponse = errors.New("backend returned empty response")

// Backend is one remote language model able to continue a conversation.
type Backend interface {
	ID() string
	Generate(ctx context.Context, text string, history chat.History, systemInstruction string) (string, error)
}

// NewBackends builds the configured backends in order. An entry whose
// credentials are missing or whose client cannot be created is skipped with
// a warning; the remaining order is preserved.
func NewBackends(ctx context.Context, cfg config.AIConfig, logger *slog.Logger) []Backend {
	logger = logging.Or(logger, logging.CompEngine)
	backends := make([]Backend, 0, len(cfg.Backends))
	for _, spec := range cfg.Backends {
		backend, err := newBackend(ctx, cfg, spec)
		if err != nil {
			logger.Warn("backend disabled", "backend", spec.ID(), "error", err)
			continue
		}
		logger.Info("backend ready", "backend", spec.ID())
		backends = append(backends, backend)
	}
	return backends
}

func newBackend(ctx context.Context, cfg config.AIConfig, spec config.BackendSpec) (Backend, error) {
	switch spec.Provider {
	case config.ProviderArk:
		chatModel, err := cfg.NewChatModel(ctx, spec.Model)
		if err != nil {
			return nil, fmt.Errorf("failed to create chat model: %w", err)
		}
		return NewEinoBackend(ctx, spec.ID(), chatModel)
	case config.ProviderGemini:
		if !cfg.GeminiEnabled() {
			return nil, errors.New("GEMINI_API_KEY is not set")
		}
		return NewGenAIBackend(ctx, cfg.GeminiAPIKey, spec.Model)
	default:
		return nil, fmt.Errorf("unknown provider %q", spec.Provider)
	}
}
