package ai

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zhouzirui/z-tavern/personabot/internal/logging"
	"github.com/zhouzirui/z-tavern/personabot/internal/model/chat"
	"github.com/zhouzirui/z-tavern/personabot/internal/model/persona"
)

// DefaultTimeout bounds a single backend attempt.
const DefaultTimeout = 60 * time.Second

// Engine produces persona replies by trying its backends in order.
// The order is the whole retry strategy: each backend gets one attempt.
type Engine struct {
	backends        []Backend
	timeout         time.Duration
	defaultFallback string
	logger          *slog.Logger
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithTimeout bounds every backend attempt. Zero disables the bound.
func WithTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.timeout = d }
}

// WithDefaultFallback replaces the text used for profiles without their own
// fallback message.
func WithDefaultFallback(text string) EngineOption {
	return func(e *Engine) {
		if text != "" {
			e.defaultFallback = text
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine returns an Engine over backends, highest priority first.
func NewEngine(backends []Backend, opts ...EngineOption) *Engine {
	e := &Engine{
		backends:        append([]Backend(nil), backends...),
		timeout:         DefaultTimeout,
		defaultFallback: persona.DefaultFallbackMessage,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.Or(e.logger, logging.CompEngine)
	return e
}

// Backends returns the backend identifiers in attempt order.
func (e *Engine) Backends() []string {
	ids := make([]string, len(e.backends))
	for i, b := range e.backends {
		ids[i] = b.ID()
	}
	return ids
}

// Generate returns reply text for one normalized message. It never fails:
// when every backend errors the profile's fallback message is returned.
func (e *Engine) Generate(ctx context.Context, p persona.Profile, text string, history chat.History) string {
	instruction := BuildSystemInstruction(p)

	for _, backend := range e.backends {
		reply, err := e.attempt(ctx, backend, text, history, instruction)
		if err == nil {
			e.logger.Info("generated reply",
				"persona", p.ID, "backend", backend.ID(), "length", len(reply))
			return reply
		}
		e.logger.Warn("backend failed, trying next",
			"persona", p.ID, "backend", backend.ID(), "error", err)
		if ctx.Err() != nil {
			break
		}
	}

	e.logger.Error("all backends failed, sending fallback", "persona", p.ID, "backends", len(e.backends))
	return p.FallbackMessage(e.defaultFallback)
}

func (e *Engine) attempt(ctx context.Context, backend Backend, text string, history chat.History, instruction string) (reply string, err error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return backend.Generate(ctx, text, history, instruction)
}

type panicError struct {
	value any
}

func (p *panicError) Error() string {
	return fmt.Sprintf("backend panicked: %v", p.value)
}
