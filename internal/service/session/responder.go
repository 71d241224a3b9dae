package session

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/zhouzirui/z-tavern/personabot/internal/logging"
	"github.com/zhouzirui/z-tavern/personabot/internal/model/chat"
	"github.com/zhouzirui/z-tavern/personabot/internal/model/persona"
	"github.com/zhouzirui/z-tavern/personabot/internal/platform"
	"github.com/zhouzirui/z-tavern/personabot/internal/service/ai"
	"github.com/zhouzirui/z-tavern/personabot/internal/service/dispatch"
	"github.com/zhouzirui/z-tavern/personabot/internal/service/history"
	"github.com/zhouzirui/z-tavern/personabot/internal/service/ingest"
)

// Target is the session a message was delivered to.
type Target struct {
	Key      Key
	Profile  persona.Profile
	Proxy    platform.Proxy
	Identity chat.Identity
	OnGone   func()
}

// Responder turns one inbound channel message into a persona reply.
type Responder struct {
	personas   persona.Store
	filter     *ingest.Filter
	history    *history.Store
	engine     *ai.Engine
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

// NewResponder wires the reply pipeline.
func NewResponder(personas persona.Store, filter *ingest.Filter, store *history.Store, engine *ai.Engine, dispatcher *dispatch.Dispatcher, logger *slog.Logger) *Responder {
	return &Responder{
		personas:   personas,
		filter:     filter,
		history:    store,
		engine:     engine,
		dispatcher: dispatcher,
		logger:     logging.Or(logger, logging.CompSession),
	}
}

// Handle runs filter, history, generation and delivery for msg. It never
// fails: every problem downstream is absorbed and logged.
func (r *Responder) Handle(ctx context.Context, target Target, msg chat.Message) {
	profile := target.Profile
	if fresh, ok := r.personas.FindByID(target.Key.PersonaID); ok {
		profile = fresh
	}

	if verdict := r.filter.Accept(msg, target.Proxy.ID, profile); verdict != ingest.Accepted {
		r.logger.Debug("message ignored", "channel", target.Key.ChannelID, "persona", profile.ID,
			"message", msg.ID, "reason", verdict)
		return
	}

	if strings.TrimSpace(msg.Text) == "" {
		r.logger.Debug("empty message ignored", "channel", target.Key.ChannelID, "message", msg.ID)
		return
	}
	text := r.filter.Normalize(ctx, msg, profile)

	started := time.Now()
	past := r.history.Read(ctx, target.Key.ChannelID, profile.ID)
	reply := r.engine.Generate(ctx, profile, text, past)
	r.history.Append(ctx, target.Key.ChannelID, profile.ID, chat.UserTurn(text), chat.PersonaTurn(reply))

	sent := r.dispatcher.Deliver(ctx, dispatch.Delivery{
		Proxy:    target.Proxy,
		Identity: target.Identity,
		Text:     reply,
		Delay:    time.Duration(profile.ReplyDelayMs) * time.Millisecond,
		OnGone:   target.OnGone,
	})
	r.logger.Info("reply delivered", "channel", target.Key.ChannelID, "persona", profile.ID,
		"message", msg.ID, "chunks", sent, "history_turns", len(past), "elapsed", time.Since(started))
}
