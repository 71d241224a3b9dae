// Package ingest decides which channel messages reach a persona and
// rewrites them into the text the model sees.
package ingest

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/zhouzirui/z-tavern/personabot/internal/logging"
	"github.com/zhouzirui/z-tavern/personabot/internal/model/chat"
	"github.com/zhouzirui/z-tavern/personabot/internal/model/persona"
	"github.com/zhouzirui/z-tavern/personabot/internal/platform"
)

// UnknownUser replaces mentions that cannot be resolved.
const UnknownUser = "@UnknownUser"

var mentionPattern = regexp.MustCompile(`<@!?(\d+)>`)

// Verdict explains an Accept decision.
type Verdict string

const (
	Accepted     Verdict = "accepted"
	RejectedSelf Verdict = "own-proxy"
	RejectedBot  Verdict = "bot-author"
)

// Filter applies a persona's ingestion rules.
type Filter struct {
	resolver platform.MemberResolver
	logger   *slog.Logger
}

// New returns a Filter resolving mentions through resolver.
func New(resolver platform.MemberResolver, logger *slog.Logger) *Filter {
	return &Filter{resolver: resolver, logger: logging.Or(logger, logging.CompSession)}
}

// Accept reports whether msg should be answered by the session that owns
// proxyID. Messages from the session's own proxy are always rejected.
func (f *Filter) Accept(msg chat.Message, proxyID string, p persona.Profile) Verdict {
	if msg.FromProxy(proxyID) {
		return RejectedSelf
	}
	if msg.Author.Bot && !p.RespondToOtherBots {
		return RejectedBot
	}
	return Accepted
}

// Normalize substitutes mentions and, with name recognition on, prefixes
// the speaker's name. Names carried by the message are used first; the
// resolver is only asked about mentions the message did not describe.
func (f *Filter) Normalize(ctx context.Context, msg chat.Message, p persona.Profile) string {
	text := f.replaceMentions(ctx, msg)
	if !p.NameRecognition {
		return text
	}
	return "[speaker: " + SpeakerName(msg.Author, p) + "]\n" + text
}

// SpeakerName picks the persona's nickname for the author, then the
// author's channel display name, then the account username.
func SpeakerName(author chat.Author, p persona.Profile) string {
	if nick, ok := p.Nickname(author.ID); ok {
		return nick
	}
	if name := strings.TrimSpace(author.DisplayName); name != "" {
		return name
	}
	return author.Username
}

func (f *Filter) replaceMentions(ctx context.Context, msg chat.Message) string {
	if !strings.Contains(msg.Text, "<@") {
		return msg.Text
	}

	resolved := make(map[string]string, len(msg.Mentions))
	for _, m := range msg.Mentions {
		if name := strings.TrimSpace(m.DisplayName); name != "" {
			resolved[m.ID] = "@" + name
		}
	}
	return mentionPattern.ReplaceAllStringFunc(msg.Text, func(token string) string {
		userID := mentionPattern.FindStringSubmatch(token)[1]
		if name, ok := resolved[userID]; ok {
			return name
		}
		name := f.lookup(ctx, msg.GuildID, userID)
		resolved[userID] = name
		return name
	})
}

func (f *Filter) lookup(ctx context.Context, guildID, userID string) string {
	if f.resolver == nil {
		return UnknownUser
	}
	name, err := f.resolver.DisplayName(ctx, guildID, userID)
	if err != nil || strings.TrimSpace(name) == "" {
		f.logger.Debug("mention lookup failed", "user", userID, "error", err)
		return UnknownUser
	}
	return "@" + name
}
