package platform

import (
	"context"

	"github.com/zhouzirui/z-tavern/personabot/internal/model/chat"
)

// Proxy is a channel-scoped send handle that speaks with a persona's identity.
type Proxy struct {
	ID        string `json:"id"`
	Token     string `json:"-"`
	ChannelID string `json:"channelId"`
	Name      string `json:"name"`
}

// ProxyManager creates, deletes and sends through output proxies.
//
// SendViaProxy and DeleteProxy return an error matching ErrProxyGone when the
// proxy was removed out-of-band.
type ProxyManager interface {
	FetchOrCreateProxy(ctx context.Context, channelID string, identity chat.Identity) (Proxy, error)
	DeleteProxy(ctx context.Context, proxy Proxy) error
	SendViaProxy(ctx context.Context, proxy Proxy, identity chat.Identity, text string) error
}

// MessageHandler processes one inbound message. Each call runs as its own task.
type MessageHandler func(ctx context.Context, msg chat.Message)

// MessageStream delivers channel messages to subscribers.
type MessageStream interface {
	Subscribe(channelID string, handler MessageHandler) (string, error)
	Unsubscribe(subscriptionID string)
}

// MemberResolver looks up user presentation data.
type MemberResolver interface {
	// DisplayName returns the user's name as shown in the guild, falling back
	// to their global name and then their username.
	DisplayName(ctx context.Context, guildID, userID string) (string, error)
	// AvatarURL returns the avatar of a user account, used to derive a persona
	// identity from a base account.
	AvatarURL(ctx context.Context, userID string) (string, error)
}
