package chat

import "time"

// Role identifies the speaker of a conversation turn.
type Role string

const (
	RoleUser    Role = "user"
	RolePersona Role = "persona"
)

// Turn is one message in a persona conversation.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// UserTurn builds a user turn.
func UserTurn(text string) Turn { return Turn{Role: RoleUser, Text: text} }

// PersonaTurn builds a persona turn.
func PersonaTurn(text string) Turn { return Turn{Role: RolePersona, Text: text} }

// History is the ordered conversation log for one (channel, persona) pair.
type History []Turn

// Message is an inbound channel message as delivered by the platform gateway.
type Message struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channelId"`
	GuildID   string    `json:"guildId,omitempty"`
	Author    Author    `json:"author"`
	WebhookID string    `json:"webhookId,omitempty"`
	Text      string    `json:"text"`
	Mentions  []Mention `json:"mentions,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Mention is a user referenced in a Message. DisplayName is whatever the
// platform sent along with the message and may be empty.
type Mention struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

// Author describes who sent a Message.
type Author struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	Bot         bool   `json:"bot"`
}

// FromProxy reports whether the message was posted through the given output proxy.
func (m Message) FromProxy(proxyID string) bool {
	return proxyID != "" && m.WebhookID == proxyID
}
