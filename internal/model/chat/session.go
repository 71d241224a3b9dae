package chat

import "time"

// Identity is the face an output proxy presents in a channel.
type Identity struct {
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// SessionInfo is a read-only snapshot of an active persona binding.
type SessionInfo struct {
	ChannelID string    `json:"channelId"`
	PersonaID string    `json:"personaId"`
	ProxyID   string    `json:"proxyId"`
	CreatedAt time.Time `json:"createdAt"`
}
