package persona

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultFallbackMessage is shown when a profile does not configure its own.
const DefaultFallbackMessage = "……（信号不太好，稍后再和我聊吧。）"

// Profile captures the identity and behavior of a summonable persona.
// Profiles are edited outside the session subsystem and treated as read-only here.
type Profile struct {
	ID                   string            `json:"id" yaml:"id"`
	DisplayName          string            `json:"displayName" yaml:"displayName"`
	Title                string            `json:"title,omitempty" yaml:"title,omitempty"`
	SystemInstruction    string            `json:"systemInstruction" yaml:"systemInstruction"`
	BaseIdentityRef      string            `json:"baseIdentityRef,omitempty" yaml:"baseIdentityRef,omitempty"`
	AvatarURL            string            `json:"avatarUrl,omitempty" yaml:"avatarUrl,omitempty"`
	NameRecognition      bool              `json:"nameRecognitionEnabled" yaml:"nameRecognitionEnabled"`
	RespondToOtherBots   bool              `json:"respondToOtherBots" yaml:"respondToOtherBots"`
	ReplyDelayMs         int               `json:"replyDelayMs" yaml:"replyDelayMs"`
	FallbackErrorMessage string            `json:"fallbackErrorMessage,omitempty" yaml:"fallbackErrorMessage,omitempty"`
	NicknameMap          map[string]string `json:"nicknameMap,omitempty" yaml:"nicknameMap,omitempty"`
}

// Validate reports the first structural problem with the profile.
func (p Profile) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("persona id is required")
	}
	if strings.TrimSpace(p.DisplayName) == "" {
		return fmt.Errorf("persona %s: displayName is required", p.ID)
	}
	if p.ReplyDelayMs < 0 {
		return fmt.Errorf("persona %s: replyDelayMs must be >= 0, got %d", p.ID, p.ReplyDelayMs)
	}
	return nil
}

// FallbackMessage returns the configured failure reply, or defaultText when
// the profile has none. An empty defaultText means DefaultFallbackMessage.
func (p Profile) FallbackMessage(defaultText string) string {
	if msg := strings.TrimSpace(p.FallbackErrorMessage); msg != "" {
		return p.FallbackErrorMessage
	}
	if strings.TrimSpace(defaultText) != "" {
		return defaultText
	}
	return DefaultFallbackMessage
}

// Nickname looks up the configured nickname for an external user.
func (p Profile) Nickname(userID string) (string, bool) {
	name, ok := p.NicknameMap[userID]
	if !ok || strings.TrimSpace(name) == "" {
		return "", false
	}
	return name, true
}

// SameIdentity reports whether two profiles would produce the same output proxy.
func (p Profile) SameIdentity(other Profile) bool {
	return p.DisplayName == other.DisplayName &&
		p.AvatarURL == other.AvatarURL &&
		p.BaseIdentityRef == other.BaseIdentityRef
}

// Seed provides the default personas used when no profile file is configured.
func Seed() []Profile {
	return []Profile{
		{
			ID:          "harry-potter",
			DisplayName: "哈利·波特",
			Title:       "勇敢的魔法师",
			SystemInstruction: "你是哈利·波特，霍格沃茨的年轻巫师。保持少年感与忠诚，" +
				"善用魔法世界的隐喻回应频道里的朋友，回答简短自然。",
			NameRecognition:      true,
			FallbackErrorMessage: "呃……我的魔杖好像出了点问题，待会儿再聊？",
		},
		{
			ID:          "socrates",
			DisplayName: "苏格拉底",
			Title:       "哲学引路人",
			SystemInstruction: "你是苏格拉底。多用反问引导思考，肯定对方感受，" +
				"避免直接说教，每次只提出一个问题。",
			NameRecognition: true,
			ReplyDelayMs:    800,
		},
		{
			ID:          "iron-man",
			DisplayName: "钢铁侠",
			Title:       "科技先锋",
			SystemInstruction: "你是托尼·斯塔克。保持快节奏机智回复，以科技隐喻回应情绪，" +
				"偶尔调侃其他机器人。",
			RespondToOtherBots:   true,
			FallbackErrorMessage: "Jarvis 掉线了。给我一分钟。",
		},
	}
}
