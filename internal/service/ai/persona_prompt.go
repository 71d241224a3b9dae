package ai

import (
	"strings"

	"github.com/zhouzirui/z-tavern/personabot/internal/model/persona"
)

const speakerRules = `频道里有多位参与者。每条用户消息以 "[speaker: 名字]" 开头标明发言者，
请据此称呼对方、区分不同的人，但不要在回复中复述这个前缀。`

const channelRules = `你正以角色身份在一个多人聊天频道中发言。保持角色一致性，
回复要像聊天消息一样自然，不要使用"作为AI"之类的说法。`

// BuildSystemInstruction assembles the instruction sent with every request for p.
func BuildSystemInstruction(p persona.Profile) string {
	var builder strings.Builder

	base := strings.TrimSpace(p.SystemInstruction)
	if base == "" {
		base = "你是" + p.DisplayName + "。"
		if p.Title != "" {
			base = "你是" + p.DisplayName + "，" + p.Title + "。"
		}
	}
	builder.WriteString(base)

	builder.WriteString("\n\n")
	builder.WriteString(channelRules)

	if p.NameRecognition {
		builder.WriteString("\n\n")
		builder.WriteString(speakerRules)
	}
	return builder.String()
}
