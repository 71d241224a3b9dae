package ingest_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zhouzirui/z-tavern/personabot/internal/logging"
	"github.com/zhouzirui/z-tavern/personabot/internal/model/chat"
	"github.com/zhouzirui/z-tavern/personabot/internal/model/persona"
	"github.com/zhouzirui/z-tavern/personabot/internal/platform/platformtest"
	"github.com/zhouzirui/z-tavern/personabot/internal/service/ingest"
)

func newFilter() (*ingest.Filter, *platformtest.Platform) {
	fake := platformtest.New()
	return ingest.New(fake, logging.Discard()), fake
}

func TestSelfLoopAlwaysRejected(t *testing.T) {
	filter, _ := newFilter()
	msg := chat.Message{WebhookID: "proxy-1", Author: chat.Author{ID: "proxy-1", Bot: true}, Text: "echo"}

	for _, respondToBots := range []bool{false, true} {
		p := persona.Profile{ID: "p", DisplayName: "P", RespondToOtherBots: respondToBots}
		assert.Equal(t, ingest.RejectedSelf, filter.Accept(msg, "proxy-1", p))
	}
}

func TestBotAuthors(t *testing.T) {
	filter, _ := newFilter()
	msg := chat.Message{Author: chat.Author{ID: "42", Bot: true}, Text: "beep"}

	quiet := persona.Profile{ID: "p", DisplayName: "P"}
	assert.Equal(t, ingest.RejectedBot, filter.Accept(msg, "proxy-1", quiet))

	chatty := persona.Profile{ID: "p", DisplayName: "P", RespondToOtherBots: true}
	assert.Equal(t, ingest.Accepted, filter.Accept(msg, "proxy-1", chatty))

	other := chat.Message{WebhookID: "proxy-2", Author: chat.Author{ID: "proxy-2", Bot: true}}
	assert.Equal(t, ingest.Accepted, filter.Accept(other, "proxy-1", chatty))
}

func TestHumanAccepted(t *testing.T) {
	filter, _ := newFilter()
	msg := chat.Message{Author: chat.Author{ID: "7", Username: "neo"}, Text: "hi"}
	assert.Equal(t, ingest.Accepted, filter.Accept(msg, "proxy-1", persona.Profile{ID: "p", DisplayName: "P"}))
}

func TestMentionSubstitution(t *testing.T) {
	filter, fake := newFilter()
	fake.SetDisplayName("100", "Trinity")

	msg := chat.Message{
		Author: chat.Author{ID: "7", Username: "neo"},
		Text:   "hey <@100> and <@!100>, meet <@999>",
	}
	got := filter.Normalize(context.Background(), msg, persona.Profile{ID: "p", DisplayName: "P"})
	assert.Equal(t, "hey @Trinity and @Trinity, meet @UnknownUser", got)
}

func TestMentionNamesFromMessageSkipLookups(t *testing.T) {
	filter, fake := newFilter()
	fake.SetDisplayName("200", "Oracle")

	msg := chat.Message{
		Author: chat.Author{ID: "7", Username: "neo"},
		Text:   "ask <@100> or <@200>",
		Mentions: []chat.Mention{
			{ID: "100", DisplayName: "Trinity"},
			{ID: "200"},
		},
	}
	got := filter.Normalize(context.Background(), msg, persona.Profile{ID: "p", DisplayName: "P"})
	assert.Equal(t, "ask @Trinity or @Oracle", got)
	assert.Equal(t, 1, fake.Lookups())
}

func TestSpeakerPrefixPrecedence(t *testing.T) {
	filter, _ := newFilter()
	p := persona.Profile{
		ID: "p", DisplayName: "P", NameRecognition: true,
		NicknameMap: map[string]string{"7": "The One"},
	}

	withNick := chat.Message{Author: chat.Author{ID: "7", Username: "neo", DisplayName: "Thomas"}, Text: "hi"}
	assert.Equal(t, "[speaker: The One]\nhi", filter.Normalize(context.Background(), withNick, p))

	withDisplay := chat.Message{Author: chat.Author{ID: "8", Username: "morpheus", DisplayName: "Captain"}, Text: "hi"}
	assert.Equal(t, "[speaker: Captain]\nhi", filter.Normalize(context.Background(), withDisplay, p))

	bare := chat.Message{Author: chat.Author{ID: "9", Username: "tank"}, Text: "hi"}
	assert.Equal(t, "[speaker: tank]\nhi", filter.Normalize(context.Background(), bare, p))
}

func TestNoPrefixWithoutNameRecognition(t *testing.T) {
	filter, _ := newFilter()
	msg := chat.Message{Author: chat.Author{ID: "7", Username: "neo"}, Text: "plain"}
	assert.Equal(t, "plain", filter.Normalize(context.Background(), msg, persona.Profile{ID: "p", DisplayName: "P"}))
}
