package persona_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-tavern/personabot/internal/model/persona"
)

func TestSeedProfilesAreValid(t *testing.T) {
	for _, p := range persona.Seed() {
		require.NoError(t, p.Validate(), p.ID)
	}
}

func TestFallbackMessageDefault(t *testing.T) {
	p := persona.Profile{ID: "x", DisplayName: "X"}
	assert.Equal(t, persona.DefaultFallbackMessage, p.FallbackMessage(""))
	assert.Equal(t, "try later", p.FallbackMessage("try later"))

	p.FallbackErrorMessage = "oops"
	assert.Equal(t, "oops", p.FallbackMessage("try later"))

	p.FallbackErrorMessage = "   "
	assert.Equal(t, "try later", p.FallbackMessage("try later"))
}

func TestParseRejectsDuplicates(t *testing.T) {
	doc := []byte(`
personas:
  - id: a
    displayName: A
  - id: a
    displayName: Again
`)
	_, err := persona.Parse(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestParseRejectsSharedDisplayName(t *testing.T) {
	doc := []byte(`
personas:
  - id: a
    displayName: Twin
  - id: b
    displayName: " twin "
`)
	_, err := persona.Parse(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "share displayName")
}

func TestParseReadsAllFields(t *testing.T) {
	doc := []byte(`
personas:
  - id: bard
    displayName: The Bard
    systemInstruction: Speak in verse.
    baseIdentityRef: "1234"
    nameRecognitionEnabled: true
    respondToOtherBots: false
    replyDelayMs: 250
    fallbackErrorMessage: "My lute is broken."
    nicknameMap:
      "42": Lord Byron
`)
	items, err := persona.Parse(doc)
	require.NoError(t, err)
	require.Len(t, items, 1)

	p := items[0]
	assert.Equal(t, "The Bard", p.DisplayName)
	assert.Equal(t, "1234", p.BaseIdentityRef)
	assert.True(t, p.NameRecognition)
	assert.Equal(t, 250, p.ReplyDelayMs)

	nick, ok := p.Nickname("42")
	assert.True(t, ok)
	assert.Equal(t, "Lord Byron", nick)
}

func TestParseRejectsNegativeDelay(t *testing.T) {
	_, err := persona.Parse([]byte("personas:\n  - id: a\n    displayName: A\n    replyDelayMs: -1\n"))
	require.Error(t, err)
}

func TestMemoryStoreReplace(t *testing.T) {
	store := persona.NewMemoryStore(persona.Seed())
	_, ok := store.FindByID("socrates")
	require.True(t, ok)

	prev := store.Replace([]persona.Profile{{ID: "solo", DisplayName: "Solo"}})
	assert.Len(t, prev, 3)

	_, ok = store.FindByID("socrates")
	assert.False(t, ok)
	assert.Len(t, store.List(), 1)
}

func TestIdentityChanges(t *testing.T) {
	prev := []persona.Profile{
		{ID: "a", DisplayName: "A"},
		{ID: "b", DisplayName: "B"},
	}
	next := []persona.Profile{
		{ID: "a", DisplayName: "A", SystemInstruction: "new prompt"},
		{ID: "b", DisplayName: "Bee"},
		{ID: "c", DisplayName: "C"},
	}

	changed := persona.IdentityChanges(prev, next)
	require.Len(t, changed, 1)
	assert.Equal(t, "b", changed[0].ID)
}
