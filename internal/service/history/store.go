// Package history keeps the bounded conversation log of every
// (channel, persona) pair in a durable key-value store.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zhouzirui/z-tavern/personabot/internal/logging"
	"github.com/zhouzirui/z-tavern/personabot/internal/model/chat"
	"github.com/zhouzirui/z-tavern/personabot/internal/storage"
	"github.com/zhouzirui/z-tavern/personabot/pkg/utils"
)

// DefaultMaxTurns bounds every stored history.
const DefaultMaxTurns = 60

// Store reads and appends conversation histories.
//
// Append re-reads the stored history under a per-key lock, so concurrent
// exchanges on one pair never drop each other's turns. No lock is held
// between Read and Append: a reply may be generated from a history that
// another exchange extends in the meantime.
type Store struct {
	kv       storage.KV
	maxTurns int
	logger   *slog.Logger
	locks    utils.KeyedMutex
}

// New returns a Store that keeps at most maxTurns turns per pair.
// maxTurns is rounded down to an even number and never below 2.
func New(kv storage.KV, maxTurns int, logger *slog.Logger) *Store {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	if maxTurns < 2 {
		maxTurns = 2
	}
	maxTurns -= maxTurns % 2

	return &Store{
		kv:       kv,
		maxTurns: maxTurns,
		logger:   logging.Or(logger, logging.CompHistory),
	}
}

// MaxTurns returns the configured bound.
func (s *Store) MaxTurns() int { return s.maxTurns }

// KeyPrefix starts every history key.
const KeyPrefix = "history:"

// Key is the storage key for a pair.
func Key(channelID, personaID string) string {
	return KeyPrefix + channelID + ":" + personaID
}

// Load returns the stored history, or an empty one if absent.
func (s *Store) Load(ctx context.Context, channelID, personaID string) (chat.History, error) {
	raw, err := s.kv.Get(ctx, Key(channelID, personaID))
	if errors.Is(err, storage.ErrNotFound) {
		return chat.History{}, nil
	}
	if err != nil {
		return chat.History{}, fmt.Errorf("load history %s/%s: %w", channelID, personaID, err)
	}

	var turns chat.History
	if err := json.Unmarshal(raw, &turns); err != nil {
		return chat.History{}, fmt.Errorf("decode history %s/%s: %w", channelID, personaID, err)
	}
	return turns, nil
}

// Read is Load for the reply path: failures are logged and yield an empty history.
func (s *Store) Read(ctx context.Context, channelID, personaID string) chat.History {
	turns, err := s.Load(ctx, channelID, personaID)
	if err != nil {
		s.logger.Warn("history read failed, continuing without context",
			"channel", channelID, "persona", personaID, "error", err)
		return chat.History{}
	}
	return turns
}

// Append adds one exchange, trims the oldest pairs beyond the bound and
// persists the result. A persistence failure is logged; the returned
// history is still the in-memory result for the current exchange.
func (s *Store) Append(ctx context.Context, channelID, personaID string, userTurn, personaTurn chat.Turn) chat.History {
	key := Key(channelID, personaID)
	unlock := s.locks.Lock(key)
	defer unlock()

	turns, err := s.Load(ctx, channelID, personaID)
	if err != nil {
		// Writing now would overwrite a record we could not see.
		s.logger.Warn("history append skipped, stored record unreadable",
			"channel", channelID, "persona", personaID, "error", err)
		return Trim(chat.History{userTurn, personaTurn}, s.maxTurns)
	}
	turns = append(turns, userTurn, personaTurn)
	turns = Trim(turns, s.maxTurns)

	raw, err := json.Marshal(turns)
	if err != nil {
		s.logger.Error("history encode failed", "channel", channelID, "persona", personaID, "error", err)
		return turns
	}
	if err := s.kv.Set(ctx, key, raw); err != nil {
		s.logger.Warn("history write failed", "channel", channelID, "persona", personaID, "error", err)
	}
	return turns
}

// Reset forgets the history of a pair.
func (s *Store) Reset(ctx context.Context, channelID, personaID string) error {
	if err := s.kv.Delete(ctx, Key(channelID, personaID)); err != nil {
		return fmt.Errorf("reset history %s/%s: %w", channelID, personaID, err)
	}
	return nil
}

// Trim drops turns from the front, two at a time, until at most maxTurns
// remain. A leading persona turn (left over from a damaged record) is
// dropped first so the log keeps starting with a user turn.
func Trim(turns chat.History, maxTurns int) chat.History {
	for len(turns) > 0 && turns[0].Role != chat.RoleUser {
		turns = turns[1:]
	}
	for len(turns) > maxTurns {
		drop := 2
		if drop > len(turns) {
			drop = len(turns)
		}
		turns = turns[drop:]
	}
	out := make(chat.History, len(turns))
	copy(out, turns)
	return out
}
