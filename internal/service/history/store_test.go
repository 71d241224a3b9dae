package history_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-tavern/personabot/internal/logging"
	"github.com/zhouzirui/z-tavern/personabot/internal/model/chat"
	"github.com/zhouzirui/z-tavern/personabot/internal/service/history"
	"github.com/zhouzirui/z-tavern/personabot/internal/storage"
)

func newStore(kv storage.KV) *history.Store {
	return history.New(kv, history.DefaultMaxTurns, logging.Discard())
}

func TestReadEmpty(t *testing.T) {
	store := newStore(storage.NewMemory())
	got := store.Read(context.Background(), "C", "P")
	assert.Empty(t, got)
}

func TestSingleExchange(t *testing.T) {
	ctx := context.Background()
	store := newStore(storage.NewMemory())

	store.Append(ctx, "C", "P", chat.UserTurn("hi"), chat.PersonaTurn("hello"))

	want := chat.History{
		{Role: chat.RoleUser, Text: "hi"},
		{Role: chat.RolePersona, Text: "hello"},
	}
	if diff := cmp.Diff(want, store.Read(ctx, "C", "P")); diff != "" {
		t.Fatalf("history mismatch (-want +got):\n%s", diff)
	}
}

func TestBoundedAfterSixtyOneExchanges(t *testing.T) {
	ctx := context.Background()
	store := newStore(storage.NewMemory())

	for i := 1; i <= 61; i++ {
		store.Append(ctx, "C", "P",
			chat.UserTurn(fmt.Sprintf("u%d", i)),
			chat.PersonaTurn(fmt.Sprintf("p%d", i)))
	}

	got := store.Read(ctx, "C", "P")
	require.Len(t, got, 60)
	assert.Equal(t, "u32", got[0].Text)
	assert.Equal(t, "p61", got[len(got)-1].Text)
	for _, turn := range got {
		assert.NotEqual(t, "u1", turn.Text)
		assert.NotEqual(t, "p1", turn.Text)
	}
}

func TestLengthAlwaysEvenAndBounded(t *testing.T) {
	ctx := context.Background()
	store := history.New(storage.NewMemory(), 7, logging.Discard())
	assert.Equal(t, 6, store.MaxTurns())

	for i := 0; i < 25; i++ {
		got := store.Append(ctx, "C", "P", chat.UserTurn("u"), chat.PersonaTurn("p"))
		assert.LessOrEqual(t, len(got), 6)
		assert.Zero(t, len(got)%2)
		for j, turn := range got {
			if j%2 == 0 {
				assert.Equal(t, chat.RoleUser, turn.Role)
			} else {
				assert.Equal(t, chat.RolePersona, turn.Role)
			}
		}
	}
}

func TestPairsAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := newStore(storage.NewMemory())

	store.Append(ctx, "C", "P", chat.UserTurn("a"), chat.PersonaTurn("b"))
	store.Append(ctx, "C", "Q", chat.UserTurn("c"), chat.PersonaTurn("d"))

	assert.Len(t, store.Read(ctx, "C", "P"), 2)
	assert.Len(t, store.Read(ctx, "C", "Q"), 2)
	assert.Empty(t, store.Read(ctx, "D", "P"))

	require.NoError(t, store.Reset(ctx, "C", "P"))
	assert.Empty(t, store.Read(ctx, "C", "P"))
}

func TestConcurrentAppendsKeepEveryExchange(t *testing.T) {
	ctx := context.Background()
	store := newStore(storage.NewMemory())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			store.Append(ctx, "C", "P", chat.UserTurn(fmt.Sprint(i)), chat.PersonaTurn("ok"))
		}(i)
	}
	wg.Wait()

	assert.Len(t, store.Read(ctx, "C", "P"), 20)
}

type failingKV struct {
	storage.KV
	failGet bool
	failSet bool
}

func (f *failingKV) Get(ctx context.Context, key string) ([]byte, error) {
	if f.failGet {
		return nil, errors.New("disk on fire")
	}
	return f.KV.Get(ctx, key)
}

func (f *failingKV) Set(ctx context.Context, key string, value []byte) error {
	if f.failSet {
		return errors.New("disk full")
	}
	return f.KV.Set(ctx, key, value)
}

func TestWriteFailureStillReturnsExchange(t *testing.T) {
	ctx := context.Background()
	kv := &failingKV{KV: storage.NewMemory(), failSet: true}
	store := newStore(kv)

	got := store.Append(ctx, "C", "P", chat.UserTurn("hi"), chat.PersonaTurn("hello"))
	assert.Len(t, got, 2)

	kv.failSet = false
	assert.Empty(t, store.Read(ctx, "C", "P"))
}

func TestReadFailureDoesNotClobber(t *testing.T) {
	ctx := context.Background()
	kv := &failingKV{KV: storage.NewMemory()}
	store := newStore(kv)

	store.Append(ctx, "C", "P", chat.UserTurn("one"), chat.PersonaTurn("two"))

	kv.failGet = true
	assert.Empty(t, store.Read(ctx, "C", "P"))
	store.Append(ctx, "C", "P", chat.UserTurn("three"), chat.PersonaTurn("four"))

	kv.failGet = false
	got := store.Read(ctx, "C", "P")
	require.Len(t, got, 2)
	assert.Equal(t, "one", got[0].Text)
}

func TestTrimDropsLeadingPersonaTurn(t *testing.T) {
	damaged := chat.History{
		chat.PersonaTurn("orphan"),
		chat.UserTurn("u"),
		chat.PersonaTurn("p"),
	}
	got := history.Trim(damaged, 60)
	require.Len(t, got, 2)
	assert.Equal(t, chat.RoleUser, got[0].Role)
}
