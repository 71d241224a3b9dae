// Package dispatch delivers persona replies through an output proxy,
// splitting them to fit the platform's message size limit.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/zhouzirui/z-tavern/personabot/internal/logging"
	"github.com/zhouzirui/z-tavern/personabot/internal/model/chat"
	"github.com/zhouzirui/z-tavern/personabot/internal/platform"
)

// DefaultMaxLength is the platform message limit in characters.
const DefaultMaxLength = 2000

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Delivery is one reply bound for a channel.
type Delivery struct {
	Proxy    platform.Proxy
	Identity chat.Identity
	Text     string
	// Delay is waited before every chunk.
	Delay time.Duration
	// OnGone is called once if the proxy turns out to be deleted.
	OnGone func()
}

// Dispatcher chunks and sends replies.
type Dispatcher struct {
	proxies   platform.ProxyManager
	maxLength int
	sleep     SleepFunc
	logger    *slog.Logger
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithSleep replaces the pacing wait, for tests.
func WithSleep(sleep SleepFunc) Option {
	return func(d *Dispatcher) { d.sleep = sleep }
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// New returns a Dispatcher sending through proxies with chunks of at most maxLength characters.
func New(proxies platform.ProxyManager, maxLength int, opts ...Option) *Dispatcher {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	d := &Dispatcher{
		proxies:   proxies,
		maxLength: maxLength,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.Or(d.logger, logging.CompDispatch)
	return d
}

// Deliver sends the reply chunk by chunk and returns how many chunks went out.
// Failures are never returned: a vanished proxy triggers OnGone, any other
// error is logged, and either way the remaining chunks are dropped.
func (d *Dispatcher) Deliver(ctx context.Context, delivery Delivery) int {
	chunks := Split(delivery.Text, d.maxLength)
	sent := 0
	for i, chunk := range chunks {
		if delivery.Delay > 0 {
			if err := d.sleep(ctx, delivery.Delay); err != nil {
				d.logger.Debug("delivery cancelled during pacing", "proxy", delivery.Proxy.ID, "error", err)
				return sent
			}
		}

		err := d.proxies.SendViaProxy(ctx, delivery.Proxy, delivery.Identity, chunk)
		if errors.Is(err, platform.ErrProxyGone) {
			d.logger.Info("output proxy vanished, dropping reply",
				"proxy", delivery.Proxy.ID, "channel", delivery.Proxy.ChannelID, "chunk", i, "chunks", len(chunks))
			if delivery.OnGone != nil {
				delivery.OnGone()
			}
			return sent
		}
		if err != nil {
			d.logger.Warn("send failed, dropping remaining chunks",
				"proxy", delivery.Proxy.ID, "channel", delivery.Proxy.ChannelID, "chunk", i, "error", err)
			return sent
		}
		sent++
	}
	return sent
}

// Split breaks text into chunks of at most maxLength characters. Lines are
// packed greedily; a line longer than maxLength is hard-split. Joining the
// chunks reproduces text exactly.
func Split(text string, maxLength int) []string {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	if utf8.RuneCountInString(text) <= maxLength {
		return []string{text}
	}

	var (
		chunks  []string
		current strings.Builder
		curLen  int
	)
	flush := func() {
		if curLen > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
			curLen = 0
		}
	}

	for _, line := range strings.SplitAfter(text, "\n") {
		if line == "" {
			continue
		}
		lineLen := utf8.RuneCountInString(line)

		if lineLen > maxLength {
			flush()
			pieces := hardSplit(line, maxLength)
			chunks = append(chunks, pieces[:len(pieces)-1]...)
			last := pieces[len(pieces)-1]
			current.WriteString(last)
			curLen = utf8.RuneCountInString(last)
			continue
		}

		if curLen+lineLen > maxLength {
			flush()
		}
		current.WriteString(line)
		curLen += lineLen
	}
	flush()
	return chunks
}

func hardSplit(line string, maxLength int) []string {
	runes := []rune(line)
	pieces := make([]string, 0, len(runes)/maxLength+1)
	for len(runes) > maxLength {
		pieces = append(pieces, string(runes[:maxLength]))
		runes = runes[maxLength:]
	}
	return append(pieces, string(runes))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
