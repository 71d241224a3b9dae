// Package platformtest provides an in-memory platform for tests.
package platformtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/zhouzirui/z-tavern/personabot/internal/model/chat"
	"github.com/zhouzirui/z-tavern/personabot/internal/platform"
)

// Sent records one message delivered through a proxy.
type Sent struct {
	ProxyID  string
	Identity chat.Identity
	Text     string
}

// Platform is a fake implementing every platform contract.
type Platform struct {
	*platform.Hub

	mu      sync.Mutex
	proxies map[string]platform.Proxy
	sent    []Sent
	created int
	deleted int
	names   map[string]string
	avatars map[string]string
	lookups int

	// CreateErr, when set, is returned by FetchOrCreateProxy.
	CreateErr error
	// CreateGate, when set, is received from before a proxy is created.
	CreateGate chan struct{}
	// SendErr, when set, is consulted before every send.
	SendErr func(proxy platform.Proxy, text string) error
}

// New returns an empty fake platform.
func New() *Platform {
	return &Platform{
		Hub:     platform.NewHub(),
		proxies: make(map[string]platform.Proxy),
		names:   make(map[string]string),
		avatars: make(map[string]string),
	}
}

// FetchOrCreateProxy reuses a live proxy with the same channel and name.
func (p *Platform) FetchOrCreateProxy(ctx context.Context, channelID string, identity chat.Identity) (platform.Proxy, error) {
	if p.CreateGate != nil {
		select {
		case <-p.CreateGate:
		case <-ctx.Done():
			return platform.Proxy{}, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CreateErr != nil {
		return platform.Proxy{}, p.CreateErr
	}
	for _, proxy := range p.proxies {
		if proxy.ChannelID == channelID && proxy.Name == identity.DisplayName {
			return proxy, nil
		}
	}
	proxy := platform.Proxy{
		ID:        uuid.NewString(),
		Token:     uuid.NewString(),
		ChannelID: channelID,
		Name:      identity.DisplayName,
	}
	p.proxies[proxy.ID] = proxy
	p.created++
	return proxy, nil
}

// DeleteProxy removes a proxy, failing with ErrProxyGone when it is already absent.
func (p *Platform) DeleteProxy(_ context.Context, proxy platform.Proxy) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.proxies[proxy.ID]; !ok {
		return fmt.Errorf("delete proxy %s: %w", proxy.ID, platform.ErrProxyGone)
	}
	delete(p.proxies, proxy.ID)
	p.deleted++
	return nil
}

// SendViaProxy records text when the proxy exists.
func (p *Platform) SendViaProxy(_ context.Context, proxy platform.Proxy, identity chat.Identity, text string) error {
	if p.SendErr != nil {
		if err := p.SendErr(proxy, text); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.proxies[proxy.ID]; !ok {
		return fmt.Errorf("send via %s: %w", proxy.ID, platform.ErrProxyGone)
	}
	p.sent = append(p.sent, Sent{ProxyID: proxy.ID, Identity: identity, Text: text})
	return nil
}

// DisplayName resolves names registered with SetDisplayName.
func (p *Platform) DisplayName(_ context.Context, _ string, userID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lookups++
	name, ok := p.names[userID]
	if !ok {
		return "", fmt.Errorf("unknown user %s", userID)
	}
	return name, nil
}

// AvatarURL resolves avatars registered with SetAvatar.
func (p *Platform) AvatarURL(_ context.Context, userID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	url, ok := p.avatars[userID]
	if !ok {
		return "", fmt.Errorf("unknown user %s", userID)
	}
	return url, nil
}

// SetDisplayName registers a resolvable user name.
func (p *Platform) SetDisplayName(userID, name string) {
	p.mu.Lock()
	p.names[userID] = name
	p.mu.Unlock()
}

// SetAvatar registers a resolvable avatar.
func (p *Platform) SetAvatar(userID, url string) {
	p.mu.Lock()
	p.avatars[userID] = url
	p.mu.Unlock()
}

// Vanish deletes a proxy out-of-band, as a channel admin would.
func (p *Platform) Vanish(proxyID string) {
	p.mu.Lock()
	delete(p.proxies, proxyID)
	p.mu.Unlock()
}

// Proxies returns the live proxies.
func (p *Platform) Proxies() []platform.Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]platform.Proxy, 0, len(p.proxies))
	for _, proxy := range p.proxies {
		out = append(out, proxy)
	}
	return out
}

// Sent returns everything delivered so far.
func (p *Platform) Sent() []Sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Sent(nil), p.sent...)
}

// Counts returns how many proxies were created and deleted.
func (p *Platform) Counts() (created, deleted int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created, p.deleted
}

// Lookups returns how many DisplayName calls were made.
func (p *Platform) Lookups() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lookups
}
