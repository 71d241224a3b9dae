// Package session owns the lifecycle of persona sessions: the binding of
// one persona to one channel through an output proxy and a message
// subscription.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zhouzirui/z-tavern/personabot/internal/logging"
	"github.com/zhouzirui/z-tavern/personabot/internal/model/chat"
	"github.com/zhouzirui/z-tavern/personabot/internal/model/persona"
	"github.com/zhouzirui/z-tavern/personabot/internal/platform"
	"github.com/zhouzirui/z-tavern/personabot/pkg/utils"
)

// Action is the outcome of a toggle.
type Action string

const (
	Summoned  Action = "summoned"
	Dismissed Action = "dismissed"
)

// proxyOpTimeout bounds platform calls made on behalf of a toggle. They run
// detached from the caller so a cancelled request cannot strand a proxy.
const proxyOpTimeout = 30 * time.Second

// Key identifies a session.
type Key struct {
	ChannelID string
	PersonaID string
}

func (k Key) String() string { return k.ChannelID + "/" + k.PersonaID }

type session struct {
	key            Key
	identity       chat.Identity
	proxy          platform.Proxy
	subscriptionID string
	createdAt      time.Time
}

// Registry is the single owner of sessions. At most one session exists per
// Key; toggles for the same key are serialized, and identical toggles that
// overlap share one result.
type Registry struct {
	personas  persona.Store
	proxies   platform.ProxyManager
	stream    platform.MessageStream
	resolver  platform.MemberResolver
	responder *Responder
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	sessions map[Key]*session
	closed   bool

	toggles singleflight.Group
	keys    utils.KeyedMutex
}

// Deps are the collaborators of a Registry. Resolver may be nil.
type Deps struct {
	Personas  persona.Store
	Proxies   platform.ProxyManager
	Stream    platform.MessageStream
	Resolver  platform.MemberResolver
	Responder *Responder
	Logger    *slog.Logger
}

// NewRegistry returns an empty Registry.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		personas:  deps.Personas,
		proxies:   deps.Proxies,
		stream:    deps.Stream,
		resolver:  deps.Resolver,
		responder: deps.Responder,
		logger:    logging.Or(deps.Logger, logging.CompSession),
		now:       time.Now,
		sessions:  make(map[Key]*session),
	}
}

// Toggle dismisses the persona from the channel if it is active, and
// summons it otherwise. Proxy creation failures are returned as
// *ProxyError; the registry never retries.
func (r *Registry) Toggle(ctx context.Context, channelID, personaID, caller string) (Action, error) {
	key := Key{ChannelID: channelID, PersonaID: personaID}

	result, err, shared := r.toggles.Do(key.String(), func() (any, error) {
		unlock := r.keys.Lock(key.String())
		defer unlock()
		return r.toggle(ctx, key)
	})
	if err != nil {
		r.logger.Warn("toggle failed", "channel", channelID, "persona", personaID, "caller", caller, "error", err)
		return "", err
	}

	action := result.(Action)
	r.logger.Info("toggle", "channel", channelID, "persona", personaID, "caller", caller,
		"action", action, "shared", shared)
	return action, nil
}

func (r *Registry) toggle(ctx context.Context, key Key) (Action, error) {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), proxyOpTimeout)
	defer cancel()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrClosed
	}
	existing, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
	}
	r.mu.Unlock()

	if ok {
		r.close(opCtx, existing, true)
		return Dismissed, nil
	}

	profile, found := r.personas.FindByID(key.PersonaID)
	if !found {
		return "", ErrPersonaNotFound
	}

	s, err := r.open(opCtx, key, profile)
	if err != nil {
		return "", &ProxyError{ChannelID: key.ChannelID, PersonaID: key.PersonaID, Err: err}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.close(opCtx, s, true)
		return "", ErrClosed
	}
	if holder, held := r.proxyHolderLocked(s.proxy.ID); held {
		r.mu.Unlock()
		r.close(opCtx, s, false)
		return "", &ProxyError{
			ChannelID: key.ChannelID,
			PersonaID: key.PersonaID,
			Err:       fmt.Errorf("%w: %s held by %s", ErrProxyInUse, s.proxy.ID, holder),
		}
	}
	r.sessions[key] = s
	r.mu.Unlock()
	return Summoned, nil
}

// OnExternalTeardownDetected forgets the session for the pair after its
// proxy was found deleted out-of-band. It never touches the platform proxy.
func (r *Registry) OnExternalTeardownDetected(channelID, personaID string) {
	r.dropIfProxy(Key{ChannelID: channelID, PersonaID: personaID}, "")
}

// dropIfProxy removes the session for key when its proxy matches proxyID
// (any proxy when proxyID is empty), so a stale send cannot remove a newer
// session that already replaced it.
func (r *Registry) dropIfProxy(key Key, proxyID string) {
	r.mu.Lock()
	s, ok := r.sessions[key]
	if ok && (proxyID == "" || s.proxy.ID == proxyID) {
		delete(r.sessions, key)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	r.stream.Unsubscribe(s.subscriptionID)
	r.logger.Info("session removed after external proxy teardown",
		"channel", key.ChannelID, "persona", key.PersonaID, "proxy", s.proxy.ID)
}

// Refresh supersedes every live session of p so its proxy picks up a new
// identity. It returns how many sessions were rebound.
func (r *Registry) Refresh(ctx context.Context, p persona.Profile) int {
	rebound := 0
	for _, key := range r.keysFor(p.ID) {
		if r.supersede(ctx, key, p) {
			rebound++
		}
	}
	return rebound
}

func (r *Registry) supersede(ctx context.Context, key Key, p persona.Profile) bool {
	unlock := r.keys.Lock(key.String())
	defer unlock()

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), proxyOpTimeout)
	defer cancel()

	r.mu.Lock()
	old, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	r.close(opCtx, old, true)
	next, err := r.open(opCtx, key, p)
	if err != nil {
		r.logger.Error("failed to rebind session, persona dismissed",
			"channel", key.ChannelID, "persona", key.PersonaID, "error", err)
		return false
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.close(opCtx, next, true)
		return false
	}
	if holder, held := r.proxyHolderLocked(next.proxy.ID); held {
		r.mu.Unlock()
		r.close(opCtx, next, false)
		r.logger.Error("rebound proxy belongs to another session, persona dismissed",
			"channel", key.ChannelID, "persona", key.PersonaID, "proxy", next.proxy.ID, "holder", holder)
		return false
	}
	r.sessions[key] = next
	r.mu.Unlock()
	r.logger.Info("session superseded", "channel", key.ChannelID, "persona", key.PersonaID,
		"old_proxy", old.proxy.ID, "proxy", next.proxy.ID)
	return true
}

// Sessions returns a snapshot of the active sessions ordered by channel and persona.
func (r *Registry) Sessions() []chat.SessionInfo {
	r.mu.Lock()
	infos := make([]chat.SessionInfo, 0, len(r.sessions))
	for key, s := range r.sessions {
		infos = append(infos, chat.SessionInfo{
			ChannelID: key.ChannelID,
			PersonaID: key.PersonaID,
			ProxyID:   s.proxy.ID,
			CreatedAt: s.createdAt,
		})
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ChannelID != infos[j].ChannelID {
			return infos[i].ChannelID < infos[j].ChannelID
		}
		return infos[i].PersonaID < infos[j].PersonaID
	})
	return infos
}

// Active reports whether the persona is bound to the channel.
func (r *Registry) Active(channelID, personaID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[Key{ChannelID: channelID, PersonaID: personaID}]
	return ok
}

// Shutdown dismisses every session and rejects further toggles.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*session, 0, len(r.sessions))
	for key, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, key)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		r.close(ctx, s, true)
	}
	r.logger.Info("session registry shut down", "dismissed", len(sessions))
}

// proxyHolderLocked reports which session owns proxyID. r.mu must be held.
func (r *Registry) proxyHolderLocked(proxyID string) (Key, bool) {
	for key, s := range r.sessions {
		if s.proxy.ID == proxyID {
			return key, true
		}
	}
	return Key{}, false
}

func (r *Registry) keysFor(personaID string) []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	var keys []Key
	for key := range r.sessions {
		if key.PersonaID == personaID {
			keys = append(keys, key)
		}
	}
	return keys
}

// open creates the proxy and the subscription for a new session.
func (r *Registry) open(ctx context.Context, key Key, p persona.Profile) (*session, error) {
	identity := r.identityFor(ctx, p)

	proxy, err := r.proxies.FetchOrCreateProxy(ctx, key.ChannelID, identity)
	if err != nil {
		return nil, err
	}

	s := &session{
		key:       key,
		identity:  identity,
		proxy:     proxy,
		createdAt: r.now(),
	}

	subscriptionID, err := r.stream.Subscribe(key.ChannelID, func(msgCtx context.Context, msg chat.Message) {
		r.responder.Handle(msgCtx, Target{
			Key:      key,
			Profile:  p,
			Proxy:    proxy,
			Identity: identity,
			OnGone:   func() { r.dropIfProxy(key, proxy.ID) },
		}, msg)
	})
	if err != nil {
		if delErr := r.proxies.DeleteProxy(ctx, proxy); delErr != nil && !errors.Is(delErr, platform.ErrProxyGone) {
			r.logger.Warn("failed to delete proxy after subscribe error", "proxy", proxy.ID, "error", delErr)
		}
		return nil, err
	}
	s.subscriptionID = subscriptionID
	return s, nil
}

// close unsubscribes and, when deleteProxy is set, removes the proxy.
// A proxy that is already gone is not an error.
func (r *Registry) close(ctx context.Context, s *session, deleteProxy bool) {
	r.stream.Unsubscribe(s.subscriptionID)
	if !deleteProxy {
		return
	}
	err := r.proxies.DeleteProxy(ctx, s.proxy)
	switch {
	case err == nil:
	case errors.Is(err, platform.ErrProxyGone):
		r.logger.Debug("proxy already removed", "proxy", s.proxy.ID, "channel", s.key.ChannelID)
	default:
		r.logger.Warn("failed to delete proxy", "proxy", s.proxy.ID, "channel", s.key.ChannelID, "error", err)
	}
}

func (r *Registry) identityFor(ctx context.Context, p persona.Profile) chat.Identity {
	identity := chat.Identity{DisplayName: p.DisplayName, AvatarURL: p.AvatarURL}
	if p.BaseIdentityRef == "" || r.resolver == nil {
		return identity
	}
	avatar, err := r.resolver.AvatarURL(ctx, p.BaseIdentityRef)
	if err != nil || avatar == "" {
		r.logger.Warn("base identity lookup failed, using persona defaults",
			"persona", p.ID, "ref", p.BaseIdentityRef, "error", err)
		return identity
	}
	identity.AvatarURL = avatar
	return identity
}
