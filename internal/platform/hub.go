package platform

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/zhouzirui/z-tavern/personabot/internal/model/chat"
)

// Hub is an in-process MessageStream. Gateways publish into it; every
// subscriber for the message's channel gets its own goroutine.
type Hub struct {
	mu        sync.RWMutex
	byID      map[string]subscription
	byChannel map[string]map[string]MessageHandler
	inflight  sync.WaitGroup
}

type subscription struct {
	channelID string
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{
		byID:      make(map[string]subscription),
		byChannel: make(map[string]map[string]MessageHandler),
	}
}

// Subscribe registers handler for messages in channelID.
func (h *Hub) Subscribe(channelID string, handler MessageHandler) (string, error) {
	id := uuid.NewString()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.byID[id] = subscription{channelID: channelID}
	handlers, ok := h.byChannel[channelID]
	if !ok {
		handlers = make(map[string]MessageHandler)
		h.byChannel[channelID] = handlers
	}
	handlers[id] = handler
	return id, nil
}

// Unsubscribe removes a subscription. Unknown IDs are ignored. Handlers already
// running for earlier messages are not interrupted.
func (h *Hub) Unsubscribe(subscriptionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.byID[subscriptionID]
	if !ok {
		return
	}
	delete(h.byID, subscriptionID)
	if handlers := h.byChannel[sub.channelID]; handlers != nil {
		delete(handlers, subscriptionID)
		if len(handlers) == 0 {
			delete(h.byChannel, sub.channelID)
		}
	}
}

// Publish fans msg out to the channel's subscribers and returns how many were notified.
func (h *Hub) Publish(ctx context.Context, msg chat.Message) int {
	h.mu.RLock()
	handlers := make([]MessageHandler, 0, len(h.byChannel[msg.ChannelID]))
	for _, handler := range h.byChannel[msg.ChannelID] {
		handlers = append(handlers, handler)
	}
	h.mu.RUnlock()

	for _, handler := range handlers {
		h.inflight.Add(1)
		go func(handle MessageHandler) {
			defer h.inflight.Done()
			handle(ctx, msg)
		}(handler)
	}
	return len(handlers)
}

// Subscribers returns the number of live subscriptions on channelID.
func (h *Hub) Subscribers(channelID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byChannel[channelID])
}

// Wait blocks until every handler started by Publish has returned.
func (h *Hub) Wait() {
	h.inflight.Wait()
}
