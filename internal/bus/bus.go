// Package bus routes messages between chat channels and the orchestrator.
// Inbound flows fan out synchronously to every subscriber; outbound flows are
// dispatched sequentially to the handler owning the target channel.
package bus

import (
	"fmt"
	"log/slog"
	"sync"
)

// MessageBus is the in-process pub/sub hub. Handlers are registered once at
// startup; Publish* may be called from any goroutine.
type MessageBus struct {
	mu       sync.RWMutex
	inbound  []InboundHandler
	outbound []OutboundHandler
}

// New creates an empty MessageBus.
func New() *MessageBus {
	return &MessageBus{}
}

// OnInbound registers a handler for inbound messages.
// Handlers run synchronously in registration order.
func (b *MessageBus) OnInbound(h InboundHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inbound = append(b.inbound, h)
}

// OnOutbound registers a handler for outbound messages.
func (b *MessageBus) OnOutbound(h OutboundHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outbound = append(b.outbound, h)
}

// PublishInbound invokes every inbound handler in registration order.
// A panicking or failing handler never suppresses the handlers after it.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.mu.RLock()
	handlers := b.inbound
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := safeInvoke(h, msg); err != nil {
			slog.Error("inbound handler failed",
				"channel", msg.Channel,
				"chat_id", msg.ChatID,
				"error", err,
			)
		}
	}
}

// PublishOutbound dispatches msg to the outbound handlers sequentially.
// Transport errors are logged and swallowed; the process never stops for them.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.mu.RLock()
	handlers := b.outbound
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(msg); err != nil {
			slog.Warn("outbound send failed",
				"channel", msg.Channel,
				"chat_id", msg.ChatID,
				"error", err,
			)
		}
	}
}

func safeInvoke(h InboundHandler, msg InboundMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(msg)
}
