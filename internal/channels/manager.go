package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
)

// Manager manages all registered channels, handling their lifecycle and
// routing outbound bus traffic to the channel owning the target transport.
// Outbound sends pass through a per-chat rate limiter so a chatty agent
// cannot trip platform flood control.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
	bus      *bus.MessageBus
	limiter  *SendLimiter
}

// NewManager creates a channel manager and subscribes it to outbound traffic.
func NewManager(msgBus *bus.MessageBus) *Manager {
	m := &Manager{
		channels: make(map[string]Channel),
		bus:      msgBus,
		limiter:  NewSendLimiter(),
	}
	msgBus.OnOutbound(m.deliver)
	return m
}

// RegisterChannel adds a channel to the manager.
func (m *Manager) RegisterChannel(channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[channel.Name()] = channel
}

// StartAll starts every registered channel. A channel that fails to start is
// logged and skipped; the rest keep going.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	for name, channel := range m.channels {
		slog.Info("starting channel", "channel", name)
		if err := channel.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
		}
	}
	return nil
}

// StopAll gracefully stops all channels.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, channel := range m.channels {
		slog.Info("stopping channel", "channel", name)
		if err := channel.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
	}
	return nil
}

// GetChannel returns a channel by name.
func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[name]
	return channel, ok
}

// GetStatus returns the running status of every channel.
func (m *Manager) GetStatus() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]bool, len(m.channels))
	for name, channel := range m.channels {
		status[name] = channel.IsRunning()
	}
	return status
}

// deliver is the bus outbound handler: route by channel name, rate limit per
// chat, send.
func (m *Manager) deliver(msg bus.OutboundMessage) error {
	m.mu.RLock()
	channel, exists := m.channels[msg.Channel]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("unknown channel %q for outbound message", msg.Channel)
	}

	ctx := context.Background()
	if err := m.limiter.Wait(ctx, msg.Channel+":"+msg.ChatID); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return channel.Send(ctx, msg)
}
