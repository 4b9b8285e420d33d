// Package whatsapp connects NanoClaw to WhatsApp through a bridge process.
// The bridge (whatsapp-web.js based) speaks the actual WhatsApp protocol;
// this channel exchanges JSON frames with it over a WebSocket.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// bridgeFrame is the JSON envelope exchanged with the bridge in both
// directions.
type bridgeFrame struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	From      string `json:"from,omitempty"`
	FromName  string `json:"from_name,omitempty"`
	Chat      string `json:"chat,omitempty"`
	ChatName  string `json:"chat_name,omitempty"`
	To        string `json:"to,omitempty"`
	Content   string `json:"content,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"` // unix seconds
	FromMe    bool   `json:"from_me,omitempty"`
}

// Channel connects to a WhatsApp bridge via WebSocket.
type Channel struct {
	*channels.BaseChannel
	config config.WhatsAppConfig

	mu     sync.Mutex
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new WhatsApp channel from config.
func New(cfg config.WhatsAppConfig, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("whatsapp", msgBus, cfg.AllowFrom),
		config:      cfg,
	}, nil
}

// Start connects to the WhatsApp bridge WebSocket and begins listening.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting whatsapp channel", "bridge_url", c.config.BridgeURL)

	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.connect(); err != nil {
		// Reconnect loop keeps trying; startup never fails hard on the bridge.
		slog.Warn("initial whatsapp bridge connection failed, will retry", "error", err)
	}

	go c.listenLoop()

	c.SetRunning(true)
	return nil
}

// Stop gracefully shuts down the WhatsApp channel.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping whatsapp channel")

	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.SetRunning(false)
	return nil
}

// Send delivers an outbound message to the WhatsApp bridge.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}

	data, err := json.Marshal(bridgeFrame{
		Type:    "send",
		To:      msg.ChatID,
		Content: msg.Content,
	})
	if err != nil {
		return fmt.Errorf("marshal whatsapp message: %w", err)
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send whatsapp message: %w", err)
	}
	return nil
}

// connect establishes the WebSocket connection to the bridge.
func (c *Channel) connect() error {
	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.Dial(c.config.BridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: %w", c.config.BridgeURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	slog.Info("whatsapp bridge connected", "url", c.config.BridgeURL)
	return nil
}

// listenLoop reads frames from the bridge with automatic reconnection.
func (c *Channel) listenLoop() {
	backoff := time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			slog.Info("attempting whatsapp bridge reconnect", "backoff", backoff)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err := c.connect(); err != nil {
				slog.Warn("whatsapp bridge reconnect failed", "error", err)
				backoff = min(backoff*2, 30*time.Second)
				continue
			}
			backoff = time.Second
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("whatsapp read error, will reconnect", "error", err)
			c.mu.Lock()
			if c.conn != nil {
				_ = c.conn.Close()
				c.conn = nil
			}
			c.mu.Unlock()
			continue
		}

		var frame bridgeFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			slog.Warn("invalid whatsapp frame JSON", "error", err)
			continue
		}
		if frame.Type == "message" {
			c.handleIncomingMessage(frame)
		}
	}
}

// handleIncomingMessage forwards one bridge frame onto the bus. The bridge
// also echoes the account's own sends with from_me set; those flow through so
// the store keeps both sides of the conversation.
func (c *Channel) handleIncomingMessage(frame bridgeFrame) {
	if frame.From == "" && !frame.FromMe {
		return
	}

	chatID := frame.Chat
	if chatID == "" {
		chatID = frame.From
	}

	ts := frame.Timestamp
	if ts == 0 {
		ts = time.Now().Unix()
	}

	slog.Debug("whatsapp message received",
		"chat_id", chatID,
		"from_me", frame.FromMe,
		"preview", channels.Truncate(frame.Content, 50),
	)

	c.HandleMessage(bus.InboundMessage{
		ID:         frame.ID,
		ChatID:     chatID,
		SenderID:   frame.From,
		SenderName: frame.FromName,
		Content:    frame.Content,
		Timestamp:  store.FormatTime(time.Unix(ts, 0)),
		ChatName:   frame.ChatName,
		IsFromMe:   frame.FromMe,
	})
}
