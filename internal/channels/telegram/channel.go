// Package telegram connects NanoClaw to Telegram group chats through the Bot
// API using long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// telegramMaxLen is Telegram's message length cap.
const telegramMaxLen = 4096

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	*channels.BaseChannel
	bot        *telego.Bot
	config     config.TelegramConfig
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a new Telegram channel from config.
func New(cfg config.TelegramConfig, msgBus *bus.MessageBus) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", msgBus, cfg.AllowFrom),
		bot:         bot,
		config:      cfg,
	}, nil
}

// Start begins long polling for Telegram updates.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(update.Message)
				}
			}
		}
	}()

	return nil
}

// Stop shuts down the bot by cancelling the long polling context and waiting
// for the polling goroutine to exit so Telegram releases the getUpdates lock.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot")
	c.SetRunning(false)

	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// Send delivers an outbound message to a Telegram chat, chunking at the
// platform limit.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram bot not running")
	}

	var chatID int64
	if _, err := fmt.Sscanf(msg.ChatID, "%d", &chatID); err != nil {
		return fmt.Errorf("invalid telegram chat ID %q: %w", msg.ChatID, err)
	}

	for _, chunk := range splitMessage(msg.Content, telegramMaxLen) {
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

// handleMessage forwards one Telegram message onto the bus.
func (c *Channel) handleMessage(m *telego.Message) {
	if m.From == nil || m.Text == "" {
		return
	}

	senderID := fmt.Sprintf("%d", m.From.ID)
	if m.From.Username != "" {
		senderID = fmt.Sprintf("%d|%s", m.From.ID, m.From.Username)
	}

	senderName := m.From.FirstName
	if m.From.LastName != "" {
		senderName += " " + m.From.LastName
	}

	chatName := m.Chat.Title
	if chatName == "" {
		chatName = senderName
	}

	slog.Debug("telegram message received",
		"chat_id", m.Chat.ID,
		"sender", senderName,
		"preview", channels.Truncate(m.Text, 50),
	)

	c.HandleMessage(bus.InboundMessage{
		ID:         fmt.Sprintf("%d", m.MessageID),
		ChatID:     fmt.Sprintf("%d", m.Chat.ID),
		SenderID:   senderID,
		SenderName: senderName,
		Content:    m.Text,
		Timestamp:  store.FormatTime(time.Unix(m.Date, 0)),
		ChatName:   chatName,
	})
}

// splitMessage chunks content at maxLen, preferring newline boundaries.
func splitMessage(content string, maxLen int) []string {
	var chunks []string
	for len(content) > 0 {
		if len(content) <= maxLen {
			chunks = append(chunks, content)
			break
		}
		cutAt := maxLen
		for i := maxLen - 1; i > maxLen/2; i-- {
			if content[i] == '\n' {
				cutAt = i + 1
				break
			}
		}
		chunks = append(chunks, content[:cutAt])
		content = content[cutAt:]
	}
	return chunks
}
