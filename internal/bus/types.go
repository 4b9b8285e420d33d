package bus

// InboundMessage represents a message received from a channel (WhatsApp, Telegram, Discord).
type InboundMessage struct {
	ID         string `json:"id"`
	Channel    string `json:"channel"`
	ChatID     string `json:"chat_id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Content    string `json:"content"`
	Timestamp  string `json:"timestamp"`   // RFC3339; store ordering key
	ChatName   string `json:"chat_name,omitempty"`
	IsFromMe   bool   `json:"is_from_me,omitempty"`
}

// OutboundMessage represents a message to be sent to a channel.
type OutboundMessage struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
}

// InboundHandler handles an inbound message. Returning an error is informational:
// the bus logs it and keeps invoking the remaining handlers.
type InboundHandler func(InboundMessage) error

// OutboundHandler delivers an outbound message to its transport.
type OutboundHandler func(OutboundMessage) error
