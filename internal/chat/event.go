package chat

// Event types carried on user.<user_id> subjects.
const (
	EventMessage     = "message"
	EventTyping      = "typing"
	EventChatUpdated = "chat_updated"
	EventRead        = "read"
)

// Event is the payload published to a member's NATS subject so every
// gateway instance holding one of that user's connections can deliver it.
type Event struct {
	Type     string `json:"type"`
	ChatID   string `json:"chat_id"`
	From     string `json:"from,omitempty"`
	ID       string `json:"id,omitempty"`        // message ID
	Text     string `json:"text,omitempty"`      // for message events
	IsTyping bool   `json:"is_typing,omitempty"` // for typing events
	Ts       int64  `json:"ts,omitempty"`        // unix millis
	Origin   string `json:"origin,omitempty"`    // session that caused the event
}
