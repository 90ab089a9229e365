// Package protocol defines the WebSocket messages exchanged between the
// companion client and the gateway. Every message is a JSON object whose
// "type" field selects the concrete payload.
//
// Requests that expect a reply carry a client-chosen "ref"; the gateway
// echoes it in the reply (or in the error / rate_limited message that
// replaces it) so the client can match them up.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeAuth             = "auth"
	TypeLogout           = "logout"
	TypeFetchChats       = "fetch_chats"
	TypeSubscribeChats   = "subscribe_chats"
	TypeUnsubscribeChats = "unsubscribe_chats"
	TypeMessage          = "message"
	TypeTyping           = "typing"
	TypeFetchHistory     = "fetch_history"
	TypeMarkRead         = "mark_read"
	TypePing             = "ping"
)

// Server -> Client message types. TypeMessage and TypeTyping are shared by
// both directions.
const (
	TypeSessionCreated = "session_created"
	TypeAuthResult     = "auth_result"
	TypeLoggedOut      = "logged_out"
	TypeChatsPage      = "chats_page"
	TypeChatUpdated    = "chat_updated"
	TypeMessageAck     = "message_ack"
	TypeHistory        = "history"
	TypeRateLimited    = "rate_limited"
	TypeError          = "error"
	TypePong           = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
	CodeUnauthenticated = "unauthenticated"
	CodeInvalidMessage  = "invalid_message"
	CodeMessageTooLong  = "message_too_long"
	CodeInvalidChat     = "invalid_chat"
	CodeSuspended       = "suspended"
	CodeInternal        = "internal"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the payload can be decoded later into its concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// AuthMsg presents a previously issued session token.
type AuthMsg struct {
	Type  string `json:"type"`
	Token string `json:"token"`
	Ref   string `json:"ref,omitempty"`
}

// LogoutMsg revokes the token the connection authenticated with.
type LogoutMsg struct {
	Type string `json:"type"`
	Ref  string `json:"ref,omitempty"`
}

// FetchChatsMsg requests one page of conversation summaries. Pages start
// at 1.
type FetchChatsMsg struct {
	Type string `json:"type"`
	Page int    `json:"page"`
	Ref  string `json:"ref,omitempty"`
}

// SubscribeChatsMsg asks for chat_updated pushes on this connection.
type SubscribeChatsMsg struct {
	Type string `json:"type"`
}

// UnsubscribeChatsMsg releases one chat_updated subscription.
type UnsubscribeChatsMsg struct {
	Type string `json:"type"`
}

// ChatMsg is a text message sent by the client. Ref is echoed back in the
// matching message_ack, error or rate_limited reply.
type ChatMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
	Ref    string `json:"ref"`
}

// TypingMsg starts or stops the local typing indicator in a chat.
type TypingMsg struct {
	Type     string `json:"type"`
	ChatID   string `json:"chat_id"`
	IsTyping bool   `json:"is_typing"`
}

// FetchHistoryMsg requests messages older than Before (unix millis; zero
// means newest).
type FetchHistoryMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
	Before int64  `json:"before"`
	Limit  int    `json:"limit"`
	Ref    string `json:"ref,omitempty"`
}

// MarkReadMsg resets the unread counter of a chat.
type MarkReadMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent when a connection is accepted.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// AuthResultMsg answers an AuthMsg.
type AuthResultMsg struct {
	Type   string `json:"type"`
	OK     bool   `json:"ok"`
	UserID string `json:"user_id,omitempty"`
	Reason string `json:"reason,omitempty"`
	Ref    string `json:"ref,omitempty"`
}

// LoggedOutMsg confirms a logout.
type LoggedOutMsg struct {
	Type string `json:"type"`
	Ref  string `json:"ref,omitempty"`
}

// ChatSummary is one entry of the conversation list.
type ChatSummary struct {
	ChatID   string `json:"chat_id"`
	Title    string `json:"title"`
	LastText string `json:"last_text"`
	LastFrom string `json:"last_from"`
	LastTs   int64  `json:"last_ts"`
	Unread   int    `json:"unread"`
}

// ChatsPageMsg answers a FetchChatsMsg.
type ChatsPageMsg struct {
	Type    string        `json:"type"`
	Page    int           `json:"page"`
	Chats   []ChatSummary `json:"chats"`
	HasMore bool          `json:"has_more"`
	Ref     string        `json:"ref,omitempty"`
}

// ChatUpdatedMsg pushes the new summary of a chat to subscribed clients.
type ChatUpdatedMsg struct {
	Type string      `json:"type"`
	Chat ChatSummary `json:"chat"`
}

// ServerChatMsg delivers a message to a chat member.
type ServerChatMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
	ID     string `json:"id"`
	From   string `json:"from"`
	Text   string `json:"text"`
	Ts     int64  `json:"ts"`
}

// MessageAckMsg confirms that the message with Ref was stored and relayed.
type MessageAckMsg struct {
	Type string `json:"type"`
	Ref  string `json:"ref"`
	ID   string `json:"id"`
	Ts   int64  `json:"ts"`
}

// ServerTypingMsg relays the partner's typing indicator.
type ServerTypingMsg struct {
	Type     string `json:"type"`
	ChatID   string `json:"chat_id"`
	From     string `json:"from"`
	IsTyping bool   `json:"is_typing"`
}

// HistoryEntry is one stored message.
type HistoryEntry struct {
	ID   string `json:"id"`
	From string `json:"from"`
	Text string `json:"text"`
	Ts   int64  `json:"ts"`
}

// HistoryMsg answers a FetchHistoryMsg, oldest message first.
type HistoryMsg struct {
	Type     string         `json:"type"`
	ChatID   string         `json:"chat_id"`
	Messages []HistoryEntry `json:"messages"`
	HasMore  bool           `json:"has_more"`
	Ref      string         `json:"ref,omitempty"`
}

// RateLimitedMsg is sent when the client exceeded a rate limit.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
	Ref        string `json:"ref,omitempty"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes sent by a client into a
// typed message. Unknown and server-only types are rejected.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuth:
		msg, err = decode[AuthMsg](env.Raw)
	case TypeLogout:
		msg, err = decode[LogoutMsg](env.Raw)
	case TypeFetchChats:
		msg, err = decode[FetchChatsMsg](env.Raw)
	case TypeSubscribeChats:
		msg, err = decode[SubscribeChatsMsg](env.Raw)
	case TypeUnsubscribeChats:
		msg, err = decode[UnsubscribeChatsMsg](env.Raw)
	case TypeMessage:
		msg, err = decode[ChatMsg](env.Raw)
	case TypeTyping:
		msg, err = decode[TypingMsg](env.Raw)
	case TypeFetchHistory:
		msg, err = decode[FetchHistoryMsg](env.Raw)
	case TypeMarkRead:
		msg, err = decode[MarkReadMsg](env.Raw)
	case TypePing:
		msg, err = decode[PingMsg](env.Raw)
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// ParseServerMessage is the client-side counterpart of ParseClientMessage.
func ParseServerMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSessionCreated:
		msg, err = decode[SessionCreatedMsg](env.Raw)
	case TypeAuthResult:
		msg, err = decode[AuthResultMsg](env.Raw)
	case TypeLoggedOut:
		msg, err = decode[LoggedOutMsg](env.Raw)
	case TypeChatsPage:
		msg, err = decode[ChatsPageMsg](env.Raw)
	case TypeChatUpdated:
		msg, err = decode[ChatUpdatedMsg](env.Raw)
	case TypeMessage:
		msg, err = decode[ServerChatMsg](env.Raw)
	case TypeMessageAck:
		msg, err = decode[MessageAckMsg](env.Raw)
	case TypeTyping:
		msg, err = decode[ServerTypingMsg](env.Raw)
	case TypeHistory:
		msg, err = decode[HistoryMsg](env.Raw)
	case TypeRateLimited:
		msg, err = decode[RateLimitedMsg](env.Raw)
	case TypeError:
		msg, err = decode[ErrorMsg](env.Raw)
	case TypePong:
		msg, err = decode[PongMsg](env.Raw)
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown server message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage encodes a server message. The msgType is injected into
// the payload under the "type" key, overriding whatever the struct held.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	return withType(msgType, payload)
}

// NewClientMessage encodes a client message the same way.
func NewClientMessage(msgType string, payload interface{}) ([]byte, error) {
	return withType(msgType, payload)
}

func withType(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]interface{})
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return out, nil
}

func decode[T any](raw json.RawMessage) (T, error) {
	var m T
	err := json.Unmarshal(raw, &m)
	return m, err
}
