package ws

import (
	"time"

	"go.uber.org/zap"

	"github.com/whisper/companion/internal/metrics"
	"github.com/whisper/companion/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.AuthMsg, protocol.ChatMsg, etc.).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It handles the built-in ping/pong keepalive
// internally and sends structured error responses for malformed or unsupported
// messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	logger   *zap.Logger
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher(logger *zap.Logger) *MessageDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		logger:   logger.Named("dispatch"),
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message, handles ping internally, and routes all other types to
// the registered handler. Parse errors and unregistered types result in an
// error message sent back to the client.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.logger.Debug("parse error", zap.String("session", conn.ID), zap.Error(err))
		switch {
		case msgType == "":
			d.SendError(conn, protocol.CodeParseError, "invalid message format", "")
		case isKnownClientType(msgType):
			d.SendError(conn, protocol.CodeInvalidMessage, "invalid payload", "")
		default:
			d.SendError(conn, protocol.CodeUnsupportedType, "unsupported message type", "")
		}
		return
	}

	// Built-in ping handler: respond immediately without requiring registration.
	if msgType == protocol.TypePing {
		d.Send(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.logger.Debug("unsupported message type", zap.String("type", msgType), zap.String("session", conn.ID))
		d.SendError(conn, protocol.CodeUnsupportedType, "unsupported message type", "")
		return
	}

	start := time.Now()
	handler(conn, msg)
	metrics.RequestDuration.WithLabelValues(msgType).Observe(time.Since(start).Seconds())
}

// Send encodes and writes a server message to conn. Errors are logged, not
// returned: a failed write surfaces as a read error on the next poll.
func (d *MessageDispatcher) Send(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		d.logger.Error("failed to build message", zap.String("type", msgType), zap.String("session", conn.ID), zap.Error(err))
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		d.logger.Debug("failed to send message", zap.String("type", msgType), zap.String("session", conn.ID), zap.Error(err))
	}
}

// SendError sends a structured error message back to the client. ref echoes
// the request it answers, if any.
func (d *MessageDispatcher) SendError(conn *Connection, code, message, ref string) {
	d.Send(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message, Ref: ref})
}

func isKnownClientType(t string) bool {
	switch t {
	case protocol.TypeAuth, protocol.TypeLogout, protocol.TypeFetchChats,
		protocol.TypeSubscribeChats, protocol.TypeUnsubscribeChats,
		protocol.TypeMessage, protocol.TypeTyping, protocol.TypeFetchHistory,
		protocol.TypeMarkRead, protocol.TypePing:
		return true
	}
	return false
}
