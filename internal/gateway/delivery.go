package gateway

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/whisper/companion/internal/chat"
	"github.com/whisper/companion/internal/metrics"
	"github.com/whisper/companion/internal/protocol"
	"github.com/whisper/companion/internal/ws"
)

// deliver forwards one bus event to conn. Messages are not echoed to the
// connection that sent them; it already has the ack. Chat-list updates
// reach only connections holding a chat-list subscription.
func (g *Gateway) deliver(conn *ws.Connection, data []byte) {
	var ev chat.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		g.logger.Warn("bad event", zap.String("session", conn.ID), zap.Error(err))
		return
	}
	userID := conn.UserID()
	if userID == "" {
		return
	}

	switch ev.Type {
	case chat.EventMessage:
		if ev.Origin == conn.ID {
			return
		}
		g.send(conn, protocol.TypeMessage, protocol.ServerChatMsg{
			ChatID: ev.ChatID,
			ID:     ev.ID,
			From:   ev.From,
			Text:   ev.Text,
			Ts:     ev.Ts,
		})
		if ev.From != userID {
			metrics.MessagesTotal.WithLabelValues("delivered").Inc()
		}

	case chat.EventTyping:
		g.send(conn, protocol.TypeTyping, protocol.ServerTypingMsg{
			ChatID:   ev.ChatID,
			From:     ev.From,
			IsTyping: ev.IsTyping,
		})

	case chat.EventChatUpdated, chat.EventRead:
		if !conn.ChatSubscribed() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		s, err := g.Chats.Summary(ctx, userID, ev.ChatID)
		if err != nil {
			g.logger.Warn("chat summary failed", zap.String("chat", ev.ChatID), zap.Error(err))
			return
		}
		g.send(conn, protocol.TypeChatUpdated, protocol.ChatUpdatedMsg{Chat: toProtocol(s)})

	default:
		g.logger.Debug("unknown event", zap.String("type", ev.Type))
	}
}
