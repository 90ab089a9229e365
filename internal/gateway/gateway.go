// Package gateway implements the companion's server-side request handlers:
// authentication, chat lists, messaging, typing relay and history. It sits
// between the ws transport and the Redis, NATS and PostgreSQL stores.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/companion/internal/chat"
	"github.com/whisper/companion/internal/history"
	"github.com/whisper/companion/internal/metrics"
	"github.com/whisper/companion/internal/protocol"
	"github.com/whisper/companion/internal/ratelimit"
	"github.com/whisper/companion/internal/session"
	"github.com/whisper/companion/internal/ws"
)

// DefaultHistoryLimit applies when fetch_history carries no limit.
const DefaultHistoryLimit = 20

// requestTimeout bounds the store calls made for one client message.
const requestTimeout = 5 * time.Second

// Deps are the collaborators of a Gateway. Sessions, Chats, History and Bus
// are required; Limiter and Suspensions may be nil.
type Deps struct {
	Sessions    Sessions
	Chats       Chats
	History     History
	Bus         Bus
	Limiter     Limiter
	Suspensions Suspensions
}

// Gateway routes parsed client messages to the stores and fans resulting
// events out over the bus.
type Gateway struct {
	Deps
	logger     *zap.Logger
	dispatcher *ws.MessageDispatcher
	now        func() time.Time
}

// New creates a Gateway and registers its handlers on a fresh dispatcher.
func New(deps Deps, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{
		Deps:       deps,
		logger:     logger.Named("gateway"),
		dispatcher: ws.NewMessageDispatcher(logger),
		now:        time.Now,
	}

	d := g.dispatcher
	d.Register(protocol.TypeAuth, typed(g.handleAuth))
	d.Register(protocol.TypeLogout, typed(g.handleLogout))
	d.Register(protocol.TypeFetchChats, typed(g.handleFetchChats))
	d.Register(protocol.TypeSubscribeChats, typed(g.handleSubscribeChats))
	d.Register(protocol.TypeUnsubscribeChats, typed(g.handleUnsubscribeChats))
	d.Register(protocol.TypeMessage, typed(g.handleMessage))
	d.Register(protocol.TypeTyping, typed(g.handleTyping))
	d.Register(protocol.TypeFetchHistory, typed(g.handleFetchHistory))
	d.Register(protocol.TypeMarkRead, typed(g.handleMarkRead))
	return g
}

// typed adapts a handler for one concrete message type.
func typed[T any](fn func(*ws.Connection, T)) ws.MessageHandler {
	return func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(T); ok {
			fn(conn, m)
		}
	}
}

// Dispatch is the ws.Server message callback.
func (g *Gateway) Dispatch(conn *ws.Connection, data []byte) {
	g.dispatcher.Dispatch(conn, data)
}

// Admit rate limits new WebSocket connections per client address.
func (g *Gateway) Admit(r *http.Request) bool {
	if g.Limiter == nil {
		return true
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	ok, _ := g.Limiter.Allow(ctx, ip, ratelimit.RuleConnect)
	if !ok {
		g.logger.Info("connection rate limited", zap.String("ip", ip))
	}
	return ok
}

// OnDisconnect releases everything held for conn.
func (g *Gateway) OnDisconnect(conn *ws.Connection) {
	if !conn.Authenticated() {
		return
	}
	g.release(conn)
}

// release unsubscribes conn from its user's events and unbinds it locally.
func (g *Gateway) release(conn *ws.Connection) {
	if err := g.Bus.UnsubscribeUser(conn.ID); err != nil {
		g.logger.Warn("unsubscribe user failed", zap.String("session", conn.ID), zap.Error(err))
	}
	if conn.ClearUser() {
		metrics.ChatListSubscribers.Dec()
	}
	metrics.AuthenticatedConnections.Dec()
}

func (g *Gateway) send(conn *ws.Connection, msgType string, payload interface{}) {
	g.dispatcher.Send(conn, msgType, payload)
}

func (g *Gateway) sendError(conn *ws.Connection, code, message, ref string) {
	g.dispatcher.SendError(conn, code, message, ref)
}

// requireUser returns the connection's user, answering unauthenticated
// requests with an error.
func (g *Gateway) requireUser(conn *ws.Connection, ref string) (string, bool) {
	userID := conn.UserID()
	if userID == "" {
		g.sendError(conn, protocol.CodeUnauthenticated, "sign in first", ref)
		return "", false
	}
	return userID, true
}

// memberChat loads chatID and checks that userID belongs to it.
func (g *Gateway) memberChat(ctx context.Context, conn *ws.Connection, userID, chatID, ref string) (*chat.Chat, bool) {
	if chatID == "" {
		g.sendError(conn, protocol.CodeInvalidChat, "missing chat id", ref)
		return nil, false
	}
	c, err := g.Chats.Get(ctx, chatID)
	if err != nil {
		g.logger.Error("get chat failed", zap.String("chat", chatID), zap.Error(err))
		g.sendError(conn, protocol.CodeInternal, "chat unavailable", ref)
		return nil, false
	}
	if c == nil || !c.IsMember(userID) {
		g.sendError(conn, protocol.CodeInvalidChat, "unknown chat", ref)
		return nil, false
	}
	return c, true
}

// rateLimited reports whether identifier exceeded rule, answering with
// rate_limited when it did. Limiter errors fail open.
func (g *Gateway) rateLimited(ctx context.Context, conn *ws.Connection, identifier string, rule ratelimit.Rule, ref string) bool {
	if g.Limiter == nil {
		return false
	}
	ok, err := g.Limiter.Allow(ctx, identifier, rule)
	if err != nil {
		g.logger.Warn("rate limiter unavailable", zap.Error(err))
	}
	if ok {
		return false
	}
	g.send(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: g.Limiter.RetryAfter(ctx, identifier, rule),
		Ref:        ref,
	})
	return true
}

func (g *Gateway) handleAuth(conn *ws.Connection, msg protocol.AuthMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if g.rateLimited(ctx, conn, conn.RemoteIP, ratelimit.RuleAuth, msg.Ref) {
		return
	}
	reject := func(reason string) {
		g.send(conn, protocol.TypeAuthResult, protocol.AuthResultMsg{OK: false, Reason: reason, Ref: msg.Ref})
	}

	token := strings.TrimSpace(msg.Token)
	if token == "" {
		reject("missing token")
		return
	}
	userID, err := g.Sessions.ResolveToken(ctx, token)
	if errors.Is(err, session.ErrInvalidToken) {
		reject("invalid token")
		return
	}
	if err != nil {
		g.logger.Error("resolve token failed", zap.String("session", conn.ID), zap.Error(err))
		g.sendError(conn, protocol.CodeInternal, "authentication unavailable", msg.Ref)
		return
	}

	if g.Suspensions != nil {
		st, err := g.Suspensions.Check(ctx, userID)
		if err != nil {
			g.logger.Warn("suspension check failed", zap.String("user", userID), zap.Error(err))
		} else if st.Banned {
			reject("suspended")
			return
		}
	}

	prev := conn.UserID()
	if conn.SetUser(userID, token) {
		metrics.ChatListSubscribers.Dec()
	}
	if prev == "" {
		metrics.AuthenticatedConnections.Inc()
	}
	if err := g.Sessions.Bind(ctx, conn.ID, userID, token); err != nil {
		g.logger.Warn("bind session failed", zap.String("session", conn.ID), zap.Error(err))
	}
	if err := g.Bus.SubscribeUser(userID, conn.ID, func(data []byte) { g.deliver(conn, data) }); err != nil {
		g.logger.Error("subscribe user failed", zap.String("session", conn.ID), zap.Error(err))
	}

	g.logger.Info("authenticated", zap.String("session", conn.ID), zap.String("user", userID))
	g.send(conn, protocol.TypeAuthResult, protocol.AuthResultMsg{OK: true, UserID: userID, Ref: msg.Ref})
}

func (g *Gateway) handleLogout(conn *ws.Connection, msg protocol.LogoutMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if token := conn.Token(); token != "" {
		if err := g.Sessions.RevokeToken(ctx, token); err != nil {
			g.logger.Error("revoke token failed", zap.String("session", conn.ID), zap.Error(err))
			g.sendError(conn, protocol.CodeInternal, "logout failed", msg.Ref)
			return
		}
	}
	if conn.Authenticated() {
		if err := g.Sessions.Unbind(ctx, conn.ID); err != nil {
			g.logger.Warn("unbind session failed", zap.String("session", conn.ID), zap.Error(err))
		}
		g.release(conn)
	}
	g.send(conn, protocol.TypeLoggedOut, protocol.LoggedOutMsg{Ref: msg.Ref})
}

func (g *Gateway) handleFetchChats(conn *ws.Connection, msg protocol.FetchChatsMsg) {
	userID, ok := g.requireUser(conn, msg.Ref)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	page := msg.Page
	if page < 1 {
		page = 1
	}
	if page > chat.MaxPage {
		g.send(conn, protocol.TypeChatsPage, protocol.ChatsPageMsg{Page: page, Chats: []protocol.ChatSummary{}, Ref: msg.Ref})
		return
	}
	chats, hasMore, err := g.Chats.Page(ctx, userID, page)
	if err != nil {
		g.logger.Error("fetch chats failed", zap.String("user", userID), zap.Error(err))
		g.sendError(conn, protocol.CodeInternal, "chat list unavailable", msg.Ref)
		return
	}
	out := make([]protocol.ChatSummary, len(chats))
	for i, s := range chats {
		out[i] = toProtocol(s)
	}
	g.send(conn, protocol.TypeChatsPage, protocol.ChatsPageMsg{Page: page, Chats: out, HasMore: hasMore, Ref: msg.Ref})
}

func (g *Gateway) handleSubscribeChats(conn *ws.Connection, _ protocol.SubscribeChatsMsg) {
	if _, ok := g.requireUser(conn, ""); !ok {
		return
	}
	if conn.AddChatSubscription() {
		metrics.ChatListSubscribers.Inc()
	}
}

func (g *Gateway) handleUnsubscribeChats(conn *ws.Connection, _ protocol.UnsubscribeChatsMsg) {
	if conn.ReleaseChatSubscription() {
		metrics.ChatListSubscribers.Dec()
	}
}

func (g *Gateway) handleMessage(conn *ws.Connection, msg protocol.ChatMsg) {
	start := g.now()
	userID, ok := g.requireUser(conn, msg.Ref)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	text, err := chat.NormalizeMessage(msg.Text)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		g.sendError(conn, validationCode(err), err.Error(), msg.Ref)
		return
	}
	c, ok := g.memberChat(ctx, conn, userID, msg.ChatID, msg.Ref)
	if !ok {
		return
	}
	if g.rateLimited(ctx, conn, userID, ratelimit.RuleMessage, msg.Ref) {
		metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
		g.recordOffense(ctx, conn, userID)
		return
	}

	ts := g.now().UnixMilli()
	id := uuid.New().String()
	if _, err := g.Chats.Touch(ctx, c.ID, userID, text, ts); err != nil {
		g.logger.Error("touch chat failed", zap.String("chat", c.ID), zap.Error(err))
		g.sendError(conn, protocol.CodeInternal, "message not stored", msg.Ref)
		return
	}
	if err := g.History.Append(ctx, history.Message{ID: id, ChatID: c.ID, From: userID, Text: text, Ts: ts}); err != nil {
		g.logger.Warn("append history failed", zap.String("chat", c.ID), zap.Error(err))
	}

	g.send(conn, protocol.TypeMessageAck, protocol.MessageAckMsg{Ref: msg.Ref, ID: id, Ts: ts})
	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	metrics.MessageLatency.Observe(g.now().Sub(start).Seconds())

	ev := chat.Event{Type: chat.EventMessage, ChatID: c.ID, From: userID, ID: id, Text: text, Ts: ts, Origin: conn.ID}
	updated := chat.Event{Type: chat.EventChatUpdated, ChatID: c.ID, From: userID, Ts: ts, Origin: conn.ID}
	for _, member := range []string{c.Partner(userID), userID} {
		g.publish(member, ev)
		g.publish(member, updated)
	}
}

// recordOffense counts a rate-limit violation and signs the connection out
// once it earns a suspension.
func (g *Gateway) recordOffense(ctx context.Context, conn *ws.Connection, userID string) {
	if g.Suspensions == nil {
		return
	}
	d, err := g.Suspensions.RecordOffense(ctx, userID, "flooding")
	if err != nil {
		g.logger.Warn("record offense failed", zap.String("user", userID), zap.Error(err))
		return
	}
	if d == 0 {
		return
	}
	g.logger.Info("user suspended", zap.String("user", userID), zap.Duration("for", d))
	g.sendError(conn, protocol.CodeSuspended, "suspended for "+d.String(), "")
	if conn.Authenticated() {
		g.release(conn)
	}
}

func (g *Gateway) handleTyping(conn *ws.Connection, msg protocol.TypingMsg) {
	userID, ok := g.requireUser(conn, "")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	c, ok := g.memberChat(ctx, conn, userID, msg.ChatID, "")
	if !ok {
		return
	}
	if g.Limiter != nil {
		// Typing is best effort: excess signals are dropped quietly.
		if allowed, _ := g.Limiter.Allow(ctx, userID, ratelimit.RuleTyping); !allowed {
			g.logger.Debug("typing dropped", zap.String("user", userID))
			return
		}
	}

	state := "stop"
	if msg.IsTyping {
		state = "start"
	}
	metrics.TypingRelays.WithLabelValues(state).Inc()
	g.publish(c.Partner(userID), chat.Event{
		Type:     chat.EventTyping,
		ChatID:   c.ID,
		From:     userID,
		IsTyping: msg.IsTyping,
		Origin:   conn.ID,
	})
}

func (g *Gateway) handleFetchHistory(conn *ws.Connection, msg protocol.FetchHistoryMsg) {
	userID, ok := g.requireUser(conn, msg.Ref)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	c, ok := g.memberChat(ctx, conn, userID, msg.ChatID, msg.Ref)
	if !ok {
		return
	}
	limit := msg.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > history.MaxLimit {
		limit = history.MaxLimit
	}

	msgs, hasMore, err := g.History.Before(ctx, c.ID, msg.Before, limit)
	if err != nil {
		g.logger.Error("fetch history failed", zap.String("chat", c.ID), zap.Error(err))
		g.sendError(conn, protocol.CodeInternal, "history unavailable", msg.Ref)
		return
	}
	entries := make([]protocol.HistoryEntry, len(msgs))
	for i, m := range msgs {
		entries[i] = protocol.HistoryEntry{ID: m.ID, From: m.From, Text: m.Text, Ts: m.Ts}
	}
	g.send(conn, protocol.TypeHistory, protocol.HistoryMsg{ChatID: c.ID, Messages: entries, HasMore: hasMore, Ref: msg.Ref})
}

func (g *Gateway) handleMarkRead(conn *ws.Connection, msg protocol.MarkReadMsg) {
	userID, ok := g.requireUser(conn, "")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	c, ok := g.memberChat(ctx, conn, userID, msg.ChatID, "")
	if !ok {
		return
	}
	if err := g.Chats.MarkRead(ctx, userID, c.ID); err != nil {
		g.logger.Error("mark read failed", zap.String("chat", c.ID), zap.Error(err))
		return
	}
	g.publish(userID, chat.Event{Type: chat.EventRead, ChatID: c.ID, From: userID, Origin: conn.ID})
}

func (g *Gateway) publish(userID string, ev chat.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		g.logger.Error("encode event failed", zap.Error(err))
		return
	}
	if err := g.Bus.PublishToUser(userID, data); err != nil {
		g.logger.Warn("publish failed", zap.String("user", userID), zap.String("event", ev.Type), zap.Error(err))
	}
}

func toProtocol(s chat.Summary) protocol.ChatSummary {
	return protocol.ChatSummary{
		ChatID:   s.ChatID,
		Title:    s.Title,
		LastText: s.LastText,
		LastFrom: s.LastFrom,
		LastTs:   s.LastTs,
		Unread:   s.Unread,
	}
}

// validationCode maps a chat validation error to its protocol error code.
func validationCode(err error) string {
	if errors.Is(err, chat.ErrMessageTooLong) {
		return protocol.CodeMessageTooLong
	}
	return protocol.CodeInvalidMessage
}
