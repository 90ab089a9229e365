package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/companion/internal/clock"
	"github.com/whisper/companion/internal/composer"
	"github.com/whisper/companion/internal/protocol"
	"github.com/whisper/companion/internal/state"
	"github.com/whisper/companion/internal/typing"
)

// PartnerTypingTimeout is how long a partner's typing indicator is shown
// without a refresh before it is cleared locally.
const PartnerTypingTimeout = 5 * time.Second

// HistoryPageSize is the number of messages loaded per history request.
const HistoryPageSize = 20

// Transport is what a conversation screen needs from the connection.
type Transport interface {
	Typing(chatID string, typing bool) error
	SendMessage(ctx context.Context, chatID, text string) (protocol.MessageAckMsg, error)
	FetchHistory(ctx context.Context, chatID string, before int64, limit int) (protocol.HistoryMsg, error)
	MarkRead(chatID string) error
	On(msgType string, handler func(msg interface{})) (cancel func())
}

// PartnerTyping is the remote typing indicator of a conversation.
type PartnerTyping struct {
	From   string
	Typing bool
}

// Conversation is one open conversation screen: the composer with its
// typing session, the partner's typing indicator and the loaded messages.
// Switching conversations discards the screen and builds a new one.
type Conversation struct {
	chatID    string
	transport Transport
	logger    *zap.Logger
	clock     clock.Clock
	timeout   time.Duration

	composer *composer.Composer
	partner  *state.Store[PartnerTyping]

	mu       sync.Mutex
	messages []protocol.HistoryEntry
	hasMore  bool
	expiry   clock.Timer
	gen      uint64
	closed   bool
	cancels  []func()
}

// ConversationOption configures a Conversation.
type ConversationOption func(*Conversation)

// WithConversationClock sets the clock used by the typing session and the
// partner indicator.
func WithConversationClock(c clock.Clock) ConversationOption {
	return func(cv *Conversation) { cv.clock = c }
}

// WithPartnerTimeout overrides PartnerTypingTimeout.
func WithPartnerTimeout(d time.Duration) ConversationOption {
	return func(cv *Conversation) { cv.timeout = d }
}

// WithConversationLogger sets the logger.
func WithConversationLogger(l *zap.Logger) ConversationOption {
	return func(cv *Conversation) { cv.logger = l }
}

// NewConversation opens the screen for chatID and starts listening for
// inbound messages and typing events.
func NewConversation(chatID string, t Transport, opts ...ConversationOption) *Conversation {
	cv := &Conversation{
		chatID:    chatID,
		transport: t,
		logger:    zap.NewNop(),
		clock:     clock.Real(),
		timeout:   PartnerTypingTimeout,
		partner:   state.NewComparable(PartnerTyping{}),
	}
	for _, opt := range opts {
		opt(cv)
	}
	cv.logger = cv.logger.With(zap.String("chat", chatID))

	deb := typing.New(
		func() { cv.signalTyping(true) },
		func() { cv.signalTyping(false) },
		typing.WithClock(cv.clock),
		typing.WithLogger(cv.logger),
	)
	cv.composer = composer.New(
		func(ctx context.Context, text string) error {
			ack, err := t.SendMessage(ctx, chatID, text)
			if err != nil {
				return err
			}
			cv.appendMessage(protocol.HistoryEntry{ID: ack.ID, Text: text, Ts: ack.Ts})
			return nil
		},
		composer.WithTyping(deb),
		composer.WithLogger(cv.logger),
	)

	cv.cancels = append(cv.cancels,
		t.On(protocol.TypeTyping, cv.onTyping),
		t.On(protocol.TypeMessage, cv.onMessage),
	)
	return cv
}

// ChatID returns the conversation this screen shows.
func (cv *Conversation) ChatID() string { return cv.chatID }

// Composer returns the message composer.
func (cv *Conversation) Composer() *composer.Composer { return cv.composer }

// Partner returns the store holding the partner's typing indicator.
func (cv *Conversation) Partner() *state.Store[PartnerTyping] { return cv.partner }

// Messages returns the loaded messages, oldest first.
func (cv *Conversation) Messages() []protocol.HistoryEntry {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	out := make([]protocol.HistoryEntry, len(cv.messages))
	copy(out, cv.messages)
	return out
}

// HasMoreHistory reports whether older messages remain on the gateway.
func (cv *Conversation) HasMoreHistory() bool {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	return cv.hasMore
}

// LoadOlder fetches the page of history preceding the oldest loaded
// message and marks the conversation read.
func (cv *Conversation) LoadOlder(ctx context.Context) error {
	cv.mu.Lock()
	var before int64
	if len(cv.messages) > 0 {
		before = cv.messages[0].Ts
	}
	cv.mu.Unlock()

	h, err := cv.transport.FetchHistory(ctx, cv.chatID, before, HistoryPageSize)
	if err != nil {
		return fmt.Errorf("app: load history: %w", err)
	}

	cv.mu.Lock()
	cv.messages = append(append([]protocol.HistoryEntry{}, h.Messages...), cv.messages...)
	cv.hasMore = h.HasMore
	cv.mu.Unlock()

	if err := cv.transport.MarkRead(cv.chatID); err != nil {
		cv.logger.Debug("mark read failed", zap.Error(err))
	}
	return nil
}

// Close tears down the composer and its typing session and stops
// listening. No typing signal is sent by Close.
func (cv *Conversation) Close() {
	cv.mu.Lock()
	if cv.closed {
		cv.mu.Unlock()
		return
	}
	cv.closed = true
	if cv.expiry != nil {
		cv.expiry.Stop()
		cv.expiry = nil
	}
	cv.gen++
	cancels := cv.cancels
	cv.cancels = nil
	cv.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	cv.composer.Close()
}

func (cv *Conversation) signalTyping(on bool) {
	if err := cv.transport.Typing(cv.chatID, on); err != nil {
		cv.logger.Debug("typing signal dropped", zap.Bool("typing", on), zap.Error(err))
	}
}

func (cv *Conversation) onTyping(msg interface{}) {
	m, ok := msg.(protocol.ServerTypingMsg)
	if !ok || m.ChatID != cv.chatID {
		return
	}

	cv.mu.Lock()
	if cv.closed {
		cv.mu.Unlock()
		return
	}
	if cv.expiry != nil {
		cv.expiry.Stop()
		cv.expiry = nil
	}
	cv.gen++
	if m.IsTyping {
		gen := cv.gen
		cv.expiry = cv.clock.AfterFunc(cv.timeout, func() { cv.expirePartner(gen) })
	}
	cv.mu.Unlock()

	cv.partner.Set(PartnerTyping{From: m.From, Typing: m.IsTyping})
}

func (cv *Conversation) expirePartner(gen uint64) {
	cv.mu.Lock()
	stale := cv.closed || gen != cv.gen
	if !stale {
		cv.expiry = nil
	}
	cv.mu.Unlock()
	if stale {
		return
	}
	cv.partner.Update(func(p PartnerTyping) PartnerTyping { p.Typing = false; return p })
}

func (cv *Conversation) onMessage(msg interface{}) {
	m, ok := msg.(protocol.ServerChatMsg)
	if !ok || m.ChatID != cv.chatID {
		return
	}
	cv.appendMessage(protocol.HistoryEntry{ID: m.ID, From: m.From, Text: m.Text, Ts: m.Ts})

	// A delivered message ends the sender's typing run.
	cv.mu.Lock()
	if cv.expiry != nil {
		cv.expiry.Stop()
		cv.expiry = nil
	}
	cv.gen++
	cv.mu.Unlock()
	cv.partner.Update(func(p PartnerTyping) PartnerTyping {
		if p.From == m.From {
			p.Typing = false
		}
		return p
	})
}

func (cv *Conversation) appendMessage(e protocol.HistoryEntry) {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	if cv.closed {
		return
	}
	for _, have := range cv.messages {
		if e.ID != "" && have.ID == e.ID {
			return
		}
	}
	cv.messages = append(cv.messages, e)
}
