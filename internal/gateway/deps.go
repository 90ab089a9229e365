package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/whisper/companion/internal/ban"
	"github.com/whisper/companion/internal/chat"
	"github.com/whisper/companion/internal/history"
	"github.com/whisper/companion/internal/ratelimit"
)

// Sessions binds connections to users. *session.Store satisfies it.
type Sessions interface {
	ResolveToken(ctx context.Context, token string) (string, error)
	Bind(ctx context.Context, sessionID, userID, token string) error
	Unbind(ctx context.Context, sessionID string) error
	RevokeToken(ctx context.Context, token string) error
}

// Chats stores conversations and chat lists. *chat.Store satisfies it.
type Chats interface {
	Get(ctx context.Context, chatID string) (*chat.Chat, error)
	Touch(ctx context.Context, chatID, from, text string, ts int64) (*chat.Chat, error)
	MarkRead(ctx context.Context, userID, chatID string) error
	Page(ctx context.Context, userID string, page int) ([]chat.Summary, bool, error)
	Summary(ctx context.Context, userID, chatID string) (chat.Summary, error)
}

// History persists messages. *history.Store satisfies it; BufferHistory is
// the in-memory fallback.
type History interface {
	Append(ctx context.Context, m history.Message) error
	Before(ctx context.Context, chatID string, before int64, limit int) ([]history.Message, bool, error)
}

// Bus fans events out to every connection of a user, whichever instance
// holds it. *messaging.NATSClient satisfies it; LocalBus is the
// single-instance fallback.
type Bus interface {
	PublishToUser(userID string, data []byte) error
	SubscribeUser(userID, sessionID string, handler func(data []byte)) error
	UnsubscribeUser(sessionID string) error
}

// Limiter is *ratelimit.Limiter.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) int
}

// Suspensions is *ban.Store.
type Suspensions interface {
	Check(ctx context.Context, userID string) (ban.Status, error)
	RecordOffense(ctx context.Context, userID, reason string) (time.Duration, error)
}

// BufferHistory serves history from a bounded in-memory buffer per chat.
type BufferHistory struct {
	buf *chat.MessageBuffer
}

// NewBufferHistory wraps buf.
func NewBufferHistory(buf *chat.MessageBuffer) *BufferHistory {
	return &BufferHistory{buf: buf}
}

func (h *BufferHistory) Append(_ context.Context, m history.Message) error {
	h.buf.Add(m.ChatID, chat.BufferedMessage{ID: m.ID, From: m.From, Text: m.Text, Ts: m.Ts})
	return nil
}

func (h *BufferHistory) Before(_ context.Context, chatID string, before int64, limit int) ([]history.Message, bool, error) {
	msgs, more := h.buf.Before(chatID, before, limit)
	out := make([]history.Message, len(msgs))
	for i, m := range msgs {
		out[i] = history.Message{ID: m.ID, ChatID: chatID, From: m.From, Text: m.Text, Ts: m.Ts}
	}
	return out, more, nil
}

// LocalBus delivers events between connections of one process.
// Handlers run synchronously on the publishing goroutine.
type LocalBus struct {
	mu     sync.RWMutex
	byUser map[string]map[string]func([]byte) // user -> session -> handler
	users  map[string]string                  // session -> user
}

// NewLocalBus creates an empty LocalBus.
func NewLocalBus() *LocalBus {
	return &LocalBus{
		byUser: make(map[string]map[string]func([]byte)),
		users:  make(map[string]string),
	}
}

func (b *LocalBus) PublishToUser(userID string, data []byte) error {
	b.mu.RLock()
	handlers := make([]func([]byte), 0, len(b.byUser[userID]))
	for _, h := range b.byUser[userID] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(data)
	}
	return nil
}

func (b *LocalBus) SubscribeUser(userID, sessionID string, handler func([]byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sessionID)
	subs := b.byUser[userID]
	if subs == nil {
		subs = make(map[string]func([]byte))
		b.byUser[userID] = subs
	}
	subs[sessionID] = handler
	b.users[sessionID] = userID
	return nil
}

func (b *LocalBus) UnsubscribeUser(sessionID string) error {
	b.mu.Lock()
	b.removeLocked(sessionID)
	b.mu.Unlock()
	return nil
}

func (b *LocalBus) removeLocked(sessionID string) {
	user, ok := b.users[sessionID]
	if !ok {
		return
	}
	delete(b.users, sessionID)
	delete(b.byUser[user], sessionID)
	if len(b.byUser[user]) == 0 {
		delete(b.byUser, user)
	}
}
