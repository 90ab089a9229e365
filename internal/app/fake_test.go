package app

import (
	"context"
	"errors"
	"sync"

	"github.com/whisper/companion/internal/chatlist"
	"github.com/whisper/companion/internal/protocol"
)

// fakeBackend is an in-memory Backend. Handlers registered with On are
// driven by emit.
type fakeBackend struct {
	mu sync.Mutex

	inbox     *chatlist.Inbox
	connected bool
	token     string // the token Authenticate accepts
	logoutErr error
	sendErr   error

	fetches, connects, subs, unsubs, closes, logouts int
	typing                                           []bool
	sent                                             []string
	read                                             []string
	history                                          protocol.HistoryMsg

	handlers map[string]map[int]func(interface{})
	stateFns map[int]func(bool)
	nextID   int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		inbox:    chatlist.NewInbox(),
		token:    "good",
		handlers: make(map[string]map[int]func(interface{})),
		stateFns: make(map[int]func(bool)),
	}
}

func (f *fakeBackend) FetchChats(context.Context, int) error {
	f.mu.Lock()
	f.fetches++
	f.mu.Unlock()
	f.inbox.ApplyPage(1, []chatlist.Summary{{ChatID: "c1", Title: "Bob", LastTs: 5, Unread: 2}}, false)
	return nil
}

func (f *fakeBackend) Connect(context.Context) error {
	f.mu.Lock()
	f.connects++
	already := f.connected
	f.connected = true
	f.mu.Unlock()
	if !already {
		f.setState(true)
	}
	return nil
}

func (f *fakeBackend) SubscribeToChats() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs++
	return nil
}

func (f *fakeBackend) UnsubscribeFromChats() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs++
	return nil
}

func (f *fakeBackend) Typing(_ string, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, on)
	return nil
}

func (f *fakeBackend) SendMessage(_ context.Context, chatID, text string) (protocol.MessageAckMsg, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return protocol.MessageAckMsg{}, f.sendErr
	}
	f.sent = append(f.sent, chatID+":"+text)
	return protocol.MessageAckMsg{ID: "ack-" + text, Ts: int64(len(f.sent))}, nil
}

func (f *fakeBackend) FetchHistory(context.Context, string, int64, int) (protocol.HistoryMsg, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history, nil
}

func (f *fakeBackend) MarkRead(chatID string) error {
	f.mu.Lock()
	f.read = append(f.read, chatID)
	f.mu.Unlock()
	f.inbox.MarkRead(chatID)
	return nil
}

func (f *fakeBackend) On(msgType string, handler func(interface{})) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	if f.handlers[msgType] == nil {
		f.handlers[msgType] = make(map[int]func(interface{}))
	}
	f.handlers[msgType][id] = handler
	return func() {
		f.mu.Lock()
		delete(f.handlers[msgType], id)
		f.mu.Unlock()
	}
}

func (f *fakeBackend) Authenticate(_ context.Context, token string) (string, error) {
	if token != f.token {
		return "", errors.New("invalid token")
	}
	return "alice", nil
}

func (f *fakeBackend) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	return f.logoutErr
}

func (f *fakeBackend) OnState(fn func(bool)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.stateFns[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.stateFns, id)
		f.mu.Unlock()
	}
}

func (f *fakeBackend) Inbox() *chatlist.Inbox { return f.inbox }

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	f.closes++
	was := f.connected
	f.connected = false
	f.mu.Unlock()
	if was {
		f.setState(false)
	}
	return nil
}

func (f *fakeBackend) emit(msgType string, msg interface{}) {
	f.mu.Lock()
	var hs []func(interface{})
	for _, h := range f.handlers[msgType] {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(msg)
	}
}

func (f *fakeBackend) setState(up bool) {
	f.mu.Lock()
	var fns []func(bool)
	for _, fn := range f.stateFns {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(up)
	}
}

func (f *fakeBackend) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, hs := range f.handlers {
		n += len(hs)
	}
	return n
}

type backendCounts struct {
	fetches, connects, subs, unsubs, closes, logouts int
	typing                                           []bool
	sent                                             []string
	read                                             []string
}

func (f *fakeBackend) counts() backendCounts {
	f.mu.Lock()
	defer f.mu.Unlock()
	return backendCounts{
		fetches: f.fetches, connects: f.connects, subs: f.subs, unsubs: f.unsubs,
		closes: f.closes, logouts: f.logouts,
		typing: append([]bool(nil), f.typing...),
		sent:   append([]string(nil), f.sent...),
		read:   append([]string(nil), f.read...),
	}
}
