// Package chatlist keeps a conversation list view in sync with the
// gateway: it fetches the first page when the view mounts, asks for a
// real-time connection once the local identity is known, and holds a
// chat-list subscription for exactly as long as the view is mounted and the
// connection is up.
package chatlist

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Fetcher loads one page of conversation summaries into the Inbox.
type Fetcher interface {
	FetchChats(ctx context.Context, page int) error
}

// Connector establishes the real-time connection.
type Connector interface {
	Connect(ctx context.Context) error
}

// Subscriber toggles incremental chat-list updates. Implementations must
// tolerate being shared by several sessions (ref-counting or idempotency).
type Subscriber interface {
	SubscribeToChats() error
	UnsubscribeFromChats() error
}

// Backend bundles the collaborators of a Session.
type Backend interface {
	Fetcher
	Connector
	Subscriber
}

// Session is the lifecycle of one mounted chat list view.
type Session struct {
	backend Backend
	logger  *zap.Logger

	callMu sync.Mutex // held across backend subscribe calls

	mu         sync.Mutex
	identity   string
	connected  bool
	mounted    bool
	subscribed bool
	mountCtx   context.Context
	unmount    context.CancelFunc
	onSelect   func(chatID string)

	wg sync.WaitGroup
}

// NewSession returns an unmounted Session. onSelect is invoked when a
// conversation is selected with complete context; it may be nil.
func NewSession(backend Backend, onSelect func(chatID string), logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		backend:  backend,
		onSelect: onSelect,
		logger:   logger.Named("chatlist"),
	}
}

// Mount marks the view as mounted and issues one fetch of page 1. The
// fetch runs in the background; its errors are logged, not retried.
func (s *Session) Mount(ctx context.Context) {
	s.mu.Lock()
	if s.mounted {
		s.mu.Unlock()
		return
	}
	s.mounted = true
	s.mountCtx, s.unmount = context.WithCancel(ctx)
	mountCtx := s.mountCtx
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.backend.FetchChats(mountCtx, 1); err != nil {
			s.logger.Warn("initial chat fetch failed", zap.Error(err))
		}
	}()

	s.reconcile()
}

// Unmount marks the view as gone and drops the subscription if one is
// held. Calling it on an unmounted or never-subscribed Session is safe.
func (s *Session) Unmount() {
	s.mu.Lock()
	if s.mounted {
		s.mounted = false
		s.unmount()
	}
	s.mu.Unlock()

	s.reconcile()
}

// SetIdentity records the local user. The first time an identity becomes
// known a connection is requested in the background. An empty userID
// clears the identity.
func (s *Session) SetIdentity(ctx context.Context, userID string) {
	s.mu.Lock()
	becameKnown := s.identity == "" && userID != ""
	s.identity = userID
	s.mu.Unlock()

	if becameKnown {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.backend.Connect(ctx); err != nil {
				s.logger.Warn("connect failed", zap.String("user", userID), zap.Error(err))
			}
		}()
	}

	s.reconcile()
}

// ConnectionUp records that the real-time connection is established.
func (s *Session) ConnectionUp() { s.setConnected(true) }

// ConnectionDown records that the real-time connection dropped.
func (s *Session) ConnectionDown() { s.setConnected(false) }

// Select opens a conversation. Without a conversation ID or a known
// identity the call is ignored and false is returned.
func (s *Session) Select(chatID string) bool {
	s.mu.Lock()
	ok := chatID != "" && s.identity != ""
	onSelect := s.onSelect
	s.mu.Unlock()

	if !ok {
		return false
	}
	if onSelect != nil {
		onSelect(chatID)
	}
	return true
}

// Subscribed reports whether the Session currently holds a subscription.
func (s *Session) Subscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed
}

// Wait blocks until background fetch and connect calls have returned.
func (s *Session) Wait() { s.wg.Wait() }

func (s *Session) setConnected(up bool) {
	s.mu.Lock()
	s.connected = up
	s.mu.Unlock()

	s.reconcile()
}

// reconcile brings the subscription in line with the three conditions.
// callMu serializes collaborator calls, so an unsubscribe can never overtake
// the subscribe it pairs with. The loop re-reads the conditions after each
// call because they may have changed while it was in flight.
func (s *Session) reconcile() {
	s.callMu.Lock()
	defer s.callMu.Unlock()

	for {
		s.mu.Lock()
		want := s.mounted && s.connected && s.identity != ""
		have := s.subscribed
		s.mu.Unlock()

		switch {
		case want && !have:
			if err := s.backend.SubscribeToChats(); err != nil {
				s.logger.Warn("subscribe failed", zap.Error(err))
				return
			}
			s.setSubscribed(true)
			s.logger.Debug("subscribed to chat list")
		case !want && have:
			// The reference is released even when the call fails.
			s.setSubscribed(false)
			if err := s.backend.UnsubscribeFromChats(); err != nil {
				s.logger.Warn("unsubscribe failed", zap.Error(err))
				return
			}
			s.logger.Debug("unsubscribed from chat list")
		default:
			return
		}
	}
}

func (s *Session) setSubscribed(v bool) {
	s.mu.Lock()
	s.subscribed = v
	s.mu.Unlock()
}
