package gateway

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"

	"github.com/whisper/companion/internal/ban"
	"github.com/whisper/companion/internal/chat"
	"github.com/whisper/companion/internal/protocol"
	"github.com/whisper/companion/internal/ratelimit"
	"github.com/whisper/companion/internal/session"
	"github.com/whisper/companion/internal/ws"
)

type fakeSessions struct {
	mu      sync.Mutex
	tokens  map[string]string
	bound   map[string]string
	revoked []string
}

func newFakeSessions(tokens map[string]string) *fakeSessions {
	return &fakeSessions{tokens: tokens, bound: make(map[string]string)}
}

func (s *fakeSessions) ResolveToken(_ context.Context, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.tokens[token]; ok {
		return u, nil
	}
	return "", session.ErrInvalidToken
}

func (s *fakeSessions) Bind(_ context.Context, sid, userID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bound[sid] = userID
	return nil
}

func (s *fakeSessions) Unbind(_ context.Context, sid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bound, sid)
	return nil
}

func (s *fakeSessions) RevokeToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
	s.revoked = append(s.revoked, token)
	return nil
}

func (s *fakeSessions) boundUser(sid string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound[sid]
}

type fakeChats struct {
	mu     sync.Mutex
	chats  map[string]*chat.Chat
	unread map[string]map[string]int
}

func newFakeChats() *fakeChats {
	return &fakeChats{chats: make(map[string]*chat.Chat), unread: make(map[string]map[string]int)}
}

func (f *fakeChats) add(id, a, b string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats[id] = &chat.Chat{ID: id, MemberA: a, MemberB: b}
}

func (f *fakeChats) Get(_ context.Context, id string) (*chat.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chats[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeChats) Touch(_ context.Context, id, from, text string, ts int64) (*chat.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.chats[id]
	c.LastText, c.LastFrom, c.LastTs = text, from, ts
	partner := c.Partner(from)
	if f.unread[partner] == nil {
		f.unread[partner] = make(map[string]int)
	}
	f.unread[partner][id]++
	cp := *c
	return &cp, nil
}

func (f *fakeChats) MarkRead(_ context.Context, userID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.unread[userID], id)
	return nil
}

func (f *fakeChats) Page(_ context.Context, userID string, page int) ([]chat.Summary, bool, error) {
	f.mu.Lock()
	var ids []string
	for id, c := range f.chats {
		if c.IsMember(userID) {
			ids = append(ids, id)
		}
	}
	f.mu.Unlock()
	sort.Strings(ids)

	out := make([]chat.Summary, 0, len(ids))
	for _, id := range ids {
		s, _ := f.Summary(context.Background(), userID, id)
		out = append(out, s)
	}
	return out, false, nil
}

func (f *fakeChats) Summary(_ context.Context, userID, id string) (chat.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chats[id]
	if !ok {
		return chat.Summary{}, fmt.Errorf("chat %s not found", id)
	}
	return chat.Summary{
		ChatID:   id,
		Title:    c.Partner(userID),
		LastText: c.LastText,
		LastFrom: c.LastFrom,
		LastTs:   c.LastTs,
		Unread:   f.unread[userID][id],
	}, nil
}

// fakeLimiter allows everything except identifiers listed in deny.
type fakeLimiter struct {
	mu   sync.Mutex
	deny map[string]bool // rule key + identifier
}

func (l *fakeLimiter) block(identifier string, rule ratelimit.Rule) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deny == nil {
		l.deny = make(map[string]bool)
	}
	l.deny[rule.Key+identifier] = true
}

func (l *fakeLimiter) Allow(_ context.Context, identifier string, rule ratelimit.Rule) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.deny[rule.Key+identifier], nil
}

func (l *fakeLimiter) RetryAfter(context.Context, string, ratelimit.Rule) int { return 7 }

type fakeSuspensions struct {
	mu       sync.Mutex
	banned   map[string]bool
	offenses map[string]int
}

func newFakeSuspensions() *fakeSuspensions {
	return &fakeSuspensions{banned: make(map[string]bool), offenses: make(map[string]int)}
}

func (s *fakeSuspensions) Check(_ context.Context, userID string) (ban.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ban.Status{Banned: s.banned[userID]}, nil
}

func (s *fakeSuspensions) RecordOffense(_ context.Context, userID, _ string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offenses[userID]++
	if s.offenses[userID] < 2 {
		return 0, nil
	}
	s.banned[userID] = true
	return ban.Ban15Min, nil
}

// peer is the client side of a connection served by the gateway.
type peer struct {
	conn   *ws.Connection
	frames chan []byte
}

func newPeer(t *testing.T, id string) *peer {
	t.Helper()
	server, client := net.Pipe()
	p := &peer{
		conn:   ws.NewConnection(id, server, time.Second),
		frames: make(chan []byte, 64),
	}
	go func() {
		defer close(p.frames)
		for {
			data, err := wsutil.ReadServerText(client)
			if err != nil {
				return
			}
			p.frames <- data
		}
	}()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return p
}

// next returns the next frame sent to p.
func (p *peer) next(t *testing.T) (string, interface{}) {
	t.Helper()
	select {
	case data, ok := <-p.frames:
		require.True(t, ok, "connection closed")
		msgType, msg, err := protocol.ParseServerMessage(data)
		require.NoError(t, err)
		return msgType, msg
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return "", nil
	}
}

// quiet asserts that nothing else was sent to p.
func (p *peer) quiet(t *testing.T) {
	t.Helper()
	select {
	case data := <-p.frames:
		t.Fatalf("unexpected frame: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}
