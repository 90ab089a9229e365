package client

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/whisper/companion/internal/chatlist"
	"github.com/whisper/companion/internal/protocol"
)

// fakeGateway answers client requests with canned replies and records the
// message types it received.
type fakeGateway struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	received []string
	conns    []net.Conn
}

func newFakeGateway(t *testing.T) *fakeGateway {
	g := &fakeGateway{t: t}
	g.srv = httptest.NewServer(http.HandlerFunc(g.serve))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws://" + strings.TrimPrefix(g.srv.URL, "http://")
}

func (g *fakeGateway) serve(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}
	g.mu.Lock()
	g.conns = append(g.conns, conn)
	g.mu.Unlock()
	defer conn.Close()

	g.write(conn, protocol.TypeSessionCreated, protocol.SessionCreatedMsg{SessionID: "sess-1"})

	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		if op != ws.OpText {
			continue
		}
		msgType, msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			continue
		}
		g.mu.Lock()
		g.received = append(g.received, msgType)
		g.mu.Unlock()

		switch m := msg.(type) {
		case protocol.AuthMsg:
			if m.Token == "good" {
				g.write(conn, protocol.TypeAuthResult, protocol.AuthResultMsg{OK: true, UserID: "alice", Ref: m.Ref})
			} else {
				g.write(conn, protocol.TypeAuthResult, protocol.AuthResultMsg{OK: false, Reason: "invalid token", Ref: m.Ref})
			}
		case protocol.LogoutMsg:
			g.write(conn, protocol.TypeLoggedOut, protocol.LoggedOutMsg{Ref: m.Ref})
		case protocol.FetchChatsMsg:
			g.write(conn, protocol.TypeChatsPage, protocol.ChatsPageMsg{
				Page:    m.Page,
				Chats:   []protocol.ChatSummary{{ChatID: "c1", Title: "Bob", LastTs: 10, Unread: 1}},
				HasMore: false,
				Ref:     m.Ref,
			})
		case protocol.ChatMsg:
			if m.Text == "slow down" {
				g.write(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: 3, Ref: m.Ref})
				continue
			}
			g.write(conn, protocol.TypeMessageAck, protocol.MessageAckMsg{Ref: m.Ref, ID: "m1", Ts: 42})
			g.write(conn, protocol.TypeChatUpdated, protocol.ChatUpdatedMsg{Chat: protocol.ChatSummary{
				ChatID: m.ChatID, Title: "Bob", LastText: m.Text, LastFrom: "alice", LastTs: 42,
			}})
		case protocol.FetchHistoryMsg:
			g.write(conn, protocol.TypeHistory, protocol.HistoryMsg{
				ChatID:   m.ChatID,
				Messages: []protocol.HistoryEntry{{ID: "m0", From: "bob", Text: "hi", Ts: 1}},
				Ref:      m.Ref,
			})
		}
	}
}

func (g *fakeGateway) write(conn net.Conn, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	require.NoError(g.t, err)
	_ = wsutil.WriteServerMessage(conn, ws.OpText, data)
}

func (g *fakeGateway) count(msgType string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, got := range g.received {
		if got == msgType {
			n++
		}
	}
	return n
}

func (g *fakeGateway) kick() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.conns {
		c.Close()
	}
}

func dial(t *testing.T, g *fakeGateway) *Client {
	cfg := DefaultConfig()
	cfg.URL = g.url()
	cfg.RequestTimeout = 5 * time.Second
	c := New(cfg, chatlist.NewInbox(), zap.NewNop())
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestConnectReceivesSession(t *testing.T) {
	g := newFakeGateway(t)
	c := dial(t, g)

	assert.True(t, c.Connected())
	assert.Equal(t, "sess-1", c.SessionID())

	// A second Connect is a no-op.
	require.NoError(t, c.Connect(context.Background()))
}

func TestAuthenticate(t *testing.T) {
	g := newFakeGateway(t)
	c := dial(t, g)

	uid, err := c.Authenticate(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "alice", uid)
	assert.Equal(t, "alice", c.UserID())

	_, err = c.Authenticate(context.Background(), "bad")
	require.ErrorIs(t, err, ErrRejected)

	require.NoError(t, c.Logout(context.Background()))
	assert.Empty(t, c.UserID())
}

func TestFetchChatsFillsInbox(t *testing.T) {
	g := newFakeGateway(t)
	c := dial(t, g)

	require.NoError(t, c.FetchChats(context.Background(), 1))
	list := c.Inbox().List()
	require.Len(t, list, 1)
	assert.Equal(t, "c1", list[0].ChatID)
	assert.Equal(t, 1, list[0].Unread)
}

func TestSendMessageWaitsForAck(t *testing.T) {
	g := newFakeGateway(t)
	c := dial(t, g)

	updated := make(chan struct{}, 1)
	cancel := c.On(protocol.TypeChatUpdated, func(interface{}) { updated <- struct{}{} })
	defer cancel()

	ack, err := c.SendMessage(context.Background(), "c1", "  hello  ")
	require.NoError(t, err)
	assert.Equal(t, "m1", ack.ID)
	assert.Equal(t, int64(42), ack.Ts)

	select {
	case <-updated:
	case <-time.After(2 * time.Second):
		t.Fatal("chat_updated not dispatched")
	}
	s, ok := c.Inbox().Get("c1")
	require.True(t, ok)
	assert.Equal(t, "hello", s.LastText)
}

func TestSendMessageRateLimited(t *testing.T) {
	g := newFakeGateway(t)
	c := dial(t, g)

	err := c.Sender("c1")(context.Background(), "slow down")
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "retry after 3s")
}

func TestSendMessageRejectsEmpty(t *testing.T) {
	c := New(DefaultConfig(), nil, nil)
	_, err := c.SendMessage(context.Background(), "c1", "   ")
	require.Error(t, err)
}

func TestFetchHistory(t *testing.T) {
	g := newFakeGateway(t)
	c := dial(t, g)

	h, err := c.FetchHistory(context.Background(), "c1", 0, 20)
	require.NoError(t, err)
	require.Len(t, h.Messages, 1)
	assert.Equal(t, "hi", h.Messages[0].Text)
}

func TestSubscriptionsAreRefCounted(t *testing.T) {
	g := newFakeGateway(t)
	c := dial(t, g)

	require.NoError(t, c.SubscribeToChats())
	require.NoError(t, c.SubscribeToChats())
	assert.Equal(t, 2, c.Subscriptions())

	require.NoError(t, c.UnsubscribeFromChats())
	require.NoError(t, c.UnsubscribeFromChats())
	require.NoError(t, c.UnsubscribeFromChats(), "extra release is harmless")
	assert.Equal(t, 0, c.Subscriptions())

	// Round-trip a request so the gateway has read everything sent before it.
	require.NoError(t, c.FetchChats(context.Background(), 1))
	assert.Equal(t, 1, g.count(protocol.TypeSubscribeChats))
	assert.Equal(t, 1, g.count(protocol.TypeUnsubscribeChats))
}

func TestSubscribeWithoutConnection(t *testing.T) {
	c := New(DefaultConfig(), nil, nil)
	require.ErrorIs(t, c.SubscribeToChats(), ErrNotConnected)
	assert.Equal(t, 0, c.Subscriptions())
	require.NoError(t, c.UnsubscribeFromChats())
	require.ErrorIs(t, c.Typing("c1", true), ErrNotConnected)
}

func TestConnectionLossNotifiesState(t *testing.T) {
	g := newFakeGateway(t)

	cfg := DefaultConfig()
	cfg.URL = g.url()
	c := New(cfg, nil, zap.NewNop())

	states := make(chan bool, 4)
	c.OnState(func(up bool) { states <- up })

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.SubscribeToChats())
	assert.True(t, <-states)

	g.kick()

	select {
	case up := <-states:
		assert.False(t, up)
	case <-time.After(2 * time.Second):
		t.Fatal("state down not reported")
	}
	assert.False(t, c.Connected())
	assert.Equal(t, 0, c.Subscriptions(), "subscriptions die with the connection")

	_, err := c.SendMessage(context.Background(), "c1", "hi")
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestRequestTimesOutWithContext(t *testing.T) {
	// A gateway that upgrades, greets, then never answers.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()
		data, _ := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{SessionID: "s"})
		_ = wsutil.WriteServerMessage(conn, ws.OpText, data)
		for {
			if _, _, err := wsutil.ReadClientData(conn); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.URL = "ws://" + strings.TrimPrefix(srv.URL, "http://")
	c := New(cfg, nil, nil)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := c.FetchChats(ctx, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
