// Package client is the companion's connection to the gateway. It dials
// with gobwas/ws (the library the gateway itself uses), runs a read loop
// that dispatches server messages to registered handlers, and turns the
// request/reply pairs of the protocol into blocking calls.
//
// A Client implements every collaborator the coordination core consumes:
// the composer's send operation, typing signals, chat list fetch,
// connect, and the ref-counted chat-list subscription.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/companion/internal/chatlist"
	"github.com/whisper/companion/internal/protocol"
)

var (
	// ErrNotConnected is returned by calls that need a live connection.
	ErrNotConnected = errors.New("client: not connected")

	// ErrClosed is returned to calls still waiting when the connection
	// goes away.
	ErrClosed = errors.New("client: connection closed")

	// ErrRejected wraps error, rate_limited and failed auth replies.
	ErrRejected = errors.New("client: request rejected")
)

// Config holds the client's tunables.
type Config struct {
	URL            string        // ws://host:port/ws
	DialTimeout    time.Duration // bound on dial + session handshake
	RequestTimeout time.Duration // bound on request/reply round trips without a deadline
	WriteTimeout   time.Duration
}

// DefaultConfig returns a Config for a gateway on localhost.
func DefaultConfig() Config {
	return Config{
		URL:            "ws://localhost:8080/ws",
		DialTimeout:    10 * time.Second,
		RequestTimeout: 15 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// reply is a server message matched to a pending request.
type reply struct {
	msgType string
	msg     interface{}
}

// Client is a single connection to the gateway. Handlers registered with On
// are invoked from the read loop goroutine and should not block.
type Client struct {
	config Config
	inbox  *chatlist.Inbox
	logger *zap.Logger

	mu        sync.Mutex
	conn      net.Conn
	done      chan struct{}
	sessionID string
	userID    string
	pending   map[string]chan reply
	handlers  map[string]map[int]func(interface{})
	stateFns  map[int]func(bool)
	nextID    int
	subs      int // chat-list subscription ref-count

	writeMu sync.Mutex
}

// New returns a disconnected Client. Chat pages and chat_updated pushes are
// applied to inbox.
func New(config Config, inbox *chatlist.Inbox, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if inbox == nil {
		inbox = chatlist.NewInbox()
	}
	return &Client{
		config:   config,
		inbox:    inbox,
		logger:   logger.Named("client"),
		pending:  make(map[string]chan reply),
		handlers: make(map[string]map[int]func(interface{})),
		stateFns: make(map[int]func(bool)),
	}
}

// Inbox returns the store chat pages are written to.
func (c *Client) Inbox() *chatlist.Inbox { return c.inbox }

// Connect dials the gateway and waits for session_created. Calling it on a
// connected Client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if c.config.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.DialTimeout)
		defer cancel()
	}

	created := make(chan string, 1)
	cancelCreated := c.On(protocol.TypeSessionCreated, func(msg interface{}) {
		m := msg.(protocol.SessionCreatedMsg)
		select {
		case created <- m.SessionID:
		default:
		}
	})
	defer cancelCreated()

	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, c.config.URL)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", c.config.URL, err)
	}

	var r io.Reader = conn
	if br != nil {
		r = br
	}

	c.mu.Lock()
	if c.conn != nil {
		// Lost a race with a concurrent Connect.
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.readLoop(conn, r, done)

	select {
	case sid := <-created:
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	case <-done:
		return ErrClosed
	case <-ctx.Done():
		c.drop(conn, done)
		return fmt.Errorf("client: waiting for session: %w", ctx.Err())
	}

	c.logger.Info("connected",
		zap.String("url", c.config.URL),
		zap.String("session", c.SessionID()),
		zap.Duration("latency", time.Since(start)))
	c.notifyState(true)
	return nil
}

// Close closes the connection. It is safe to call multiple times.
func (c *Client) Close() error {
	c.mu.Lock()
	conn, done := c.conn, c.done
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.drop(conn, done)
	return nil
}

// Connected reports whether the connection is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// SessionID returns the gateway session of the current connection.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// UserID returns the authenticated user, or "".
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// On registers handler for a server message type. Several handlers may be
// registered for one type; the returned function removes this one.
func (c *Client) On(msgType string, handler func(msg interface{})) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	if c.handlers[msgType] == nil {
		c.handlers[msgType] = make(map[int]func(interface{}))
	}
	c.handlers[msgType][id] = handler
	return func() {
		c.mu.Lock()
		delete(c.handlers[msgType], id)
		c.mu.Unlock()
	}
}

// OnState registers fn to be told when the connection goes up or down.
func (c *Client) OnState(fn func(up bool)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.stateFns[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.stateFns, id)
		c.mu.Unlock()
	}
}

// send writes one client message.
func (c *Client) send(msgType string, payload interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := protocol.NewClientMessage(msgType, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.config.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
		defer conn.SetWriteDeadline(time.Time{})
	}
	if err := wsutil.WriteClientMessage(conn, ws.OpText, data); err != nil {
		return fmt.Errorf("client: write %s: %w", msgType, err)
	}
	return nil
}

// request sends a message carrying ref and waits for the reply that echoes
// it. error and rate_limited replies are turned into ErrRejected.
func (c *Client) request(ctx context.Context, msgType, ref string, payload interface{}) (reply, error) {
	if _, ok := ctx.Deadline(); !ok && c.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}

	ch := make(chan reply, 1)
	c.mu.Lock()
	done := c.done
	if c.conn == nil {
		c.mu.Unlock()
		return reply{}, ErrNotConnected
	}
	c.pending[ref] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, ref)
		c.mu.Unlock()
	}()

	if err := c.send(msgType, payload); err != nil {
		return reply{}, err
	}

	select {
	case r := <-ch:
		switch m := r.msg.(type) {
		case protocol.ErrorMsg:
			return r, fmt.Errorf("%w: %s: %s", ErrRejected, m.Code, m.Message)
		case protocol.RateLimitedMsg:
			return r, fmt.Errorf("%w: rate limited, retry after %ds", ErrRejected, m.RetryAfter)
		}
		return r, nil
	case <-done:
		return reply{}, ErrClosed
	case <-ctx.Done():
		return reply{}, fmt.Errorf("client: %s: %w", msgType, ctx.Err())
	}
}

// readLoop reads frames until the connection fails or is closed, then
// releases every waiter.
func (c *Client) readLoop(conn net.Conn, r io.Reader, done chan struct{}) {
	rw := struct {
		io.Reader
		io.Writer
	}{r, lockedWriter{conn: conn, mu: &c.writeMu}}

	for {
		data, op, err := wsutil.ReadServerData(rw)
		if err != nil {
			select {
			case <-done:
			default:
				c.logger.Info("connection lost", zap.Error(err))
			}
			c.drop(conn, done)
			return
		}
		if op != ws.OpText {
			continue
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	msgType, msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		c.logger.Warn("dropping server message", zap.Error(err))
		return
	}

	switch m := msg.(type) {
	case protocol.ChatsPageMsg:
		c.inbox.ApplyPage(m.Page, toSummaries(m.Chats), m.HasMore)
	case protocol.ChatUpdatedMsg:
		c.inbox.Upsert(toSummary(m.Chat))
	}

	if ref := refOf(msg); ref != "" {
		c.mu.Lock()
		ch, ok := c.pending[ref]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- reply{msgType: msgType, msg: msg}:
			default:
			}
		}
	}

	c.mu.Lock()
	hs := make([]func(interface{}), 0, len(c.handlers[msgType]))
	for _, h := range c.handlers[msgType] {
		hs = append(hs, h)
	}
	c.mu.Unlock()

	for _, h := range hs {
		h(msg)
	}
}

// drop tears down conn once and notifies state observers.
func (c *Client) drop(conn net.Conn, done chan struct{}) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.sessionID = ""
	c.userID = ""
	c.subs = 0
	close(done)
	c.mu.Unlock()

	_ = conn.Close()
	c.notifyState(false)
}

func (c *Client) notifyState(up bool) {
	c.mu.Lock()
	fns := make([]func(bool), 0, len(c.stateFns))
	for _, fn := range c.stateFns {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(up)
	}
}

func newRef() string { return uuid.NewString() }

// refOf extracts the echoed ref of a reply-type message.
func refOf(msg interface{}) string {
	switch m := msg.(type) {
	case protocol.AuthResultMsg:
		return m.Ref
	case protocol.LoggedOutMsg:
		return m.Ref
	case protocol.ChatsPageMsg:
		return m.Ref
	case protocol.MessageAckMsg:
		return m.Ref
	case protocol.HistoryMsg:
		return m.Ref
	case protocol.RateLimitedMsg:
		return m.Ref
	case protocol.ErrorMsg:
		return m.Ref
	}
	return ""
}

// lockedWriter serializes control-frame replies written by the read loop
// with application writes.
type lockedWriter struct {
	conn net.Conn
	mu   *sync.Mutex
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.Write(p)
}
