package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
type Connection struct {
	ID        string    // session ID (UUID)
	Conn      net.Conn  // connection as registered with the poller
	RemoteIP  string    // client address without port
	CreatedAt time.Time // when the connection was established

	writeTimeout time.Duration
	writeMu      sync.Mutex // serializes writes to this connection
	processing   int32      // atomic flag: 0 = idle, 1 = being read by handleConn
	lastActive   int64      // atomic unix nanos of the last frame read

	mu       sync.Mutex
	userID   string
	token    string
	chatSubs int // chat-list subscription ref-count
}

// NewConnection wraps conn. Writes are bounded by writeTimeout when it is
// positive.
func NewConnection(id string, conn net.Conn, writeTimeout time.Duration) *Connection {
	now := time.Now()
	c := &Connection{
		ID:           id,
		Conn:         conn,
		CreatedAt:    now,
		writeTimeout: writeTimeout,
	}
	if addr := conn.RemoteAddr(); addr != nil {
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			host = addr.String()
		}
		c.RemoteIP = host
	}
	c.Touch()
	return c
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection.
func (c *Connection) WritePing() error {
	return c.writeFrame(ws.NewPingFrame(nil))
}

func (c *Connection) writeFrame(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, f)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// Touch records activity on the connection.
func (c *Connection) Touch() {
	atomic.StoreInt64(&c.lastActive, time.Now().UnixNano())
}

// LastActive returns when a frame was last read from the connection.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActive))
}

// UserID returns the authenticated user, or "".
func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Token returns the token the connection authenticated with.
func (c *Connection) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Authenticated reports whether a user is bound to the connection.
func (c *Connection) Authenticated() bool {
	return c.UserID() != ""
}

// SetUser binds the connection to userID. Rebinding drops any chat-list
// subscription held for the previous user.
func (c *Connection) SetUser(userID, token string) (hadSubscription bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hadSubscription = c.chatSubs > 0 && c.userID != userID
	if c.userID != userID {
		c.chatSubs = 0
	}
	c.userID = userID
	c.token = token
	return hadSubscription
}

// ClearUser unbinds the connection and drops its chat-list subscription.
func (c *Connection) ClearUser() (hadSubscription bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hadSubscription = c.chatSubs > 0
	c.userID = ""
	c.token = ""
	c.chatSubs = 0
	return hadSubscription
}

// AddChatSubscription takes one reference on the chat-list subscription and
// reports whether it was the first.
func (c *Connection) AddChatSubscription() (first bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chatSubs++
	return c.chatSubs == 1
}

// ReleaseChatSubscription drops one reference and reports whether it was
// the last. Releasing with no references held is a no-op.
func (c *Connection) ReleaseChatSubscription() (last bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chatSubs == 0 {
		return false
	}
	c.chatSubs--
	return c.chatSubs == 0
}

// ChatSubscribed reports whether chat_updated pushes should be delivered.
func (c *Connection) ChatSubscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatSubs > 0
}

// ConnectionManager is a thread-safe registry that maps session IDs and
// registered net.Conns to their respective Connection objects.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection   // session_id -> Connection
	byConn map[net.Conn]*Connection // registered conn -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by session ID, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given session ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection registered for c, or nil.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

// ForUser returns the local connections bound to userID.
func (cm *ConnectionManager) ForUser(userID string) []*Connection {
	var out []*Connection
	for _, c := range cm.All() {
		if c.UserID() == userID {
			out = append(out, c)
		}
	}
	return out
}
