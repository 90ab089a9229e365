package chat

import "sync"

// MaxBufferMessages is the number of recent messages retained per chat.
const MaxBufferMessages = 100

// BufferedMessage represents a single message stored in the ring buffer.
type BufferedMessage struct {
	ID   string `json:"id"`
	From string `json:"from"` // sender's user ID
	Text string `json:"text"`
	Ts   int64  `json:"ts"` // unix millis
}

// MessageBuffer stores the last N messages per chat in memory. The gateway
// serves history from it when no database is configured.
// It is goroutine-safe and uses a ring buffer internally.
type MessageBuffer struct {
	mu      sync.RWMutex
	size    int
	buffers map[string]*ringBuffer // chatID -> ring buffer
}

// ringBuffer is a fixed-size circular buffer of BufferedMessage.
type ringBuffer struct {
	items []BufferedMessage
	pos   int
	count int
}

// NewMessageBuffer creates a new empty MessageBuffer holding
// MaxBufferMessages per chat.
func NewMessageBuffer() *MessageBuffer {
	return NewMessageBufferSize(MaxBufferMessages)
}

// NewMessageBufferSize creates a MessageBuffer holding size messages per
// chat.
func NewMessageBufferSize(size int) *MessageBuffer {
	if size < 1 {
		size = 1
	}
	return &MessageBuffer{
		size:    size,
		buffers: make(map[string]*ringBuffer),
	}
}

// Add appends a message to the chat's ring buffer. If the buffer is full,
// the oldest message is overwritten.
func (mb *MessageBuffer) Add(chatID string, msg BufferedMessage) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	rb, ok := mb.buffers[chatID]
	if !ok {
		rb = &ringBuffer{
			items: make([]BufferedMessage, mb.size),
		}
		mb.buffers[chatID] = rb
	}

	rb.items[rb.pos] = msg
	rb.pos = (rb.pos + 1) % mb.size
	if rb.count < mb.size {
		rb.count++
	}
}

// Get returns the buffered messages for a chat in chronological order
// (oldest first). Returns an empty slice if the chat has no buffer.
func (mb *MessageBuffer) Get(chatID string) []BufferedMessage {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	rb, ok := mb.buffers[chatID]
	if !ok {
		return []BufferedMessage{}
	}

	result := make([]BufferedMessage, rb.count)
	// The oldest message is at position (pos - count) mod size.
	start := (rb.pos - rb.count + mb.size) % mb.size
	for i := 0; i < rb.count; i++ {
		result[i] = rb.items[(start+i)%mb.size]
	}
	return result
}

// Before returns up to limit messages older than before (zero means
// newest), oldest first, and whether older buffered messages remain.
func (mb *MessageBuffer) Before(chatID string, before int64, limit int) ([]BufferedMessage, bool) {
	all := mb.Get(chatID)

	end := len(all)
	if before > 0 {
		end = 0
		for end < len(all) && all[end].Ts < before {
			end++
		}
	}
	start := 0
	if limit > 0 && end-limit > 0 {
		start = end - limit
	}
	return all[start:end], start > 0
}

// Remove deletes the buffer for a chat.
func (mb *MessageBuffer) Remove(chatID string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	delete(mb.buffers, chatID)
}
