package chatlist

import (
	"sort"
	"sync"
)

// Summary is one row of the conversation list.
type Summary struct {
	ChatID   string `json:"chat_id"`
	Title    string `json:"title"`
	LastText string `json:"last_text"`
	LastFrom string `json:"last_from"`
	LastTs   int64  `json:"last_ts"`
	Unread   int    `json:"unread"`
}

// Inbox is the client-side store of conversation summaries. Pages fetched
// from the gateway and incremental chat_updated events both land here; list
// views observe it through Subscribe.
type Inbox struct {
	mu        sync.RWMutex
	byID      map[string]Summary
	pages     int
	hasMore   bool
	observers map[int]func([]Summary)
	nextID    int
}

// NewInbox returns an empty Inbox.
func NewInbox() *Inbox {
	return &Inbox{
		byID:      make(map[string]Summary),
		observers: make(map[int]func([]Summary)),
	}
}

// ApplyPage merges one fetched page. Page 1 replaces the whole list.
func (in *Inbox) ApplyPage(page int, chats []Summary, hasMore bool) {
	in.mu.Lock()
	if page <= 1 {
		in.byID = make(map[string]Summary, len(chats))
		in.pages = 0
	}
	for _, s := range chats {
		in.byID[s.ChatID] = s
	}
	if page > in.pages {
		in.pages = page
	}
	in.hasMore = hasMore
	in.mu.Unlock()

	in.notify()
}

// Reset empties the Inbox, as after the user signs out.
func (in *Inbox) Reset() {
	in.mu.Lock()
	in.byID = make(map[string]Summary)
	in.pages = 0
	in.hasMore = false
	in.mu.Unlock()

	in.notify()
}

// Upsert inserts or replaces a single summary.
func (in *Inbox) Upsert(s Summary) {
	in.mu.Lock()
	in.byID[s.ChatID] = s
	in.mu.Unlock()

	in.notify()
}

// MarkRead zeroes the unread counter of a conversation.
func (in *Inbox) MarkRead(chatID string) {
	in.mu.Lock()
	s, ok := in.byID[chatID]
	if !ok || s.Unread == 0 {
		in.mu.Unlock()
		return
	}
	s.Unread = 0
	in.byID[chatID] = s
	in.mu.Unlock()

	in.notify()
}

// Get returns the summary of one conversation.
func (in *Inbox) Get(chatID string) (Summary, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	s, ok := in.byID[chatID]
	return s, ok
}

// List returns all summaries, most recent activity first.
func (in *Inbox) List() []Summary {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.listLocked()
}

// HasMore reports whether the last fetched page said more pages exist.
func (in *Inbox) HasMore() bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.hasMore
}

// Pages returns the highest page number fetched so far.
func (in *Inbox) Pages() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.pages
}

// Subscribe registers fn to receive the full sorted list after every
// change. The returned function removes it.
func (in *Inbox) Subscribe(fn func([]Summary)) (cancel func()) {
	in.mu.Lock()
	id := in.nextID
	in.nextID++
	in.observers[id] = fn
	in.mu.Unlock()

	return func() {
		in.mu.Lock()
		delete(in.observers, id)
		in.mu.Unlock()
	}
}

func (in *Inbox) notify() {
	in.mu.RLock()
	list := in.listLocked()
	ids := make([]int, 0, len(in.observers))
	for id := range in.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func([]Summary), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, in.observers[id])
	}
	in.mu.RUnlock()

	for _, fn := range fns {
		fn(list)
	}
}

func (in *Inbox) listLocked() []Summary {
	list := make([]Summary, 0, len(in.byID))
	for _, s := range in.byID {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].LastTs == list[j].LastTs {
			return list[i].ChatID < list[j].ChatID
		}
		return list[i].LastTs > list[j].LastTs
	})
	return list
}
