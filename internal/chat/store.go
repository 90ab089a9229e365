// Package chat stores two-member conversations and each user's ordered
// chat index in Redis.
//
//	chat:<chat_id>      hash  members and last message preview
//	chats:<user_id>     zset  chat IDs scored by last activity (unix millis)
//	unread:<user_id>    hash  chat ID -> unread count
//	pair:<a>:<b>        string  chat ID of the pair (a < b)
//	users:names         hash  user ID -> display name
package chat

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	ChatPrefix   = "chat:"
	IndexPrefix  = "chats:"
	UnreadPrefix = "unread:"
	PairPrefix   = "pair:"
	NamesKey     = "users:names"

	// PageSize is the number of summaries per chat list page.
	PageSize = 20
	// MaxPage is the last page served. Later pages are always empty.
	MaxPage = 1000
)

// Chat is a conversation between two users.
type Chat struct {
	ID        string
	MemberA   string
	MemberB   string
	CreatedAt int64 // unix millis
	LastText  string
	LastFrom  string
	LastTs    int64 // unix millis, CreatedAt until the first message
}

// Partner returns the other member, or "" if userID is not a member.
func (c *Chat) Partner(userID string) string {
	if userID == c.MemberA {
		return c.MemberB
	}
	if userID == c.MemberB {
		return c.MemberA
	}
	return ""
}

// IsMember checks if userID is part of this chat.
func (c *Chat) IsMember(userID string) bool {
	return userID == c.MemberA || userID == c.MemberB
}

// Summary is one row of a user's chat list.
type Summary struct {
	ChatID   string
	Title    string // partner's display name
	LastText string
	LastFrom string
	LastTs   int64
	Unread   int
}

// Store manages chats in Redis.
type Store struct {
	rdb        *redis.Client
	openScript *redis.Script
}

// NewStore creates a new chat store backed by Redis.
func NewStore(rdb *redis.Client) *Store {
	return &Store{
		rdb:        rdb,
		openScript: redis.NewScript(openChatLua),
	}
}

func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return PairPrefix + a + ":" + b
}

// Open returns the chat between a and b, creating it on first use. created
// reports whether this call created it.
func (s *Store) Open(ctx context.Context, a, b string) (c *Chat, created bool, err error) {
	if a == "" || b == "" || a == b {
		return nil, false, fmt.Errorf("chat: open: need two distinct members")
	}

	newID := uuid.NewString()
	now := time.Now().UnixMilli()
	id, err := s.openScript.Run(ctx, s.rdb,
		[]string{pairKey(a, b)},
		newID, a, b, now, ChatPrefix, IndexPrefix).Text()
	if err != nil {
		return nil, false, fmt.Errorf("chat: open: %w", err)
	}

	c, err = s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if c == nil {
		return nil, false, fmt.Errorf("chat: open: chat %s vanished", id)
	}
	return c, id == newID, nil
}

// Get retrieves a chat. Returns nil if not found.
func (s *Store) Get(ctx context.Context, chatID string) (*Chat, error) {
	result, err := s.rdb.HGetAll(ctx, ChatPrefix+chatID).Result()
	if err != nil {
		return nil, fmt.Errorf("chat: get: %w", err)
	}
	if len(result) == 0 {
		return nil, nil
	}
	return parseChat(chatID, result), nil
}

func parseChat(chatID string, h map[string]string) *Chat {
	createdAt, _ := strconv.ParseInt(h["created_at"], 10, 64)
	lastTs, _ := strconv.ParseInt(h["last_ts"], 10, 64)
	return &Chat{
		ID:        chatID,
		MemberA:   h["member_a"],
		MemberB:   h["member_b"],
		CreatedAt: createdAt,
		LastText:  h["last_text"],
		LastFrom:  h["last_from"],
		LastTs:    lastTs,
	}
}

// Touch records a message from a member: it updates the preview, moves the
// chat to the top of both members' indexes and bumps the partner's unread
// count. It returns the updated chat.
func (s *Store) Touch(ctx context.Context, chatID, from, text string, ts int64) (*Chat, error) {
	c, err := s.Get(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if c == nil || !c.IsMember(from) {
		return nil, fmt.Errorf("chat: touch: %s is not a member of %s", from, chatID)
	}
	partner := c.Partner(from)

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, ChatPrefix+chatID, "last_text", text, "last_from", from, "last_ts", ts)
	pipe.ZAdd(ctx, IndexPrefix+from, redis.Z{Score: float64(ts), Member: chatID})
	pipe.ZAdd(ctx, IndexPrefix+partner, redis.Z{Score: float64(ts), Member: chatID})
	pipe.HIncrBy(ctx, UnreadPrefix+partner, chatID, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("chat: touch: %w", err)
	}

	c.LastText, c.LastFrom, c.LastTs = text, from, ts
	return c, nil
}

// MarkRead resets userID's unread count for chatID.
func (s *Store) MarkRead(ctx context.Context, userID, chatID string) error {
	if err := s.rdb.HDel(ctx, UnreadPrefix+userID, chatID).Err(); err != nil {
		return fmt.Errorf("chat: mark read: %w", err)
	}
	return nil
}

// Page returns one page of userID's chats, most recent first. Pages start
// at 1.
func (s *Store) Page(ctx context.Context, userID string, page int) ([]Summary, bool, error) {
	if page < 1 {
		page = 1
	}
	if page > MaxPage {
		return nil, false, nil
	}
	start := int64(page-1) * PageSize
	// Fetch one extra entry to learn whether another page exists.
	ids, err := s.rdb.ZRevRange(ctx, IndexPrefix+userID, start, start+PageSize).Result()
	if err != nil {
		return nil, false, fmt.Errorf("chat: page: %w", err)
	}
	hasMore := len(ids) > PageSize
	if hasMore {
		ids = ids[:PageSize]
	}

	out, err := s.summaries(ctx, userID, ids)
	if err != nil {
		return nil, false, err
	}
	return out, hasMore, nil
}

// Summary returns userID's view of one chat.
func (s *Store) Summary(ctx context.Context, userID, chatID string) (Summary, error) {
	out, err := s.summaries(ctx, userID, []string{chatID})
	if err != nil {
		return Summary{}, err
	}
	if len(out) == 0 {
		return Summary{}, fmt.Errorf("chat: summary: chat %s not found", chatID)
	}
	return out[0], nil
}

func (s *Store) summaries(ctx context.Context, userID string, ids []string) ([]Summary, error) {
	if len(ids) == 0 {
		return []Summary{}, nil
	}

	pipe := s.rdb.Pipeline()
	chats := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		chats[i] = pipe.HGetAll(ctx, ChatPrefix+id)
	}
	unread := pipe.HMGet(ctx, UnreadPrefix+userID, ids...)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("chat: summaries: %w", err)
	}

	counts := unread.Val()
	out := make([]Summary, 0, len(ids))
	partners := make([]string, 0, len(ids))
	for i, id := range ids {
		h := chats[i].Val()
		if len(h) == 0 {
			continue
		}
		c := parseChat(id, h)
		n := 0
		if i < len(counts) {
			if v, ok := counts[i].(string); ok {
				n, _ = strconv.Atoi(v)
			}
		}
		out = append(out, Summary{
			ChatID:   id,
			Title:    c.Partner(userID),
			LastText: c.LastText,
			LastFrom: c.LastFrom,
			LastTs:   c.LastTs,
			Unread:   n,
		})
		partners = append(partners, c.Partner(userID))
	}

	if len(partners) > 0 {
		names, err := s.rdb.HMGet(ctx, NamesKey, partners...).Result()
		if err != nil {
			return nil, fmt.Errorf("chat: summaries: names: %w", err)
		}
		for i := range out {
			if name, ok := names[i].(string); ok && name != "" {
				out[i].Title = name
			}
		}
	}
	return out, nil
}

// SetDisplayName sets the name shown as the chat title to userID's partners.
func (s *Store) SetDisplayName(ctx context.Context, userID, name string) error {
	return s.rdb.HSet(ctx, NamesKey, userID, name).Err()
}

// openChatLua atomically returns the chat of a pair, creating it and
// indexing it for both members when the pair has none.
//
//	KEYS[1] pair key
//	ARGV    new chat ID, member a, member b, now (ms), chat prefix, index prefix
const openChatLua = `
local existing = redis.call('GET', KEYS[1])
if existing then return existing end

local id, a, b, now = ARGV[1], ARGV[2], ARGV[3], ARGV[4]
local chat_key = ARGV[5] .. id

redis.call('SET', KEYS[1], id)
redis.call('HSET', chat_key,
    'member_a', a, 'member_b', b,
    'created_at', now, 'last_ts', now,
    'last_text', '', 'last_from', '')
redis.call('ZADD', ARGV[6] .. a, now, id)
redis.call('ZADD', ARGV[6] .. b, now, id)
return id
`
