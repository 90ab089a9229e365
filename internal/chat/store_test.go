package chat

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore connects to a local Redis and removes every key the test
// touched. Tests skip when Redis is not running on localhost:6379. All
// user IDs used with it must start with "test_".
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	clean := func() {
		for _, pattern := range []string{IndexPrefix + "test_*", UnreadPrefix + "test_*", PairPrefix + "test_*"} {
			iter := client.Scan(ctx, 0, pattern, 100).Iterator()
			for iter.Next(ctx) {
				key := iter.Val()
				if len(key) > len(IndexPrefix) && key[:len(IndexPrefix)] == IndexPrefix {
					ids, _ := client.ZRange(ctx, key, 0, -1).Result()
					for _, id := range ids {
						client.Del(ctx, ChatPrefix+id)
					}
				}
				client.Del(ctx, key)
			}
		}
		client.HDel(ctx, NamesKey, "test_alice", "test_bob", "test_carol")
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewStore(client)
}

func TestOpenIsIdempotentPerPair(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c1, created, err := s.Open(ctx, "test_alice", "test_bob")
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, c1.IsMember("test_alice"))
	assert.Equal(t, "test_bob", c1.Partner("test_alice"))

	c2, created, err := s.Open(ctx, "test_bob", "test_alice")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, c1.ID, c2.ID)
}

func TestOpenRejectsSelfChat(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Open(context.Background(), "test_alice", "test_alice")
	assert.Error(t, err)
}

func TestTouchOrdersAndCountsUnread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ab, _, err := s.Open(ctx, "test_alice", "test_bob")
	require.NoError(t, err)
	ac, _, err := s.Open(ctx, "test_alice", "test_carol")
	require.NoError(t, err)

	_, err = s.Touch(ctx, ab.ID, "test_bob", "hi alice", ab.CreatedAt+1000)
	require.NoError(t, err)
	_, err = s.Touch(ctx, ab.ID, "test_bob", "you there?", ab.CreatedAt+2000)
	require.NoError(t, err)

	page, more, err := s.Page(ctx, "test_alice", 1)
	require.NoError(t, err)
	assert.False(t, more)
	require.Len(t, page, 2)
	assert.Equal(t, ab.ID, page[0].ChatID, "most recent first")
	assert.Equal(t, "you there?", page[0].LastText)
	assert.Equal(t, 2, page[0].Unread)
	assert.Equal(t, ac.ID, page[1].ChatID)

	bobView, err := s.Summary(ctx, "test_bob", ab.ID)
	require.NoError(t, err)
	assert.Zero(t, bobView.Unread, "sender has nothing unread")

	require.NoError(t, s.MarkRead(ctx, "test_alice", ab.ID))
	sum, err := s.Summary(ctx, "test_alice", ab.ID)
	require.NoError(t, err)
	assert.Zero(t, sum.Unread)
}

func TestTouchRejectsNonMember(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ab, _, err := s.Open(ctx, "test_alice", "test_bob")
	require.NoError(t, err)
	_, err = s.Touch(ctx, ab.ID, "test_carol", "hey", 1)
	assert.Error(t, err)
}

func TestTitlesUseDisplayNames(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ab, _, err := s.Open(ctx, "test_alice", "test_bob")
	require.NoError(t, err)

	sum, err := s.Summary(ctx, "test_alice", ab.ID)
	require.NoError(t, err)
	assert.Equal(t, "test_bob", sum.Title, "falls back to the user ID")

	require.NoError(t, s.SetDisplayName(ctx, "test_bob", "Bob"))
	sum, err = s.Summary(ctx, "test_alice", ab.ID)
	require.NoError(t, err)
	assert.Equal(t, "Bob", sum.Title)
}

func TestPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < PageSize+3; i++ {
		_, _, err := s.Open(ctx, "test_alice", fmt.Sprintf("test_p%02d", i))
		require.NoError(t, err)
	}

	first, more, err := s.Page(ctx, "test_alice", 1)
	require.NoError(t, err)
	assert.Len(t, first, PageSize)
	assert.True(t, more)

	second, more, err := s.Page(ctx, "test_alice", 2)
	require.NoError(t, err)
	assert.Len(t, second, 3)
	assert.False(t, more)
}

func TestPageBeyondLastIsEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.Open(ctx, "test_alice", "test_bob")
	require.NoError(t, err)

	for _, page := range []int{MaxPage + 1, math.MaxInt} {
		chats, more, err := s.Page(ctx, "test_alice", page)
		require.NoError(t, err)
		assert.Empty(t, chats, "page %d must not wrap around to the newest chats", page)
		assert.False(t, more)
	}
}
