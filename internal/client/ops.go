package client

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/whisper/companion/internal/chatlist"
	"github.com/whisper/companion/internal/protocol"
)

// Authenticate presents token and records the user it resolves to.
func (c *Client) Authenticate(ctx context.Context, token string) (string, error) {
	ref := newRef()
	r, err := c.request(ctx, protocol.TypeAuth, ref, protocol.AuthMsg{Token: token, Ref: ref})
	if err != nil {
		return "", err
	}
	res, ok := r.msg.(protocol.AuthResultMsg)
	if !ok {
		return "", fmt.Errorf("client: auth: unexpected reply %q", r.msgType)
	}
	if !res.OK {
		return "", fmt.Errorf("%w: auth: %s", ErrRejected, res.Reason)
	}

	c.mu.Lock()
	c.userID = res.UserID
	c.mu.Unlock()
	c.logger.Info("authenticated", zap.String("user", res.UserID))
	return res.UserID, nil
}

// Logout revokes the token of this connection. The connection stays open
// but is no longer authenticated.
func (c *Client) Logout(ctx context.Context) error {
	ref := newRef()
	if _, err := c.request(ctx, protocol.TypeLogout, ref, protocol.LogoutMsg{Ref: ref}); err != nil {
		return err
	}
	c.mu.Lock()
	c.userID = ""
	c.subs = 0
	c.mu.Unlock()
	return nil
}

// FetchChats requests one page of conversation summaries and waits until
// it has been applied to the Inbox.
func (c *Client) FetchChats(ctx context.Context, page int) error {
	if page < 1 {
		page = 1
	}
	ref := newRef()
	_, err := c.request(ctx, protocol.TypeFetchChats, ref, protocol.FetchChatsMsg{Page: page, Ref: ref})
	return err
}

// FetchHistory returns up to limit messages older than before (unix millis,
// zero for newest), oldest first.
func (c *Client) FetchHistory(ctx context.Context, chatID string, before int64, limit int) (protocol.HistoryMsg, error) {
	ref := newRef()
	r, err := c.request(ctx, protocol.TypeFetchHistory, ref, protocol.FetchHistoryMsg{
		ChatID: chatID,
		Before: before,
		Limit:  limit,
		Ref:    ref,
	})
	if err != nil {
		return protocol.HistoryMsg{}, err
	}
	h, ok := r.msg.(protocol.HistoryMsg)
	if !ok {
		return protocol.HistoryMsg{}, fmt.Errorf("client: fetch_history: unexpected reply %q", r.msgType)
	}
	return h, nil
}

// SendMessage sends text to chatID and waits for the gateway to
// acknowledge it.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) (protocol.MessageAckMsg, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return protocol.MessageAckMsg{}, fmt.Errorf("client: empty message")
	}
	ref := newRef()
	r, err := c.request(ctx, protocol.TypeMessage, ref, protocol.ChatMsg{ChatID: chatID, Text: text, Ref: ref})
	if err != nil {
		return protocol.MessageAckMsg{}, err
	}
	ack, ok := r.msg.(protocol.MessageAckMsg)
	if !ok {
		return protocol.MessageAckMsg{}, fmt.Errorf("client: message: unexpected reply %q", r.msgType)
	}
	return ack, nil
}

// Sender returns a send operation bound to chatID, in the shape the
// composer expects.
func (c *Client) Sender(chatID string) func(ctx context.Context, text string) error {
	return func(ctx context.Context, text string) error {
		_, err := c.SendMessage(ctx, chatID, text)
		return err
	}
}

// Typing reports the local typing indicator for chatID. It is fire and
// forget; a dropped typing signal is cleared by the remote timeout.
func (c *Client) Typing(chatID string, typing bool) error {
	return c.send(protocol.TypeTyping, protocol.TypingMsg{ChatID: chatID, IsTyping: typing})
}

// MarkRead resets the unread count of chatID locally and on the gateway.
func (c *Client) MarkRead(chatID string) error {
	c.inbox.MarkRead(chatID)
	return c.send(protocol.TypeMarkRead, protocol.MarkReadMsg{ChatID: chatID})
}

// Ping sends a keepalive ping.
func (c *Client) Ping() error {
	return c.send(protocol.TypePing, protocol.PingMsg{})
}

// SubscribeToChats takes one reference on the chat-list subscription. Only
// the first reference sends subscribe_chats.
func (c *Client) SubscribeToChats() error {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.subs++
	first := c.subs == 1
	c.mu.Unlock()

	if !first {
		return nil
	}
	if err := c.send(protocol.TypeSubscribeChats, protocol.SubscribeChatsMsg{}); err != nil {
		c.mu.Lock()
		if c.subs > 0 {
			c.subs--
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// UnsubscribeFromChats drops one reference. Only the last reference sends
// unsubscribe_chats; with no connection the count is simply decremented.
func (c *Client) UnsubscribeFromChats() error {
	c.mu.Lock()
	if c.subs == 0 {
		c.mu.Unlock()
		return nil
	}
	c.subs--
	last := c.subs == 0
	connected := c.conn != nil
	c.mu.Unlock()

	if !last || !connected {
		return nil
	}
	return c.send(protocol.TypeUnsubscribeChats, protocol.UnsubscribeChatsMsg{})
}

// Subscriptions returns the current chat-list subscription ref-count.
func (c *Client) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs
}

// compile-time check: Client is a chat list backend.
var _ chatlist.Backend = (*Client)(nil)

func toSummary(s protocol.ChatSummary) chatlist.Summary {
	return chatlist.Summary{
		ChatID:   s.ChatID,
		Title:    s.Title,
		LastText: s.LastText,
		LastFrom: s.LastFrom,
		LastTs:   s.LastTs,
		Unread:   s.Unread,
	}
}

func toSummaries(in []protocol.ChatSummary) []chatlist.Summary {
	out := make([]chatlist.Summary, 0, len(in))
	for _, s := range in {
		out = append(out, toSummary(s))
	}
	return out
}
