// Package composer holds the draft of a message being written in one
// conversation and submits it through an injected send operation.
package composer

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/whisper/companion/internal/typing"
)

// Draft is the uncommitted text of a composer.
type Draft struct {
	Text      string
	IsSending bool
}

// SendFunc delivers trimmed, non-empty text. It may block and may fail.
type SendFunc func(ctx context.Context, text string) error

// Composer owns one Draft. While a send is in flight the input is disabled:
// SetText and Submit are ignored rather than queued.
type Composer struct {
	mu     sync.Mutex
	draft  Draft
	send   SendFunc
	typing *typing.Debouncer
	logger *zap.Logger
}

// Option configures a Composer.
type Option func(*Composer)

// WithTyping attaches the typing session of the conversation.
func WithTyping(d *typing.Debouncer) Option {
	return func(c *Composer) { c.typing = d }
}

// WithLogger sets the composer's logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Composer) { c.logger = l }
}

// New returns a Composer with an empty draft.
func New(send SendFunc, opts ...Option) *Composer {
	c := &Composer{send: send, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetText replaces the draft text, as on every keystroke.
func (c *Composer) SetText(text string) {
	c.mu.Lock()
	if c.draft.IsSending {
		c.mu.Unlock()
		return
	}
	c.draft.Text = text
	c.mu.Unlock()

	if c.typing != nil {
		c.typing.OnKeystroke(text)
	}
}

// Submit sends the trimmed draft. An empty draft, or a submit while another
// send is in flight, is a no-op. The typing session is stopped once the send
// settles. On success the draft is cleared; on failure it is kept and the
// error returned.
func (c *Composer) Submit(ctx context.Context) error {
	c.mu.Lock()
	text := strings.TrimSpace(c.draft.Text)
	if text == "" || c.draft.IsSending {
		c.mu.Unlock()
		return nil
	}
	c.draft.IsSending = true
	c.mu.Unlock()

	err := c.send(ctx, text)

	c.mu.Lock()
	c.draft.IsSending = false
	if err == nil {
		c.draft.Text = ""
	}
	c.mu.Unlock()

	// Typing stops once the send settles, whatever the outcome.
	if c.typing != nil {
		c.typing.OnSubmit()
	}

	if err != nil {
		c.logger.Warn("send failed", zap.Int("text_len", len(text)), zap.Error(err))
		return fmt.Errorf("composer: send: %w", err)
	}
	return nil
}

// Blur signals that the input lost focus.
func (c *Composer) Blur() {
	if c.typing != nil {
		c.typing.OnBlur()
	}
}

// Draft returns a copy of the current draft.
func (c *Composer) Draft() Draft {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// Close tears down the attached typing session.
func (c *Composer) Close() {
	if c.typing != nil {
		c.typing.Close()
	}
}
