package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/companion/internal/clock"
	"github.com/whisper/companion/internal/protocol"
)

func newTestConversation(t *testing.T) (*Conversation, *fakeBackend, *clock.Manual) {
	t.Helper()
	b := newFakeBackend()
	clk := clock.NewManual(time.Unix(0, 0))
	cv := NewConversation("c1", b, WithConversationClock(clk))
	t.Cleanup(cv.Close)
	return cv, b, clk
}

func TestConversationSendsTypingSignals(t *testing.T) {
	cv, b, clk := newTestConversation(t)

	cv.Composer().SetText("h")
	cv.Composer().SetText("hi")
	assert.Equal(t, []bool{true}, b.counts().typing)

	clk.Advance(2 * time.Second)
	assert.Equal(t, []bool{true, false}, b.counts().typing)
}

func TestConversationSubmitSendsAndStopsTyping(t *testing.T) {
	cv, b, clk := newTestConversation(t)

	cv.Composer().SetText("  hello ")
	require.NoError(t, cv.Composer().Submit(context.Background()))

	c := b.counts()
	assert.Equal(t, []string{"c1:hello"}, c.sent)
	assert.Equal(t, []bool{true, false}, c.typing)
	assert.Empty(t, cv.Composer().Draft().Text)

	msgs := cv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "ack-hello", msgs[0].ID)

	clk.Advance(10 * time.Second)
	assert.Len(t, b.counts().typing, 2, "no stop after submit already stopped")
}

func TestConversationFailedSendKeepsDraft(t *testing.T) {
	cv, b, _ := newTestConversation(t)
	b.sendErr = errors.New("rate limited")

	cv.Composer().SetText("hello")
	require.Error(t, cv.Composer().Submit(context.Background()))
	assert.Equal(t, "hello", cv.Composer().Draft().Text)
	assert.Empty(t, cv.Messages())
	assert.Equal(t, []bool{true, false}, b.counts().typing)
}

func TestConversationCloseMidTimerSendsNoStop(t *testing.T) {
	cv, b, clk := newTestConversation(t)

	cv.Composer().SetText("hi")
	cv.Close()
	clk.Advance(5 * time.Second)

	assert.Equal(t, []bool{true}, b.counts().typing)
	assert.Zero(t, b.handlerCount())
}

func TestPartnerTypingExpires(t *testing.T) {
	cv, b, clk := newTestConversation(t)

	b.emit(protocol.TypeTyping, protocol.ServerTypingMsg{ChatID: "c1", From: "bob", IsTyping: true})
	assert.Equal(t, PartnerTyping{From: "bob", Typing: true}, cv.Partner().Get())

	clk.Advance(3 * time.Second)
	b.emit(protocol.TypeTyping, protocol.ServerTypingMsg{ChatID: "c1", From: "bob", IsTyping: true})

	clk.Advance(3 * time.Second)
	assert.True(t, cv.Partner().Get().Typing, "refresh extends the indicator")

	clk.Advance(2 * time.Second)
	assert.False(t, cv.Partner().Get().Typing)
}

func TestPartnerTypingStopClearsImmediately(t *testing.T) {
	cv, b, clk := newTestConversation(t)

	b.emit(protocol.TypeTyping, protocol.ServerTypingMsg{ChatID: "c1", From: "bob", IsTyping: true})
	b.emit(protocol.TypeTyping, protocol.ServerTypingMsg{ChatID: "c1", From: "bob", IsTyping: false})
	assert.False(t, cv.Partner().Get().Typing)
	assert.Zero(t, clk.Pending())
}

func TestConversationIgnoresOtherChats(t *testing.T) {
	cv, b, _ := newTestConversation(t)

	b.emit(protocol.TypeTyping, protocol.ServerTypingMsg{ChatID: "c2", From: "eve", IsTyping: true})
	b.emit(protocol.TypeMessage, protocol.ServerChatMsg{ChatID: "c2", ID: "x", From: "eve", Text: "psst"})

	assert.False(t, cv.Partner().Get().Typing)
	assert.Empty(t, cv.Messages())
}

func TestInboundMessageEndsPartnerTyping(t *testing.T) {
	cv, b, clk := newTestConversation(t)

	b.emit(protocol.TypeTyping, protocol.ServerTypingMsg{ChatID: "c1", From: "bob", IsTyping: true})
	b.emit(protocol.TypeMessage, protocol.ServerChatMsg{ChatID: "c1", ID: "m9", From: "bob", Text: "yo", Ts: 9})
	b.emit(protocol.TypeMessage, protocol.ServerChatMsg{ChatID: "c1", ID: "m9", From: "bob", Text: "yo", Ts: 9})

	assert.False(t, cv.Partner().Get().Typing)
	assert.Zero(t, clk.Pending())
	require.Len(t, cv.Messages(), 1, "duplicate delivery is dropped")
}

func TestLoadOlderPrependsAndMarksRead(t *testing.T) {
	cv, b, _ := newTestConversation(t)
	b.emit(protocol.TypeMessage, protocol.ServerChatMsg{ChatID: "c1", ID: "m3", From: "bob", Text: "new", Ts: 30})
	b.history = protocol.HistoryMsg{
		ChatID:   "c1",
		Messages: []protocol.HistoryEntry{{ID: "m1", Ts: 10}, {ID: "m2", Ts: 20}},
		HasMore:  true,
	}

	require.NoError(t, cv.LoadOlder(context.Background()))

	var ids []string
	for _, m := range cv.Messages() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids)
	assert.True(t, cv.HasMoreHistory())
	assert.Equal(t, []string{"c1"}, b.counts().read)
}
