package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Client messages
// ---------------------------------------------------------------------------

func TestParseClientMessage_ChatMsg(t *testing.T) {
	input := []byte(`{"type":"message","chat_id":"abc-123","text":"Hello!","ref":"r1"}`)

	msgType, msg, err := ParseClientMessage(input)
	require.NoError(t, err)
	require.Equal(t, TypeMessage, msgType)

	cm, ok := msg.(ChatMsg)
	require.True(t, ok, "expected ChatMsg, got %T", msg)
	assert.Equal(t, "abc-123", cm.ChatID)
	assert.Equal(t, "Hello!", cm.Text)
	assert.Equal(t, "r1", cm.Ref)
}

func TestParseClientMessage_Typing(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"typing","chat_id":"c1","is_typing":true}`))
	require.NoError(t, err)
	require.Equal(t, TypeTyping, msgType)
	assert.Equal(t, TypingMsg{Type: TypeTyping, ChatID: "c1", IsTyping: true}, msg)
}

func TestParseClientMessage_UnknownType(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"unknown_type","data":"something"}`))
	require.Error(t, err)
	assert.Nil(t, msg)
	assert.Equal(t, "unknown_type", msgType)
}

func TestParseClientMessage_ServerOnlyTypeRejected(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"chats_page","page":1}`))
	require.Error(t, err)
}

func TestParseClientMessage_BadPayload(t *testing.T) {
	msgType, _, err := ParseClientMessage([]byte(`{"type":"fetch_chats","page":"one"}`))
	require.Error(t, err)
	assert.Equal(t, TypeFetchChats, msgType)
}

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"auth", `{"type":"auth","token":"t"}`, TypeAuth},
		{"logout", `{"type":"logout"}`, TypeLogout},
		{"fetch_chats", `{"type":"fetch_chats","page":2}`, TypeFetchChats},
		{"subscribe_chats", `{"type":"subscribe_chats"}`, TypeSubscribeChats},
		{"unsubscribe_chats", `{"type":"unsubscribe_chats"}`, TypeUnsubscribeChats},
		{"message", `{"type":"message","chat_id":"id1","text":"hi"}`, TypeMessage},
		{"typing", `{"type":"typing","chat_id":"id1","is_typing":false}`, TypeTyping},
		{"fetch_history", `{"type":"fetch_history","chat_id":"id1","before":0,"limit":20}`, TypeFetchHistory},
		{"mark_read", `{"type":"mark_read","chat_id":"id1"}`, TypeMarkRead},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			require.NoError(t, err)
			assert.Equal(t, tc.wantType, msgType)
			assert.NotNil(t, msg)
		})
	}
}

// ---------------------------------------------------------------------------
// Server messages
// ---------------------------------------------------------------------------

func TestNewServerMessage_ChatsPage(t *testing.T) {
	data, err := NewServerMessage(TypeChatsPage, ChatsPageMsg{
		Page:    1,
		Chats:   []ChatSummary{{ChatID: "c1", Title: "Mira", LastTs: 1700000000123, Unread: 2}},
		HasMore: true,
	})
	require.NoError(t, err)

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, TypeChatsPage, result["type"])
	assert.Equal(t, true, result["has_more"])

	_, msg, err := ParseServerMessage(data)
	require.NoError(t, err)
	page := msg.(ChatsPageMsg)
	require.Len(t, page.Chats, 1)
	assert.Equal(t, int64(1700000000123), page.Chats[0].LastTs, "millisecond timestamps survive encoding")
	assert.Equal(t, 2, page.Chats[0].Unread)
}

func TestNewServerMessage_TypeOverridesPayload(t *testing.T) {
	data, err := NewServerMessage(TypePong, PongMsg{Type: "something_else"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong"}`, string(data))
}

func TestNewClientMessage_EmptyPayload(t *testing.T) {
	data, err := NewClientMessage(TypeSubscribeChats, struct{}{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"subscribe_chats"}`, string(data))
}

func TestParseServerMessage_AllTypes(t *testing.T) {
	cases := []struct {
		input    string
		wantType string
	}{
		{`{"type":"session_created","session_id":"s"}`, TypeSessionCreated},
		{`{"type":"auth_result","ok":true,"user_id":"u"}`, TypeAuthResult},
		{`{"type":"logged_out"}`, TypeLoggedOut},
		{`{"type":"chats_page","page":1,"chats":[],"has_more":false}`, TypeChatsPage},
		{`{"type":"chat_updated","chat":{"chat_id":"c"}}`, TypeChatUpdated},
		{`{"type":"message","chat_id":"c","id":"m","from":"u","text":"x","ts":1}`, TypeMessage},
		{`{"type":"message_ack","ref":"r","id":"m","ts":1}`, TypeMessageAck},
		{`{"type":"typing","chat_id":"c","from":"u","is_typing":true}`, TypeTyping},
		{`{"type":"history","chat_id":"c","messages":[]}`, TypeHistory},
		{`{"type":"rate_limited","retry_after":3}`, TypeRateLimited},
		{`{"type":"error","code":"internal","message":"x"}`, TypeError},
		{`{"type":"pong"}`, TypePong},
	}

	for _, tc := range cases {
		t.Run(tc.wantType, func(t *testing.T) {
			msgType, msg, err := ParseServerMessage([]byte(tc.input))
			require.NoError(t, err)
			assert.Equal(t, tc.wantType, msgType)
			assert.NotNil(t, msg)
		})
	}
}

func TestParseServerMessage_ClientOnlyTypeRejected(t *testing.T) {
	_, _, err := ParseServerMessage([]byte(`{"type":"auth","token":"t"}`))
	require.Error(t, err)
}

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	var env Envelope
	require.Error(t, json.Unmarshal([]byte(`{"data":"no type field"}`), &env))
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	var env Envelope
	require.Error(t, json.Unmarshal([]byte(`{invalid json}`), &env))
}
