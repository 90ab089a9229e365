package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAreRegistered(t *testing.T) {
	before := testutil.ToFloat64(MessagesTotal.WithLabelValues("sent"))
	MessagesTotal.WithLabelValues("sent").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(MessagesTotal.WithLabelValues("sent")))

	TypingRelays.WithLabelValues("start").Inc()
	ChatListSubscribers.Set(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(ChatListSubscribers))
}

func TestHandlerServesMetrics(t *testing.T) {
	ConnectionsTotal.Set(2)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "whisper_connections_total 2")
	assert.Contains(t, string(body), "whisper_chat_list_subscribers")
}
