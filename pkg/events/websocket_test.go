package events_test

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/illmade-knight/go-querycache/pkg/events"
	"github.com/illmade-knight/go-querycache/pkg/query"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readMessage(t *testing.T, conn *websocket.Conn) events.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg events.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestWebSocketHandler_StreamsEvents(t *testing.T) {
	// Arrange
	c := newTestClient(t)
	rec := events.NewRecorder(10)
	hub := events.NewHub(zerolog.Nop())
	c.RegisterCacheObserver(rec)
	c.RegisterCacheObserver(hub)
	query.SetQueryData(c, "existing", 1)

	srv := httptest.NewServer(events.NewWebSocketHandler(hub, rec, nil, zerolog.Nop()))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	// Assert: the first message is the snapshot.
	snapshot := readMessage(t, conn)
	assert.Equal(t, events.MessageKindSnapshot, snapshot.Kind)
	require.Len(t, snapshot.Queries, 1)
	assert.Equal(t, `"existing"`, snapshot.Queries[0].Key)
	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 10*time.Millisecond)

	// Act
	query.SetQueryData(c, "fresh", 2)

	// Assert
	created := readMessage(t, conn)
	require.Equal(t, events.MessageKindEvent, created.Kind)
	require.NotNil(t, created.Event)
	assert.Equal(t, query.EventCreated, created.Event.Type)
	assert.Equal(t, `"fresh"`, created.Event.Key)

	updated := readMessage(t, conn)
	require.NotNil(t, updated.Event)
	assert.Equal(t, query.EventUpdated, updated.Event.Type)
	assert.Equal(t, "2", updated.Event.State.Value)
}

func TestWebSocketHandler_UnregistersOnDisconnect(t *testing.T) {
	hub := events.NewHub(zerolog.Nop())
	srv := httptest.NewServer(events.NewWebSocketHandler(hub, nil, nil, zerolog.Nop()))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

// stubClient records messages and can refuse them.
type stubClient struct {
	accept   bool
	messages [][]byte
	closed   bool
}

func (s *stubClient) Send(message []byte) bool {
	if !s.accept {
		return false
	}
	s.messages = append(s.messages, message)
	return true
}

func (s *stubClient) Close() { s.closed = true }

func TestHub_DropsSlowClients(t *testing.T) {
	hub := events.NewHub(zerolog.Nop())
	fast := &stubClient{accept: true}
	slow := &stubClient{accept: false}
	hub.Register(fast)
	hub.Register(slow)

	hub.Broadcast([]byte("hello"))

	assert.Equal(t, 1, hub.Len())
	assert.Len(t, fast.messages, 1)
	assert.True(t, slow.closed)
	assert.False(t, fast.closed)
}
