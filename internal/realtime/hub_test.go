package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, hub *Hub, streams ...string) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(streams, w, r)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestPublisherBroadcastsToSubscribers(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub, StreamSync)
	require.Eventually(t, func() bool { return hub.ActiveConnections() == 1 }, time.Second, 5*time.Millisecond)

	hub.Publisher(StreamSync).Publish(EventMutationQueued, map[string]any{"id": 7})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, StreamSync, msg.Stream)
	require.Equal(t, EventMutationQueued, msg.Event)
	require.Equal(t, float64(7), msg.Data.(map[string]any)["id"])
	require.NotEmpty(t, msg.Meta["sent_at"])
}

func TestUnsubscribedStreamsAreNotDelivered(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub)
	require.Eventually(t, func() bool { return hub.ActiveConnections() == 1 }, time.Second, 5*time.Millisecond)

	hub.BroadcastStream(StreamSync, Message{Event: EventDrainCompleted})

	require.NoError(t, conn.WriteJSON(controlMessage{Action: "ping"}))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "pong", msg.Event, "the sync event was not delivered to a listener without subscriptions")
}

func TestSubscribeControlMessage(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub)

	require.NoError(t, conn.WriteJSON(controlMessage{Action: "subscribe", Streams: []string{" SYNC "}}))
	require.NoError(t, conn.WriteJSON(controlMessage{Action: "ping"}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var pong Message
	require.NoError(t, conn.ReadJSON(&pong))
	require.Equal(t, "pong", pong.Event)

	hub.BroadcastStream(StreamSync, Message{Event: EventConnectivity, Data: map[string]any{"online": true}})
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, EventConnectivity, msg.Event)
}

func TestClosedConnectionIsUnregistered(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub, StreamSync)
	require.Eventually(t, func() bool { return hub.ActiveConnections() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ActiveConnections() == 0 }, 2*time.Second, 5*time.Millisecond)

	hub.mu.RLock()
	defer hub.mu.RUnlock()
	require.Empty(t, hub.subscriptions)
}

func TestCheckOrigin(t *testing.T) {
	hub := NewHub()
	check := hub.upgrader.CheckOrigin

	req := httptest.NewRequest(http.MethodGet, "http://agent.local:8787/_sync/events", nil)
	require.True(t, check(req))

	req.Header.Set("Origin", "http://agent.local:3000")
	require.True(t, check(req))

	req.Header.Set("Origin", "http://localhost:5173")
	require.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example.com")
	require.False(t, check(req))
}

func TestUniqueStreams(t *testing.T) {
	require.Equal(t, []string{"sync", "other"}, uniqueStreams([]string{"Sync", " sync", "", "other"}))
}
