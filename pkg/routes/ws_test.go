package routes

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubPublishReachesClient(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	hub.Publish("detection", map[string]string{"species": "deer"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var event Event
	require.NoError(t, json.Unmarshal(raw, &event))
	assert.Equal(t, "detection", event.Event)
	assert.False(t, event.Timestamp.IsZero())

	payload, ok := event.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "deer", payload["species"])
}

func TestHubPublishWithNoClients(t *testing.T) {
	hub := NewHub()
	// must not block or panic
	hub.Publish("telemetry", map[string]int{"battery": 80})
	assert.Equal(t, 0, hub.ClientCount())
}

func TestHubClientDisconnect(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}
