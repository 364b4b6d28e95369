package infra

import (
	"context"
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

func TestWSHub_PublishToTopic(t *testing.T) {
	hub := NewWSHub(discardLogger())
	a := NewWSConn("a", "u1")
	b := NewWSConn("b", "u2")
	hub.Join("room:1", a)
	hub.Join("room:2", b)

	hub.Publish("room:1", "room.updated", map[string]string{"id": "1"})

	select {
	case msg := <-a.Send:
		var m WSMessage
		require.NoError(t, json.Unmarshal(msg, &m))
		assert.Equal(t, "room.updated", m.Event)
	default:
		t.Fatal("expected message for a")
	}
	assert.Empty(t, b.Send)

	assert.Equal(t, 2, hub.ConnectionCount())
	hub.Leave("room:1", "a")
	assert.Equal(t, 1, hub.RoomCount())
}

func TestWSHub_DropsWhenBufferFull(t *testing.T) {
	hub := NewWSHub(discardLogger())
	c := &WSConn{ID: "c", Send: make(chan []byte, 1)}
	hub.Join("t", c)
	hub.Publish("t", "e1", nil)
	hub.Publish("t", "e2", nil)
	assert.Len(t, c.Send, 1)
}

func TestWSHub_ServeDeliversAndCleansUp(t *testing.T) {
	hub := NewWSHub(discardLogger())
	upgrader := NewUpgrader("*")
	served := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Serve(r.Context(), ws, NewWSConn("c1", "u1"), "room:abc")
		close(served)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return hub.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	hub.Publish("room:abc", "round.settled", map[string]int{"paid": 20})

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	var m WSMessage
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "round.settled", m.Event)

	client.Close()
	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after client close")
	}
	assert.Zero(t, hub.ConnectionCount())
}

func TestNewUpgrader_CheckOrigin(t *testing.T) {
	u := NewUpgrader("https://a.example, https://b.example")
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Origin", "https://b.example")
	assert.True(t, u.CheckOrigin(r))
	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, u.CheckOrigin(r))
	assert.True(t, NewUpgrader("*").CheckOrigin(r))
}

func TestWSHub_ShutdownClosesSends(t *testing.T) {
	hub := NewWSHub(discardLogger())
	c := NewWSConn("c", "u")
	hub.Join("t", c)
	hub.Shutdown(context.Background())
	_, ok := <-c.Send
	assert.False(t, ok)
	assert.Zero(t, hub.RoomCount())
}
