package infra

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMessage = 4096
	wsSendBuffer = 64
)

// WSHub manages WebSocket connections and topic-based message delivery.
// Topics are "room:{id}", "round:{id}", "game:{id}" and "player:{id}".
type WSHub struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]*WSConn // topic -> connID -> conn
	logger *slog.Logger
}

// WSConn represents a WebSocket connection (abstracted for testability).
type WSConn struct {
	ID       string
	PlayerID string
	Send     chan []byte
}

// NewWSConn allocates a connection with the default send buffer.
func NewWSConn(id, playerID string) *WSConn {
	return &WSConn{ID: id, PlayerID: playerID, Send: make(chan []byte, wsSendBuffer)}
}

// WSMessage is the payload sent over WebSocket.
type WSMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		rooms:  make(map[string]map[string]*WSConn),
		logger: logger,
	}
}

// Join adds a connection to a topic.
func (h *WSHub) Join(room string, conn *WSConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]*WSConn)
	}
	h.rooms[room][conn.ID] = conn
}

// Leave removes a connection from a topic.
func (h *WSHub) Leave(room string, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[room]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Publish sends a message to all connections on a topic. Slow consumers drop messages.
func (h *WSHub) Publish(room string, event string, data any) {
	msg := WSMessage{Event: event, Data: data}
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("ws marshal error", "error", err, "room", room, "event", event)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	conns, ok := h.rooms[room]
	if !ok {
		return
	}

	for _, conn := range conns {
		select {
		case conn.Send <- payload:
		default:
			h.logger.Warn("ws send buffer full", "connID", conn.ID, "room", room)
		}
	}
}

// PublishToPlayer is a convenience method to publish to a player-scoped room.
func (h *WSHub) PublishToPlayer(playerID string, event string, data any) {
	h.Publish("player:"+playerID, event, data)
}

// ConnectionCount returns the total number of active connections.
func (h *WSHub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, conns := range h.rooms {
		count += len(conns)
	}
	return count
}

// RoomCount returns the number of topics with at least one subscriber.
func (h *WSHub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Shutdown closes all connections gracefully.
func (h *WSHub) Shutdown(_ context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room, conns := range h.rooms {
		for _, conn := range conns {
			close(conn.Send)
		}
		delete(h.rooms, room)
	}
}

// NewUpgrader returns an upgrader that accepts the configured origins ("*" allows any).
func NewUpgrader(allowedOrigins string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if allowedOrigins == "*" || allowedOrigins == "" {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, o := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(o) == origin {
					return true
				}
			}
			return false
		},
	}
}

// Serve subscribes ws to topics and pumps messages until the peer goes away
// or ctx ends. Inbound frames other than control frames are discarded.
func (h *WSHub) Serve(ctx context.Context, ws *websocket.Conn, conn *WSConn, topics ...string) {
	for _, t := range topics {
		h.Join(t, conn)
	}
	defer func() {
		for _, t := range topics {
			h.Leave(t, conn.ID)
		}
		ws.Close()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writePump(ctx, ws, conn)
	}()

	h.readPump(ws)
	ws.Close()
	<-done
}

func (h *WSHub) readPump(ws *websocket.Conn) {
	ws.SetReadLimit(wsMaxMessage)
	ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("ws read error", "error", err)
			}
			return
		}
	}
}

func (h *WSHub) writePump(ctx context.Context, ws *websocket.Conn, conn *WSConn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(wsWriteWait))
			ws.Close()
			return
		case msg, ok := <-conn.Send:
			ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, []byte{})
				ws.Close()
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				ws.Close()
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				ws.Close()
				return
			}
		}
	}
}
