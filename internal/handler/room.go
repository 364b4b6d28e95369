package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/attaboy/wagerline/internal/coordinator"
	"github.com/attaboy/wagerline/internal/domain"
	"github.com/attaboy/wagerline/internal/infra"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// RoomHandler serves multiplayer rooms and their live websocket feed.
type RoomHandler struct {
	coord    *coordinator.Coordinator
	hub      *infra.WSHub
	upgrader *websocket.Upgrader
	logger   *slog.Logger
}

// NewRoomHandler creates a new RoomHandler.
func NewRoomHandler(coord *coordinator.Coordinator, hub *infra.WSHub, upgrader *websocket.Upgrader, logger *slog.Logger) *RoomHandler {
	return &RoomHandler{coord: coord, hub: hub, upgrader: upgrader, logger: logger}
}

type createRoomRequest struct {
	GameID     string          `json:"game_id"`
	Mode       domain.RoomMode `json:"mode"`
	MinPlayers int             `json:"min_players"`
	MaxPlayers int             `json:"max_players"`
}

// CreateRoom handles POST /rooms. The caller hosts the room.
func (h *RoomHandler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	userID, err := subjectFromRequest(r)
	if err != nil {
		RespondError(w, err)
		return
	}
	var req createRoomRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, err)
		return
	}
	room, err := h.coord.CreateRoom(r.Context(), coordinator.CreateRoomRequest{
		GameID:     req.GameID,
		HostID:     userID,
		Mode:       req.Mode,
		MinPlayers: req.MinPlayers,
		MaxPlayers: req.MaxPlayers,
	})
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusCreated, room)
}

// ListRooms handles GET /rooms.
func (h *RoomHandler) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.coord.ActiveRooms(r.Context())
	if err != nil {
		RespondError(w, err)
		return
	}
	if rooms == nil {
		rooms = []domain.GameRoom{}
	}
	RespondJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

// GetRoom handles GET /rooms/{roomID}.
func (h *RoomHandler) GetRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.coord.GetRoom(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, room)
}

type joinRoomRequest struct {
	Amount int64  `json:"amount"`
	Choice string `json:"choice"`
}

// JoinRoom handles POST /rooms/{roomID}/join.
func (h *RoomHandler) JoinRoom(w http.ResponseWriter, r *http.Request) {
	userID, err := subjectFromRequest(r)
	if err != nil {
		RespondError(w, err)
		return
	}
	var req joinRoomRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, err)
		return
	}
	room, err := h.coord.JoinRoom(r.Context(), coordinator.JoinRequest{
		RoomID: chi.URLParam(r, "roomID"),
		UserID: userID,
		Amount: req.Amount,
		Choice: req.Choice,
	})
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, room)
}

// LeaveRoom handles POST /rooms/{roomID}/leave.
func (h *RoomHandler) LeaveRoom(w http.ResponseWriter, r *http.Request) {
	h.roomAction(w, r, h.coord.LeaveRoom)
}

// StartGame handles POST /rooms/{roomID}/start (host only).
func (h *RoomHandler) StartGame(w http.ResponseWriter, r *http.Request) {
	h.roomAction(w, r, h.coord.StartGame)
}

// EndGame handles POST /rooms/{roomID}/end (host only).
func (h *RoomHandler) EndGame(w http.ResponseWriter, r *http.Request) {
	h.roomAction(w, r, h.coord.EndGame)
}

// SetReady handles POST /rooms/{roomID}/ready with {"ready": bool}; a missing body means ready.
func (h *RoomHandler) SetReady(w http.ResponseWriter, r *http.Request) {
	userID, err := subjectFromRequest(r)
	if err != nil {
		RespondError(w, err)
		return
	}
	req := struct {
		Ready *bool `json:"ready"`
	}{}
	if r.ContentLength > 0 {
		if err := DecodeJSON(r, &req); err != nil {
			RespondError(w, err)
			return
		}
	}
	ready := req.Ready == nil || *req.Ready
	room, err := h.coord.SetReady(r.Context(), chi.URLParam(r, "roomID"), userID, ready)
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, room)
}

type actionRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RecordAction handles POST /rooms/{roomID}/actions.
func (h *RoomHandler) RecordAction(w http.ResponseWriter, r *http.Request) {
	userID, err := subjectFromRequest(r)
	if err != nil {
		RespondError(w, err)
		return
	}
	var req actionRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, err)
		return
	}
	action, err := h.coord.RecordAction(r.Context(), chi.URLParam(r, "roomID"), userID, req.Type, req.Payload)
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusCreated, action)
}

// UpdateState handles POST /rooms/{roomID}/state with {"state": {...}}.
func (h *RoomHandler) UpdateState(w http.ResponseWriter, r *http.Request) {
	userID, err := subjectFromRequest(r)
	if err != nil {
		RespondError(w, err)
		return
	}
	req := struct {
		State json.RawMessage `json:"state"`
	}{}
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, err)
		return
	}
	room, err := h.coord.UpdateGameState(r.Context(), chi.URLParam(r, "roomID"), userID, req.State)
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, room)
}

// Stream handles GET /rooms/{roomID}/ws. Seated players are marked connected for
// the lifetime of the socket; when the last one drops mid-game the room is abandoned.
func (h *RoomHandler) Stream(w http.ResponseWriter, r *http.Request) {
	userID, err := subjectFromRequest(r)
	if err != nil {
		RespondError(w, err)
		return
	}
	roomID := chi.URLParam(r, "roomID")
	connID := uuid.NewString()

	room, err := h.coord.Connect(r.Context(), roomID, userID, connID)
	if err != nil {
		RespondError(w, err)
		return
	}
	seated := room.Player(userID) != nil

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "room_id", roomID, "user_id", userID, "error", err)
		if seated {
			h.disconnect(roomID, userID)
		}
		return
	}

	conn := infra.NewWSConn(connID, userID)
	conn.Send <- mustMarshal(infra.WSMessage{Event: "room.snapshot", Data: room})
	h.logger.Info("ws connected", "room_id", roomID, "user_id", userID, "conn_id", connID)

	h.hub.Serve(r.Context(), ws, conn, "room:"+roomID, "round:"+room.RoundID, "player:"+userID)

	if seated {
		h.disconnect(roomID, userID)
	}
	h.logger.Info("ws disconnected", "room_id", roomID, "user_id", userID, "conn_id", connID)
}

func (h *RoomHandler) disconnect(roomID, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := h.coord.Disconnect(ctx, roomID, userID); err != nil {
		h.logger.Error("room disconnect failed", "room_id", roomID, "user_id", userID, "error", err)
	}
}

func (h *RoomHandler) roomAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, roomID, userID string) (*domain.GameRoom, error)) {
	userID, err := subjectFromRequest(r)
	if err != nil {
		RespondError(w, err)
		return
	}
	room, err := fn(r.Context(), chi.URLParam(r, "roomID"), userID)
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, room)
}

func mustMarshal(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
