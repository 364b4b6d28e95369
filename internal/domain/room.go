package domain

import (
	"encoding/json"
	"time"
)

// RoomStatus is the multiplayer room state machine.
type RoomStatus string

const (
	RoomWaiting    RoomStatus = "waiting"
	RoomReady      RoomStatus = "ready"
	RoomStarting   RoomStatus = "starting"
	RoomInProgress RoomStatus = "in_progress"
	RoomCompleted  RoomStatus = "completed"
	RoomAbandoned  RoomStatus = "abandoned"
)

// Terminal reports whether no further transitions are possible.
func (s RoomStatus) Terminal() bool { return s == RoomCompleted || s == RoomAbandoned }

// Joinable reports whether new players may enter.
func (s RoomStatus) Joinable() bool { return s == RoomWaiting || s == RoomReady }

// RoomMode is solo or multiplayer.
type RoomMode string

const (
	RoomSolo  RoomMode = "solo"
	RoomMulti RoomMode = "multi"
)

// RoomPlayer is one seat in a room.
type RoomPlayer struct {
	UserID       string    `json:"user_id"`
	ConnID       string    `json:"conn_id,omitempty"`
	Ready        bool      `json:"ready"`
	Score        int64     `json:"score"`
	Disconnected bool      `json:"disconnected"`
	JoinedAt     time.Time `json:"joined_at"`
	StakeID      string    `json:"stake_id,omitempty"`
	Amount       int64     `json:"amount"`
	Choice       string    `json:"choice"`
}

// RoomAction is one entry of the room's ordered action log.
type RoomAction struct {
	Seq     int64           `json:"seq"`
	UserID  string          `json:"user_id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// GameRoom is the shared state of one multiplayer or solo room.
type GameRoom struct {
	ID          string           `json:"id"`
	GameID      string           `json:"game_id"`
	Mode        RoomMode         `json:"mode"`
	HostID      string           `json:"host_id"`
	Status      RoomStatus       `json:"status"`
	MinPlayers  int              `json:"min_players"`
	MaxPlayers  int              `json:"max_players"`
	Players     []RoomPlayer     `json:"players"`
	Spectators  []string         `json:"spectators,omitempty"`
	RoundID     string           `json:"round_id"`
	Actions     []RoomAction     `json:"actions"`
	ActionSeq   int64            `json:"action_seq"`
	GameState   json.RawMessage  `json:"game_state,omitempty"`
	Scores      map[string]int64 `json:"scores,omitempty"`
	Winners     []string         `json:"winners,omitempty"`
	Outcome     string           `json:"outcome,omitempty"`
	CountdownAt *time.Time       `json:"countdown_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	EndedAt     *time.Time       `json:"ended_at,omitempty"`
}

// Player returns the seat for userID, or nil.
func (r *GameRoom) Player(userID string) *RoomPlayer {
	for i := range r.Players {
		if r.Players[i].UserID == userID {
			return &r.Players[i]
		}
	}
	return nil
}

// RemovePlayer drops userID's seat and reports whether it existed.
func (r *GameRoom) RemovePlayer(userID string) bool {
	for i := range r.Players {
		if r.Players[i].UserID == userID {
			r.Players = append(r.Players[:i], r.Players[i+1:]...)
			return true
		}
	}
	return false
}

// Connected counts players that have not disconnected.
func (r *GameRoom) Connected() int {
	n := 0
	for _, p := range r.Players {
		if !p.Disconnected {
			n++
		}
	}
	return n
}

// AllReady reports whether every seated player flagged ready.
func (r *GameRoom) AllReady() bool {
	for _, p := range r.Players {
		if !p.Ready {
			return false
		}
	}
	return len(r.Players) > 0
}

// AppendAction adds to the log, dropping the oldest entries beyond limit.
func (r *GameRoom) AppendAction(a RoomAction, limit int) RoomAction {
	r.ActionSeq++
	a.Seq = r.ActionSeq
	r.Actions = append(r.Actions, a)
	if limit > 0 && len(r.Actions) > limit {
		r.Actions = append([]RoomAction(nil), r.Actions[len(r.Actions)-limit:]...)
	}
	return a
}
