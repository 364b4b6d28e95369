package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/attaboy/wagerline/internal/domain"
	"github.com/attaboy/wagerline/internal/fairness"
	"github.com/attaboy/wagerline/internal/repository"
	"github.com/attaboy/wagerline/internal/scheduler"
	"github.com/google/uuid"
)

const activeRoomsIndex = "rooms:active"

func roomKey(id string) string { return "room:" + id }

// CreateRoomRequest opens a room on a game.
type CreateRoomRequest struct {
	GameID     string          `json:"game_id"`
	HostID     string          `json:"host_id"`
	Mode       domain.RoomMode `json:"mode"`
	MinPlayers int             `json:"min_players"`
	MaxPlayers int             `json:"max_players"`
}

// JoinRequest seats a player and stakes their entry on the room's round.
type JoinRequest struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
	Choice string `json:"choice"`
	ConnID string `json:"conn_id,omitempty"`
}

// CreateRoom opens a fairness round owned by the room and stores it waiting for players.
func (c *Coordinator) CreateRoom(ctx context.Context, req CreateRoomRequest) (*domain.GameRoom, error) {
	if req.HostID == "" {
		return nil, domain.ErrValidation("host id is required")
	}
	g, ok := c.fair.Games().Get(req.GameID)
	if !ok {
		return nil, domain.ErrNotFound("game", req.GameID)
	}
	if req.Mode == "" {
		req.Mode = domain.RoomMulti
	}
	minP, maxP := req.MinPlayers, req.MaxPlayers
	switch req.Mode {
	case domain.RoomSolo:
		minP, maxP = 1, 1
	case domain.RoomMulti:
		if minP <= 0 {
			minP = max(g.MinPlayers, 1)
		}
		if maxP <= 0 {
			maxP = max(g.MaxPlayers, minP)
		}
	default:
		return nil, domain.ErrValidation("mode must be solo or multi")
	}
	if minP > maxP {
		return nil, domain.ErrValidation("min_players exceeds max_players")
	}

	if _, err := c.ledger.OpenWallet(ctx, domain.PoolWalletID(g.ID), "platform", domain.WalletPool); err != nil {
		return nil, err
	}
	now := c.now()
	room := &domain.GameRoom{
		ID:         uuid.NewString(),
		GameID:     g.ID,
		Mode:       req.Mode,
		HostID:     req.HostID,
		Status:     domain.RoomWaiting,
		MinPlayers: minP,
		MaxPlayers: maxP,
		Players:    []domain.RoomPlayer{},
		Actions:    []domain.RoomAction{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	r, err := c.fair.OpenRound(ctx, g.ID, 0, fairness.OpenOptions{
		RoomID:   room.ID,
		OpensAt:  now,
		ClosesAt: now.Add(c.cfg.RoomRoundTTL),
	})
	if err != nil {
		return nil, err
	}
	room.RoundID = r.ID

	saved, err := repository.MutateJSON(ctx, c.rooms, roomKey(room.ID), c.roomTTL, func(cur *domain.GameRoom) (*domain.GameRoom, error) {
		if cur != nil {
			return nil, domain.ErrInvalidRoomState("room already exists")
		}
		return room, nil
	})
	if err != nil {
		return nil, storeErr(err)
	}
	if err := c.rooms.IndexAdd(ctx, activeRoomsIndex, room.ID); err != nil {
		return nil, domain.ErrUnavailable("index room", err)
	}
	c.scheduleRoomExpiry(ctx, saved, r.ClosesAt)
	c.logger.Info("room created", "room_id", room.ID, "game_id", g.ID, "host_id", req.HostID, "round_id", r.ID)
	c.publish(roomTopic(room.ID), "room.updated", saved)
	return saved, nil
}

// GetRoom returns a room, including completed and abandoned ones still retained.
func (c *Coordinator) GetRoom(ctx context.Context, roomID string) (*domain.GameRoom, error) {
	room, err := repository.GetJSON[domain.GameRoom](ctx, c.rooms, roomKey(roomID))
	if err != nil {
		return nil, domain.ErrUnavailable("read room", err)
	}
	if room == nil {
		return nil, domain.ErrNotFound("room", roomID)
	}
	return room, nil
}

// ActiveRooms lists rooms that have not finished, oldest first.
func (c *Coordinator) ActiveRooms(ctx context.Context) ([]domain.GameRoom, error) {
	ids, err := c.rooms.IndexMembers(ctx, activeRoomsIndex)
	if err != nil {
		return nil, domain.ErrUnavailable("list rooms", err)
	}
	out := make([]domain.GameRoom, 0, len(ids))
	for _, id := range ids {
		room, err := repository.GetJSON[domain.GameRoom](ctx, c.rooms, roomKey(id))
		if err != nil {
			return nil, domain.ErrUnavailable("read room", err)
		}
		if room == nil || room.Status.Terminal() {
			continue
		}
		out = append(out, *room)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// JoinRoom stakes the player's entry on the room's round, then seats them.
// If the seat is lost to a concurrent join the stake is refunded.
func (c *Coordinator) JoinRoom(ctx context.Context, req JoinRequest) (*domain.GameRoom, error) {
	room, err := c.GetRoom(ctx, req.RoomID)
	if err != nil {
		return nil, err
	}
	if room.Player(req.UserID) != nil {
		return room, nil
	}
	if err := checkJoinable(room); err != nil {
		return nil, err
	}

	r, err := c.fair.Round(ctx, room.RoundID)
	if err != nil {
		return nil, err
	}
	stake, err := c.placeStake(ctx, r, req.UserID, req.Amount, req.Choice)
	if err != nil {
		return nil, err
	}

	now := c.now()
	updated, err := c.mutateRoom(ctx, req.RoomID, func(room *domain.GameRoom) error {
		if room.Player(req.UserID) != nil {
			return errAlreadySeated
		}
		if err := checkJoinable(room); err != nil {
			return err
		}
		room.Players = append(room.Players, domain.RoomPlayer{
			UserID:   req.UserID,
			ConnID:   req.ConnID,
			JoinedAt: now,
			StakeID:  stake.ID,
			Amount:   stake.Amount,
			Choice:   stake.Choice,
		})
		room.Status = readiness(room)
		return nil
	})
	if err != nil {
		if rerr := c.refundStake(ctx, *stake); rerr != nil {
			c.logger.Error("refund unseated stake", "room_id", req.RoomID, "stake_id", stake.ID, "error", rerr)
		}
		if errors.Is(err, errAlreadySeated) {
			return c.GetRoom(ctx, req.RoomID)
		}
		return nil, err
	}
	c.logger.Info("player joined room", "room_id", req.RoomID, "user_id", req.UserID, "stake_id", stake.ID)
	return updated, nil
}

var errAlreadySeated = errors.New("already seated")

func checkJoinable(room *domain.GameRoom) error {
	if !room.Status.Joinable() {
		return domain.ErrInvalidRoomState("room is " + string(room.Status))
	}
	if len(room.Players) >= room.MaxPlayers {
		return domain.ErrRoomFull(room.ID)
	}
	return nil
}

// readiness is the pre-start status implied by the seated players.
func readiness(room *domain.GameRoom) domain.RoomStatus {
	if len(room.Players) >= room.MinPlayers && room.AllReady() {
		return domain.RoomReady
	}
	return domain.RoomWaiting
}

// LeaveRoom unseats a player. Before the game starts the entry stake is
// refunded by reversal; once it has started the player is marked disconnected.
// The last player out deletes the room and voids its round.
func (c *Coordinator) LeaveRoom(ctx context.Context, roomID, userID string) (*domain.GameRoom, error) {
	room, err := c.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	p := room.Player(userID)
	if p == nil {
		return nil, domain.ErrValidation("not seated in this room")
	}
	switch {
	case room.Status.Terminal():
		return nil, domain.ErrInvalidRoomState("room is " + string(room.Status))
	case room.Status.Joinable():
	default:
		return c.Disconnect(ctx, roomID, userID)
	}

	var (
		removed domain.RoomPlayer
		last    domain.GameRoom
	)
	now := c.now()
	updated, err := repository.MutateJSON(ctx, c.rooms, roomKey(roomID), c.roomTTL, func(cur *domain.GameRoom) (*domain.GameRoom, error) {
		if cur == nil {
			return nil, domain.ErrNotFound("room", roomID)
		}
		if !cur.Status.Joinable() {
			return nil, domain.ErrInvalidRoomState("room is " + string(cur.Status))
		}
		p := cur.Player(userID)
		if p == nil {
			return nil, domain.ErrValidation("not seated in this room")
		}
		removed = *p
		cur.RemovePlayer(userID)
		cur.Status = readiness(cur)
		cur.UpdatedAt = now
		last = *cur
		if len(cur.Players) == 0 {
			return nil, nil
		}
		return cur, nil
	})
	if err != nil {
		return nil, storeErr(err)
	}
	if updated == nil {
		return c.closeEmptyRoom(ctx, &last, userID)
	}
	c.publish(roomTopic(roomID), "room.updated", updated)

	stakes, err := c.Stakes(ctx, room.RoundID)
	if err != nil {
		return nil, err
	}
	for _, s := range stakes {
		if s.ID == removed.StakeID && s.Outcome == domain.StakePending {
			if err := c.refundStake(ctx, s); err != nil {
				return nil, err
			}
		}
	}
	c.logger.Info("player left room", "room_id", roomID, "user_id", userID, "refunded", removed.Amount)
	return updated, nil
}

// closeEmptyRoom finishes a room whose document was deleted by its last
// leaver. Voiding the round refunds that player's stake along with any other
// still pending. The returned room is the final snapshot, marked abandoned.
func (c *Coordinator) closeEmptyRoom(ctx context.Context, room *domain.GameRoom, userID string) (*domain.GameRoom, error) {
	now := c.now()
	room.Status = domain.RoomAbandoned
	room.EndedAt = &now
	c.finish(ctx, room)
	if c.sched != nil {
		if err := c.sched.Cancel(ctx, scheduler.KindRoundSettle, room.RoundID); err != nil {
			c.logger.Error("cancel room expiry", "room_id", room.ID, "error", err)
		}
	}
	c.publish(roomTopic(room.ID), "room.closed", room)
	if err := c.voidRound(ctx, room.RoundID); err != nil {
		c.logger.Error("void empty room round, retrying", "room_id", room.ID, "round_id", room.RoundID, "error", err)
		c.scheduleSettle(ctx, room.RoundID, true)
		return nil, err
	}
	c.logger.Info("room emptied and deleted", "room_id", room.ID, "round_id", room.RoundID, "last_user_id", userID)
	return room, nil
}

// SetReady flags a seated player ready or not. The room is ready once the
// minimum number of players are seated and all of them are ready.
func (c *Coordinator) SetReady(ctx context.Context, roomID, userID string, ready bool) (*domain.GameRoom, error) {
	return c.mutateRoom(ctx, roomID, func(room *domain.GameRoom) error {
		if !room.Status.Joinable() {
			return domain.ErrInvalidRoomState("room is " + string(room.Status))
		}
		p := room.Player(userID)
		if p == nil {
			return domain.ErrValidation("not seated in this room")
		}
		p.Ready = ready
		room.Status = readiness(room)
		return nil
	})
}

// StartGame moves a ready room to starting and schedules the countdown.
func (c *Coordinator) StartGame(ctx context.Context, roomID, userID string) (*domain.GameRoom, error) {
	fireAt := c.now().Add(c.cfg.CountdownDelay)
	room, err := c.mutateRoom(ctx, roomID, func(room *domain.GameRoom) error {
		if room.HostID != userID {
			return domain.ErrForbidden("only the host can start the game")
		}
		if room.Status != domain.RoomReady {
			return domain.ErrInvalidRoomState("room is " + string(room.Status))
		}
		room.Status = domain.RoomStarting
		room.CountdownAt = &fireAt
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := c.sched.Schedule(ctx, scheduler.KindRoomCountdown, roomID, fireAt, countdownPayload{RoomID: roomID}); err != nil {
		return nil, domain.ErrUnavailable("schedule countdown", err)
	}
	if err := c.sched.Cancel(ctx, scheduler.KindRoundSettle, room.RoundID); err != nil {
		c.logger.Error("cancel room expiry", "room_id", roomID, "error", err)
	}
	c.logger.Info("room starting", "room_id", roomID, "countdown_at", fireAt)
	return room, nil
}

type countdownPayload struct {
	RoomID string `json:"room_id"`
}

// CompleteCountdown closes the room's round and puts the room in play.
// Rooms that left starting in the meantime are left alone.
func (c *Coordinator) CompleteCountdown(ctx context.Context, roomID string) (*domain.GameRoom, error) {
	room, err := c.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.Status != domain.RoomStarting {
		return room, nil
	}
	if _, err := c.CloseRound(ctx, room.RoundID); err != nil {
		return nil, err
	}
	return c.mutateRoom(ctx, roomID, func(room *domain.GameRoom) error {
		if room.Status == domain.RoomStarting {
			room.Status = domain.RoomInProgress
		}
		return nil
	})
}

// Connect records a player's live connection.
func (c *Coordinator) Connect(ctx context.Context, roomID, userID, connID string) (*domain.GameRoom, error) {
	return c.mutateRoom(ctx, roomID, func(room *domain.GameRoom) error {
		p := room.Player(userID)
		if p == nil {
			return nil
		}
		p.ConnID = connID
		p.Disconnected = false
		return nil
	})
}

// Disconnect marks a player gone. Once the game has started and nobody is
// left connected the room is abandoned and every stake refunded.
func (c *Coordinator) Disconnect(ctx context.Context, roomID, userID string) (*domain.GameRoom, error) {
	var abandoned bool
	now := c.now()
	room, err := c.mutateRoom(ctx, roomID, func(room *domain.GameRoom) error {
		abandoned = false
		p := room.Player(userID)
		if p == nil || room.Status.Terminal() {
			return nil
		}
		p.Disconnected = true
		p.ConnID = ""
		if (room.Status == domain.RoomStarting || room.Status == domain.RoomInProgress) && room.Connected() == 0 {
			room.Status = domain.RoomAbandoned
			room.EndedAt = &now
			abandoned = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if abandoned {
		c.finish(ctx, room)
		if c.sched != nil {
			_ = c.sched.Cancel(ctx, scheduler.KindRoomCountdown, roomID)
		}
		if err := c.voidRound(ctx, room.RoundID); err != nil {
			c.logger.Error("void abandoned room round, retrying", "room_id", roomID, "round_id", room.RoundID, "error", err)
			c.scheduleSettle(ctx, room.RoundID, true)
		}
		c.logger.Warn("room abandoned", "room_id", roomID, "round_id", room.RoundID)
	}
	return room, nil
}

// RecordAction appends to the room's ordered action log.
func (c *Coordinator) RecordAction(ctx context.Context, roomID, userID, actionType string, payload json.RawMessage) (*domain.RoomAction, error) {
	if actionType == "" {
		return nil, domain.ErrValidation("action type is required")
	}
	var recorded domain.RoomAction
	at := c.now()
	_, err := c.mutateRoom(ctx, roomID, func(room *domain.GameRoom) error {
		if room.Status != domain.RoomInProgress {
			return domain.ErrInvalidRoomState("room is " + string(room.Status))
		}
		if room.Player(userID) == nil {
			return domain.ErrForbidden("not seated in this room")
		}
		recorded = room.AppendAction(domain.RoomAction{UserID: userID, Type: actionType, Payload: payload, At: at}, c.cfg.ActionLogLimit)
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.publish(roomTopic(roomID), "room.action", recorded)
	return &recorded, nil
}

// UpdateGameState replaces the room's opaque shared game state.
func (c *Coordinator) UpdateGameState(ctx context.Context, roomID, userID string, state json.RawMessage) (*domain.GameRoom, error) {
	if len(state) > 0 && !json.Valid(state) {
		return nil, domain.ErrValidation("game state must be valid JSON")
	}
	return c.mutateRoom(ctx, roomID, func(room *domain.GameRoom) error {
		if room.Status != domain.RoomInProgress {
			return domain.ErrInvalidRoomState("room is " + string(room.Status))
		}
		if room.Player(userID) == nil && room.HostID != userID {
			return domain.ErrForbidden("not part of this room")
		}
		room.GameState = state
		return nil
	})
}

// EndGame settles the room's round, scores each player by their payout and
// completes the room.
func (c *Coordinator) EndGame(ctx context.Context, roomID, userID string) (*domain.GameRoom, error) {
	room, err := c.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.Player(userID) == nil && room.HostID != userID {
		return nil, domain.ErrForbidden("not part of this room")
	}
	if room.Status != domain.RoomInProgress {
		return nil, domain.ErrInvalidRoomState("room is " + string(room.Status))
	}

	settlement, err := c.SettleRound(ctx, room.RoundID)
	if err != nil {
		if domain.IsRetryable(err) {
			c.scheduleSettle(ctx, room.RoundID, false)
		}
		return nil, err
	}
	return c.completeRoom(ctx, roomID, settlement)
}

// completeRoom scores each player by their payout and completes the room.
// A room already completed is returned as is, so a settlement retry that
// lands after EndGame has finished is harmless.
func (c *Coordinator) completeRoom(ctx context.Context, roomID string, settlement *Settlement) (*domain.GameRoom, error) {
	payouts := make(map[string]int64, len(settlement.Stakes))
	for _, s := range settlement.Stakes {
		payouts[s.ID] = s.Payout
	}

	now := c.now()
	var completed bool
	updated, err := c.mutateRoom(ctx, roomID, func(room *domain.GameRoom) error {
		completed = false
		if room.Status == domain.RoomCompleted {
			return nil
		}
		if room.Status != domain.RoomInProgress {
			return domain.ErrInvalidRoomState("room is " + string(room.Status))
		}
		room.Scores = make(map[string]int64, len(room.Players))
		room.Winners = nil
		for i := range room.Players {
			p := &room.Players[i]
			p.Score = payouts[p.StakeID]
			room.Scores[p.UserID] = p.Score
			if p.Score > 0 {
				room.Winners = append(room.Winners, p.UserID)
			}
		}
		room.Outcome = settlement.Round.Outcome
		room.Status = domain.RoomCompleted
		room.EndedAt = &now
		completed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if completed {
		c.finish(ctx, updated)
		c.logger.Info("room completed", "room_id", roomID, "winners", updated.Winners, "outcome", updated.Outcome)
	}
	return updated, nil
}

// expireRoom abandons a room whose round stopped taking joins before the game
// was started and voids the round. A room that started in the meantime is left
// alone; a room already abandoned or deleted just has its round voided.
func (c *Coordinator) expireRoom(ctx context.Context, roomID, roundID string) error {
	now := c.now()
	var expired bool
	room, err := c.mutateRoom(ctx, roomID, func(room *domain.GameRoom) error {
		expired = false
		if !room.Status.Joinable() {
			return nil
		}
		room.Status = domain.RoomAbandoned
		room.EndedAt = &now
		expired = true
		return nil
	})
	switch {
	case domain.CodeOf(err) == domain.CodeNotFound:
	case err != nil:
		return err
	case expired:
		c.finish(ctx, room)
		c.logger.Warn("room expired before start", "room_id", roomID, "round_id", roundID, "players", len(room.Players))
	case room.Status != domain.RoomAbandoned:
		return nil
	}
	return c.voidRound(ctx, roundID)
}

// finish drops a terminal room from the active index and announces it.
func (c *Coordinator) finish(ctx context.Context, room *domain.GameRoom) {
	if err := c.rooms.IndexRemove(ctx, activeRoomsIndex, room.ID); err != nil {
		c.logger.Error("remove room from index", "room_id", room.ID, "error", err)
	}
	c.emit(ctx, domain.NewRoomFinishedEvent(room))
}

// mutateRoom applies fn to the stored room under compare-and-swap and pushes
// the result to the room's subscribers. fn may run more than once.
func (c *Coordinator) mutateRoom(ctx context.Context, roomID string, fn func(*domain.GameRoom) error) (*domain.GameRoom, error) {
	now := c.now()
	room, err := repository.MutateJSON(ctx, c.rooms, roomKey(roomID), c.roomTTL, func(cur *domain.GameRoom) (*domain.GameRoom, error) {
		if cur == nil {
			return nil, domain.ErrNotFound("room", roomID)
		}
		if err := fn(cur); err != nil {
			return nil, err
		}
		cur.UpdatedAt = now
		return cur, nil
	})
	if err != nil {
		return nil, storeErr(err)
	}
	c.publish(roomTopic(roomID), "room.updated", room)
	return room, nil
}

func (c *Coordinator) roomTTL(room *domain.GameRoom) time.Duration {
	if room.Status.Terminal() {
		return c.cfg.RoomRetention
	}
	return 0
}

// storeErr passes domain errors through and wraps store failures.
func storeErr(err error) error {
	var appErr *domain.AppError
	if errors.As(err, &appErr) || errors.Is(err, errAlreadySeated) {
		return err
	}
	return domain.ErrUnavailable("room store", err)
}
