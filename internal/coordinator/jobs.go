package coordinator

import (
	"context"
	"time"

	"github.com/attaboy/wagerline/internal/domain"
	"github.com/attaboy/wagerline/internal/scheduler"
)

type settlePayload struct {
	RoundID string `json:"round_id"`
	RoomID  string `json:"room_id,omitempty"`
	Void    bool   `json:"void"`
}

func (c *Coordinator) registerJobs() {
	// closes and settlements move money owed to players; they never expire
	c.sched.MustComplete(scheduler.KindRoundClose, scheduler.KindRoundSettle)
	c.sched.Handle(scheduler.KindRoundOpen, c.handleRoundOpen)
	c.sched.Handle(scheduler.KindRoundClose, c.handleRoundClose)
	c.sched.Handle(scheduler.KindRoundSettle, c.handleRoundSettle)
	c.sched.Handle(scheduler.KindRoomCountdown, c.handleRoomCountdown)
}

// StartCadence schedules the first round of every auto-scheduled game. Games
// that already have a pending open job keep it.
func (c *Coordinator) StartCadence(ctx context.Context) error {
	pending, err := c.sched.Pending(ctx)
	if err != nil {
		return err
	}
	scheduled := make(map[string]bool)
	for _, j := range pending {
		if j.Kind == scheduler.KindRoundOpen {
			scheduled[j.Key] = true
		}
	}
	for _, g := range c.fair.Games().List() {
		if !g.AutoSchedule || scheduled[g.ID] {
			continue
		}
		if err := c.sched.Schedule(ctx, scheduler.KindRoundOpen, g.ID, c.now(), nil); err != nil {
			return err
		}
	}
	return nil
}

// handleRoundOpen opens the game's next round and chains the following open
// onto its close time.
func (c *Coordinator) handleRoundOpen(ctx context.Context, job scheduler.Job) error {
	r, err := c.OpenRound(ctx, job.Key)
	if err != nil {
		return err
	}
	return c.sched.Schedule(ctx, scheduler.KindRoundOpen, job.Key, r.ClosesAt, nil)
}

func (c *Coordinator) handleRoundClose(ctx context.Context, job scheduler.Job) error {
	if _, err := c.CloseRound(ctx, job.Key); err != nil {
		return err
	}
	_, err := c.SettleRound(ctx, job.Key)
	return err
}

func (c *Coordinator) handleRoundSettle(ctx context.Context, job scheduler.Job) error {
	var p settlePayload
	if err := scheduler.DecodePayload(job, &p); err != nil {
		return err
	}
	switch {
	case p.Void && p.RoomID != "":
		return c.expireRoom(ctx, p.RoomID, p.RoundID)
	case p.Void:
		return c.voidRound(ctx, p.RoundID)
	}
	settlement, err := c.SettleRound(ctx, p.RoundID)
	if err != nil || settlement.Round.RoomID == "" {
		return err
	}
	_, err = c.completeRoom(ctx, settlement.Round.RoomID, settlement)
	if domain.CodeOf(err) == domain.CodeInvalidRoomState {
		c.logger.Warn("settled room round, room not in play", "room_id", settlement.Round.RoomID, "round_id", p.RoundID, "error", err)
		return nil
	}
	return err
}

func (c *Coordinator) handleRoomCountdown(ctx context.Context, job scheduler.Job) error {
	var p countdownPayload
	if err := scheduler.DecodePayload(job, &p); err != nil {
		return err
	}
	_, err := c.CompleteCountdown(ctx, p.RoomID)
	return err
}

// scheduleRoomExpiry queues the void of a room's round for when it stops
// taking joins. StartGame cancels it.
func (c *Coordinator) scheduleRoomExpiry(ctx context.Context, room *domain.GameRoom, at time.Time) {
	if c.sched == nil {
		return
	}
	p := settlePayload{RoundID: room.RoundID, RoomID: room.ID, Void: true}
	if err := c.sched.Schedule(ctx, scheduler.KindRoundSettle, room.RoundID, at, p); err != nil {
		c.logger.Error("schedule room expiry", "room_id", room.ID, "round_id", room.RoundID, "error", err)
	}
}

// scheduleSettle queues a settlement (or void) retry for a round.
func (c *Coordinator) scheduleSettle(ctx context.Context, roundID string, void bool) {
	if c.sched == nil {
		return
	}
	if err := c.sched.Schedule(ctx, scheduler.KindRoundSettle, roundID, c.now(), settlePayload{RoundID: roundID, Void: void}); err != nil {
		c.logger.Error("schedule settlement retry", "round_id", roundID, "error", err)
	}
}
