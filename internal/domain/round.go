package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OutcomeMode decides whether a round draws once or once per stake.
type OutcomeMode string

const (
	OutcomeShared   OutcomeMode = "shared"    // one outcome for every stake in the round
	OutcomePerStake OutcomeMode = "per_stake" // each stake draws with its own nonce
)

// HouseOutcome is the outcome in which no choice pays.
const HouseOutcome = "house"

// Choice is a selectable outcome and what it pays per staked coin.
type Choice struct {
	Name       string          `json:"name"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

// Game is a configured wagering game.
type Game struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Choices      []Choice      `json:"choices"`
	Mode         OutcomeMode   `json:"mode"`
	Bucket       time.Duration `json:"bucket"`
	TargetRatio  float64       `json:"target_ratio"`
	MinStake     int64         `json:"min_stake"`
	MaxStake     int64         `json:"max_stake"`
	MinPlayers   int           `json:"min_players"`
	MaxPlayers   int           `json:"max_players"`
	AutoSchedule bool          `json:"auto_schedule"` // open bucketed rounds on a fixed cadence
}

// Choice returns the named choice.
func (g Game) Choice(name string) (Choice, bool) {
	for _, c := range g.Choices {
		if c.Name == name {
			return c, true
		}
	}
	return Choice{}, false
}

// RoundStatus is the lifecycle of a GameRound.
type RoundStatus string

const (
	RoundOpen    RoundStatus = "open"
	RoundClosed  RoundStatus = "closed"
	RoundSettled RoundStatus = "settled"
)

// Probability is one slot of a round's published distribution.
type Probability struct {
	Outcome string  `json:"outcome"`
	P       float64 `json:"p"`
}

// GameRound is one commit-reveal round of a game.
type GameRound struct {
	ID           string        `json:"id"`
	GameID       string        `json:"game_id"`
	RoomID       string        `json:"room_id,omitempty"`
	OpensAt      time.Time     `json:"opens_at"`
	ClosesAt     time.Time     `json:"closes_at"`
	Seed         string        `json:"-"` // hex, hidden until settled
	Commitment   string        `json:"commitment"`
	Status       RoundStatus   `json:"status"`
	Mode         OutcomeMode   `json:"mode"`
	TargetRatio  float64       `json:"target_ratio"`
	RollingRatio float64       `json:"rolling_ratio"` // realized ratio the drift was computed from
	DriftGain    float64       `json:"drift_gain"`
	DriftBound   float64       `json:"drift_bound"`
	DriftFactor  float64       `json:"drift_factor"`
	Distribution []Probability `json:"distribution"`
	Outcome      string        `json:"outcome,omitempty"`
	Voided       bool          `json:"voided,omitempty"`
	TotalStaked  int64         `json:"total_staked"`
	TotalPaid    int64         `json:"total_paid"`
	SettledAt    *time.Time    `json:"settled_at,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// PublicRound is what players may see. Seed and outcome appear only once settled.
type PublicRound struct {
	ID            string        `json:"id"`
	GameID        string        `json:"game_id"`
	RoomID        string        `json:"room_id,omitempty"`
	OpensAt       time.Time     `json:"opens_at"`
	ClosesAt      time.Time     `json:"closes_at"`
	Commitment    string        `json:"commitment"`
	Status        RoundStatus   `json:"status"`
	Distribution  []Probability `json:"distribution"`
	DriftFactor   float64       `json:"drift_factor"`
	Seed          string        `json:"seed,omitempty"`
	Outcome       string        `json:"outcome,omitempty"`
	Voided        bool          `json:"voided,omitempty"`
	TotalStaked   int64         `json:"total_staked"`
	TotalPaid     int64         `json:"total_paid"`
	TimeRemaining time.Duration `json:"time_remaining"`
}

// Public projects a round for players at time now.
func (r GameRound) Public(now time.Time) PublicRound {
	p := PublicRound{
		ID:           r.ID,
		GameID:       r.GameID,
		RoomID:       r.RoomID,
		OpensAt:      r.OpensAt,
		ClosesAt:     r.ClosesAt,
		Commitment:   r.Commitment,
		Status:       r.Status,
		Distribution: r.Distribution,
		DriftFactor:  r.DriftFactor,
		TotalStaked:  r.TotalStaked,
	}
	if r.Status == RoundOpen && r.ClosesAt.After(now) {
		p.TimeRemaining = r.ClosesAt.Sub(now)
	}
	if r.Status == RoundSettled {
		p.Seed = r.Seed
		p.Outcome = r.Outcome
		p.Voided = r.Voided
		p.TotalPaid = r.TotalPaid
	}
	return p
}

// StakeOutcome is the result state of a stake.
type StakeOutcome string

const (
	StakePending  StakeOutcome = "pending"
	StakeWin      StakeOutcome = "win"
	StakeLoss     StakeOutcome = "loss"
	StakeRefunded StakeOutcome = "refunded"
)

// Stake is one user's wager on a round.
type Stake struct {
	ID            string       `json:"id"`
	UserID        string       `json:"user_id"`
	RoundID       string       `json:"round_id"`
	Nonce         int64        `json:"nonce"`
	Amount        int64        `json:"amount"`
	Choice        string       `json:"choice"`
	PlacedAt      time.Time    `json:"placed_at"`
	Outcome       StakeOutcome `json:"outcome"`
	DrawnOutcome  string       `json:"drawn_outcome,omitempty"`
	Payout        int64        `json:"payout"`
	TransactionID string       `json:"transaction_id"`
	SettledAt     *time.Time   `json:"settled_at,omitempty"`
}

// GameStats carries a game's rolling realized payout ratio and halt state.
type GameStats struct {
	GameID      string     `json:"game_id"`
	TotalStaked int64      `json:"total_staked"`
	TotalPaid   int64      `json:"total_paid"`
	RoundCount  int64      `json:"round_count"`
	Halted      bool       `json:"halted"`
	HaltReason  string     `json:"halt_reason,omitempty"`
	HaltedAt    *time.Time `json:"halted_at,omitempty"`
}

// RealizedRatio is paid/staked, or fallback when nothing has been staked yet.
func (s GameStats) RealizedRatio(fallback float64) float64 {
	if s.TotalStaked <= 0 {
		return fallback
	}
	return float64(s.TotalPaid) / float64(s.TotalStaked)
}
