package fairness

import (
	"fmt"
	"sort"
	"time"

	"github.com/attaboy/wagerline/internal/domain"
	"github.com/shopspring/decimal"
)

// Catalogue is the set of configured games.
type Catalogue struct {
	games map[string]domain.Game
	order []string
}

// NewCatalogue validates games against the drift bound. Every choice set must
// leave room for the largest upward adjustment: target*sum(1/m)*(1+bound) <= 1.
func NewCatalogue(bound float64, games ...domain.Game) (*Catalogue, error) {
	c := &Catalogue{games: make(map[string]domain.Game, len(games))}
	for _, g := range games {
		if err := validateGame(g, bound); err != nil {
			return nil, err
		}
		if _, dup := c.games[g.ID]; dup {
			return nil, fmt.Errorf("duplicate game %q", g.ID)
		}
		c.games[g.ID] = g
		c.order = append(c.order, g.ID)
	}
	sort.Strings(c.order)
	return c, nil
}

func validateGame(g domain.Game, bound float64) error {
	if err := domain.ValidateGameID(g.ID); err != nil {
		return err
	}
	if len(g.Choices) == 0 {
		return fmt.Errorf("game %s: no choices", g.ID)
	}
	if g.TargetRatio <= 0 || g.TargetRatio >= 1 {
		return fmt.Errorf("game %s: target ratio %v outside (0,1)", g.ID, g.TargetRatio)
	}
	if g.Mode != domain.OutcomeShared && g.Mode != domain.OutcomePerStake {
		return fmt.Errorf("game %s: unknown mode %q", g.ID, g.Mode)
	}
	var inv float64
	seen := map[string]bool{domain.HouseOutcome: true}
	for _, ch := range g.Choices {
		if seen[ch.Name] {
			return fmt.Errorf("game %s: duplicate or reserved choice %q", g.ID, ch.Name)
		}
		seen[ch.Name] = true
		if !ch.Multiplier.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("game %s: choice %s multiplier must exceed 1", g.ID, ch.Name)
		}
		inv += 1 / ch.Multiplier.InexactFloat64()
	}
	if g.TargetRatio*inv*(1+bound) > 1 {
		return fmt.Errorf("game %s: choices cannot honour target %v within drift bound", g.ID, g.TargetRatio)
	}
	return nil
}

// Get returns a game by id.
func (c *Catalogue) Get(id string) (domain.Game, bool) {
	g, ok := c.games[id]
	return g, ok
}

// List returns all games ordered by id.
func (c *Catalogue) List() []domain.Game {
	out := make([]domain.Game, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.games[id])
	}
	return out
}

func mult(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// DefaultGames is the built-in catalogue.
func DefaultGames() []domain.Game {
	return []domain.Game{
		{
			ID:   "coinflip",
			Name: "Coin Flip",
			Choices: []domain.Choice{
				{Name: "heads", Multiplier: mult("2")},
				{Name: "tails", Multiplier: mult("2")},
			},
			Mode:         domain.OutcomeShared,
			Bucket:       30 * time.Second,
			TargetRatio:  0.90,
			MinStake:     10,
			MaxStake:     100_000,
			MinPlayers:   1,
			MaxPlayers:   1,
			AutoSchedule: true,
		},
		{
			ID:   "wheel",
			Name: "Colour Wheel",
			Choices: []domain.Choice{
				{Name: "red", Multiplier: mult("2")},
				{Name: "black", Multiplier: mult("2")},
				{Name: "green", Multiplier: mult("14")},
			},
			Mode:         domain.OutcomeShared,
			Bucket:       60 * time.Second,
			TargetRatio:  0.60,
			MinStake:     10,
			MaxStake:     50_000,
			MinPlayers:   1,
			MaxPlayers:   1,
			AutoSchedule: true,
		},
		{
			ID:   "duel",
			Name: "Duel",
			Choices: []domain.Choice{
				{Name: "strike", Multiplier: mult("3")},
				{Name: "parry", Multiplier: mult("1.5")},
			},
			Mode:        domain.OutcomePerStake,
			Bucket:      5 * time.Minute,
			TargetRatio: 0.60,
			MinStake:    10,
			MaxStake:    10_000,
			MinPlayers:  2,
			MaxPlayers:  6,
		},
	}
}
