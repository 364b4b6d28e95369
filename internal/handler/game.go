package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/attaboy/wagerline/internal/coordinator"
	"github.com/attaboy/wagerline/internal/domain"
	"github.com/attaboy/wagerline/internal/fairness"
	"github.com/go-chi/chi/v5"
)

// GameHandler serves the game catalogue, round history, verification and plays.
type GameHandler struct {
	coord *coordinator.Coordinator
	fair  *fairness.Engine
	now   func() time.Time
}

// NewGameHandler creates a new GameHandler.
func NewGameHandler(coord *coordinator.Coordinator, fair *fairness.Engine) *GameHandler {
	return &GameHandler{coord: coord, fair: fair, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the clock used for time-remaining projections.
func (h *GameHandler) SetClock(now func() time.Time) { h.now = now }

type gameSummary struct {
	domain.Game
	Halted       bool                `json:"halted"`
	RollingRatio float64             `json:"rolling_ratio"`
	CurrentRound *domain.PublicRound `json:"current_round,omitempty"`
}

// ListGames handles GET /games.
func (h *GameHandler) ListGames(w http.ResponseWriter, r *http.Request) {
	games := h.fair.Games().List()
	out := make([]gameSummary, 0, len(games))
	for _, g := range games {
		st, err := h.fair.Stats(r.Context(), g.ID)
		if err != nil {
			RespondError(w, err)
			return
		}
		s := gameSummary{Game: g, Halted: st.Halted, RollingRatio: st.RealizedRatio(g.TargetRatio)}
		cur, err := h.fair.CurrentRound(r.Context(), g.ID)
		if err != nil {
			RespondError(w, err)
			return
		}
		if cur != nil {
			pub := cur.Public(h.now())
			s.CurrentRound = &pub
		}
		out = append(out, s)
	}
	RespondJSON(w, http.StatusOK, map[string]any{"games": out})
}

// ListRounds handles GET /games/{gameID}/rounds?before=RFC3339&limit=N.
func (h *GameHandler) ListRounds(w http.ResponseWriter, r *http.Request) {
	var before time.Time
	if s := r.URL.Query().Get("before"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			RespondError(w, domain.ErrValidation("before must be RFC3339"))
			return
		}
		before = t
	}
	limit := queryInt(r, "limit", 20)

	rounds, err := h.fair.History(r.Context(), chi.URLParam(r, "gameID"), before, limit)
	if err != nil {
		RespondError(w, err)
		return
	}
	now := h.now()
	out := make([]domain.PublicRound, 0, len(rounds))
	for _, rd := range rounds {
		out = append(out, rd.Public(now))
	}
	RespondJSON(w, http.StatusOK, map[string]any{"rounds": out})
}

// GetRound handles GET /rounds/{roundID}. Stakes are listed once the round is settled.
func (h *GameHandler) GetRound(w http.ResponseWriter, r *http.Request) {
	rd, err := h.fair.Round(r.Context(), chi.URLParam(r, "roundID"))
	if err != nil {
		RespondError(w, err)
		return
	}
	resp := map[string]any{"round": rd.Public(h.now())}
	if rd.Status == domain.RoundSettled {
		stakes, err := h.coord.Stakes(r.Context(), rd.ID)
		if err != nil {
			RespondError(w, err)
			return
		}
		resp["stakes"] = stakes
	}
	RespondJSON(w, http.StatusOK, resp)
}

// VerifyRound handles GET /rounds/{roundID}/verify.
func (h *GameHandler) VerifyRound(w http.ResponseWriter, r *http.Request) {
	v, err := h.fair.Verify(r.Context(), chi.URLParam(r, "roundID"))
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, v)
}

type playRequest struct {
	RoundID string `json:"round_id"`
	GameID  string `json:"game_id"`
	Amount  int64  `json:"amount"`
	Choice  string `json:"choice"`
}

// SubmitPlay handles POST /plays. Without a round id the game's current round is used.
func (h *GameHandler) SubmitPlay(w http.ResponseWriter, r *http.Request) {
	userID, err := subjectFromRequest(r)
	if err != nil {
		RespondError(w, err)
		return
	}
	var req playRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, err)
		return
	}
	if req.RoundID == "" {
		if req.GameID == "" {
			RespondError(w, domain.ErrValidation("round_id or game_id is required"))
			return
		}
		rd, err := h.coord.OpenRound(r.Context(), req.GameID)
		if err != nil {
			RespondError(w, err)
			return
		}
		req.RoundID = rd.ID
	}

	stake, err := h.coord.SubmitPlay(r.Context(), coordinator.PlayRequest{
		UserID:  userID,
		RoundID: req.RoundID,
		Amount:  req.Amount,
		Choice:  req.Choice,
	})
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusCreated, stake)
}

func queryInt(r *http.Request, key string, def int) int {
	if s := r.URL.Query().Get(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return def
}
