package admin

import (
	"net/http"

	"github.com/attaboy/wagerline/internal/auth"
	"github.com/attaboy/wagerline/internal/coordinator"
	"github.com/attaboy/wagerline/internal/domain"
	"github.com/attaboy/wagerline/internal/fairness"
	"github.com/attaboy/wagerline/internal/handler"
	"github.com/go-chi/chi/v5"
)

// GameAdminHandler handles the game halt review flow.
type GameAdminHandler struct {
	coord *coordinator.Coordinator
	fair  *fairness.Engine
}

// NewGameAdminHandler creates a new GameAdminHandler.
func NewGameAdminHandler(coord *coordinator.Coordinator, fair *fairness.Engine) *GameAdminHandler {
	return &GameAdminHandler{coord: coord, fair: fair}
}

// GetStats handles GET /admin/games/{gameID}/stats.
func (h *GameAdminHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	gameID, err := h.gameID(r)
	if err != nil {
		handler.RespondError(w, err)
		return
	}
	st, err := h.fair.Stats(r.Context(), gameID)
	if err != nil {
		handler.RespondError(w, err)
		return
	}
	handler.RespondJSON(w, http.StatusOK, st)
}

// Halt handles POST /admin/games/{gameID}/halt.
func (h *GameAdminHandler) Halt(w http.ResponseWriter, r *http.Request) {
	gameID, err := h.gameID(r)
	if err != nil {
		handler.RespondError(w, err)
		return
	}
	var input struct {
		Reason string `json:"reason"`
	}
	if err := handler.DecodeJSON(r, &input); err != nil {
		handler.RespondError(w, err)
		return
	}
	if input.Reason == "" {
		input.Reason = "manual"
	}
	if err := h.fair.Halt(r.Context(), gameID, input.Reason, auth.SubjectFromContext(r.Context())); err != nil {
		handler.RespondError(w, err)
		return
	}
	handler.RespondJSON(w, http.StatusOK, map[string]any{"game_id": gameID, "halted": true, "reason": input.Reason})
}

// ClearHalt handles POST /admin/games/{gameID}/clear-halt.
func (h *GameAdminHandler) ClearHalt(w http.ResponseWriter, r *http.Request) {
	gameID, err := h.gameID(r)
	if err != nil {
		handler.RespondError(w, err)
		return
	}
	if err := h.coord.ClearHalt(r.Context(), gameID, auth.SubjectFromContext(r.Context())); err != nil {
		handler.RespondError(w, err)
		return
	}
	handler.RespondJSON(w, http.StatusOK, map[string]any{"game_id": gameID, "halted": false})
}

func (h *GameAdminHandler) gameID(r *http.Request) (string, error) {
	id := chi.URLParam(r, "gameID")
	if _, ok := h.fair.Games().Get(id); !ok {
		return "", domain.ErrNotFound("game", id)
	}
	return id, nil
}
