package admin

import (
	"net/http"

	"github.com/attaboy/wagerline/internal/auth"
	"github.com/attaboy/wagerline/internal/handler"
	"github.com/attaboy/wagerline/internal/policy"
	"github.com/go-chi/chi/v5"
)

// RiskAdminHandler lets operators inspect and restrict player risk profiles.
type RiskAdminHandler struct {
	gate *policy.Gate
}

// NewRiskAdminHandler creates a new RiskAdminHandler.
func NewRiskAdminHandler(gate *policy.Gate) *RiskAdminHandler {
	return &RiskAdminHandler{gate: gate}
}

// GetProfile handles GET /admin/risk/{userID}.
func (h *RiskAdminHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	view, err := h.gate.Profile(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		handler.RespondError(w, err)
		return
	}
	handler.RespondJSON(w, http.StatusOK, view)
}

// SetExclusion handles POST /admin/risk/{userID}/exclusion.
func (h *RiskAdminHandler) SetExclusion(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Days   int    `json:"days"`
		Reason string `json:"reason"`
	}
	if err := handler.DecodeJSON(r, &input); err != nil {
		handler.RespondError(w, err)
		return
	}
	ex, err := h.gate.SetAdminExclusion(r.Context(), chi.URLParam(r, "userID"), input.Days, input.Reason, auth.SubjectFromContext(r.Context()))
	if err != nil {
		handler.RespondError(w, err)
		return
	}
	handler.RespondJSON(w, http.StatusOK, ex)
}

// UpdateIdentity handles POST /admin/risk/{userID}/identity.
func (h *RiskAdminHandler) UpdateIdentity(w http.ResponseWriter, r *http.Request) {
	var input policy.IdentityUpdate
	if err := handler.DecodeJSON(r, &input); err != nil {
		handler.RespondError(w, err)
		return
	}
	view, err := h.gate.UpdateIdentity(r.Context(), chi.URLParam(r, "userID"), input)
	if err != nil {
		handler.RespondError(w, err)
		return
	}
	handler.RespondJSON(w, http.StatusOK, view)
}

// EndSession handles POST /admin/risk/{userID}/session/end. The forced end
// starts the cooldown.
func (h *RiskAdminHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.gate.EndSession(r.Context(), chi.URLParam(r, "userID"), true)
	if err != nil {
		handler.RespondError(w, err)
		return
	}
	handler.RespondJSON(w, http.StatusOK, s)
}
