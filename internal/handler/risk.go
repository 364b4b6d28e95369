package handler

import (
	"net/http"

	"github.com/attaboy/wagerline/internal/policy"
)

// RiskHandler exposes a player's own responsible-gaming controls.
type RiskHandler struct {
	gate *policy.Gate
}

// NewRiskHandler creates a new RiskHandler.
func NewRiskHandler(gate *policy.Gate) *RiskHandler {
	return &RiskHandler{gate: gate}
}

// GetProfile handles GET /risk/profile.
func (h *RiskHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID, err := subjectFromRequest(r)
	if err != nil {
		RespondError(w, err)
		return
	}
	view, err := h.gate.Profile(r.Context(), userID)
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, view)
}

type exclusionRequest struct {
	Days   int    `json:"days"`
	Reason string `json:"reason"`
}

// SetSelfExclusion handles POST /risk/self-exclusion. Exclusions only ever extend.
func (h *RiskHandler) SetSelfExclusion(w http.ResponseWriter, r *http.Request) {
	userID, err := subjectFromRequest(r)
	if err != nil {
		RespondError(w, err)
		return
	}
	var req exclusionRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, err)
		return
	}
	ex, err := h.gate.SetSelfExclusion(r.Context(), userID, req.Days, req.Reason)
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, ex)
}

// StartSession handles POST /risk/session/start.
func (h *RiskHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	userID, err := subjectFromRequest(r)
	if err != nil {
		RespondError(w, err)
		return
	}
	s, err := h.gate.StartSession(r.Context(), userID)
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, s)
}

// EndSession handles POST /risk/session/end.
func (h *RiskHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	userID, err := subjectFromRequest(r)
	if err != nil {
		RespondError(w, err)
		return
	}
	s, err := h.gate.EndSession(r.Context(), userID, false)
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, s)
}

// AcknowledgeRealityCheck handles POST /risk/reality-check.
func (h *RiskHandler) AcknowledgeRealityCheck(w http.ResponseWriter, r *http.Request) {
	userID, err := subjectFromRequest(r)
	if err != nil {
		RespondError(w, err)
		return
	}
	view, err := h.gate.AcknowledgeRealityCheck(r.Context(), userID)
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, view)
}
