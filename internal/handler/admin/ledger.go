package admin

import (
	"net/http"
	"strings"

	"github.com/attaboy/wagerline/internal/auth"
	"github.com/attaboy/wagerline/internal/domain"
	"github.com/attaboy/wagerline/internal/handler"
	"github.com/attaboy/wagerline/internal/ledger"
	"github.com/go-chi/chi/v5"
)

// LedgerAdminHandler exposes operator credits and ledger audits.
type LedgerAdminHandler struct {
	ledger *ledger.Engine
}

// NewLedgerAdminHandler creates a new LedgerAdminHandler.
func NewLedgerAdminHandler(l *ledger.Engine) *LedgerAdminHandler {
	return &LedgerAdminHandler{ledger: l}
}

// Credit handles POST /admin/wallets/{walletID}/credit.
func (h *LedgerAdminHandler) Credit(w http.ResponseWriter, r *http.Request) {
	walletID := chi.URLParam(r, "walletID")
	var input struct {
		Amount         int64  `json:"amount"`
		IdempotencyKey string `json:"idempotency_key"`
		Note           string `json:"note"`
	}
	if err := handler.DecodeJSON(r, &input); err != nil {
		handler.RespondError(w, err)
		return
	}
	if input.IdempotencyKey == "" {
		handler.RespondError(w, domain.ErrValidation("idempotency_key is required"))
		return
	}

	// Player wallets are opened lazily; credit may be the first touch.
	if owner, ok := strings.CutPrefix(walletID, "user:"); ok && owner != "" {
		if _, err := h.ledger.OpenWallet(r.Context(), walletID, owner, domain.WalletUser); err != nil {
			handler.RespondError(w, err)
			return
		}
	}

	note := input.Note
	if note == "" {
		note = "admin credit by " + auth.SubjectFromContext(r.Context())
	}
	res, err := h.ledger.Credit(r.Context(), walletID, input.Amount, "admin-credit:"+input.IdempotencyKey, domain.EntryMeta{Note: note})
	if err != nil {
		handler.RespondError(w, err)
		return
	}
	handler.RespondJSON(w, http.StatusOK, res)
}

// Replay handles GET /admin/wallets/{walletID}/replay.
func (h *LedgerAdminHandler) Replay(w http.ResponseWriter, r *http.Request) {
	res, err := h.ledger.Replay(r.Context(), chi.URLParam(r, "walletID"))
	if err != nil {
		handler.RespondError(w, err)
		return
	}
	handler.RespondJSON(w, http.StatusOK, res)
}

// Audit handles GET /admin/ledger/audit.
func (h *LedgerAdminHandler) Audit(w http.ResponseWriter, r *http.Request) {
	report, err := h.ledger.Audit(r.Context())
	if err != nil {
		handler.RespondError(w, err)
		return
	}
	handler.RespondJSON(w, http.StatusOK, report)
}
