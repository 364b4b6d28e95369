package handler

import (
	"net/http"
	"strconv"

	"github.com/attaboy/wagerline/internal/auth"
	"github.com/attaboy/wagerline/internal/coordinator"
	"github.com/attaboy/wagerline/internal/domain"
	"github.com/attaboy/wagerline/internal/ledger"
)

// WalletHandler handles wallet balance and history endpoints.
type WalletHandler struct {
	coord  *coordinator.Coordinator
	ledger *ledger.Engine
}

// NewWalletHandler creates a new WalletHandler.
func NewWalletHandler(coord *coordinator.Coordinator, led *ledger.Engine) *WalletHandler {
	return &WalletHandler{coord: coord, ledger: led}
}

type balanceResponse struct {
	WalletID string `json:"wallet_id"`
	Balance  int64  `json:"balance"`
	Version  int64  `json:"version"`
}

// GetBalance handles GET /wallet/balance. The wallet is opened on first use.
func (h *WalletHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := subjectFromRequest(r)
	if err != nil {
		RespondError(w, err)
		return
	}
	wallet, err := h.coord.OpenWallet(r.Context(), userID)
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, balanceResponse{WalletID: wallet.ID, Balance: wallet.Balance, Version: wallet.Version})
}

type historyResponse struct {
	Entries    []domain.LedgerEntry `json:"entries"`
	NextCursor *int64               `json:"next_cursor,omitempty"`
}

// GetHistory handles GET /wallet/history?category=&round_id=&before=&limit=.
func (h *WalletHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID, err := subjectFromRequest(r)
	if err != nil {
		RespondError(w, err)
		return
	}
	q := r.URL.Query()
	filter := domain.HistoryFilter{
		Category: domain.Category(q.Get("category")),
		RoundID:  q.Get("round_id"),
		Limit:    queryInt(r, "limit", 20),
	}
	if s := q.Get("before"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			RespondError(w, domain.ErrValidation("before must be an entry sequence number"))
			return
		}
		filter.Before = n
	}
	filter = filter.Normalize()

	entries, err := h.ledger.GetHistory(r.Context(), domain.UserWalletID(userID), filter)
	if err != nil {
		if domain.HasCode(err, domain.CodeNotFound) {
			RespondJSON(w, http.StatusOK, historyResponse{Entries: []domain.LedgerEntry{}})
			return
		}
		RespondError(w, err)
		return
	}
	resp := historyResponse{Entries: entries}
	if len(entries) == filter.Limit {
		next := entries[len(entries)-1].Seq
		resp.NextCursor = &next
	}
	if resp.Entries == nil {
		resp.Entries = []domain.LedgerEntry{}
	}
	RespondJSON(w, http.StatusOK, resp)
}

// subjectFromRequest returns the authenticated user id.
func subjectFromRequest(r *http.Request) (string, error) {
	sub := auth.SubjectFromContext(r.Context())
	if sub == "" {
		return "", domain.ErrUnauthorized("no subject in context")
	}
	return sub, nil
}
