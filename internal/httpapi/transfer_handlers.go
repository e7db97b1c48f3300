package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"harborbank.org/internal/auth"
	"harborbank.org/internal/transfer"
)

type createTransferRequest struct {
	AccountID string             `json:"account_id"`
	Amount    decimal.Decimal    `json:"amount"`
	Recipient transfer.Recipient `json:"recipient"`
}

type verifyLevelRequest struct {
	Code string `json:"code"`
}

type completeTransferRequest struct {
	CurrentBalance decimal.NullDecimal `json:"current_balance"`
}

type failTransferRequest struct {
	Reason string `json:"reason"`
}

// transferView adds the progress fields clients poll for.
type transferView struct {
	transfer.Transfer
	NextLevel         int  `json:"next_level"`
	AllLevelsComplete bool `json:"all_levels_complete"`
}

func viewOf(t transfer.Transfer) transferView {
	return transferView{Transfer: t, NextLevel: t.NextLevel(), AllLevelsComplete: t.AllLevelsComplete()}
}

// callerID is set by withAuth for every route that reaches these handlers.
func callerID(r *http.Request) string {
	id, _ := auth.UserIDFromContext(r.Context())
	return id
}

func levelParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	level, err := strconv.Atoi(chi.URLParam(r, "level"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "level must be an integer")
		return 0, false
	}
	return level, true
}

func (a *API) handleCreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req createTransferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	t, err := a.deps.Transfers.Create(r.Context(), callerID(r), transfer.Details{
		AccountID: req.AccountID,
		Amount:    req.Amount,
		Recipient: req.Recipient,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(t))
}

func (a *API) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	list, err := a.deps.Transfers.List(r.Context(), callerID(r), limit)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	items := make([]transferView, 0, len(list))
	for _, t := range list {
		items = append(items, viewOf(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	t, err := a.deps.Transfers.Get(r.Context(), callerID(r), chi.URLParam(r, "id"))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(t))
}

func (a *API) handleIssueLevelCode(w http.ResponseWriter, r *http.Request) {
	level, ok := levelParam(w, r)
	if !ok {
		return
	}
	issued, err := a.deps.Transfers.IssueLevelCode(r.Context(), callerID(r), chi.URLParam(r, "id"), level)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newIssuedResponse(issued))
}

func (a *API) handleVerifyLevel(w http.ResponseWriter, r *http.Request) {
	level, ok := levelParam(w, r)
	if !ok {
		return
	}
	var req verifyLevelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	t, err := a.deps.Transfers.VerifyLevel(r.Context(), callerID(r), chi.URLParam(r, "id"), level, req.Code)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(t))
}

func (a *API) handleCompleteTransfer(w http.ResponseWriter, r *http.Request) {
	var req completeTransferRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	res, err := a.deps.Transfers.Complete(r.Context(), callerID(r), chi.URLParam(r, "id"), req.CurrentBalance)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transfer":    viewOf(res.Transfer),
		"new_balance": res.NewBalance.StringFixed(2),
	})
}

func (a *API) handleCancelTransfer(w http.ResponseWriter, r *http.Request) {
	var req failTransferRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	t, err := a.deps.Transfers.Cancel(r.Context(), callerID(r), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(t))
}

func (a *API) handleAdminFailTransfer(w http.ResponseWriter, r *http.Request) {
	var req failTransferRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	t, err := a.deps.Transfers.ForceFail(r.Context(), callerID(r), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(t))
}
