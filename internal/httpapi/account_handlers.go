package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"harborbank.org/internal/audit"
	"harborbank.org/internal/bank"
	"harborbank.org/internal/ids"
)

type createAccountRequest struct {
	OwnerID  string          `json:"owner_id"`
	Type     string          `json:"account_type"`
	Currency string          `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
}

type accountStatusRequest struct {
	Status string `json:"status"`
}

func (a *API) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	list, err := a.deps.Accounts.ListAccounts(r.Context(), callerID(r))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if list == nil {
		list = []bank.Account{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

// handleAdminCreateAccount seeds an account with an opening balance.
func (a *API) handleAdminCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	typ := bank.AccountType(strings.ToLower(strings.TrimSpace(req.Type)))
	switch typ {
	case "":
		typ = bank.AccountChecking
	case bank.AccountChecking, bank.AccountSavings, bank.AccountBusiness:
	default:
		writeError(w, r, http.StatusBadRequest, "unknown account type")
		return
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(currency) != 3 {
		writeError(w, r, http.StatusBadRequest, "currency must be a 3 letter code")
		return
	}
	if req.Balance.IsNegative() || !req.Balance.Equal(req.Balance.Round(2)) {
		writeError(w, r, http.StatusBadRequest, "balance must be non-negative with at most two decimals")
		return
	}
	if _, err := a.deps.Users.GetUser(r.Context(), req.OwnerID); err != nil {
		handleDomainError(w, r, err)
		return
	}

	acct := bank.Account{
		OwnerID:  req.OwnerID,
		Type:     typ,
		Currency: currency,
		Balance:  req.Balance,
		Status:   bank.AccountActive,
	}
	// account numbers are random; retry the rare collision
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		acct.ID = ""
		if acct.Number, err = ids.AccountNumber(); err != nil {
			break
		}
		if err = a.deps.Accounts.CreateAccount(r.Context(), &acct); !errors.Is(err, bank.ErrAlreadyExists) {
			break
		}
	}
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "account.created", map[string]any{
		"actor_id":   callerID(r),
		"account_id": acct.ID,
		"owner_id":   acct.OwnerID,
	})
	writeJSON(w, http.StatusCreated, acct)
}

func (a *API) handleAdminAccountStatus(w http.ResponseWriter, r *http.Request) {
	var req accountStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	status := bank.AccountStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	switch status {
	case bank.AccountActive, bank.AccountFrozen, bank.AccountClosed:
	default:
		writeError(w, r, http.StatusBadRequest, "unknown account status")
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.deps.Accounts.SetAccountStatus(r.Context(), id, status); err != nil {
		handleDomainError(w, r, err)
		return
	}
	acct, err := a.deps.Accounts.GetAccount(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}
