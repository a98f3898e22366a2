package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"mediagen/internal/domain"
)

// CreditBalance returns the owner's current balance.
func (a *App) CreditBalance(w http.ResponseWriter, r *http.Request) {
	owner := a.currentOwner(r)
	if owner == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing owner context")
		return
	}
	balance, err := a.Ledger.Balance(r.Context(), owner)
	if err != nil {
		a.domainError(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"balance": balance})
}

// CreditHistory returns the owner's most recent ledger entries.
func (a *App) CreditHistory(w http.ResponseWriter, r *http.Request) {
	owner := a.currentOwner(r)
	if owner == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing owner context")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	history, err := a.Ledger.History(r.Context(), owner, limit)
	if err != nil {
		a.domainError(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"transactions": history})
}

type purchaseRequest struct {
	Amount int64  `json:"amount"`
	Source string `json:"source"`
}

// CreditPurchase credits the owner's account. The payment itself happens
// upstream; this endpoint records the settled purchase.
func (a *App) CreditPurchase(w http.ResponseWriter, r *http.Request) {
	owner := a.currentOwner(r)
	if owner == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing owner context")
		return
	}
	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if req.Amount <= 0 {
		a.error(w, http.StatusBadRequest, "bad_request", "amount must be positive")
		return
	}
	if req.Source == "" {
		req.Source = "manual"
	}
	balance, err := a.Ledger.Add(r.Context(), owner, req.Amount, domain.TransactionTypePurchase, req.Source)
	if err != nil {
		a.domainError(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"balance": balance})
}
