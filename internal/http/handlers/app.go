package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"mediagen/internal/catalog"
	"mediagen/internal/domain"
	"mediagen/internal/infra"
	"mediagen/internal/middleware"
	"mediagen/internal/notify"
	"mediagen/internal/orchestrator"
)

// App holds the handler dependencies.
type App struct {
	Coordinator *orchestrator.Coordinator
	Jobs        domain.JobRepository
	Ledger      domain.LedgerRepository
	Hub         *notify.Hub
	Catalog     *catalog.Catalog
	Logger      infra.Logger

	// WebhookSecret signs provider callback payloads.
	WebhookSecret string
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, map[string]string{"error": code, "message": message})
}

// domainError maps domain sentinel errors onto HTTP responses.
func (a *App) domainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, domain.ErrUnauthorized):
		a.error(w, http.StatusUnauthorized, "unauthorized", "not allowed")
	case errors.Is(err, domain.ErrInvalidRequest):
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, domain.ErrInsufficientFunds):
		a.error(w, http.StatusPaymentRequired, "insufficient_funds", "not enough credits for this model")
	case errors.Is(err, domain.ErrTerminalState):
		a.error(w, http.StatusConflict, "terminal_state", "job already finished")
	case errors.Is(err, domain.ErrNotCancellable):
		a.error(w, http.StatusConflict, "not_cancellable", "job can no longer be cancelled")
	default:
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (a *App) currentOwner(r *http.Request) string {
	return middleware.OwnerFromContext(r.Context())
}
