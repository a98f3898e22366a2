package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"mediagen/internal/orchestrator"
	"mediagen/internal/provider"
)

const maxWebhookBody = 1 << 20

// webhookPayload is the provider callback body. Reference carries the job id
// we handed out at submission.
type webhookPayload struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	ResultURL string `json:"result_url"`
	Error     string `json:"error"`
}

// WebhookReceive handles asynchronous provider callbacks. The raw body is
// authenticated with an HMAC-SHA256 signature before anything is parsed; an
// invalid signature mutates nothing.
func (a *App) WebhookReceive(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}
	if !a.verifySignature(body, r.Header.Get("X-Webhook-Signature")) {
		a.Logger.Warn().Str("provider", providerName).Msg("webhook: signature rejected")
		a.error(w, http.StatusUnauthorized, "unauthorized", "invalid signature")
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if payload.Reference == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "reference required")
		return
	}

	job, err := a.Jobs.GetByID(r.Context(), payload.Reference)
	if err != nil {
		a.domainError(w, err)
		return
	}
	if job.Provider != providerName {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	if job.State.Terminal() {
		// Redelivered callback; the first delivery already finished the job.
		a.json(w, http.StatusOK, map[string]string{"status": "already_finished"})
		return
	}

	var outcome orchestrator.Outcome
	switch provider.Status(payload.Status) {
	case provider.StatusCompleted:
		if payload.ResultURL == "" {
			a.error(w, http.StatusBadRequest, "bad_request", "completed callback without result_url")
			return
		}
		outcome = orchestrator.CompletedOutcome(payload.ResultURL)
	case provider.StatusFailed:
		msg := payload.Error
		if msg == "" {
			msg = "generation failed at provider"
		}
		outcome = orchestrator.FailedOutcome(msg)
	default:
		// Progress-only callback; acknowledged but not terminal.
		a.json(w, http.StatusOK, map[string]string{"status": "acknowledged"})
		return
	}

	if err := a.Coordinator.Finalize(r.Context(), job.ID, outcome); err != nil {
		a.Logger.Error().Err(err).Str("job_id", job.ID).Msg("webhook: finalize failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to record result")
		return
	}
	a.json(w, http.StatusOK, map[string]string{"status": "processed"})
}

func (a *App) verifySignature(body []byte, signature string) bool {
	if a.WebhookSecret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(a.WebhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
