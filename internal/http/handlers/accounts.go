package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"sorafarm/internal/domain"
)

type addAccountRequest struct {
	// Cookies is the raw exported cookie array for the account.
	Cookies json.RawMessage `json:"cookies"`
}

func (a *App) AddAccount(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		a.jsonError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	var req addAccountRequest
	if err := json.Unmarshal(body, &req); err != nil || len(req.Cookies) == 0 {
		a.jsonError(w, http.StatusBadRequest, "cookies field is required")
		return
	}

	id, err := a.Accounts.AddAccount(r.Context(), string(req.Cookies))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrDuplicateAccount):
			a.jsonError(w, http.StatusConflict, "account already exists")
		case errors.Is(err, domain.ErrInvalidCredential):
			a.jsonError(w, http.StatusUnprocessableEntity, "credential failed validation")
		default:
			a.Logger.Error().Err(err).Msg("api: add account failed")
			a.jsonError(w, http.StatusInternalServerError, "failed to add account")
		}
		return
	}
	a.json(w, http.StatusCreated, map[string]int64{"id": id})
}
