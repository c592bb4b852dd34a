package web

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/justestif/go-spotify-play-tracker/internal/auth"
	"github.com/justestif/go-spotify-play-tracker/internal/db"
)

// ListUsers lists every account (GET /admin/users).
func (h *Handlers) ListUsers(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.accounts.List(r.Context())
	if err != nil {
		h.internalError(w, r, err, "listing accounts")
		return
	}

	out := make([]accountResponse, len(accounts))
	for i := range accounts {
		out[i] = toAccount(&accounts[i])
	}
	writeJSON(w, http.StatusOK, out)
}

// AddScopes grants the scope parameters to an account
// (POST /admin/users/{id}/scopes).
func (h *Handlers) AddScopes(w http.ResponseWriter, r *http.Request) {
	h.updateScopes(w, r, auth.AddScopes)
}

// RemoveScopes revokes the scope parameters from an account
// (DELETE /admin/users/{id}/scopes).
func (h *Handlers) RemoveScopes(w http.ResponseWriter, r *http.Request) {
	h.updateScopes(w, r, auth.RemoveScopes)
}

func (h *Handlers) updateScopes(w http.ResponseWriter, r *http.Request, apply func(string, ...string) string) {
	scopes := r.URL.Query()["scope"]
	if len(scopes) == 0 {
		writeError(w, http.StatusBadRequest, "missing scope")
		return
	}

	account, err := h.accounts.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		h.internalError(w, r, err, "loading account")
		return
	}

	account.Scopes = apply(account.Scopes, scopes...)
	if err := h.accounts.UpdateScopes(r.Context(), account.ID, account.Scopes); err != nil {
		h.internalError(w, r, err, "updating scopes")
		return
	}
	writeJSON(w, http.StatusOK, toAccount(account))
}
