package httpapi

import (
	"net/http"

	"rosterline.org/internal/auth"
)

const resetAccepted = "if the address belongs to an account, a reset link is on its way"

type resetRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

type resetConfirmRequest struct {
	Token       string `json:"token" validate:"required,max=4096"`
	NewPassword string `json:"new_password" validate:"required,max=1024"`
}

// handleResetRequest answers identically for known and unknown addresses.
func (a *API) handleResetRequest(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !decodeOrFail(w, r, &req) {
		return
	}
	if err := a.reset.RequestReset(r.Context(), req.Email, a.clientIP(r)); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": resetAccepted})
}

func (a *API) handleResetConfirm(w http.ResponseWriter, r *http.Request) {
	var req resetConfirmRequest
	if !decodeOrFail(w, r, &req) {
		return
	}
	// Checked before redemption so a rejected password does not burn the token.
	if err := auth.ValidatePassword(req.NewPassword); err != nil {
		respondError(w, r, err)
		return
	}
	if err := a.reset.ConfirmReset(r.Context(), req.Token, req.NewPassword, a.clientIP(r)); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "password_reset"})
}
