package httpapi

import (
	"net/http"
)

type totpCodeRequest struct {
	Code string `json:"code" validate:"required,max=64"`
}

func (a *API) handleTOTPStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.totp.Status(r.Context(), principal(r).AccountID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleTOTPEnroll returns the secret and recovery codes. This is the only
// response that ever carries them.
func (a *API) handleTOTPEnroll(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	enr, err := a.totp.Enroll(r.Context(), p.AccountID, p.Email)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, enr)
}

func (a *API) handleTOTPConfirm(w http.ResponseWriter, r *http.Request) {
	var req totpCodeRequest
	if !decodeOrFail(w, r, &req) {
		return
	}
	ok, err := a.totp.ConfirmEnrollment(r.Context(), principal(r).AccountID, req.Code)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid verification code")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": true})
}

func (a *API) handleTOTPDisable(w http.ResponseWriter, r *http.Request) {
	var req totpCodeRequest
	if !decodeOrFail(w, r, &req) {
		return
	}
	ok, err := a.totp.Disable(r.Context(), principal(r).AccountID, req.Code)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid verification code")
		return
	}
	a.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":        false,
		"reauthenticate": true,
	})
}
