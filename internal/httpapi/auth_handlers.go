package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"rosterline.org/internal/audit"
	"rosterline.org/internal/auth"
	"rosterline.org/internal/config"
	"rosterline.org/internal/session"
	"rosterline.org/internal/totp"
)

type loginRequest struct {
	Email    string `json:"email" validate:"required,max=254"`
	Password string `json:"password" validate:"required,max=1024"`
	TOTPCode string `json:"totp_code,omitempty" validate:"max=64"`
	Device   string `json:"device,omitempty" validate:"max=128"`
}

type accountView struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Email          string `json:"email"`
	Role           string `json:"role"`
}

type loginResponse struct {
	Session      string             `json:"session"`
	Handle       string             `json:"handle"`
	Account      accountView        `json:"account"`
	SecondFactor *totp.VerifyResult `json:"second_factor,omitempty"`
}

type sessionView struct {
	session.Session
	Current bool `json:"current"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required,max=1024"`
	NewPassword     string `json:"new_password" validate:"required,max=1024"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeOrFail(w, r, &req) {
		return
	}
	res, err := a.auth.Login(r.Context(), auth.LoginRequest{
		Email:     req.Email,
		Password:  req.Password,
		TOTPCode:  req.TOTPCode,
		IP:        a.clientIP(r),
		UserAgent: r.UserAgent(),
		Device:    req.Device,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	a.setSessionCookie(w, res.Session.ID)
	writeJSON(w, http.StatusOK, loginResponse{
		Session:      res.Session.ID,
		Handle:       res.Session.Handle,
		Account:      viewAccount(res.Account),
		SecondFactor: res.SecondFactor,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.auth.Logout(r.Context(), principal(r)); err != nil {
		respondError(w, r, err)
		return
	}
	a.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if err := a.auth.LogoutAll(r.Context(), principal(r)); err != nil {
		respondError(w, r, err)
		return
	}
	a.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	list, err := a.sessions.ListActive(r.Context(), p.AccountID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	items := make([]sessionView, 0, len(list))
	for _, s := range list {
		items = append(items, sessionView{Session: s, Current: s.Handle == p.SessionHandle})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleEndSession signs out one device of the caller's own account.
func (a *API) handleEndSession(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	handle := mux.Vars(r)["handle"]
	list, err := a.sessions.ListActive(r.Context(), p.AccountID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	owned := false
	for _, s := range list {
		if s.Handle == handle {
			owned = true
			break
		}
	}
	if !owned {
		writeError(w, r, http.StatusNotFound, "session not found")
		return
	}
	if err := a.sessions.InvalidateHandle(r.Context(), handle); err != nil {
		respondError(w, r, err)
		return
	}
	if a.audit != nil {
		_, err := a.audit.Record(r.Context(), audit.Event{
			Action:       audit.ActionLogout,
			ResourceType: "session",
			ResourceID:   handle,
		})
		if err != nil {
			a.log.Error("audit record failed",
				zap.String("action", string(audit.ActionLogout)),
				zap.String("session_handle", handle),
				zap.Error(err))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if a.limiter != nil {
		if _, err := a.limiter.Check(r.Context(), config.ScopeCSRFIssue, "session:"+p.SessionHandle); err != nil {
			respondError(w, r, err)
			return
		}
	}
	tok, err := a.csrf.Issue(r.Context(), p.SessionID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !decodeOrFail(w, r, &req) {
		return
	}
	if err := a.auth.ChangePassword(r.Context(), principal(r).AccountID, req.CurrentPassword, req.NewPassword); err != nil {
		respondError(w, r, err)
		return
	}
	a.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "password_changed",
		"reauthenticate": true,
	})
}

func (a *API) setSessionCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *API) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func viewAccount(acct auth.Account) accountView {
	return accountView{
		ID:             acct.ID,
		OrganizationID: acct.OrganizationID,
		Email:          acct.Email,
		Role:           acct.Role,
	}
}
