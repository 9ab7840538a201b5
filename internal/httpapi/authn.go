package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"rosterline.org/internal/auth"
	"rosterline.org/internal/csrf"
	"rosterline.org/internal/secure"
)

const (
	authHeader    = "Authorization"
	sessionScheme = "Session "
	sessionCookie = "rl_session"
)

// sessionID reads the session id from the Authorization header, falling back
// to the session cookie.
func sessionID(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get(authHeader)); h != "" {
		if len(h) > len(sessionScheme) && strings.EqualFold(h[:len(sessionScheme)], sessionScheme) {
			return strings.TrimSpace(h[len(sessionScheme):])
		}
		return ""
	}
	if c, err := r.Cookie(sessionCookie); err == nil {
		return c.Value
	}
	return ""
}

// authenticate resolves the session into a principal. An ended session gets
// a 401 with the reason it ended, when known.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := sessionID(r)
		if id == "" {
			w.Header().Set("WWW-Authenticate", `Session realm="rosterline"`)
			writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		p, err := a.auth.Authenticate(r.Context(), id)
		if err != nil {
			if errors.Is(err, secure.ErrSessionInvalid) {
				a.sessionEnded(w, r, id)
				return
			}
			respondError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithPrincipal(r.Context(), p)))
	})
}

func (a *API) sessionEnded(w http.ResponseWriter, r *http.Request, id string) {
	msg := "your session has ended"
	if a.sessions != nil {
		if reason := a.sessions.EndedReason(r.Context(), id); reason != "" {
			msg = reason.Message()
		}
	}
	w.Header().Set("WWW-Authenticate", `Session realm="rosterline", error="invalid_session"`)
	writeErrorBody(w, r, http.StatusUnauthorized, map[string]any{
		"error":          msg,
		"reauthenticate": true,
	})
}

// csrfProtect requires a single-use CSRF token bound to the caller's session
// on every state-changing request.
func (a *API) csrfProtect(next http.Handler) http.Handler {
	if a.csrf == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		p, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		token := strings.TrimSpace(r.Header.Get(csrf.HeaderName))
		if token == "" {
			writeError(w, r, http.StatusForbidden, "csrf token required")
			return
		}
		if err := a.csrf.ValidateAndConsume(r.Context(), token, p.SessionID); err != nil {
			switch {
			case errors.Is(err, secure.ErrAlreadyConsumed):
				writeError(w, r, http.StatusForbidden, "csrf token already used")
			case errors.Is(err, secure.ErrInvalidOrExpiredToken):
				writeError(w, r, http.StatusForbidden, "csrf token invalid or expired")
			default:
				respondError(w, r, err)
			}
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole rejects principals holding none of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				w.Header().Set("WWW-Authenticate", `Session realm="rosterline"`)
				writeError(w, r, http.StatusUnauthorized, "authentication required")
				return
			}
			if !p.HasRole(roles...) {
				writeError(w, r, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
