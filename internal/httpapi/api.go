// Package httpapi exposes the security core over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"rosterline.org/internal/audit"
	"rosterline.org/internal/auth"
	"rosterline.org/internal/csrf"
	"rosterline.org/internal/obs"
	"rosterline.org/internal/ratelimit"
	"rosterline.org/internal/reset"
	"rosterline.org/internal/session"
	"rosterline.org/internal/totp"
)

const (
	serviceName  = "rosterline-api"
	maxBodyBytes = 1 << 20
)

// Pinger is anything readiness depends on.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe pings every dependency in order.
type ReadyProbe struct {
	Deps []Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	for _, d := range rp.Deps {
		if d == nil {
			continue
		}
		if err := d.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Deps wires the API to the security components.
type Deps struct {
	Auth     *auth.Service
	Sessions *session.Manager
	CSRF     *csrf.Guard
	TOTP     *totp.Service
	Reset    *reset.Service
	Audit    *audit.Logger
	Limiter  *ratelimit.Limiter
	Ready    ReadyProbe
	Version  string
	Logger   *zap.Logger
	// CORSOrigins lists exact origins allowed to call the API from a browser.
	CORSOrigins []string
	// TrustProxy takes the client address from X-Forwarded-For.
	TrustProxy bool
	// SecureCookies marks the session cookie Secure.
	SecureCookies bool
}

// API is the HTTP layer.
type API struct {
	router   *mux.Router
	auth     *auth.Service
	sessions *session.Manager
	csrf     *csrf.Guard
	totp     *totp.Service
	reset    *reset.Service
	audit    *audit.Logger
	limiter  *ratelimit.Limiter
	ready    ReadyProbe
	version  string
	log      *zap.Logger
	origins  map[string]struct{}

	trustProxy    bool
	secureCookies bool
}

func New(d Deps) *API {
	a := &API{
		router:        mux.NewRouter(),
		auth:          d.Auth,
		sessions:      d.Sessions,
		csrf:          d.CSRF,
		totp:          d.TOTP,
		reset:         d.Reset,
		audit:         d.Audit,
		limiter:       d.Limiter,
		ready:         d.Ready,
		version:       d.Version,
		log:           d.Logger,
		origins:       make(map[string]struct{}, len(d.CORSOrigins)),
		trustProxy:    d.TrustProxy,
		secureCookies: d.SecureCookies,
	}
	if a.log == nil {
		a.log = obs.Logger()
	}
	for _, o := range d.CORSOrigins {
		a.origins[o] = struct{}{}
	}
	a.routes()
	return a
}

func (a *API) routes() {
	r := a.router
	r.HandleFunc("/healthz", a.healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.readyz).Methods(http.MethodGet)
	r.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(a.genericLimit)

	v1.HandleFunc("/auth/login", a.handleLogin).Methods(http.MethodPost)
	v1.HandleFunc("/password-reset/request", a.handleResetRequest).Methods(http.MethodPost)
	v1.HandleFunc("/password-reset/confirm", a.handleResetConfirm).Methods(http.MethodPost)

	authed := v1.NewRoute().Subrouter()
	authed.Use(a.authenticate, a.csrfProtect)
	authed.HandleFunc("/auth/logout", a.handleLogout).Methods(http.MethodPost)
	authed.HandleFunc("/auth/logout-all", a.handleLogoutAll).Methods(http.MethodPost)
	authed.HandleFunc("/auth/sessions", a.handleListSessions).Methods(http.MethodGet)
	authed.HandleFunc("/auth/sessions/{handle}", a.handleEndSession).Methods(http.MethodDelete)
	authed.HandleFunc("/csrf-token", a.handleCSRFToken).Methods(http.MethodGet)
	authed.HandleFunc("/account/password", a.handleChangePassword).Methods(http.MethodPost)
	authed.HandleFunc("/totp", a.handleTOTPStatus).Methods(http.MethodGet)
	authed.HandleFunc("/totp/enroll", a.handleTOTPEnroll).Methods(http.MethodPost)
	authed.HandleFunc("/totp/confirm", a.handleTOTPConfirm).Methods(http.MethodPost)
	authed.HandleFunc("/totp/disable", a.handleTOTPDisable).Methods(http.MethodPost)

	admin := authed.PathPrefix("/admin").Subrouter()
	admin.Use(RequireRole(auth.RoleAdmin))
	admin.HandleFunc("/accounts", a.handleCreateAccount).Methods(http.MethodPost)
	admin.HandleFunc("/accounts/{id}/role", a.handleChangeRole).Methods(http.MethodPost)
	admin.HandleFunc("/accounts/{id}/lock", a.handleLockAccount).Methods(http.MethodPost)
	admin.HandleFunc("/audit", a.handleAuditReport).Methods(http.MethodPost)
	admin.HandleFunc("/audit", a.handleAuditQuery).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// Handler returns the fully wrapped handler for the HTTP server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = MaxBodyBytes(h, maxBodyBytes)
	h = CORS(a.origins)(h)
	h = SecurityHeaders(h)
	h = a.requestMeta(h)
	h = Logging(a.log)(h)
	h = Tracing(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		a.log.Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}
