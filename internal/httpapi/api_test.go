package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/bcrypt"

	"rosterline.org/internal/audit"
	"rosterline.org/internal/auth"
	"rosterline.org/internal/config"
	"rosterline.org/internal/counter"
	"rosterline.org/internal/csrf"
	"rosterline.org/internal/ratelimit"
	"rosterline.org/internal/reset"
	"rosterline.org/internal/secure"
	"rosterline.org/internal/session"
	"rosterline.org/internal/totp"
)

type outbox struct {
	mu   sync.Mutex
	sent []reset.Notification
}

func (o *outbox) Notify(_ context.Context, n reset.Notification) error {
	o.mu.Lock()
	o.sent = append(o.sent, n)
	o.mu.Unlock()
	return nil
}

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	auth    *auth.Service
}

type testOptions struct {
	auditStore audit.Store
	logger     *zap.Logger
}

type testOption func(*testOptions)

func withAuditStore(s audit.Store) testOption {
	return func(o *testOptions) { o.auditStore = s }
}

func withLogger(l *zap.Logger) testOption {
	return func(o *testOptions) { o.logger = l }
}

func newTestAPI(t *testing.T, opts ...testOption) *apiClient {
	t.Helper()
	nop := zap.NewNop()
	o := testOptions{auditStore: audit.NewMemory(), logger: nop}
	for _, opt := range opts {
		opt(&o)
	}
	sec := config.DefaultSecurity()
	sec.BcryptCost = bcrypt.MinCost
	sec.ResetMinDuration = 0

	store := counter.NewMemory()
	rec := audit.NewLogger(o.auditStore, audit.WithZap(nop), audit.WithBackoff(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 1)
	}))
	limiter := ratelimit.New(store, sec, rec, ratelimit.WithLogger(nop))
	sessions := session.New(store, sec, rec, session.WithLogger(nop))
	signer, err := secure.NewSigner([]byte("http-test-signing-key-0123456789abcdef"), "rosterline-test")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	guard := csrf.New(signer, store, sec, rec, csrf.WithLogger(nop))
	dir := auth.NewMemory()
	factor, err := totp.NewService(totp.NewMemory(), store, bytes.Repeat([]byte{7}, 32), sec,
		totp.WithLimiter(limiter), totp.WithSessions(sessions), totp.WithRecorder(rec),
		totp.WithOrganizations(auth.Organizations(dir)), totp.WithLogger(nop))
	if err != nil {
		t.Fatalf("totp.NewService: %v", err)
	}
	authSvc, err := auth.NewService(dir, sessions, sec,
		auth.WithLimiter(limiter), auth.WithSecondFactor(factor), auth.WithRecorder(rec), auth.WithLogger(nop))
	if err != nil {
		t.Fatalf("auth.NewService: %v", err)
	}
	resets := reset.New(signer, reset.NewCounterStore(store), sec,
		reset.WithAccounts(authSvc), reset.WithLimiter(limiter), reset.WithSessions(sessions),
		reset.WithNotifier(&outbox{}), reset.WithRecorder(rec), reset.WithLogger(nop))

	api := New(Deps{
		Auth:     authSvc,
		Sessions: sessions,
		CSRF:     guard,
		TOTP:     factor,
		Reset:    resets,
		Audit:    rec,
		Limiter:  limiter,
		Ready:    ReadyProbe{Deps: []Pinger{store}},
		Version:  "test",
		Logger:   o.logger,
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{baseURL: srv.URL, client: srv.Client(), t: t, auth: authSvc}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	c.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("%s %s: expected %d, got %d", resp.Request.Method, resp.Request.URL.Path, want, resp.StatusCode)
	}
}

func (c *apiClient) account(email, role string) {
	c.t.Helper()
	if _, err := c.auth.CreateAccount(context.Background(), "org-1", email, "Correct-Horse-42", role); err != nil {
		c.t.Fatalf("CreateAccount: %v", err)
	}
}

func (c *apiClient) login(email string) map[string]string {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/v1/auth/login", map[string]string{"email": email, "password": "Correct-Horse-42"}, nil)
	expectStatus(c.t, resp, http.StatusOK)
	body := decode[loginResponse](c.t, resp)
	if body.Session == "" || body.Handle == "" {
		c.t.Fatalf("login response missing session: %+v", body)
	}
	return map[string]string{authHeader: sessionScheme + body.Session}
}

func (c *apiClient) csrfToken(headers map[string]string) string {
	c.t.Helper()
	resp := c.do(http.MethodGet, "/v1/csrf-token", nil, headers)
	expectStatus(c.t, resp, http.StatusOK)
	return decode[csrf.Token](c.t, resp).Value
}

func with(headers map[string]string, k, v string) map[string]string {
	out := map[string]string{k: v}
	for hk, hv := range headers {
		out[hk] = hv
	}
	return out
}

func TestHealthEndpoints(t *testing.T) {
	c := newTestAPI(t)
	expectStatus(t, c.do(http.MethodGet, "/healthz", nil, nil), http.StatusOK)
	resp := c.do(http.MethodGet, "/readyz", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	if resp.Header.Get(requestIDHeader) == "" {
		t.Fatal("expected request id header")
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("expected security headers")
	}
	expectStatus(t, c.do(http.MethodGet, "/nope", nil, nil), http.StatusNotFound)
}

func TestLoginAndSessionListing(t *testing.T) {
	c := newTestAPI(t)
	c.account("ana@example.com", auth.RoleVolunteer)
	h := c.login("ana@example.com")
	c.login("ana@example.com")

	resp := c.do(http.MethodGet, "/v1/auth/sessions", nil, h)
	expectStatus(t, resp, http.StatusOK)
	body := decode[struct {
		Items []struct {
			Handle  string `json:"handle"`
			Current bool   `json:"current"`
		} `json:"items"`
	}](t, resp)
	if len(body.Items) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(body.Items))
	}
	current := 0
	for _, it := range body.Items {
		if it.Current {
			current++
		}
	}
	if current != 1 {
		t.Fatalf("expected exactly one current session, got %d", current)
	}

	expectStatus(t, c.do(http.MethodGet, "/v1/auth/sessions", nil, nil), http.StatusUnauthorized)
	expectStatus(t, c.do(http.MethodGet, "/v1/auth/sessions", nil, map[string]string{authHeader: "Session forged"}), http.StatusUnauthorized)
}

func TestLoginBruteForceReturns429(t *testing.T) {
	c := newTestAPI(t)
	c.account("ana@example.com", auth.RoleVolunteer)
	for i := 0; i < 5; i++ {
		resp := c.do(http.MethodPost, "/v1/auth/login", map[string]string{"email": "ana@example.com", "password": "wrong-password-1"}, nil)
		expectStatus(t, resp, http.StatusUnauthorized)
	}
	resp := c.do(http.MethodPost, "/v1/auth/login", map[string]string{"email": "ana@example.com", "password": "Correct-Horse-42"}, nil)
	expectStatus(t, resp, http.StatusTooManyRequests)
	if got := resp.Header.Get("Retry-After"); got != "900" {
		t.Fatalf("Retry-After = %q, want 900", got)
	}
	body := decode[map[string]any](t, resp)
	if strings.Contains(strings.ToLower(body["error"].(string)), "account") {
		t.Fatalf("rate limit message must not mention the account: %v", body["error"])
	}
}

func TestSharedAddressSuccessfulLogins(t *testing.T) {
	c := newTestAPI(t)
	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		c.account(email, auth.RoleVolunteer)
	}
	for i := 0; i < 6; i++ {
		c.login([]string{"a@example.com", "b@example.com"}[i%2])
	}
	c.login("c@example.com")
}

func TestCSRFRequiredAndSingleUse(t *testing.T) {
	c := newTestAPI(t)
	c.account("ana@example.com", auth.RoleVolunteer)
	h := c.login("ana@example.com")

	expectStatus(t, c.do(http.MethodPost, "/v1/totp/enroll", nil, h), http.StatusForbidden)

	token := c.csrfToken(h)
	expectStatus(t, c.do(http.MethodPost, "/v1/totp/enroll", nil, with(h, csrf.HeaderName, token)), http.StatusCreated)

	resp := c.do(http.MethodPost, "/v1/totp/enroll", nil, with(h, csrf.HeaderName, token))
	expectStatus(t, resp, http.StatusForbidden)
	if body := decode[map[string]any](t, resp); body["error"] != "csrf token already used" {
		t.Fatalf("unexpected body %v", body)
	}

	// A token bound to another session is rejected.
	other := c.login("ana@example.com")
	foreign := c.csrfToken(other)
	expectStatus(t, c.do(http.MethodPost, "/v1/totp/enroll", nil, with(h, csrf.HeaderName, foreign)), http.StatusForbidden)
}

func TestInvalidatedSessionExplainsReason(t *testing.T) {
	c := newTestAPI(t)
	c.account("ana@example.com", auth.RoleVolunteer)
	phone := c.login("ana@example.com")
	laptop := c.login("ana@example.com")

	token := c.csrfToken(laptop)
	expectStatus(t, c.do(http.MethodPost, "/v1/auth/logout-all", nil, with(laptop, csrf.HeaderName, token)), http.StatusNoContent)

	resp := c.do(http.MethodGet, "/v1/auth/sessions", nil, phone)
	expectStatus(t, resp, http.StatusUnauthorized)
	body := decode[map[string]any](t, resp)
	if body["reauthenticate"] != true || body["error"] != session.ReasonLogoutAll.Message() {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestChangePasswordEndsSessions(t *testing.T) {
	c := newTestAPI(t)
	c.account("ana@example.com", auth.RoleVolunteer)
	h := c.login("ana@example.com")
	token := c.csrfToken(h)
	resp := c.do(http.MethodPost, "/v1/account/password", map[string]string{
		"current_password": "Correct-Horse-42",
		"new_password":     "Battery-Staple-77",
	}, with(h, csrf.HeaderName, token))
	expectStatus(t, resp, http.StatusOK)

	expectStatus(t, c.do(http.MethodGet, "/v1/auth/sessions", nil, h), http.StatusUnauthorized)
	resp = c.do(http.MethodPost, "/v1/auth/login", map[string]string{"email": "ana@example.com", "password": "Battery-Staple-77"}, nil)
	expectStatus(t, resp, http.StatusOK)
}

func TestPasswordResetRequestIsUniform(t *testing.T) {
	c := newTestAPI(t)
	c.account("ana@example.com", auth.RoleVolunteer)

	known := c.do(http.MethodPost, "/v1/password-reset/request", map[string]string{"email": "ana@example.com"}, nil)
	unknown := c.do(http.MethodPost, "/v1/password-reset/request", map[string]string{"email": "ghost@example.com"}, nil)
	expectStatus(t, known, http.StatusAccepted)
	expectStatus(t, unknown, http.StatusAccepted)
	a, b := decode[map[string]any](t, known), decode[map[string]any](t, unknown)
	if a["status"] != b["status"] {
		t.Fatalf("responses differ: %v vs %v", a, b)
	}

	expectStatus(t, c.do(http.MethodPost, "/v1/password-reset/request", map[string]string{"email": "not-an-email"}, nil), http.StatusBadRequest)

	resp := c.do(http.MethodPost, "/v1/password-reset/confirm", map[string]string{"token": "garbage", "new_password": "Battery-Staple-77"}, nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp = c.do(http.MethodPost, "/v1/password-reset/confirm", map[string]string{"token": "garbage", "new_password": "short"}, nil)
	expectStatus(t, resp, http.StatusBadRequest)
}

func TestAdminRoutes(t *testing.T) {
	c := newTestAPI(t)
	c.account("boss@example.com", auth.RoleAdmin)
	c.account("vol@example.com", auth.RoleVolunteer)
	admin := c.login("boss@example.com")
	vol := c.login("vol@example.com")

	expectStatus(t, c.do(http.MethodGet, "/v1/admin/audit", nil, vol), http.StatusForbidden)

	token := c.csrfToken(admin)
	resp := c.do(http.MethodPost, "/v1/admin/audit", map[string]any{
		"action":        string(audit.ActionResourceDeleted),
		"resource_type": "shift",
		"resource_id":   "shift-9",
		"before":        map[string]any{"title": "Saturday pantry"},
	}, with(admin, csrf.HeaderName, token))
	expectStatus(t, resp, http.StatusCreated)

	token = c.csrfToken(admin)
	resp = c.do(http.MethodPost, "/v1/admin/audit", map[string]any{
		"action":        string(audit.ActionLogin),
		"resource_type": "account",
		"resource_id":   "x",
	}, with(admin, csrf.HeaderName, token))
	expectStatus(t, resp, http.StatusBadRequest)

	q := url.Values{"resource_type": {"shift"}}
	resp = c.do(http.MethodGet, "/v1/admin/audit?"+q.Encode(), nil, admin)
	expectStatus(t, resp, http.StatusOK)
	page := decode[auditPage](t, resp)
	if len(page.Items) != 1 || page.Items[0].ResourceID != "shift-9" || page.Items[0].OrganizationID != "org-1" {
		t.Fatalf("unexpected audit page %+v", page)
	}

	resp = c.do(http.MethodGet, "/v1/admin/audit?format=csv", nil, admin)
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestAuditExportRejectsUnknownAction(t *testing.T) {
	c := newTestAPI(t)
	c.account("boss@example.com", auth.RoleAdmin)
	admin := c.login("boss@example.com")

	for _, format := range []string{"json", "csv", ""} {
		q := url.Values{"action": {"bogus"}}
		if format != "" {
			q.Set("format", format)
		}
		resp := c.do(http.MethodGet, "/v1/admin/audit?"+q.Encode(), nil, admin)
		expectStatus(t, resp, http.StatusBadRequest)
		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
			t.Fatalf("format %q: unexpected content type %q", format, ct)
		}
		if body := decode[map[string]any](t, resp); body["error"] == nil {
			t.Fatalf("format %q: expected error body, got %v", format, body)
		}
	}
}

// failingAppends refuses entries for one action.
type failingAppends struct {
	audit.Store
	action audit.Action
}

func (f failingAppends) Append(ctx context.Context, e audit.Entry) error {
	if e.Action == f.action {
		return errors.New("audit table unreachable")
	}
	return f.Store.Append(ctx, e)
}

func TestEndSessionLogsLostAuditEntry(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	c := newTestAPI(t,
		withAuditStore(failingAppends{Store: audit.NewMemory(), action: audit.ActionLogout}),
		withLogger(zap.New(core)))
	c.account("a@example.com", auth.RoleVolunteer)
	first := c.login("a@example.com")
	second := c.login("a@example.com")

	list := decode[struct {
		Items []struct {
			Handle  string `json:"handle"`
			Current bool   `json:"current"`
		} `json:"items"`
	}](t, c.do(http.MethodGet, "/v1/auth/sessions", nil, first))
	var handle string
	for _, it := range list.Items {
		if !it.Current {
			handle = it.Handle
		}
	}
	if handle == "" {
		t.Fatalf("expected a second session in %+v", list)
	}
	token := c.csrfToken(first)
	expectStatus(t, c.do(http.MethodDelete, "/v1/auth/sessions/"+handle, nil, with(first, csrf.HeaderName, token)), http.StatusNoContent)
	expectStatus(t, c.do(http.MethodGet, "/v1/auth/sessions", nil, second), http.StatusUnauthorized)

	entries := logs.FilterMessage("audit record failed").All()
	if len(entries) != 1 || entries[0].Level != zapcore.ErrorLevel {
		t.Fatalf("expected one error entry, got %+v", entries)
	}
	if entries[0].ContextMap()["session_handle"] != handle {
		t.Fatalf("unexpected fields %v", entries[0].ContextMap())
	}
}

func TestAdminLockEndsTargetSessions(t *testing.T) {
	c := newTestAPI(t)
	c.account("boss@example.com", auth.RoleAdmin)
	c.account("vol@example.com", auth.RoleVolunteer)
	admin := c.login("boss@example.com")
	vol := c.login("vol@example.com")

	acct, err := c.auth.AccountIDByEmail(context.Background(), "vol@example.com")
	if err != nil {
		t.Fatalf("AccountIDByEmail: %v", err)
	}
	token := c.csrfToken(admin)
	expectStatus(t, c.do(http.MethodPost, "/v1/admin/accounts/"+acct+"/lock", nil, with(admin, csrf.HeaderName, token)), http.StatusOK)

	resp := c.do(http.MethodGet, "/v1/auth/sessions", nil, vol)
	expectStatus(t, resp, http.StatusUnauthorized)
	if body := decode[map[string]any](t, resp); body["error"] != session.ReasonAccountLock.Message() {
		t.Fatalf("unexpected body %v", body)
	}
	resp = c.do(http.MethodPost, "/v1/auth/login", map[string]string{"email": "vol@example.com", "password": "Correct-Horse-42"}, nil)
	expectStatus(t, resp, http.StatusForbidden)
}
