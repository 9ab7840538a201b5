package auth

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pquerna/otp"
	pqtotp "github.com/pquerna/otp/totp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"rosterline.org/internal/audit"
	"rosterline.org/internal/config"
	"rosterline.org/internal/counter"
	"rosterline.org/internal/ratelimit"
	"rosterline.org/internal/secure"
	"rosterline.org/internal/session"
	"rosterline.org/internal/totp"
)

const password = "CorrectHorse42"

type fixture struct {
	svc      *Service
	dir      *Memory
	sessions *session.Manager
	factor   *totp.Service
	audit    *audit.Logger
	clock    *secure.ManualClock
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	clock := secure.NewManualClock(time.Unix(1780000020, 0).UTC())
	sec := config.DefaultSecurity()
	sec.BcryptCost = bcrypt.MinCost
	counters := counter.NewMemory(counter.WithMemoryClock(clock.Now))
	rec := audit.NewLogger(audit.NewMemory(), audit.WithClock(clock.Now), audit.WithZap(zap.NewNop()))
	limiter := ratelimit.New(counters, sec, rec, ratelimit.WithClock(clock.Now), ratelimit.WithLogger(zap.NewNop()))
	sessions := session.New(counters, sec, rec, session.WithClock(clock.Now), session.WithLogger(zap.NewNop()))
	dir := NewMemory()
	factor, err := totp.NewService(totp.NewMemory(), counters, bytes.Repeat([]byte{1}, 32), sec,
		totp.WithLimiter(limiter), totp.WithSessions(sessions), totp.WithRecorder(rec),
		totp.WithOrganizations(Organizations(dir)), totp.WithClock(clock.Now), totp.WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("totp.NewService: %v", err)
	}
	svc, err := NewService(dir, sessions, sec,
		WithLimiter(limiter), WithSecondFactor(factor), WithRecorder(rec),
		WithClock(clock.Now), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return fixture{svc: svc, dir: dir, sessions: sessions, factor: factor, audit: rec, clock: clock}
}

func (f fixture) account(t *testing.T, org, email, role string) Account {
	t.Helper()
	a, err := f.svc.CreateAccount(context.Background(), org, email, password, role)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return a
}

func (f fixture) login(t *testing.T, email string) LoginResult {
	t.Helper()
	res, err := f.svc.Login(context.Background(), LoginRequest{Email: email, Password: password, IP: "192.0.2.10"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return res
}

func TestLoginCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "org-1", "Ana@Example.com", RoleVolunteer)

	_, errWrong := f.svc.Login(ctx, LoginRequest{Email: "ana@example.com", Password: "nope-nope-1", IP: "192.0.2.10"})
	_, errUnknown := f.svc.Login(ctx, LoginRequest{Email: "ghost@example.com", Password: "nope-nope-1", IP: "192.0.2.11"})
	if !errors.Is(errWrong, secure.ErrCredentialMismatch) || !errors.Is(errUnknown, secure.ErrCredentialMismatch) {
		t.Fatalf("wrong password and unknown account must look the same: %v / %v", errWrong, errUnknown)
	}

	res := f.login(t, " ANA@example.com")
	if res.Account.Email != "ana@example.com" || res.SecondFactor != nil {
		t.Fatalf("unexpected result %+v", res)
	}
	p, err := f.svc.Authenticate(ctx, res.Session.ID)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.AccountID != res.Account.ID || p.OrganizationID != "org-1" || p.Role != RoleVolunteer {
		t.Fatalf("unexpected principal %+v", p)
	}

	logins, _, _ := f.audit.Query(ctx, "org-1", audit.Filter{Action: audit.ActionLogin}, audit.Page{})
	if len(logins) != 2 {
		t.Fatalf("expected failure and success in org log, got %d", len(logins))
	}
}

func TestBruteForceLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "org-1", "ana@example.com", RoleVolunteer)
	for i := 0; i < 5; i++ {
		_, err := f.svc.Login(ctx, LoginRequest{Email: "ana@example.com", Password: "wrong-password-1", IP: "192.0.2.10"})
		if !errors.Is(err, secure.ErrCredentialMismatch) {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	_, err := f.svc.Login(ctx, LoginRequest{Email: "ana@example.com", Password: password, IP: "192.0.2.10"})
	if wait, ok := secure.RetryAfter(err); !ok || wait != 15*time.Minute {
		t.Fatalf("sixth attempt must be locked out for 15m, got %v", err)
	}
	f.clock.Advance(15 * time.Minute)
	f.login(t, "ana@example.com")
}

func TestSuccessfulLoginsDoNotSpendIPQuota(t *testing.T) {
	f := newFixture(t)
	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		f.account(t, "org-1", email, RoleVolunteer)
	}
	// A shared kiosk: many good sign-ins from one address.
	for i := 0; i < 6; i++ {
		f.login(t, []string{"a@example.com", "b@example.com"}[i%2])
	}
	f.login(t, "c@example.com")

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := f.svc.Login(ctx, LoginRequest{Email: "a@example.com", Password: "wrong-password-1", IP: "192.0.2.10"}); !errors.Is(err, secure.ErrCredentialMismatch) {
			t.Fatalf("failure %d: %v", i+1, err)
		}
	}
	f.login(t, "a@example.com")
	lockouts, _, _ := f.audit.Query(ctx, "org-1", audit.Filter{Action: audit.ActionRateLimitLockout}, audit.Page{})
	if len(lockouts) != 0 {
		t.Fatalf("no lockout expected, got %d", len(lockouts))
	}
}

func TestLoginLockoutIsVisibleToOrganization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "org-7", "ana@example.com", RoleVolunteer)
	for i := 0; i < 5; i++ {
		_, _ = f.svc.Login(ctx, LoginRequest{Email: "ana@example.com", Password: "wrong-password-1", IP: "192.0.2.99"})
	}
	lockouts, _, err := f.audit.Query(ctx, "org-7", audit.Filter{Action: audit.ActionRateLimitLockout}, audit.Page{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(lockouts) != 2 {
		t.Fatalf("expected IP and account lockouts in the organization log, got %d", len(lockouts))
	}
}

func TestLoginWithSecondFactor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.account(t, "org-1", "ana@example.com", RoleVolunteer)

	enr, err := f.factor.Enroll(ctx, acct.ID, acct.Email)
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	code := func() string {
		c, err := pqtotp.GenerateCodeCustom(enr.Secret, f.clock.Now(), pqtotp.ValidateOpts{Period: 30, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1})
		if err != nil {
			t.Fatalf("code: %v", err)
		}
		return c
	}
	if ok, err := f.factor.ConfirmEnrollment(ctx, acct.ID, code()); !ok || err != nil {
		t.Fatalf("ConfirmEnrollment: %v %v", ok, err)
	}
	f.clock.Advance(time.Minute)

	if _, err := f.svc.Login(ctx, LoginRequest{Email: acct.Email, Password: password}); !errors.Is(err, ErrSecondFactorRequired) {
		t.Fatalf("expected ErrSecondFactorRequired, got %v", err)
	}
	res, err := f.svc.Login(ctx, LoginRequest{Email: acct.Email, Password: password, TOTPCode: code()})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.SecondFactor == nil || res.SecondFactor.Method != totp.MethodTOTP {
		t.Fatalf("expected totp verification, got %+v", res.SecondFactor)
	}
	res, err = f.svc.Login(ctx, LoginRequest{Email: acct.Email, Password: password, TOTPCode: enr.RecoveryCodes[3]})
	if err != nil || res.SecondFactor.Method != totp.MethodRecovery || res.SecondFactor.RecoveryCodesRemaining != 9 {
		t.Fatalf("recovery login: %+v %v", res.SecondFactor, err)
	}
}

func TestChangePasswordEndsSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.account(t, "org-1", "ana@example.com", RoleVolunteer)
	a := f.login(t, acct.Email)
	b := f.login(t, acct.Email)

	if err := f.svc.ChangePassword(ctx, acct.ID, "not-current-1", "NewSecure123!"); !errors.Is(err, secure.ErrCredentialMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if err := f.svc.ChangePassword(ctx, acct.ID, password, "weak"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	if err := f.svc.ChangePassword(ctx, acct.ID, password, "NewSecure123!"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if f.sessions.IsValid(ctx, a.Session.ID) || f.sessions.IsValid(ctx, b.Session.ID) {
		t.Fatal("every session must end after a password change")
	}
	if _, err := f.svc.Login(ctx, LoginRequest{Email: acct.Email, Password: "NewSecure123!"}); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
}

func TestAdminHooks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	adminAcct := f.account(t, "org-1", "admin@example.com", RoleAdmin)
	member := f.account(t, "org-1", "vol@example.com", RoleVolunteer)
	outsider := f.account(t, "org-2", "other@example.com", RoleVolunteer)
	memberSession := f.login(t, member.Email)

	admin := Principal{AccountID: adminAcct.ID, OrganizationID: "org-1", Role: RoleAdmin}
	actx := ContextWithPrincipal(ctx, admin)

	if _, err := f.svc.ChangeRole(actx, Principal{AccountID: member.ID, OrganizationID: "org-1", Role: RoleVolunteer}, member.ID, RoleAdmin); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-admin must be forbidden, got %v", err)
	}
	if _, err := f.svc.ChangeRole(actx, admin, outsider.ID, RoleScheduler); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-tenant change must look missing, got %v", err)
	}
	updated, err := f.svc.ChangeRole(actx, admin, member.ID, RoleScheduler)
	if err != nil || updated.Role != RoleScheduler {
		t.Fatalf("ChangeRole: %+v %v", updated, err)
	}
	if f.sessions.IsValid(ctx, memberSession.Session.ID) {
		t.Fatal("permission change must end the member's sessions")
	}

	entries, _, err := f.audit.Query(ctx, "org-1", audit.Filter{Action: audit.ActionRoleChanged}, audit.Page{})
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one role change entry, got %d (%v)", len(entries), err)
	}
	if entries[0].ActorID != adminAcct.ID || string(entries[0].Before) != `{"role":"volunteer"}` || string(entries[0].After) != `{"role":"scheduler"}` {
		t.Fatalf("unexpected entry %+v", entries[0])
	}
	inv, _, _ := f.audit.Query(ctx, "org-1", audit.Filter{Action: audit.ActionSessionInvalidatedPermissionChange}, audit.Page{})
	if len(inv) != 1 {
		t.Fatalf("expected one invalidation entry, got %d", len(inv))
	}

	again := f.login(t, member.Email)
	if _, err := f.svc.LockAccount(actx, admin, member.ID); err != nil {
		t.Fatalf("LockAccount: %v", err)
	}
	if _, err := f.svc.Authenticate(ctx, again.Session.ID); !errors.Is(err, secure.ErrSessionInvalid) {
		t.Fatalf("locked account session must be invalid, got %v", err)
	}
	if _, err := f.svc.Login(ctx, LoginRequest{Email: member.Email, Password: password}); !errors.Is(err, secure.ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.account(t, "org-1", "ana@example.com", RoleVolunteer)
	a := f.login(t, acct.Email)
	b := f.login(t, acct.Email)

	p, err := f.svc.Authenticate(ctx, a.Session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.svc.Logout(ContextWithPrincipal(ctx, p), p); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if f.sessions.IsValid(ctx, a.Session.ID) || !f.sessions.IsValid(ctx, b.Session.ID) {
		t.Fatal("logout must end only the current session")
	}
	pb, _ := f.svc.Authenticate(ctx, b.Session.ID)
	if err := f.svc.LogoutAll(ctx, pb); err != nil {
		t.Fatalf("LogoutAll: %v", err)
	}
	if f.sessions.IsValid(ctx, b.Session.ID) {
		t.Fatal("logout-all must end every session")
	}
}

func TestOrganizationOf(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.account(t, "org-3", "ana@example.com", RoleVolunteer)
	org, err := f.svc.OrganizationOf(ctx, acct.ID)
	if err != nil || org != "org-3" {
		t.Fatalf("OrganizationOf = %q, %v", org, err)
	}
	if _, err := f.svc.OrganizationOf(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
