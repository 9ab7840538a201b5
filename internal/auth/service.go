// Package auth owns accounts and orchestrates sign-in, sign-out and the
// account changes that must end existing sessions.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"rosterline.org/internal/audit"
	"rosterline.org/internal/config"
	"rosterline.org/internal/obs"
	"rosterline.org/internal/ratelimit"
	"rosterline.org/internal/secure"
	"rosterline.org/internal/session"
	"rosterline.org/internal/totp"
)

// Sessions is the session manager as used by the service.
type Sessions interface {
	Create(ctx context.Context, accountID, orgID string, md session.Metadata) (session.Session, error)
	Touch(ctx context.Context, id string) (session.Session, error)
	InvalidateSession(ctx context.Context, id string) error
	InvalidateAllForAccount(ctx context.Context, accountID string, reason session.Reason) error
}

// SecondFactor verifies TOTP or recovery codes at sign-in.
type SecondFactor interface {
	IsEnabled(ctx context.Context, accountID string) (bool, error)
	Verify(ctx context.Context, accountID, code string) (totp.VerifyResult, error)
}

// Limiter guards sign-in attempts.
type Limiter interface {
	Blocked(ctx context.Context, scope string, subjects ...string) (ratelimit.Decision, error)
	RecordFailure(ctx context.Context, scope string, subjects ...string) (ratelimit.Decision, error)
	Reset(ctx context.Context, scope, subject string) error
}

// LoginRequest carries sign-in credentials and client metadata.
type LoginRequest struct {
	Email     string
	Password  string
	TOTPCode  string
	IP        string
	UserAgent string
	Device    string
}

// LoginResult is a successful sign-in.
type LoginResult struct {
	Session session.Session
	Account Account
	// SecondFactor is set when a TOTP or recovery code was checked.
	SecondFactor *totp.VerifyResult
}

// Service provides account security operations.
type Service struct {
	dir       Directory
	sessions  Sessions
	limiter   Limiter
	factor    SecondFactor
	audit     audit.Recorder
	now       func() time.Time
	log       *zap.Logger
	cost      int
	dummyHash string
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithLimiter enables sign-in rate limiting.
func WithLimiter(l Limiter) ServiceOption {
	return func(s *Service) error {
		s.limiter = l
		return nil
	}
}

// WithSecondFactor requires a TOTP code from accounts that enabled one.
func WithSecondFactor(f SecondFactor) ServiceOption {
	return func(s *Service) error {
		s.factor = f
		return nil
	}
}

// WithRecorder sets the audit recorder.
func WithRecorder(rec audit.Recorder) ServiceOption {
	return func(s *Service) error {
		s.audit = rec
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithLogger overrides the structured logger.
func WithLogger(z *zap.Logger) ServiceOption {
	return func(s *Service) error {
		if z != nil {
			s.log = z
		}
		return nil
	}
}

// NewService wires the account directory and session manager.
func NewService(dir Directory, sessions Sessions, sec config.Security, opts ...ServiceOption) (*Service, error) {
	if dir == nil || sessions == nil {
		return nil, errors.New("auth: directory and sessions are required")
	}
	s := &Service{
		dir:      dir,
		sessions: sessions,
		now:      time.Now,
		log:      obs.Logger(),
		cost:     sec.BcryptCost,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	filler, err := secure.RandomToken(24)
	if err != nil {
		return nil, err
	}
	if s.dummyHash, err = HashPassword(filler, s.cost); err != nil {
		return nil, fmt.Errorf("auth: prepare dummy hash: %w", err)
	}
	return s, nil
}

func ipSubject(ip string) string { return "ip:" + strings.TrimSpace(ip) }
func emailSubject(email string) string { return "acct:" + email }

// Login authenticates by password and, when enabled, a second factor. Unknown
// addresses and wrong passwords are indistinguishable to the caller. Only
// failed attempts count toward the per-IP and per-account quotas.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	email := NormalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		return LoginResult{}, ErrInvalidInput
	}
	if s.limiter != nil {
		if _, err := s.limiter.Blocked(ctx, config.ScopeLogin, ipSubject(req.IP), emailSubject(email)); err != nil {
			return LoginResult{}, err
		}
	}

	acct, err := s.dir.FindAccountByEmail(ctx, email)
	switch {
	case errors.Is(err, ErrNotFound):
		_ = VerifyPassword(s.dummyHash, req.Password)
		s.recordLogin(ctx, "", "", audit.OutcomeFailure, "invalid_credentials")
		s.loginFailed(ctx, req.IP, email)
		return LoginResult{}, secure.ErrCredentialMismatch
	case err != nil:
		return LoginResult{}, err
	}
	// Entries written on the way, lockouts included, belong to the account's organization.
	ctx = audit.WithActor(ctx, acct.ID, acct.OrganizationID)
	if VerifyPassword(acct.PasswordHash, req.Password) != nil {
		s.recordLogin(ctx, acct.ID, acct.OrganizationID, audit.OutcomeFailure, "invalid_credentials")
		s.loginFailed(ctx, req.IP, email)
		return LoginResult{}, secure.ErrCredentialMismatch
	}
	if acct.Locked() {
		s.recordLogin(ctx, acct.ID, acct.OrganizationID, audit.OutcomeFailure, "account_locked")
		return LoginResult{}, secure.ErrAccountLocked
	}

	var factor *totp.VerifyResult
	if s.factor != nil {
		enabled, err := s.factor.IsEnabled(ctx, acct.ID)
		if err != nil {
			return LoginResult{}, err
		}
		if enabled {
			if strings.TrimSpace(req.TOTPCode) == "" {
				return LoginResult{}, ErrSecondFactorRequired
			}
			res, err := s.factor.Verify(ctx, acct.ID, req.TOTPCode)
			if err != nil {
				if errors.Is(err, secure.ErrCredentialMismatch) {
					s.recordLogin(ctx, acct.ID, acct.OrganizationID, audit.OutcomeFailure, "invalid_second_factor")
					s.loginFailed(ctx, req.IP, email)
				}
				return LoginResult{}, err
			}
			factor = &res
		}
	}

	sess, err := s.sessions.Create(ctx, acct.ID, acct.OrganizationID, session.Metadata{
		IP:        req.IP,
		UserAgent: req.UserAgent,
		Device:    req.Device,
	})
	if err != nil {
		return LoginResult{}, err
	}
	if s.limiter != nil {
		if err := s.limiter.Reset(ctx, config.ScopeLogin, emailSubject(email)); err != nil {
			s.log.Warn("login rate limit reset failed", zap.Error(err))
		}
	}
	s.recordLogin(ctx, acct.ID, acct.OrganizationID, audit.OutcomeSuccess, "")
	return LoginResult{Session: sess, Account: acct, SecondFactor: factor}, nil
}

// loginFailed counts a failed sign-in against the IP and the account. The
// attempt is already refused, so a store error is only logged.
func (s *Service) loginFailed(ctx context.Context, ip, email string) {
	if s.limiter == nil {
		return
	}
	_, err := s.limiter.RecordFailure(ctx, config.ScopeLogin, ipSubject(ip), emailSubject(email))
	if err != nil && !errors.Is(err, secure.ErrRateLimited) {
		s.log.Warn("login failure not counted", zap.Error(err))
	}
}

// Authenticate resolves a presented session id into a principal, sliding the
// session's idle expiry.
func (s *Service) Authenticate(ctx context.Context, sessionID string) (Principal, error) {
	sess, err := s.sessions.Touch(ctx, sessionID)
	if err != nil {
		return Principal{}, err
	}
	acct, err := s.dir.FindAccount(ctx, sess.AccountID)
	if errors.Is(err, ErrNotFound) {
		return Principal{}, secure.ErrSessionInvalid
	}
	if err != nil {
		return Principal{}, err
	}
	if acct.Locked() {
		return Principal{}, secure.ErrSessionInvalid
	}
	return Principal{
		AccountID:      acct.ID,
		OrganizationID: acct.OrganizationID,
		Email:          acct.Email,
		Role:           acct.Role,
		SessionID:      sessionID,
		SessionHandle:  sess.Handle,
	}, nil
}

// Logout ends one session.
func (s *Service) Logout(ctx context.Context, p Principal) error {
	if err := s.sessions.InvalidateSession(ctx, p.SessionID); err != nil {
		return err
	}
	s.record(ctx, audit.Event{
		Action:       audit.ActionLogout,
		ResourceType: "session",
		ResourceID:   p.SessionHandle,
	})
	return nil
}

// LogoutAll ends every session of the principal's account.
func (s *Service) LogoutAll(ctx context.Context, p Principal) error {
	return s.sessions.InvalidateAllForAccount(ctx, p.AccountID, session.ReasonLogoutAll)
}

// ChangePassword replaces the password after checking the current one and
// ends every session of the account, the caller's included.
func (s *Service) ChangePassword(ctx context.Context, accountID, current, next string) error {
	acct, err := s.dir.FindAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if VerifyPassword(acct.PasswordHash, current) != nil {
		s.record(ctx, audit.Event{
			Action:        audit.ActionPasswordChanged,
			ResourceType:  "account",
			ResourceID:    accountID,
			Outcome:       audit.OutcomeFailure,
			FailureReason: "invalid_credentials",
		})
		return secure.ErrCredentialMismatch
	}
	if err := s.SetPassword(ctx, accountID, next); err != nil {
		return err
	}
	s.record(ctx, audit.Event{
		Action:       audit.ActionPasswordChanged,
		ResourceType: "account",
		ResourceID:   accountID,
	})
	return s.sessions.InvalidateAllForAccount(ctx, accountID, session.ReasonPasswordChange)
}

// SetPassword validates and stores a new password without further side
// effects. Callers own session invalidation.
func (s *Service) SetPassword(ctx context.Context, accountID, password string) error {
	if err := ValidatePassword(password); err != nil {
		return err
	}
	hash, err := HashPassword(password, s.cost)
	if err != nil {
		return err
	}
	return s.dir.UpdatePasswordHash(ctx, accountID, hash)
}

// AccountIDByEmail resolves an address for the reset flow.
func (s *Service) AccountIDByEmail(ctx context.Context, email string) (string, error) {
	acct, err := s.dir.FindAccountByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	return acct.ID, nil
}

// OrganizationOf returns the organization accountID belongs to.
func (s *Service) OrganizationOf(ctx context.Context, accountID string) (string, error) {
	return Organizations(s.dir).OrganizationOf(ctx, accountID)
}

// Organizations exposes dir to components that only attribute audit entries.
func Organizations(dir Directory) audit.Organizations {
	return directoryOrgs{dir: dir}
}

type directoryOrgs struct{ dir Directory }

func (d directoryOrgs) OrganizationOf(ctx context.Context, accountID string) (string, error) {
	acct, err := d.dir.FindAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	return acct.OrganizationID, nil
}

// CreateAccount registers an account with an initial password.
func (s *Service) CreateAccount(ctx context.Context, orgID, email, password, role string) (Account, error) {
	if strings.TrimSpace(orgID) == "" || NormalizeEmail(email) == "" || !ValidRole(role) {
		return Account{}, ErrInvalidInput
	}
	if err := ValidatePassword(password); err != nil {
		return Account{}, err
	}
	hash, err := HashPassword(password, s.cost)
	if err != nil {
		return Account{}, err
	}
	return s.dir.CreateAccount(ctx, Account{
		OrganizationID: orgID,
		Email:          NormalizeEmail(email),
		PasswordHash:   hash,
		Role:           role,
		Status:         StatusActive,
	})
}

// ChangeRole is the admin hook for permission changes. The target must
// belong to the admin's organization.
func (s *Service) ChangeRole(ctx context.Context, admin Principal, accountID, role string) (Account, error) {
	if !ValidRole(role) {
		return Account{}, ErrInvalidInput
	}
	acct, err := s.target(ctx, admin, accountID)
	if err != nil {
		return Account{}, err
	}
	if role == RoleOwner && admin.Role != RoleOwner {
		return Account{}, ErrForbidden
	}
	if err := s.dir.UpdateRole(ctx, accountID, role); err != nil {
		return Account{}, err
	}
	before := acct.Role
	acct.Role = role
	s.record(ctx, audit.Event{
		Action:       audit.ActionRoleChanged,
		ResourceType: "account",
		ResourceID:   accountID,
		Before:       map[string]any{"role": before},
		After:        map[string]any{"role": role},
	})
	if err := s.sessions.InvalidateAllForAccount(ctx, accountID, session.ReasonPermissionChange); err != nil {
		return acct, err
	}
	return acct, nil
}

// LockAccount blocks sign-in and ends every session of the account.
func (s *Service) LockAccount(ctx context.Context, admin Principal, accountID string) (Account, error) {
	acct, err := s.target(ctx, admin, accountID)
	if err != nil {
		return Account{}, err
	}
	if err := s.dir.SetStatus(ctx, accountID, StatusLocked); err != nil {
		return Account{}, err
	}
	before := acct.Status
	acct.Status = StatusLocked
	s.record(ctx, audit.Event{
		Action:       audit.ActionAccountLocked,
		ResourceType: "account",
		ResourceID:   accountID,
		Before:       map[string]any{"status": before},
		After:        map[string]any{"status": StatusLocked},
	})
	if err := s.sessions.InvalidateAllForAccount(ctx, accountID, session.ReasonAccountLock); err != nil {
		return acct, err
	}
	return acct, nil
}

func (s *Service) target(ctx context.Context, admin Principal, accountID string) (Account, error) {
	if !admin.HasRole(RoleAdmin) {
		return Account{}, ErrForbidden
	}
	acct, err := s.dir.FindAccount(ctx, accountID)
	if err != nil {
		return Account{}, err
	}
	// Other tenants' accounts are reported as missing.
	if acct.OrganizationID != admin.OrganizationID {
		return Account{}, ErrNotFound
	}
	return acct, nil
}

func (s *Service) recordLogin(ctx context.Context, accountID, orgID string, outcome audit.Outcome, reason string) {
	s.record(ctx, audit.Event{
		OrganizationID: orgID,
		ActorID:        accountID,
		Action:         audit.ActionLogin,
		ResourceType:   "account",
		ResourceID:     accountID,
		Outcome:        outcome,
		FailureReason:  reason,
	})
}

func (s *Service) record(ctx context.Context, ev audit.Event) {
	if s.audit == nil {
		return
	}
	if _, err := s.audit.Record(ctx, ev); err != nil {
		s.log.Error("auth audit failed", zap.String("action", string(ev.Action)), zap.Error(err))
	}
}
