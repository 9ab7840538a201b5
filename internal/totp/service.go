// Package totp implements time-based one-time password second factors with
// single-use recovery codes.
package totp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pquerna/otp"
	pqtotp "github.com/pquerna/otp/totp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"rosterline.org/internal/audit"
	"rosterline.org/internal/config"
	"rosterline.org/internal/counter"
	"rosterline.org/internal/obs"
	"rosterline.org/internal/ratelimit"
	"rosterline.org/internal/secure"
	"rosterline.org/internal/session"
)

const (
	period       = 30
	secretSize   = 20
	codeDigits   = 6
	recoveryLen  = 16
	stepSkew     = 1
	defaultLabel = "account"
)

// Limiter is the subset of the rate limiter the service needs.
type Limiter interface {
	Check(ctx context.Context, scope, subject string) (ratelimit.Decision, error)
	Reset(ctx context.Context, scope, subject string) error
}

// SessionInvalidator ends every session of an account.
type SessionInvalidator interface {
	InvalidateAllForAccount(ctx context.Context, accountID string, reason session.Reason) error
}

// Service manages enrollment and verification. It is safe for concurrent use.
type Service struct {
	store     Store
	replay    counter.Store
	sealer    *sealer
	limiter   Limiter
	sessions  SessionInvalidator
	audit     audit.Recorder
	orgs      audit.Organizations
	now       func() time.Time
	log       *zap.Logger
	issuer    string
	cost      int
	threshold int
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithLimiter enables the totp-validate quota.
func WithLimiter(l Limiter) ServiceOption {
	return func(s *Service) error {
		s.limiter = l
		return nil
	}
}

// WithSessions wires the session manager used when the factor is disabled.
func WithSessions(inv SessionInvalidator) ServiceOption {
	return func(s *Service) error {
		s.sessions = inv
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

// WithOrganizations resolves the organization audit entries belong to when
// the caller's context does not name one.
func WithOrganizations(orgs audit.Organizations) ServiceOption {
	return func(s *Service) error {
		s.orgs = orgs
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

// WithIssuer sets the issuer shown in authenticator apps.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		issuer = strings.TrimSpace(issuer)
		if issuer == "" {
			return errors.New("totp: issuer is empty")
		}
		s.issuer = issuer
		return nil
	}
}

// NewService builds a Service. replay backs the used-time-step ledger; key is
// the 32-byte secret encryption key.
func NewService(store Store, replay counter.Store, key []byte, sec config.Security, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("totp: store is required")
	}
	sl, err := newSealer(key)
	if err != nil {
		return nil, err
	}
	s := &Service{
		store:     store,
		replay:    replay,
		sealer:    sl,
		now:       time.Now,
		log:       obs.Logger(),
		issuer:    "rosterline",
		cost:      sec.BcryptCost,
		threshold: sec.RecoveryCodeThreshold,
	}
	if s.cost < bcrypt.MinCost {
		s.cost = bcrypt.DefaultCost
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Enroll creates a pending credential. The secret and recovery codes are
// returned here and never again.
func (s *Service) Enroll(ctx context.Context, accountID, accountLabel string) (Enrollment, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return Enrollment{}, errors.New("totp: account id is required")
	}
	ctx = audit.ForAccount(ctx, s.orgs, accountID)
	if strings.TrimSpace(accountLabel) == "" {
		accountLabel = defaultLabel
	}
	key, err := pqtotp.Generate(pqtotp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: accountLabel,
		Period:      period,
		SecretSize:  secretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return Enrollment{}, fmt.Errorf("totp: generate key: %w", err)
	}
	sealed, err := s.sealer.seal(accountID, []byte(key.Secret()))
	if err != nil {
		return Enrollment{}, err
	}

	codes := make([]string, RecoveryCodeCount)
	hashed := make([]RecoveryCode, RecoveryCodeCount)
	for i := range codes {
		code, err := secure.RandomCode(recoveryLen)
		if err != nil {
			return Enrollment{}, err
		}
		h, err := bcrypt.GenerateFromPassword([]byte(normalize(code)), s.cost)
		if err != nil {
			return Enrollment{}, fmt.Errorf("totp: hash recovery code: %w", err)
		}
		codes[i] = code
		hashed[i] = RecoveryCode{Hash: string(h)}
	}

	cred := Credential{
		AccountID:     accountID,
		Secret:        sealed,
		CreatedAt:     s.now().UTC(),
		RecoveryCodes: hashed,
	}
	if err := s.store.SavePending(ctx, cred); err != nil {
		return Enrollment{}, err
	}
	s.record(ctx, audit.ActionTOTPEnrolled, accountID, audit.OutcomeSuccess, "", nil)
	return Enrollment{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		RecoveryCodes:   codes,
	}, nil
}

// ConfirmEnrollment activates a pending credential when code matches it.
func (s *Service) ConfirmEnrollment(ctx context.Context, accountID, code string) (bool, error) {
	ctx = audit.ForAccount(ctx, s.orgs, accountID)
	if err := s.limit(ctx, accountID); err != nil {
		return false, err
	}
	cred, err := s.store.Get(ctx, accountID)
	if err != nil {
		return false, err
	}
	if cred.Enabled {
		return false, ErrAlreadyEnabled
	}
	step, ok, err := s.matchTOTP(cred, normalize(code))
	if err != nil {
		return false, err
	}
	if !ok {
		s.record(ctx, audit.ActionTOTPEnabled, accountID, audit.OutcomeFailure, "invalid_code", nil)
		return false, nil
	}
	if err := s.claimStep(ctx, accountID, step); err != nil {
		if errors.Is(err, secure.ErrCredentialMismatch) {
			return false, nil
		}
		return false, err
	}
	enabled, err := s.store.Enable(ctx, accountID, s.now().UTC())
	if err != nil {
		return false, err
	}
	if !enabled {
		return false, ErrAlreadyEnabled
	}
	s.resetLimit(ctx, accountID)
	s.record(ctx, audit.ActionTOTPEnabled, accountID, audit.OutcomeSuccess, "", nil)
	return true, nil
}

// Verify checks a six-digit code or a recovery code for an enabled
// credential. A recovery code is consumed irreversibly.
func (s *Service) Verify(ctx context.Context, accountID, code string) (VerifyResult, error) {
	ctx = audit.ForAccount(ctx, s.orgs, accountID)
	if err := s.limit(ctx, accountID); err != nil {
		return VerifyResult{}, err
	}
	cred, err := s.store.Get(ctx, accountID)
	if err != nil {
		return VerifyResult{}, err
	}
	if !cred.Enabled {
		return VerifyResult{}, ErrNotEnrolled
	}
	res, err := s.check(ctx, cred, code)
	if err != nil {
		if errors.Is(err, secure.ErrCredentialMismatch) {
			obs.ObserveDecision("totp", "rejected")
			s.record(ctx, audit.ActionTOTPVerified, accountID, audit.OutcomeFailure, "invalid_code", nil)
		}
		return VerifyResult{}, err
	}
	s.resetLimit(ctx, accountID)
	obs.ObserveDecision("totp", "verified")
	if res.Method == MethodTOTP {
		s.record(ctx, audit.ActionTOTPVerified, accountID, audit.OutcomeSuccess, "", nil)
	}
	return res, nil
}

// Disable removes the credential after re-verification and ends every
// session of the account.
func (s *Service) Disable(ctx context.Context, accountID, codeOrRecovery string) (bool, error) {
	ctx = audit.ForAccount(ctx, s.orgs, accountID)
	if err := s.limit(ctx, accountID); err != nil {
		return false, err
	}
	cred, err := s.store.Get(ctx, accountID)
	if err != nil {
		return false, err
	}
	if !cred.Enabled {
		return false, ErrNotEnrolled
	}
	if _, err := s.check(ctx, cred, codeOrRecovery); err != nil {
		if errors.Is(err, secure.ErrCredentialMismatch) {
			s.record(ctx, audit.ActionTOTPDisabled, accountID, audit.OutcomeFailure, "invalid_code", nil)
			return false, nil
		}
		return false, err
	}
	if err := s.store.Delete(ctx, accountID); err != nil {
		return false, err
	}
	s.resetLimit(ctx, accountID)
	s.record(ctx, audit.ActionTOTPDisabled, accountID, audit.OutcomeSuccess, "", nil)
	if s.sessions != nil {
		if err := s.sessions.InvalidateAllForAccount(ctx, accountID, session.ReasonTOTPDisabled); err != nil {
			s.log.Error("session invalidation after totp disable failed",
				zap.String("account_id", accountID), zap.Error(err))
			return true, fmt.Errorf("totp: invalidate sessions: %w", err)
		}
	}
	return true, nil
}

// Status reports the account's second factor without exposing secrets.
func (s *Service) Status(ctx context.Context, accountID string) (Status, error) {
	cred, err := s.store.Get(ctx, accountID)
	if errors.Is(err, ErrNotEnrolled) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Enabled: cred.Enabled,
		Pending: !cred.Enabled,
	}
	if cred.Enabled {
		st.EnrolledAt = cred.EnabledAt
		st.RecoveryCodesRemaining = cred.Remaining()
	}
	return st, nil
}

// IsEnabled reports whether login must ask for a second factor.
func (s *Service) IsEnabled(ctx context.Context, accountID string) (bool, error) {
	st, err := s.Status(ctx, accountID)
	return st.Enabled, err
}

func (s *Service) check(ctx context.Context, cred Credential, code string) (VerifyResult, error) {
	code = normalize(code)
	if code == "" {
		return VerifyResult{}, secure.ErrCredentialMismatch
	}
	if isNumeric(code) {
		step, ok, err := s.matchTOTP(cred, code)
		if err != nil {
			return VerifyResult{}, err
		}
		if !ok {
			return VerifyResult{}, secure.ErrCredentialMismatch
		}
		if err := s.claimStep(ctx, cred.AccountID, step); err != nil {
			return VerifyResult{}, err
		}
		remaining := cred.Remaining()
		return VerifyResult{Method: MethodTOTP, RecoveryCodesRemaining: remaining, SuggestReenroll: remaining <= s.threshold}, nil
	}
	return s.redeemRecovery(ctx, cred, code)
}

func (s *Service) redeemRecovery(ctx context.Context, cred Credential, code string) (VerifyResult, error) {
	for i, rc := range cred.RecoveryCodes {
		if rc.UsedAt != nil {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(rc.Hash), []byte(code)) != nil {
			continue
		}
		ok, err := s.store.ConsumeRecoveryCode(ctx, cred.AccountID, i, s.now().UTC())
		if err != nil {
			return VerifyResult{}, err
		}
		if !ok {
			return VerifyResult{}, secure.ErrCredentialMismatch
		}
		remaining := cred.Remaining() - 1
		s.record(ctx, audit.ActionTOTPRecoveryUsed, cred.AccountID, audit.OutcomeSuccess, "",
			map[string]any{"recovery_codes_remaining": remaining})
		return VerifyResult{
			Method:                 MethodRecovery,
			RecoveryCodesRemaining: remaining,
			SuggestReenroll:        remaining <= s.threshold,
		}, nil
	}
	return VerifyResult{}, secure.ErrCredentialMismatch
}

func (s *Service) matchTOTP(cred Credential, code string) (int64, bool, error) {
	if len(code) != codeDigits || !isNumeric(code) {
		return 0, false, nil
	}
	secret, err := s.sealer.open(cred.AccountID, cred.Secret)
	if err != nil {
		return 0, false, err
	}
	step, ok := matchStep(string(secret), code, s.now())
	return step, ok, nil
}

// matchStep accepts code for the current 30s step or one step either side.
// Every candidate is computed so timing does not reveal which step matched.
func matchStep(secret, code string, now time.Time) (int64, bool) {
	current := now.Unix() / period
	var (
		matched int64
		ok      bool
	)
	for d := int64(-stepSkew); d <= stepSkew; d++ {
		step := current + d
		want, err := pqtotp.GenerateCodeCustom(secret, time.Unix(step*period, 0), pqtotp.ValidateOpts{
			Period:    period,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		})
		if err != nil {
			continue
		}
		if secure.Equal(want, code) && !ok {
			matched, ok = step, true
		}
	}
	return matched, ok
}

// claimStep records that the account used step, so a captured code cannot be
// replayed inside the skew window.
func (s *Service) claimStep(ctx context.Context, accountID string, step int64) error {
	if s.replay == nil {
		return nil
	}
	key := counter.Key("totp", "step", accountID, strconv.FormatInt(step, 10))
	won, err := s.replay.SetNX(ctx, key, "1", (2*stepSkew+1)*period*time.Second)
	if err != nil {
		return secure.Unavailable("totp replay", err)
	}
	if !won {
		return secure.ErrCredentialMismatch
	}
	return nil
}

func (s *Service) limit(ctx context.Context, accountID string) error {
	if s.limiter == nil {
		return nil
	}
	_, err := s.limiter.Check(ctx, config.ScopeTOTP, accountID)
	return err
}

func (s *Service) resetLimit(ctx context.Context, accountID string) {
	if s.limiter == nil {
		return
	}
	if err := s.limiter.Reset(ctx, config.ScopeTOTP, accountID); err != nil {
		s.log.Warn("totp rate limit reset failed", zap.Error(err))
	}
}

func (s *Service) record(ctx context.Context, action audit.Action, accountID string, outcome audit.Outcome, reason string, after map[string]any) {
	if s.audit == nil {
		return
	}
	_, err := s.audit.Record(ctx, audit.Event{
		Action:        action,
		ResourceType:  "account",
		ResourceID:    accountID,
		After:         after,
		Outcome:       outcome,
		FailureReason: reason,
	})
	if err != nil {
		s.log.Error("totp audit failed", zap.String("action", string(action)), zap.Error(err))
	}
}

func normalize(code string) string {
	return strings.ToUpper(strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(code)))
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
